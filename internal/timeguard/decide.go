package timeguard

import (
	"github.com/time-coin/timecoin/internal/timevote"
	"github.com/time-coin/timecoin/pkg/types"
)

// DecideProposal implements the fallback leader's decision rule: Accept the contested outpoint's current preferred
// transaction if its accumulated weight strictly exceeds every competing
// transaction's, Reject if some competitor is strictly ahead, and Accept
// by lowest txid on an exact tie. Kept as a pure function over plain
// weights so timeguard never reaches into timevote's VoteState directly.
func DecideProposal(ownWeight, conflictWeight uint64, txid, conflictTxid types.Hash) timevote.Decision {
	if ownWeight > conflictWeight {
		return timevote.DecisionAccept
	}
	if ownWeight < conflictWeight {
		return timevote.DecisionReject
	}
	if hashLess(txid, conflictTxid) {
		return timevote.DecisionAccept
	}
	return timevote.DecisionReject
}

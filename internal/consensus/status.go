package consensus

import (
	"github.com/time-coin/timecoin/internal/events"
	"github.com/time-coin/timecoin/internal/timevote"
	"github.com/time-coin/timecoin/pkg/types"
)

// TxStatusInfo is the on-demand answer to a status query for one
// transaction. Only the fields relevant to Status are set: ProgressPct for
// Voting/FallbackResolution, RejectReason for Rejected, ArchivedHeight for
// Archived.
type TxStatusInfo struct {
	Status         events.TxStatus
	ProgressPct    int
	RejectReason   string
	ArchivedHeight uint64
}

// Status reports a transaction's current position in the finality
// lifecycle, composed from the live vote state, the pool's rejection
// records, and the chain's transaction index. Returns false for a
// transaction this node has never seen (or whose rejection record has
// already aged out).
func (e *Engine) Status(txid types.Hash) (TxStatusInfo, bool) {
	if vs := e.votes.State(txid); vs != nil {
		switch vs.Status {
		case timevote.StatusSeen:
			return TxStatusInfo{Status: events.TxSeen}, true
		case timevote.StatusVoting:
			return TxStatusInfo{Status: events.TxVoting, ProgressPct: quorumProgress(vs)}, true
		case timevote.StatusFallbackResolution:
			return TxStatusInfo{Status: events.TxFallbackResolution, ProgressPct: quorumProgress(vs)}, true
		case timevote.StatusFinalized:
			return TxStatusInfo{Status: events.TxFinalized}, true
		case timevote.StatusRejected:
			reason := vs.RejectReason
			if r, ok := e.pool.RejectedReason(txid); ok && reason == "" {
				reason = r
			}
			return TxStatusInfo{Status: events.TxRejected, RejectReason: reason}, true
		case timevote.StatusArchived:
			// Fall through to the chain index for the archival height.
		}
	}
	if height, ok := e.chain.TxHeight(txid); ok {
		return TxStatusInfo{Status: events.TxArchived, ArchivedHeight: height}, true
	}
	if reason, ok := e.pool.RejectedReason(txid); ok {
		return TxStatusInfo{Status: events.TxRejected, RejectReason: reason}, true
	}
	return TxStatusInfo{}, false
}

// quorumProgress expresses accumulated Accept weight as a percentage of
// Q_finality, capped at 100.
func quorumProgress(vs *timevote.VoteState) int {
	if vs.RequiredWeight == 0 {
		return 0
	}
	pct := int(vs.AccumulatedWeight * 100 / vs.RequiredWeight)
	if pct > 100 {
		pct = 100
	}
	return pct
}

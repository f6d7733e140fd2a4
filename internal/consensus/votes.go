package consensus

import (
	"fmt"
	"time"

	"github.com/time-coin/timecoin/internal/log"
	"github.com/time-coin/timecoin/internal/timevote"
	"github.com/time-coin/timecoin/pkg/types"
)

// ProcessVoteQuery answers a SampleQuery this node received because its
// own masternode identity was drawn into another transaction's sample.
// Returns an error if this node holds no masternode
// identity (an observer never votes).
func (e *Engine) ProcessVoteQuery(txid types.Hash, slot uint64) (timevote.FinalityVote, error) {
	if e.responder == nil {
		return timevote.FinalityVote{}, fmt.Errorf("consensus: node has no masternode identity to vote with")
	}
	return e.responder.Vote(txid, slot)
}

// ProcessFinalityVote folds a FinalityVote received over the network into
// its transaction's accumulator, committing the
// transaction the instant this vote pushes it to Q_finality.
func (e *Engine) ProcessFinalityVote(vote timevote.FinalityVote, now time.Time) error {
	reached, err := e.votes.RecordExternalVote(vote, now)
	if err != nil {
		return fmt.Errorf("record finality vote: %w", err)
	}
	e.syncVoteWeight(vote.Txid)
	if reached {
		if err := e.commitFinalized(vote.Txid, now); err != nil {
			return fmt.Errorf("commit newly finalized tx: %w", err)
		}
	}
	return nil
}

// syncVoteWeight mirrors txid's newly accumulated Accept weight onto the
// UTXO manager's persisted SpentPending.AccumulatedWeight, so a crash-restarted node's UTXO set alone reflects
// how close a pending spend came to finality without replaying every
// FinalityVote TimeVote ever received. e.synced tracks the last weight
// already pushed per txid so only the delta is ever added.
func (e *Engine) syncVoteWeight(txid types.Hash) {
	vs := e.votes.State(txid)
	if vs == nil {
		return
	}
	e.mu.Lock()
	delta := vs.AccumulatedWeight - e.synced[txid]
	if delta > 0 {
		e.synced[txid] = vs.AccumulatedWeight
	}
	e.mu.Unlock()
	if delta == 0 {
		return
	}
	for op, preferred := range vs.PreferredTxidPerOutpoint {
		if preferred != txid {
			continue
		}
		if _, err := e.utxoMgr.AddVoteWeight(op, txid, delta); err != nil {
			log.Consensus.Debug().Err(err).Str("txid", txid.String()).Msg("sync vote weight failed")
		}
	}
}

package consensus

import (
	"fmt"
	"time"

	"github.com/time-coin/timecoin/internal/log"
	"github.com/time-coin/timecoin/internal/timeproof"
	"github.com/time-coin/timecoin/internal/timevote"
	"github.com/time-coin/timecoin/internal/utxo"
	"github.com/time-coin/timecoin/pkg/types"
)

// ProofFor assembles the finality certificate for a transaction this node
// has watched cross Q_finality, or nil when txid is unknown or not yet
// finalized. The certificate is what TimeProofGossip carries to peers that
// never sampled the transaction themselves.
func (e *Engine) ProofFor(txid types.Hash) *timeproof.TimeProof {
	votes := e.votes.Proof(txid)
	if len(votes) == 0 {
		return nil
	}
	t := e.pool.Get(txid)
	if t == nil {
		return nil
	}
	vs := e.votes.State(txid)
	if vs == nil {
		return nil
	}
	return timeproof.Assemble(t, vs.SlotIndex, votes)
}

// ProcessTimeProof verifies a gossiped finality certificate and adopts the
// finality it certifies: the transaction is admitted if this node has
// never seen it, its accumulated votes are folded in, and it is committed
// as finalized without waiting for this node's own sampling to converge.
func (e *Engine) ProcessTimeProof(p *timeproof.TimeProof, now time.Time) error {
	if p == nil || p.Tx == nil {
		return fmt.Errorf("consensus: nil timeproof")
	}
	snap, err := e.registry.Snapshot(p.SlotIndex)
	if err != nil || snap == nil {
		return fmt.Errorf("no avs snapshot for slot %d", p.SlotIndex)
	}
	if err := timeproof.VerifyWithKeys(p, e.chainID, snap, func(id types.Address) ([]byte, bool) {
		pub, err := e.pubKeys.PubKey(id)
		return pub, err == nil
	}); err != nil {
		return fmt.Errorf("verify timeproof: %w", err)
	}

	txid := p.Tx.Hash()
	for _, in := range p.Tx.Inputs {
		if in.PrevOut.IsZero() {
			continue
		}
		state, stErr := e.utxoMgr.State(in.PrevOut)
		if stErr != nil {
			continue
		}
		if (state.Kind == utxo.StateSpentFinalized || state.Kind == utxo.StateArchived) && state.TxID != txid {
			// Two finality certificates over one outpoint: halt
			// auto-finalization and surface it; never adopt silently.
			e.events.ConflictingFinalityEvent(in.PrevOut, state.TxID, txid)
			return fmt.Errorf("conflicting finality on %s: %s already finalized", in.PrevOut, state.TxID)
		}
	}
	if !e.pool.Has(txid) {
		if _, err := e.SubmitTransaction(p.Tx, now); err != nil {
			return fmt.Errorf("admit proven tx: %w", err)
		}
	}

	reached := false
	for _, v := range p.Votes {
		r, err := e.votes.RecordExternalVote(v, now)
		if err != nil {
			log.Consensus.Debug().Err(err).Str("txid", txid.String()).Msg("fold timeproof vote")
			continue
		}
		reached = reached || r
	}
	e.syncVoteWeight(txid)
	if !reached {
		// Already finalized locally, or the fold raced another path;
		// either way there is nothing further to commit here.
		vs := e.votes.State(txid)
		if vs != nil && vs.Status == timevote.StatusVoting {
			return fmt.Errorf("timeproof for %s verified but local accumulator below quorum", txid)
		}
		return nil
	}
	if err := e.commitFinalized(txid, now); err != nil {
		return fmt.Errorf("commit proven tx: %w", err)
	}
	return nil
}

package consensus

import (
	"fmt"
	"time"

	"github.com/time-coin/timecoin/internal/events"
	"github.com/time-coin/timecoin/internal/log"
	"github.com/time-coin/timecoin/internal/registry"
	"github.com/time-coin/timecoin/internal/timeguard"
	"github.com/time-coin/timecoin/internal/timevote"
	"github.com/time-coin/timecoin/pkg/types"
)

// proposeFallback builds and gossips this node's leader proposal for a
// transaction TimeGuard just elected it to resolve, then
// casts its own FallbackVote on it exactly as a non-leader member would.
func (e *Engine) proposeFallback(txid types.Hash, snap *registry.AVSSnapshot, now time.Time) {
	ownWeight, conflictWeight, conflictTxid := e.fallbackWeights(txid)
	p, err := e.guard.Propose(txid, ownWeight, conflictWeight, conflictTxid)
	if err != nil {
		log.Consensus.Warn().Err(err).Str("txid", txid.String()).Msg("propose fallback failed")
		return
	}
	if e.OnVoteCast != nil {
		e.OnVoteCast(p)
	}
	if err := e.castFallbackVote(txid, snap); err != nil {
		log.Consensus.Warn().Err(err).Str("txid", txid.String()).Msg("cast fallback vote failed")
	}
}

// ProcessFallbackProposal records a fallback round's leader proposal
// gossiped over the network and casts this node's own verdict on it.
func (e *Engine) ProcessFallbackProposal(p *timeguard.FinalityProposal, now time.Time) error {
	rs := e.guard.Round(p.Txid)
	if rs == nil {
		return fmt.Errorf("consensus: no fallback round in progress for %s", p.Txid)
	}
	pub, err := e.pubKeys.PubKey(rs.Leader)
	if err != nil {
		return fmt.Errorf("consensus: resolve fallback leader key: %w", err)
	}
	if err := e.guard.RecordProposal(p, pub); err != nil {
		return fmt.Errorf("record fallback proposal: %w", err)
	}
	if e.self == nil {
		return nil
	}
	snap, err := e.registry.Snapshot(rs.Slot)
	if err != nil || snap == nil {
		return fmt.Errorf("consensus: no avs snapshot for slot %d", rs.Slot)
	}
	return e.castFallbackVote(p.Txid, snap)
}

// castFallbackVote votes on the round's current proposal by independently
// recomputing TimeGuard's decision rule over this
// node's own observed weights; a mismatch with the leader's proposed
// decision votes Deny rather than trusting the leader blindly.
func (e *Engine) castFallbackVote(txid types.Hash, snap *registry.AVSSnapshot) error {
	if e.self == nil {
		return fmt.Errorf("consensus: observer node cannot cast a fallback vote")
	}
	rs := e.guard.Round(txid)
	if rs == nil || rs.Proposal == nil {
		return fmt.Errorf("consensus: no fallback proposal to vote on for %s", txid)
	}

	ownWeight, conflictWeight, conflictTxid := e.fallbackWeights(txid)
	expected := timeguard.DecideProposal(ownWeight, conflictWeight, txid, conflictTxid)
	choice := timeguard.VoteDeny
	if expected == rs.Proposal.Decision {
		choice = timeguard.VoteApprove
	}

	v, err := e.guard.Vote(txid, choice, memberWeight(snap, e.self.ID))
	if err != nil {
		return err
	}
	if e.OnVoteCast != nil {
		e.OnVoteCast(v)
	}
	_, err = e.guard.RecordVote(txid, *v, snap.QuorumWeight(), time.Now())
	return err
}

// ProcessFallbackVote folds a FallbackVote received over the network into
// its round's Approve tally, resolving the round through
// the Engine's registered OnResolved callback the instant it reaches
// Q_finality worth of Approve weight.
func (e *Engine) ProcessFallbackVote(txid types.Hash, vote timeguard.FallbackVote, now time.Time) error {
	rs := e.guard.Round(txid)
	if rs == nil {
		return fmt.Errorf("consensus: no fallback round in progress for %s", txid)
	}
	snap, err := e.registry.Snapshot(rs.Slot)
	if err != nil || snap == nil {
		return fmt.Errorf("consensus: no avs snapshot for slot %d", rs.Slot)
	}
	_, err = e.guard.RecordVote(txid, vote, snap.QuorumWeight(), now)
	return err
}

// onFallbackResolved is TimeGuard's OnResolved callback: it folds the
// round's decision back into TimeVote and either
// commits the transaction exactly as a direct Q_finality hit would, or
// rejects it.
func (e *Engine) onFallbackResolved(txid types.Hash, decision timevote.Decision) {
	now := time.Now()
	if err := e.votes.ResolveFallback(txid, decision, now); err != nil {
		log.Consensus.Warn().Err(err).Str("txid", txid.String()).Msg("resolve fallback failed")
		return
	}
	e.guard.Clear(txid)

	if decision == timevote.DecisionReject {
		e.pool.MarkRejected(txid, "timeguard fallback round rejected", now)
		e.events.TransactionStatusChanged(txid, events.TxRejected)
		return
	}
	if err := e.commitFinalized(txid, now); err != nil {
		log.Consensus.Warn().Err(err).Str("txid", txid.String()).Msg("commit fallback-accepted tx failed")
	}
}

// onFallbackEscalate is TimeGuard's OnEscalate callback, fired once
// MAX_FALLBACK_ROUNDS is exhausted without reaching Approve quorum.
// Ultimate liveness recovery is a TimeLock-block-level concern: the txid
// is queued for the next block this node produces, which settles it
// deterministically and carries liveness_recovery in its header.
func (e *Engine) onFallbackEscalate(txid types.Hash) {
	log.Consensus.Error().Str("txid", txid.String()).Msg("fallback rounds exhausted without resolution; awaiting liveness recovery")
	e.mu.Lock()
	e.escalated[txid] = true
	e.mu.Unlock()
	if vs := e.votes.State(txid); vs != nil {
		e.events.StallDetected(txid, vs.SlotIndex)
	}
}

// resolveEscalated settles every escalated transaction the way the
// winning TimeLock leader must: anything that ever accumulated Accept
// weight finalizes, anything with only Rejects is rejected. Returns true
// if any transaction was settled, in which case the produced block must
// carry liveness_recovery.
func (e *Engine) resolveEscalated(now time.Time) bool {
	e.mu.Lock()
	txids := make([]types.Hash, 0, len(e.escalated))
	for txid := range e.escalated {
		txids = append(txids, txid)
	}
	e.escalated = make(map[types.Hash]bool)
	e.mu.Unlock()

	resolved := false
	for _, txid := range txids {
		vs := e.votes.State(txid)
		if vs == nil || vs.Status != timevote.StatusFallbackResolution {
			continue
		}
		decision := timevote.DecisionReject
		if vs.AccumulatedWeight > 0 {
			decision = timevote.DecisionAccept
		}
		e.onFallbackResolved(txid, decision)
		resolved = true
	}
	return resolved
}

// fallbackWeights reads txid's own accumulated TimeVote weight and, if one
// of its outpoints is contested, its current preferred competitor's
// accumulated weight.
func (e *Engine) fallbackWeights(txid types.Hash) (ownWeight, conflictWeight uint64, conflictTxid types.Hash) {
	vs := e.votes.State(txid)
	if vs == nil {
		return 0, 0, types.Hash{}
	}
	ownWeight = vs.AccumulatedWeight
	for _, preferred := range vs.PreferredTxidPerOutpoint {
		if preferred == txid {
			continue
		}
		conflictTxid = preferred
		if cs := e.votes.State(preferred); cs != nil {
			conflictWeight = cs.AccumulatedWeight
		}
		break
	}
	return ownWeight, conflictWeight, conflictTxid
}

// recordOwnAlert signs and records this node's own LivenessAlert for a
// transaction TimeVote just moved to FallbackResolution,
// gossiping it so other nodes can reach the same f+1 quorum. Observer
// nodes (self == nil) record and cast nothing here; their alert quorum is
// built only from other nodes' gossiped alerts.
func (e *Engine) recordOwnAlert(vs *timevote.VoteState, snap *registry.AVSSnapshot, now time.Time) {
	if e.self == nil {
		return
	}
	alert := &timeguard.LivenessAlert{
		Txid:       vs.Txid,
		Commitment: vs.TxHash,
		SlotIndex:  vs.SlotIndex,
		StallMs:    uint64(time.Since(vs.StallDeadline).Milliseconds()),
		Reporter:   e.self.ID,
	}
	if err := alert.Sign(e.self.Key); err != nil {
		log.Consensus.Warn().Err(err).Str("txid", vs.Txid.String()).Msg("sign liveness alert failed")
		return
	}
	e.guard.RecordAlert(vs.Txid, *alert, len(snap.Members), now)
	if e.OnVoteCast != nil {
		e.OnVoteCast(alert)
	}
}

// ProcessLivenessAlert folds a LivenessAlert gossiped by another node into
// txid's alert quorum.
func (e *Engine) ProcessLivenessAlert(alert timeguard.LivenessAlert, now time.Time) error {
	snap, err := e.registry.Snapshot(alert.SlotIndex)
	if err != nil || snap == nil {
		return fmt.Errorf("consensus: no avs snapshot for slot %d", alert.SlotIndex)
	}
	pub, err := e.pubKeys.PubKey(alert.Reporter)
	if err != nil || !alert.VerifySignature(pub) {
		return fmt.Errorf("consensus: liveness alert from %s does not verify", alert.Reporter)
	}
	e.guard.RecordAlert(alert.Txid, alert, len(snap.Members), now)
	return nil
}

// memberWeight resolves id's sampling weight within snap, 0 if absent.
func memberWeight(snap *registry.AVSSnapshot, id types.Address) uint64 {
	for _, m := range snap.Members {
		if m.ID == id {
			return m.SamplingWeight
		}
	}
	return 0
}

package consensus

import (
	"bytes"
	"fmt"
	"sort"
	"time"

	"github.com/time-coin/timecoin/internal/events"
	"github.com/time-coin/timecoin/internal/log"
	"github.com/time-coin/timecoin/internal/registry"
	"github.com/time-coin/timecoin/internal/timelock"
	"github.com/time-coin/timecoin/pkg/types"
)

// RecordLeaderCandidate adds a gossiped VRF leader candidate to slot's
// sortition round, ignoring a repeat from the same
// masternode. The transport layer feeds this in as candidates arrive; the
// local node's own candidacy is recorded automatically by ProduceBlock.
func (e *Engine) RecordLeaderCandidate(slot uint64, c timelock.LeaderCandidate) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, existing := range e.candidates[slot] {
		if existing.ID == c.ID {
			return
		}
	}
	e.candidates[slot] = append(e.candidates[slot], c)
}

// ProduceBlock attempts to produce this slot's TimeLock block:
// it proves this node's own VRF candidacy, checks whether it won the
// sortition among every candidate recorded for the slot so far, and if so
// assembles the block and casts (or, below bootstrapAVSSize, directly
// applies) the leader's own Prepare vote. Returns (nil, nil) when this
// node holds an identity but did not win the slot.
func (e *Engine) ProduceBlock(now time.Time) (*timelock.BlockProposal, error) {
	if e.self == nil {
		return nil, fmt.Errorf("consensus: observer node cannot produce blocks")
	}

	height := e.chain.Height() + 1
	prevHash := e.chain.TipHash()
	slot := timelock.Slot(now.Unix())

	candidate, err := timelock.ProveLeader(e.self.VRFKey, e.self.ID, height, prevHash)
	if err != nil {
		return nil, fmt.Errorf("prove leader candidacy: %w", err)
	}
	e.RecordLeaderCandidate(slot, candidate)

	snap, err := e.registry.Snapshot(slot)
	if err != nil || snap == nil {
		return nil, fmt.Errorf("no avs snapshot for slot %d", slot)
	}

	e.mu.Lock()
	candidates := append([]timelock.LeaderCandidate(nil), e.candidates[slot]...)
	e.mu.Unlock()

	leader, err := timelock.SelectLeader(candidates)
	if err != nil {
		return nil, fmt.Errorf("select leader: %w", err)
	}
	if leader != e.self.ID {
		return nil, nil
	}

	recovered := e.resolveEscalated(now)

	blk, err := e.producer.Assemble(slot, now, snap, candidate, e.self)
	if err != nil {
		return nil, fmt.Errorf("assemble block: %w", err)
	}
	blk.Header.LivenessRecovery = recovered

	proposal := &timelock.BlockProposal{Block: blk, Candidates: candidates}
	blockHash := blk.Hash()

	e.mu.Lock()
	e.proposals[blockHash] = proposal
	e.commits[blockHash] = timelock.NewCommitState(blockHash, len(snap.Members))
	e.mu.Unlock()

	log.Consensus.Info().Str("block", blockHash.String()).Uint64("height", height).Uint64("slot", slot).Msg("produced block proposal")

	if timelock.CanBootstrapCommit(len(snap.Members)) {
		if err := e.finalizeBlock(blockHash, now); err != nil {
			return nil, fmt.Errorf("bootstrap commit: %w", err)
		}
		return proposal, nil
	}

	if _, err := e.castPrepare(blockHash, now); err != nil {
		return nil, fmt.Errorf("cast prepare: %w", err)
	}
	return proposal, nil
}

// ProcessBlockProposal validates a leader's gossiped block proposal: the claimed leader must actually be the argmin over
// every verified candidate, and the block itself must pass structural
// validation. A validator casts its own Prepare vote immediately after.
func (e *Engine) ProcessBlockProposal(p *timelock.BlockProposal, now time.Time) error {
	if p == nil || p.Block == nil {
		return fmt.Errorf("consensus: nil block proposal")
	}

	height := p.Block.Header.Height
	prevHash := p.Block.Header.PrevHash
	slot := timelock.Slot(int64(p.Block.Header.Timestamp))

	snap, err := e.registry.Snapshot(slot)
	if err != nil || snap == nil {
		return fmt.Errorf("no avs snapshot for slot %d", slot)
	}
	if err := timelock.VerifyLeader(p.Block.Header.Leader, p.Candidates, height, prevHash, snap, e.vrfKeys); err != nil {
		return fmt.Errorf("verify leader: %w", err)
	}
	if err := p.Block.Validate(); err != nil {
		return fmt.Errorf("validate proposed block: %w", err)
	}
	if err := e.chain.PreValidate(p.Block, now); err != nil {
		return fmt.Errorf("prevalidate proposed block: %w", err)
	}

	blockHash := p.Block.Hash()
	e.mu.Lock()
	e.proposals[blockHash] = p
	cs, exists := e.commits[blockHash]
	if !exists {
		cs = timelock.NewCommitState(blockHash, len(snap.Members))
		e.commits[blockHash] = cs
	}
	e.mu.Unlock()

	if timelock.CanBootstrapCommit(len(snap.Members)) {
		return e.finalizeBlock(blockHash, now)
	}

	if e.self == nil {
		return nil
	}
	_, err = e.castPrepare(blockHash, now)
	return err
}

// ProcessPrepare records a validator's Prepare vote for a block currently
// in 2PC, casting this node's own Precommit the instant
// the Prepare phase reaches majority.
func (e *Engine) ProcessPrepare(vote *timelock.Vote, now time.Time) error {
	if !vote.IsPrepare() {
		return fmt.Errorf("consensus: vote is not a prepare")
	}
	pub, err := e.pubKeys.PubKey(vote.VoterID)
	if err != nil || !vote.VerifySignature(pub) {
		return fmt.Errorf("consensus: prepare vote from %s does not verify", vote.VoterID)
	}

	e.mu.Lock()
	cs, ok := e.commits[vote.BlockHash]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("consensus: no commit state for block %s", vote.BlockHash)
	}

	if cs.RecordPrepare(vote.VoterID) && e.self != nil {
		if _, err := e.castPrecommit(vote.BlockHash, now); err != nil {
			return fmt.Errorf("cast precommit: %w", err)
		}
	}
	return nil
}

// ProcessPrecommit records a validator's Precommit vote,
// committing the block the instant the Precommit phase reaches majority.
func (e *Engine) ProcessPrecommit(vote *timelock.Vote, now time.Time) error {
	if !vote.IsPrecommit() {
		return fmt.Errorf("consensus: vote is not a precommit")
	}
	pub, err := e.pubKeys.PubKey(vote.VoterID)
	if err != nil || !vote.VerifySignature(pub) {
		return fmt.Errorf("consensus: precommit vote from %s does not verify", vote.VoterID)
	}

	e.mu.Lock()
	cs, ok := e.commits[vote.BlockHash]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("consensus: no commit state for block %s", vote.BlockHash)
	}

	if cs.RecordPrecommit(vote.VoterID) {
		return e.finalizeBlock(vote.BlockHash, now)
	}
	return nil
}

// castPrepare builds, applies, and (via OnVoteCast) gossips this node's own
// Prepare vote for blockHash.
func (e *Engine) castPrepare(blockHash types.Hash, now time.Time) (*timelock.Vote, error) {
	v, err := timelock.NewPrepare(blockHash, e.self.ID, e.self.Key)
	if err != nil {
		return nil, err
	}
	if err := e.ProcessPrepare(v, now); err != nil {
		return nil, err
	}
	if e.OnVoteCast != nil {
		e.OnVoteCast(v)
	}
	return v, nil
}

// castPrecommit builds, applies, and (via OnVoteCast) gossips this node's
// own Precommit vote for blockHash.
func (e *Engine) castPrecommit(blockHash types.Hash, now time.Time) (*timelock.Vote, error) {
	v, err := timelock.NewPrecommit(blockHash, e.self.ID, e.self.Key)
	if err != nil {
		return nil, err
	}
	if err := e.ProcessPrecommit(v, now); err != nil {
		return nil, err
	}
	if e.OnVoteCast != nil {
		e.OnVoteCast(v)
	}
	return v, nil
}

// finalizeBlock applies a committed block to the chain, clears every transaction it archived out of the pool
// and TimeVote/TimeGuard bookkeeping, and drops the proposal's 2PC state.
func (e *Engine) finalizeBlock(blockHash types.Hash, now time.Time) error {
	e.mu.Lock()
	p, ok := e.proposals[blockHash]
	cs := e.commits[blockHash]
	e.mu.Unlock()
	if !ok || p.Block == nil {
		return fmt.Errorf("consensus: no proposal recorded for block %s", blockHash)
	}
	blk := p.Block

	if cs != nil {
		slot := timelock.Slot(int64(blk.Header.Timestamp))
		if snap, err := e.registry.Snapshot(slot); err == nil && snap != nil {
			blk.ConsensusParticipantsBitmap = cs.ParticipantsBitmap(sortedMemberIDs(snap))
		}
	}

	if err := e.chain.AddBlock(blk, now); err != nil {
		return fmt.Errorf("add block: %w", err)
	}

	e.pool.RemoveConfirmed(blk.Transactions)
	e.mu.Lock()
	for _, t := range blk.Transactions {
		txid := t.Hash()
		delete(e.synced, txid)
	}
	delete(e.commits, blockHash)
	delete(e.proposals, blockHash)
	delete(e.candidates, timelock.Slot(int64(blk.Header.Timestamp)))
	e.mu.Unlock()

	for _, t := range blk.Transactions {
		txid := t.Hash()
		e.votes.Archive(txid)
		e.guard.Clear(txid)
		e.events.TransactionStatusChanged(txid, events.TxArchived)
	}

	log.Consensus.Info().Str("block", blockHash.String()).Uint64("height", blk.Header.Height).Msg("block committed")
	if e.OnBlockProduced != nil {
		e.OnBlockProduced(blk)
	}
	return nil
}

// sortedMemberIDs returns snap's member IDs in the same canonical
// lexicographic order timelock's own header fields use, needed here only
// to turn a CommitState's precommit set into the block's participants
// bitmap.
func sortedMemberIDs(snap *registry.AVSSnapshot) []types.Address {
	ids := make([]types.Address, len(snap.Members))
	for i, m := range snap.Members {
		ids[i] = m.ID
	}
	sort.Slice(ids, func(i, j int) bool { return bytes.Compare(ids[i][:], ids[j][:]) < 0 })
	return ids
}

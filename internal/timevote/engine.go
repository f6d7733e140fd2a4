package timevote

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/time-coin/timecoin/config"
	"github.com/time-coin/timecoin/internal/mempool"
	"github.com/time-coin/timecoin/internal/registry"
	"github.com/time-coin/timecoin/internal/utxo"
	"github.com/time-coin/timecoin/pkg/tx"
	"github.com/time-coin/timecoin/pkg/types"
)

// QueryClient sends a SampleQuery to a single sampled masternode and
// returns its signed vote. Network transport is
// injected; this package never dials a peer itself.
type QueryClient interface {
	QueryVote(ctx context.Context, member registry.AVSMember, txid types.Hash, slot uint64) (FinalityVote, error)
}

// SnapshotSource resolves the AVS snapshot pinned for a slot.
type SnapshotSource interface {
	Snapshot(slot uint64) (*registry.AVSSnapshot, error)
}

// KeySource resolves a masternode's registered Ed25519 public key so the
// engine can verify incoming vote signatures. Optional: left nil, votes
// are still checked for AVS membership and claimed weight, but signatures
// are taken on faith — acceptable only in tests.
type KeySource interface {
	PubKey(id types.Address) ([]byte, error)
}

// Engine drives every tracked transaction's Seen->Voting->Finalized|
// FallbackResolution lifecycle. It owns no goroutines of its
// own: Poll is invoked by the Consensus Engine's scheduler rather than a
// self-spawning worker model.
type Engine struct {
	mu sync.Mutex

	chainID  uint32
	pool     *mempool.Pool
	utxoMgr  *utxo.Manager
	snapshot SnapshotSource
	client   QueryClient
	local    *Responder // nil on a non-masternode node.
	keys     KeySource  // nil: skip signature verification.

	states     map[types.Hash]*VoteState
	byOutpoint map[types.Outpoint][]types.Hash
	rng        *rand.Rand

	sampleK      int
	alphaQuorum  int
	pollTimeout  time.Duration
	stallTimeout time.Duration
	maxBatch     int

	OnFinalized func(txid types.Hash, proof VoteState)
	OnStalled   func(txid types.Hash, slot uint64)
	// OnEquivocation fires once per voter found to have signed Accept for
	// two transactions spending a shared outpoint at the same slot.
	OnEquivocation func(voter types.Address, a, b types.Hash)

	flagged map[types.Address]bool // voters already reported via OnEquivocation.
}

// NewEngine creates a TimeVote engine. client and local may both be nil
// for a read-only/observer node that only tracks state transitions
// reported by the consensus façade.
func NewEngine(chainID uint32, pool *mempool.Pool, utxoMgr *utxo.Manager, snapshot SnapshotSource, client QueryClient, local *Responder) *Engine {
	return &Engine{
		chainID:      chainID,
		pool:         pool,
		utxoMgr:      utxoMgr,
		snapshot:     snapshot,
		client:       client,
		local:        local,
		states:       make(map[types.Hash]*VoteState),
		byOutpoint:   make(map[types.Outpoint][]types.Hash),
		flagged:      make(map[types.Address]bool),
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())), //nolint:gosec // sampling, not cryptographic.
		sampleK:      config.SampleK,
		alphaQuorum:  config.PollAlphaQuorum,
		pollTimeout:  time.Duration(config.PollTimeoutMillis) * time.Millisecond,
		stallTimeout: time.Duration(config.StallTimeoutSeconds) * time.Second,
		maxBatch:     config.MaxSampleBatch,
	}
}

// SetKeySource installs the registry-backed public key resolver used to
// verify vote signatures before they are counted.
func (e *Engine) SetKeySource(ks KeySource) {
	e.keys = ks
}

// verifyVote checks that a vote's claimed voter is in the AVS snapshot at
// its claimed sampling weight and, when a KeySource is installed, that the
// signature verifies under the voter's registered key.
func (e *Engine) verifyVote(v FinalityVote, snap *registry.AVSSnapshot) error {
	var weight uint64
	found := false
	for _, m := range snap.Members {
		if m.ID == v.VoterID {
			weight = m.SamplingWeight
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("voter %s not in avs for slot %d", v.VoterID, v.SlotIndex)
	}
	if v.VoterWeight != weight {
		return fmt.Errorf("voter %s claims weight %d, avs has %d", v.VoterID, v.VoterWeight, weight)
	}
	if e.keys != nil {
		pub, err := e.keys.PubKey(v.VoterID)
		if err != nil {
			return fmt.Errorf("resolve voter key for %s: %w", v.VoterID, err)
		}
		if !v.VerifySignature(pub) {
			return fmt.Errorf("vote signature from %s does not verify", v.VoterID)
		}
	}
	return nil
}

// Track begins TimeVote polling for a transaction just admitted to the
// mempool's pending set. The caller
// (submit_transaction in the consensus façade) must already have locked
// every input outpoint to txid before calling Track. No-op if txid is
// already tracked.
func (e *Engine) Track(txid types.Hash, transaction *tx.Transaction, slot uint64, now time.Time) (*VoteState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if vs, ok := e.states[txid]; ok {
		return vs, nil
	}
	inputs := make([]types.Outpoint, 0, len(transaction.Inputs))
	for _, in := range transaction.Inputs {
		if !in.PrevOut.IsZero() {
			inputs = append(inputs, in.PrevOut)
		}
	}
	vs := NewVoteState(txid, txid, inputs)
	e.states[txid] = vs
	for _, op := range inputs {
		e.byOutpoint[op] = append(e.byOutpoint[op], txid)
	}

	snap, err := e.snapshot.Snapshot(slot)
	if err != nil || snap == nil {
		return vs, err
	}
	vs.BeginVoting(slot, snap.QuorumWeight(), now, e.stallTimeout)

	for _, op := range inputs {
		if err := e.utxoMgr.MarkSpentPending(op, txid, vs.RequiredWeight, now); err != nil {
			return vs, err
		}
	}
	return vs, nil
}

// State returns the current VoteState for txid, or nil if untracked.
func (e *Engine) State(txid types.Hash) *VoteState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.states[txid]
}

// Poll runs one sampling round over every transaction still in Voting
// status, walking them in chunks of maxBatch. Each transaction is polled
// on its own: every QueryVote carries a single txid, so txids are not
// combined into one query. It returns the set
// of txids that reached Q_finality this round, ready for TimeProof
// assembly by the caller.
func (e *Engine) Poll(ctx context.Context, now time.Time) ([]types.Hash, error) {
	e.mu.Lock()
	voting := make([]*VoteState, 0, len(e.states))
	for _, vs := range e.states {
		if vs.Status == StatusVoting {
			voting = append(voting, vs)
		}
	}
	e.mu.Unlock()

	if len(voting) == 0 {
		return nil, nil
	}

	var finalized []types.Hash
	for start := 0; start < len(voting); start += e.maxBatch {
		end := start + e.maxBatch
		if end > len(voting) {
			end = len(voting)
		}
		for _, vs := range voting[start:end] {
			if err := e.pollOne(ctx, vs, now); err != nil {
				continue
			}
			if vs.Status == StatusFinalized {
				finalized = append(finalized, vs.Txid)
			}
		}
	}
	return finalized, nil
}

// pollOne draws a fresh weighted sample for one transaction, gathers
// votes (locally when this node is itself sampled, remotely otherwise),
// and advances its accumulators.
func (e *Engine) pollOne(ctx context.Context, vs *VoteState, now time.Time) error {
	snap, err := e.snapshot.Snapshot(vs.SlotIndex)
	if err != nil || snap == nil {
		return err
	}

	sampled := Sample(snap, e.sampleK, e.rng)
	queryCtx, cancel := context.WithTimeout(ctx, e.pollTimeout)
	defer cancel()

	accepts := 0
	for _, member := range sampled {
		vote, err := e.fetchVote(queryCtx, member, vs, now)
		if err != nil {
			continue
		}
		if vote.Txid != vs.Txid || vote.SlotIndex != vs.SlotIndex {
			continue // Stale or mismatched reply; discard.
		}
		if err := e.verifyVote(vote, snap); err != nil {
			continue
		}
		if !vs.RecordVote(vote) {
			continue
		}
		if vote.Decision == DecisionAccept {
			accepts++
		}
	}

	vs.LastPollTime = now
	e.mu.Lock()
	defer e.mu.Unlock()

	// Confidence advances only when this round's Accept count reaches
	// the alpha quorum, not the cumulative weight.
	if accepts >= e.alphaQuorum {
		vs.ConfidenceCounter++
		e.updatePreferredLocked(vs)
	} else {
		vs.ConfidenceCounter = 0
	}
	e.detectEquivocationLocked(vs)

	if vs.ReachedQuorum() {
		vs.Status = StatusFinalized
		if e.OnFinalized != nil {
			e.OnFinalized(vs.Txid, *vs)
		}
	} else if vs.IsStalled(now) {
		vs.Status = StatusFallbackResolution
		if e.OnStalled != nil {
			e.OnStalled(vs.Txid, vs.SlotIndex)
		}
	}
	return nil
}

// updatePreferredLocked recomputes, for every outpoint this transaction
// contests, which competing txid currently holds the highest accumulated
// weight, with ties broken by lowest txid. Callers
// must hold e.mu.
func (e *Engine) updatePreferredLocked(vs *VoteState) {
	for op := range vs.PreferredTxidPerOutpoint {
		best := vs.Txid
		bestWeight := vs.AccumulatedWeight
		for _, other := range e.byOutpoint[op] {
			if other == vs.Txid {
				continue
			}
			ovs := e.states[other]
			if ovs == nil {
				continue
			}
			if ovs.AccumulatedWeight > bestWeight ||
				(ovs.AccumulatedWeight == bestWeight && lessHash(other, best)) {
				best = other
				bestWeight = ovs.AccumulatedWeight
			}
		}
		vs.PreferredTxidPerOutpoint[op] = best
	}
}

// detectEquivocationLocked reports any voter that has signed Accept both
// for vs.Txid and for a conflicting transaction on a shared outpoint at
// the same slot — provable Byzantine behavior, since a responder must
// never Accept two spends of one outpoint. Each voter is reported once.
// Callers must hold e.mu.
func (e *Engine) detectEquivocationLocked(vs *VoteState) {
	if e.OnEquivocation == nil {
		return
	}
	for op := range vs.PreferredTxidPerOutpoint {
		for _, other := range e.byOutpoint[op] {
			if other == vs.Txid {
				continue
			}
			ovs := e.states[other]
			if ovs == nil || ovs.SlotIndex != vs.SlotIndex {
				continue
			}
			for voter, v := range vs.AccumulatedVotes {
				if v.Decision != DecisionAccept || e.flagged[voter] {
					continue
				}
				if ov, ok := ovs.AccumulatedVotes[voter]; ok && ov.Decision == DecisionAccept {
					e.flagged[voter] = true
					e.OnEquivocation(voter, vs.Txid, other)
				}
			}
		}
	}
}

// fetchVote answers a sample query locally (when this node's own
// masternode identity was drawn) or remotely via the injected client.
func (e *Engine) fetchVote(ctx context.Context, member registry.AVSMember, vs *VoteState, now time.Time) (FinalityVote, error) {
	if e.local != nil && member.ID == e.localID() {
		return e.local.Vote(vs.Txid, vs.SlotIndex)
	}
	if e.client == nil {
		return FinalityVote{}, context.DeadlineExceeded
	}
	return e.client.QueryVote(ctx, member, vs.Txid, vs.SlotIndex)
}

func (e *Engine) localID() types.Address {
	if e.local == nil {
		return types.Address{}
	}
	return e.local.voterID
}

// Commit applies a reached-quorum transaction's SpentPending->
// SpentFinalized transition across all of its inputs,
// triggered from TimeVote's side once Q_finality is met, and moves it from pending to finalized in the pool.
func (e *Engine) Commit(txid types.Hash, transaction *tx.Transaction) error {
	ops := make([]types.Outpoint, 0, len(transaction.Inputs))
	for _, in := range transaction.Inputs {
		if !in.PrevOut.IsZero() {
			ops = append(ops, in.PrevOut)
		}
	}
	e.mu.Lock()
	vs := e.states[txid]
	e.mu.Unlock()
	if vs == nil {
		return nil
	}
	if err := e.utxoMgr.CommitSpend(ops, txid, vs.SlotIndex); err != nil {
		return err
	}
	return e.pool.MarkFinalized(txid, time.Now())
}

// RecordExternalVote folds a FinalityVote received out-of-band (gossiped
// by its voter rather than returned from one of this node's own Poll
// queries) into txid's accumulator, advancing it to Finalized or
// FallbackResolution exactly as pollOne would: a FinalityVote for a
// tracked tx is recorded regardless of which node originated the sampling
// round. Returns true the instant this vote pushes the transaction to
// Finalized.
func (e *Engine) RecordExternalVote(vote FinalityVote, now time.Time) (bool, error) {
	if vote.ChainID != e.chainID {
		return false, fmt.Errorf("vote chain_id %d does not match %d", vote.ChainID, e.chainID)
	}
	snap, err := e.snapshot.Snapshot(vote.SlotIndex)
	if err != nil || snap == nil {
		return false, fmt.Errorf("no avs snapshot for slot %d", vote.SlotIndex)
	}
	if err := e.verifyVote(vote, snap); err != nil {
		return false, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	vs, ok := e.states[vote.Txid]
	if !ok {
		return false, fmt.Errorf("tx %s not tracked", vote.Txid)
	}
	if vs.Status != StatusVoting {
		return false, nil
	}
	if !vs.RecordVote(vote) {
		return false, nil
	}
	if vote.Decision == DecisionAccept {
		e.updatePreferredLocked(vs)
		e.detectEquivocationLocked(vs)
	}

	if vs.ReachedQuorum() {
		vs.Status = StatusFinalized
		if e.OnFinalized != nil {
			e.OnFinalized(vs.Txid, *vs)
		}
		return true, nil
	}
	if vs.IsStalled(now) {
		vs.Status = StatusFallbackResolution
		if e.OnStalled != nil {
			e.OnStalled(vs.Txid, vs.SlotIndex)
		}
	}
	return false, nil
}

// ResolveFallback applies TimeGuard's fallback decision to a transaction
// that stalled into FallbackResolution, completing the Voting ->
// FallbackResolution -> Finalized|Rejected lifecycle: the fallback
// leader's Accept/Reject settles the transaction the same way reaching
// Q_finality would have.
func (e *Engine) ResolveFallback(txid types.Hash, decision Decision, now time.Time) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	vs, ok := e.states[txid]
	if !ok {
		return fmt.Errorf("tx %s not tracked", txid)
	}
	if vs.Status != StatusFallbackResolution {
		return fmt.Errorf("tx %s is %s, not in fallback resolution", txid, vs.Status)
	}

	if decision == DecisionReject {
		vs.Status = StatusRejected
		return nil
	}

	vs.Status = StatusFinalized
	vs.LastPollTime = now
	if e.OnFinalized != nil {
		e.OnFinalized(vs.Txid, *vs)
	}
	return nil
}

// Proof returns the accumulated Accept votes of a Finalized transaction,
// the votes a TimeProof is assembled from, or nil if it hasn't reached
// Finalized yet.
func (e *Engine) Proof(txid types.Hash) []FinalityVote {
	e.mu.Lock()
	defer e.mu.Unlock()
	vs, ok := e.states[txid]
	if !ok || vs.Status != StatusFinalized {
		return nil
	}
	return vs.AcceptVotes()
}

// Archive marks a transaction's TimeVote state Archived once it has been
// folded into a TimeLock block.
func (e *Engine) Archive(txid types.Hash) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if vs, ok := e.states[txid]; ok {
		vs.Status = StatusArchived
	}
}

// Stalled returns every transaction currently in FallbackResolution,
// ready for TimeGuard to pick up.
func (e *Engine) Stalled() []*VoteState {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []*VoteState
	for _, vs := range e.states {
		if vs.Status == StatusFallbackResolution {
			out = append(out, vs)
		}
	}
	return out
}

// lessHash gives the deterministic tie-break order used
// when two competing transactions reach equal accumulated weight.
func lessHash(a, b types.Hash) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// Package consensus is the Consensus Engine facade: it wires
// the transaction pool, UTXO state manager, TimeVote, TimeProof, TimeGuard,
// and TimeLock together behind the small set of operations a node actually
// drives — submit_transaction, the vote-query/finality-vote exchange,
// block proposal and two-phase commit, liveness fallback, and a single
// periodic tick. No package below it knows about any other; this is the
// only one that does.
package consensus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/time-coin/timecoin/config"
	"github.com/time-coin/timecoin/internal/chain"
	"github.com/time-coin/timecoin/internal/events"
	"github.com/time-coin/timecoin/internal/log"
	"github.com/time-coin/timecoin/internal/mempool"
	"github.com/time-coin/timecoin/internal/registry"
	"github.com/time-coin/timecoin/internal/timeguard"
	"github.com/time-coin/timecoin/internal/timelock"
	"github.com/time-coin/timecoin/internal/timevote"
	"github.com/time-coin/timecoin/internal/utxo"
	"github.com/time-coin/timecoin/pkg/block"
	"github.com/time-coin/timecoin/pkg/tx"
	"github.com/time-coin/timecoin/pkg/types"
)

// maxFinalizedDraw/maxFinalizedBytes bound how much of the finalized pool
// finalizedSource pulls in one call, generously above the real per-block
// ceiling since Producer.Assemble re-applies MaxBlockTxs/MaxBlockSize and
// canonical ordering itself.
const (
	maxFinalizedDraw  = config.MaxBlockTxs * 4
	maxFinalizedBytes = config.MaxBlockSize * 4
)

// Engine is the Consensus Engine facade. A node with a nil Identity
// (self == nil) runs as a pure observer: it tracks and validates every
// transition but never signs a vote, proposal, or block.
type Engine struct {
	mu sync.Mutex

	chainID uint32
	self    *timelock.Identity

	pool      *mempool.Pool
	utxoMgr   *utxo.Manager
	registry  *registry.Store
	heartbeat *registry.HeartbeatTracker
	votes     *timevote.Engine
	guard     *timeguard.Engine
	producer  *timelock.Producer
	chain     *chain.Chain
	responder *timevote.Responder // nil on an observer node.

	vrfKeys timelock.VRFKeySource
	pubKeys timeguard.PubKeySource
	events  events.Sink

	candidates map[uint64][]timelock.LeaderCandidate
	commits    map[types.Hash]*timelock.CommitState
	proposals  map[types.Hash]*timelock.BlockProposal
	synced     map[types.Hash]uint64 // txid -> utxo.Manager vote weight already synced.
	escalated  map[types.Hash]bool   // fallback rounds exhausted; settled by the next leader.

	// OnBlockProduced fires whenever this node assembles and locally
	// commits a new block, so the node's transport layer can broadcast it.
	OnBlockProduced func(blk *block.Block)
	// OnVoteCast fires whenever this node signs and wants to gossip a
	// FinalityVote, Prepare/Precommit vote, or fallback message. A nil
	// value means the caller (SubmitTransaction, Tick, ...) already
	// applied the message locally and there is nothing further to send —
	// used by single-node and test configurations with no transport.
	OnVoteCast func(msg interface{})
}

// Deps bundles every already-constructed component the facade wires
// together. Fields besides Pool/UTXOMgr/Registry/Votes/Guard/Chain are
// optional. The facade builds the TimeLock Producer itself from Pool,
// Votes, Registry, and Chain, since its FinalizedSource and AddressSource
// adapters live here.
type Deps struct {
	ChainID   uint32
	Self      *timelock.Identity // nil: observer node.
	Pool      *mempool.Pool
	UTXOMgr   *utxo.Manager
	Registry  *registry.Store
	Heartbeat *registry.HeartbeatTracker
	Votes     *timevote.Engine
	Guard     *timeguard.Engine
	Chain     *chain.Chain
	Responder *timevote.Responder
	// Events receives every observability event the engine emits.
	// Defaults to NopSink when nil.
	Events events.Sink
}

// New builds the facade and wires every cross-package adapter: the chain's
// FinalizedChecker and LeaderWeigher, the UTXO manager's CollateralChecker,
// and the TimeLock producer's FinalizedSource and AddressSource, all of
// which have exactly one production implementation and it lives here.
func New(d Deps) (*Engine, error) {
	if d.Pool == nil || d.UTXOMgr == nil || d.Registry == nil || d.Votes == nil || d.Guard == nil || d.Chain == nil {
		return nil, fmt.Errorf("consensus: all of pool, utxo manager, registry, votes, guard, and chain are required")
	}

	producer := timelock.NewProducer(d.Chain, finalizedSource{pool: d.Pool, votes: d.Votes}, timelock.NewRegistryAddressSource(d.Registry))

	sink := d.Events
	if sink == nil {
		sink = events.NopSink{}
	}

	e := &Engine{
		chainID:    d.ChainID,
		self:       d.Self,
		pool:       d.Pool,
		utxoMgr:    d.UTXOMgr,
		registry:   d.Registry,
		heartbeat:  d.Heartbeat,
		votes:      d.Votes,
		guard:      d.Guard,
		producer:   producer,
		chain:      d.Chain,
		responder:  d.Responder,
		vrfKeys:    timelock.NewRegistryVRFKeySource(d.Registry),
		pubKeys:    timeguard.NewRegistryPubKeySource(d.Registry),
		events:     sink,
		candidates: make(map[uint64][]timelock.LeaderCandidate),
		commits:    make(map[types.Hash]*timelock.CommitState),
		proposals:  make(map[types.Hash]*timelock.BlockProposal),
		synced:     make(map[types.Hash]uint64),
		escalated:  make(map[types.Hash]bool),
	}

	d.UTXOMgr.SetCollateralChecker(d.Registry)
	d.Pool.SetTierRankFunc(tierRanker(d.Registry))
	d.Votes.SetKeySource(e.pubKeys)
	d.Chain.SetFinalizedChecker(finalizedOracle{votes: d.Votes})
	d.Chain.SetLeaderWeigher(leaderWeigher{chain: d.Chain, registry: d.Registry})
	d.Guard.OnResolved = e.onFallbackResolved
	d.Guard.OnEscalate = e.onFallbackEscalate
	d.Chain.OnBlockAdded = func(blk *block.Block) {
		sink.BlockAdded(blk)
		e.reapCollateral()
	}
	d.Chain.OnBlockReverted = sink.BlockReverted
	d.Chain.OnForkRejected = func(types.Hash) {
		sink.PeerMisbehavior(events.MisbehaviorForkAttempt)
	}
	d.Votes.OnFinalized = func(txid types.Hash, _ timevote.VoteState) {
		sink.TransactionStatusChanged(txid, events.TxFinalized)
	}
	d.Votes.OnStalled = func(txid types.Hash, slot uint64) {
		sink.StallDetected(txid, slot)
		sink.TransactionStatusChanged(txid, events.TxFallbackResolution)
	}
	d.Votes.OnEquivocation = func(voter types.Address, a, b types.Hash) {
		sink.ByzantineFlag(voter, fmt.Sprintf("conflicting accepts for %s and %s", a, b))
	}

	return e, nil
}

// SubmitTransaction admits a transaction into the pool and begins TimeVote
// tracking for it: pool.Add runs
// full structural/UTXO validation, every real input is then locked against
// double-spend, and the tracked vote state pins the slot's Q_finality
// requirement.
func (e *Engine) SubmitTransaction(t *tx.Transaction, now time.Time) (types.Hash, error) {
	txid := t.Hash()

	if _, err := e.pool.Add(t, now); err != nil {
		return txid, fmt.Errorf("submit transaction: %w", err)
	}

	locked := make([]types.Outpoint, 0, len(t.Inputs))
	for _, in := range t.Inputs {
		if in.PrevOut.IsZero() {
			continue
		}
		if err := e.utxoMgr.Lock(in.PrevOut, txid, now); err != nil {
			for _, op := range locked {
				_ = e.utxoMgr.Unlock(op, txid)
			}
			e.pool.MarkRejected(txid, err.Error(), now)
			return txid, fmt.Errorf("lock input %s: %w", in.PrevOut, err)
		}
		locked = append(locked, in.PrevOut)
	}

	slot := timelock.Slot(now.Unix())
	if _, err := e.votes.Track(txid, t, slot, now); err != nil {
		return txid, fmt.Errorf("track for timevote: %w", err)
	}
	e.events.TransactionStatusChanged(txid, events.TxSeen)
	log.Consensus.Debug().Str("txid", txid.String()).Uint64("slot", slot).Msg("transaction submitted")
	return txid, nil
}

// Tick runs the facade's periodic housekeeping: one TimeVote
// polling round, committing anything that reached Q_finality; one TimeGuard
// round-advancement pass over stalled transactions; and a UTXO lock-timeout
// sweep. Intended to be driven by the node's scheduler roughly once per
// second; TimeVote and TimeGuard each self-pace against their own
// configured timeouts regardless of call frequency.
func (e *Engine) Tick(ctx context.Context, now time.Time) {
	finalized, err := e.votes.Poll(ctx, now)
	if err != nil {
		log.Consensus.Warn().Err(err).Msg("timevote poll failed")
	}
	for _, txid := range e.pool.PendingHashes() {
		e.syncVoteWeight(txid)
	}
	for _, txid := range finalized {
		e.syncVoteWeight(txid)
		if err := e.commitFinalized(txid, now); err != nil {
			log.Consensus.Warn().Err(err).Str("txid", txid.String()).Msg("commit finalized tx failed")
		}
	}

	e.promoteStalled(now)
	e.guard.Tick(now)

	if n, err := e.utxoMgr.SweepExpiredLocks(e.underlyingUTXOStore(), now); err != nil {
		log.Consensus.Warn().Err(err).Msg("sweep expired locks failed")
	} else if n > 0 {
		log.Consensus.Debug().Int("count", n).Msg("swept expired utxo locks")
	}
	e.pool.Tick(now)
}

func (e *Engine) underlyingUTXOStore() *utxo.Store {
	store, _ := e.utxoMgr.UnderlyingStore()
	return store
}

// reapCollateral re-validates every registered masternode's collateral
// against the just-updated UTXO set and deregisters any remote masternode
// whose collateral moved, fired after every block commit.
func (e *Engine) reapCollateral() {
	var localID types.Address
	if e.self != nil {
		localID = e.self.ID
	}
	deregistered, err := e.registry.ValidateCollaterals(e.underlyingUTXOStore(), localID)
	if err != nil {
		log.Consensus.Warn().Err(err).Msg("validate masternode collaterals failed")
		return
	}
	for _, id := range deregistered {
		log.Consensus.Warn().Str("masternode", id.String()).Msg("masternode collateral no longer live; deregistered")
	}
}

// commitFinalized applies the SpentPending->SpentFinalized transition and
// moves txid from pending to finalized in the pool, the shared completion step for both the direct Q_finality path and
// the TimeGuard fallback-Accept path.
func (e *Engine) commitFinalized(txid types.Hash, now time.Time) error {
	t := e.pool.Get(txid)
	if t == nil {
		return fmt.Errorf("finalized tx %s not in pool", txid)
	}
	if err := e.votes.Commit(txid, t); err != nil {
		return err
	}
	e.guard.Clear(txid)
	e.mu.Lock()
	delete(e.synced, txid)
	e.mu.Unlock()
	if e.OnVoteCast != nil {
		if proof := e.ProofFor(txid); proof != nil {
			e.OnVoteCast(proof)
		}
	}
	return nil
}

// promoteStalled hands every transaction TimeVote moved to
// FallbackResolution to TimeGuard, recording this node's own LivenessAlert
// and starting the round protocol once the alert quorum has quiesced.
// Re-entrant: RecordAlert/ReadyForRound/StartRound
// are themselves idempotent per round.
func (e *Engine) promoteStalled(now time.Time) {
	for _, vs := range e.votes.Stalled() {
		if e.guard.Round(vs.Txid) != nil {
			continue // Already in a fallback round.
		}
		snap, err := e.registry.Snapshot(vs.SlotIndex)
		if err != nil || snap == nil {
			continue
		}
		e.recordOwnAlert(vs, snap, now)
		if !e.guard.ReadyForRound(vs.Txid, now) {
			continue
		}
		rs, err := e.guard.StartRound(vs.Txid, vs.SlotIndex, now)
		if err != nil {
			log.Consensus.Warn().Err(err).Str("txid", vs.Txid.String()).Msg("start fallback round failed")
			continue
		}
		e.events.LivenessFallbackActivated(vs.Txid, vs.SlotIndex, rs.Round)
		if e.self != nil && rs.Leader == e.self.ID {
			e.proposeFallback(vs.Txid, snap, now)
		}
	}
}

// Package mempool implements the Transaction Pool: three
// disjoint collections (pending, finalized, rejected) that hold
// transactions between UTXO-layer ingress validation and TimeLock block
// assembly, priority-ordered for inclusion and eviction.
package mempool

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/time-coin/timecoin/config"
	"github.com/time-coin/timecoin/internal/utxo"
	"github.com/time-coin/timecoin/pkg/tx"
	"github.com/time-coin/timecoin/pkg/types"
)

// Mempool errors.
var (
	ErrAlreadyExists     = errors.New("transaction already in pool")
	ErrConflict          = errors.New("transaction conflicts with a pending or finalized entry")
	ErrPoolFull          = errors.New("transaction pool is full")
	ErrValidation        = errors.New("transaction failed validation")
	ErrCoinbaseNotMature = errors.New("coinbase output not mature")
)

// Bound constants, aliased from the pinned protocol config.
const (
	MaxEntries    = config.MaxMempoolEntries
	MaxTotalBytes = config.MaxMempoolBytes
	OrphanMax     = config.OrphanPoolMax
	OrphanTTL     = time.Duration(config.OrphanTTLSeconds) * time.Second
	RejectedTTL   = time.Duration(config.RejectedTTLSeconds) * time.Second
	PendingExpiry = time.Duration(config.TxExpirySeconds) * time.Second
)

// entry wraps a transaction with its pool metadata.
type entry struct {
	tx        *tx.Transaction
	txHash    types.Hash
	fee       uint64
	size      int
	tierRank  TierRank
	firstSeen time.Time
}

func (e *entry) feePerByte() float64 {
	if e.size == 0 {
		return 0
	}
	return float64(e.fee) / float64(e.size)
}

func (e *entry) priority(now time.Time) float64 {
	return priority(e.tierRank, e.feePerByte(), e.firstSeen, now)
}

// rejectedEntry records a rejection reason for replay protection, pruned
// after RejectedTTL.
type rejectedEntry struct {
	reason     string
	rejectedAt time.Time
}

// Pool holds the pending, finalized, and rejected transaction collections.
type Pool struct {
	mu sync.RWMutex

	pending   map[types.Hash]*entry
	finalized map[types.Hash]*entry
	rejected  map[types.Hash]*rejectedEntry
	spends    map[types.Outpoint]types.Hash // outpoint -> txHash, pending+finalized.
	orphans   *orphanPool

	totalBytes int

	utxos    tx.UTXOProvider
	tierRank TierRankFunc

	// Coinbase maturity checking.
	utxoSet          utxo.Set
	heightFn         func() uint64
	coinbaseMaturity uint64
}

// New creates an empty transaction pool.
func New(utxos tx.UTXOProvider) *Pool {
	return &Pool{
		pending:   make(map[types.Hash]*entry),
		finalized: make(map[types.Hash]*entry),
		rejected:  make(map[types.Hash]*rejectedEntry),
		spends:    make(map[types.Outpoint]types.Hash),
		orphans:   newOrphanPool(OrphanMax, OrphanTTL),
		utxos:     utxos,
	}
}

// SetTierRankFunc installs the masternode-tier resolver used by the
// priority formula. Without one, every transaction ranks as non-masternode.
func (p *Pool) SetTierRankFunc(fn TierRankFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tierRank = fn
}

// SetCoinbaseMaturity enables coinbase maturity checking at ingress.
func (p *Pool) SetCoinbaseMaturity(maturity uint64, heightFn func() uint64, set utxo.Set) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.coinbaseMaturity = maturity
	p.heightFn = heightFn
	p.utxoSet = set
}

// Add validates a transaction and places it in pending (Seen+Voting,
// ), the orphan pool (missing inputs), or rejects it outright.
// Returns the computed fee when accepted into pending.
func (p *Pool) Add(transaction *tx.Transaction, now time.Time) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	txHash := transaction.Hash()

	if _, exists := p.pending[txHash]; exists {
		return 0, ErrAlreadyExists
	}
	if _, exists := p.finalized[txHash]; exists {
		return 0, ErrAlreadyExists
	}

	for _, in := range transaction.Inputs {
		if in.PrevOut.IsZero() {
			continue
		}
		if conflictHash, exists := p.spends[in.PrevOut]; exists {
			return 0, fmt.Errorf("%w: input %s already claimed by %s", ErrConflict, in.PrevOut, conflictHash)
		}
	}

	if missing := p.missingInputs(transaction); len(missing) > 0 {
		p.orphans.add(transaction, missing, now)
		return 0, fmt.Errorf("transaction has missing inputs, held in orphan pool")
	}

	if p.coinbaseMaturity > 0 && p.utxoSet != nil {
		currentHeight := p.heightFn()
		for _, in := range transaction.Inputs {
			if in.PrevOut.IsZero() {
				continue
			}
			u, uErr := p.utxoSet.Get(in.PrevOut)
			if uErr == nil && u.IsCoinbase && currentHeight < u.MaturityHeight {
				return 0, fmt.Errorf("%w: matures at height %d, current %d",
					ErrCoinbaseNotMature, u.MaturityHeight, currentHeight)
			}
		}
	}

	// Syntax, script, dust, fee: ingress rejects immediately,
	// never enters Voting).
	fee, err := transaction.ValidateWithUTXOs(p.utxos)
	if err != nil {
		p.rejected[txHash] = &rejectedEntry{reason: err.Error(), rejectedAt: now}
		return 0, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	e := &entry{
		tx:        transaction,
		txHash:    txHash,
		fee:       fee,
		size:      len(transaction.CanonicalBytes()),
		tierRank:  p.resolveTierRank(transaction),
		firstSeen: now,
	}

	if err := p.makeRoom(e, now); err != nil {
		return 0, err
	}

	p.pending[txHash] = e
	p.totalBytes += e.size
	for _, in := range transaction.Inputs {
		if !in.PrevOut.IsZero() {
			p.spends[in.PrevOut] = txHash
		}
	}

	return fee, nil
}

func (p *Pool) resolveTierRank(t *tx.Transaction) TierRank {
	if p.tierRank == nil {
		return TierRankNone
	}
	return p.tierRank(t)
}

func (p *Pool) missingInputs(t *tx.Transaction) []types.Outpoint {
	var missing []types.Outpoint
	for _, in := range t.Inputs {
		if in.PrevOut.IsZero() {
			continue
		}
		if !p.utxos.HasUTXO(in.PrevOut) {
			missing = append(missing, in.PrevOut)
		}
	}
	return missing
}

// makeRoom evicts the lowest-priority pending entry if admitting e would
// exceed MaxEntries or MaxTotalBytes, refusing admission if e itself is the
// lowest priority at capacity.
func (p *Pool) makeRoom(e *entry, now time.Time) error {
	overCount := len(p.pending) >= MaxEntries
	overBytes := p.totalBytes+e.size > MaxTotalBytes
	if !overCount && !overBytes {
		return nil
	}

	lowestHash, lowestPriority, found := p.lowestPendingPriority(now)
	if !found || e.priority(now) <= lowestPriority {
		return ErrPoolFull
	}
	p.removePendingLocked(lowestHash)
	return nil
}

func (p *Pool) lowestPendingPriority(now time.Time) (types.Hash, float64, bool) {
	var lowestHash types.Hash
	lowest := 0.0
	found := false
	for h, e := range p.pending {
		pr := e.priority(now)
		if !found || pr < lowest {
			lowest = pr
			lowestHash = h
			found = true
		}
	}
	return lowestHash, lowest, found
}

func (p *Pool) removePendingLocked(txHash types.Hash) {
	e, exists := p.pending[txHash]
	if !exists {
		return
	}
	for _, in := range e.tx.Inputs {
		if !in.PrevOut.IsZero() {
			delete(p.spends, in.PrevOut)
		}
	}
	p.totalBytes -= e.size
	delete(p.pending, txHash)
}

// MarkFinalized promotes a pending transaction to finalized
// (TimeVote reached Q_finality) and rejects every other pending transaction
// that conflicts with any of its inputs.
func (p *Pool) MarkFinalized(txHash types.Hash, now time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, exists := p.pending[txHash]
	if !exists {
		return fmt.Errorf("transaction %s not pending", txHash)
	}

	for _, in := range e.tx.Inputs {
		if in.PrevOut.IsZero() {
			continue
		}
		if conflictHash, ok := p.spends[in.PrevOut]; ok && conflictHash != txHash {
			p.rejectPendingLocked(conflictHash, "conflicts with finalized transaction", now)
		}
	}

	p.removePendingLocked(txHash)
	p.finalized[txHash] = e
	p.totalBytes += e.size
	for _, in := range e.tx.Inputs {
		if !in.PrevOut.IsZero() {
			p.spends[in.PrevOut] = txHash
		}
	}
	return nil
}

// MarkRejected moves a pending transaction to the rejected collection.
func (p *Pool) MarkRejected(txHash types.Hash, reason string, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rejectPendingLocked(txHash, reason, now)
}

func (p *Pool) rejectPendingLocked(txHash types.Hash, reason string, now time.Time) {
	if _, exists := p.pending[txHash]; !exists {
		return
	}
	p.removePendingLocked(txHash)
	p.rejected[txHash] = &rejectedEntry{reason: reason, rejectedAt: now}
}

// RemoveConfirmed drops finalized transactions that were archived into a
// TimeLock block.
func (p *Pool) RemoveConfirmed(transactions []*tx.Transaction) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range transactions {
		h := t.Hash()
		e, exists := p.finalized[h]
		if !exists {
			continue
		}
		for _, in := range e.tx.Inputs {
			if !in.PrevOut.IsZero() {
				delete(p.spends, in.PrevOut)
			}
		}
		p.totalBytes -= e.size
		delete(p.finalized, h)
	}
}

// Has reports whether a transaction is pending or finalized.
func (p *Pool) Has(txHash types.Hash) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if _, ok := p.pending[txHash]; ok {
		return true
	}
	_, ok := p.finalized[txHash]
	return ok
}

// Get retrieves a pending or finalized transaction.
func (p *Pool) Get(txHash types.Hash) *tx.Transaction {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if e, ok := p.pending[txHash]; ok {
		return e.tx
	}
	if e, ok := p.finalized[txHash]; ok {
		return e.tx
	}
	return nil
}

// RejectedReason returns the recorded rejection reason for a transaction,
// or false if it was never rejected (or its record already aged out).
func (p *Pool) RejectedReason(txHash types.Hash) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if e, ok := p.rejected[txHash]; ok {
		return e.reason, true
	}
	return "", false
}

// GetFee returns the fee for a pending or finalized transaction.
func (p *Pool) GetFee(txHash types.Hash) uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if e, ok := p.pending[txHash]; ok {
		return e.fee
	}
	if e, ok := p.finalized[txHash]; ok {
		return e.fee
	}
	return 0
}

// PendingCount, FinalizedCount and RejectedCount report collection sizes.
func (p *Pool) PendingCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.pending)
}

func (p *Pool) FinalizedCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.finalized)
}

func (p *Pool) RejectedCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.rejected)
}

// PendingHashes returns the hashes of every pending transaction.
func (p *Pool) PendingHashes() []types.Hash {
	p.mu.RLock()
	defer p.mu.RUnlock()
	hashes := make([]types.Hash, 0, len(p.pending))
	for h := range p.pending {
		hashes = append(hashes, h)
	}
	return hashes
}

// Pressure reports the current pool pressure level.
func (p *Pool) Pressure() PressureLevel {
	p.mu.RLock()
	defer p.mu.RUnlock()
	count := len(p.pending) + len(p.finalized)
	entryRatio := float64(count) / float64(MaxEntries)
	byteRatio := float64(p.totalBytes) / float64(MaxTotalBytes)
	return pressureFor(entryRatio, byteRatio)
}

// SelectForBlock returns finalized transactions ordered by priority
// (highest first), up to maxCount entries and maxBytes of canonical size.
func (p *Pool) SelectForBlock(maxCount int, maxBytes int, now time.Time) []*tx.Transaction {
	p.mu.RLock()
	defer p.mu.RUnlock()

	entries := make([]*entry, 0, len(p.finalized))
	for _, e := range p.finalized {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].priority(now) > entries[j].priority(now)
	})

	var result []*tx.Transaction
	usedBytes := 0
	for _, e := range entries {
		if len(result) >= maxCount {
			break
		}
		if usedBytes+e.size > maxBytes {
			continue
		}
		result = append(result, e.tx)
		usedBytes += e.size
	}
	return result
}

// Tick performs periodic maintenance: orphan TTL expiry, pending-tx expiry
// (72h inactivity), and rejected-entry pruning after 1 hour.
func (p *Pool) Tick(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.orphans.expire(now)

	for h, e := range p.pending {
		if now.Sub(e.firstSeen) > PendingExpiry {
			p.removePendingLocked(h)
			p.rejected[h] = &rejectedEntry{reason: "expired after 72h inactivity", rejectedAt: now}
		}
	}

	for h, r := range p.rejected {
		if now.Sub(r.rejectedAt) > RejectedTTL {
			delete(p.rejected, h)
		}
	}

	if p.pressureLocked() == PressureEmergency {
		p.evictLowestPriority(now)
	}
}

// pressureLocked is Pressure without re-acquiring the lock, for internal
// use from within Tick.
func (p *Pool) pressureLocked() PressureLevel {
	count := len(p.pending) + len(p.finalized)
	entryRatio := float64(count) / float64(MaxEntries)
	byteRatio := float64(p.totalBytes) / float64(MaxTotalBytes)
	return pressureFor(entryRatio, byteRatio)
}

func (p *Pool) evictLowestPriority(now time.Time) {
	h, _, found := p.lowestPendingPriority(now)
	if found {
		p.removePendingLocked(h)
	}
}

// RetryOrphans releases any orphaned transactions now unblocked by op
// becoming Unspent, re-attempting Add for each.
func (p *Pool) RetryOrphans(op types.Outpoint, now time.Time) {
	p.mu.Lock()
	ready := p.orphans.readyFor(op)
	p.mu.Unlock()

	for _, t := range ready {
		p.Add(t, now)
	}
}

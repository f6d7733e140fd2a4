package utxo

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/time-coin/timecoin/pkg/types"
)

// Manager errors, surfaced to callers as the state-conflict failures
// (missing, already locked, already spent).
var (
	ErrMissing        = errors.New("utxo missing")
	ErrAlreadyLocked  = errors.New("utxo already locked")
	ErrAlreadySpent   = errors.New("utxo already spent")
	ErrWrongLockOwner = errors.New("utxo locked by a different transaction")
	ErrCollateral     = errors.New("utxo is locked masternode collateral")
)

// CollateralChecker reports whether an outpoint currently backs a
// registered masternode's collateral; such an outpoint must
// never be spendable while the registration stands.
type CollateralChecker interface {
	IsLiveCollateral(op types.Outpoint) bool
}

// stripeCount is the number of mutex stripes backing per-outpoint
// exclusivity, indexed by outpoint hash.
const stripeCount = 256

// Manager is the UTXO State Manager: the sole owner of
// per-outpoint state transitions, providing atomic lock/spend/rollback
// primitives on top of a persisted Set. Concurrent reads are allowed;
// writes to any one outpoint are serialized by a striped lock, and a
// multi-input commit acquires all of its input stripes in ascending
// stripe order to avoid deadlock.
type Manager struct {
	set        Set
	collateral CollateralChecker

	stripes [stripeCount]sync.Mutex
}

// NewManager wraps a Set with the atomic state-transition operations. collateral may be nil until the masternode registry is
// wired up; until then collateral protection is a no-op.
func NewManager(set Set, collateral CollateralChecker) *Manager {
	return &Manager{set: set, collateral: collateral}
}

// SetCollateralChecker installs (or replaces) the collateral-protection
// source, breaking the utxo<->registry import cycle: the registry is built
// on top of this package, so it cannot be a constructor argument.
func (m *Manager) SetCollateralChecker(c CollateralChecker) {
	m.collateral = c
}

func (m *Manager) stripe(op types.Outpoint) *sync.Mutex {
	h := op.TxID[0] ^ op.TxID[1]
	return &m.stripes[int(h)%stripeCount]
}

// withLocks acquires the stripes for every outpoint in ascending stripe
// order — so two transactions contending on overlapping inputs can never
// deadlock — and runs fn while holding them.
func (m *Manager) withLocks(ops []types.Outpoint, fn func() error) error {
	sorted := make([]types.Outpoint, len(ops))
	copy(sorted, ops)
	sort.Slice(sorted, func(i, j int) bool {
		si := int(sorted[i].TxID[0]^sorted[i].TxID[1]) % stripeCount
		sj := int(sorted[j].TxID[0]^sorted[j].TxID[1]) % stripeCount
		if si != sj {
			return si < sj
		}
		if sorted[i].TxID != sorted[j].TxID {
			return lessHash(sorted[i].TxID, sorted[j].TxID)
		}
		return sorted[i].Index < sorted[j].Index
	})
	locked := make(map[int]bool, len(sorted))
	for _, op := range sorted {
		idx := int(op.TxID[0]^op.TxID[1]) % stripeCount
		if locked[idx] {
			continue // Two outpoints may hash to the same stripe; lock once.
		}
		m.stripes[idx].Lock()
		locked[idx] = true
		defer m.stripes[idx].Unlock()
	}
	return fn()
}

func lessHash(a, b types.Hash) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// GetUTXO returns the UTXO at outpoint, or nil if it does not exist.
func (m *Manager) GetUTXO(op types.Outpoint) (*UTXO, error) {
	u, err := m.set.Get(op)
	if err != nil {
		return nil, nil //nolint:nilerr // storage miss == absent UTXO, not an error to the caller.
	}
	return u, nil
}

// Seed inserts a UTXO directly, bypassing the Unspent->Locked transition
// machinery. Used only for genesis bootstrap and full-chain replay, where there is no prior Locked state to transition from.
func (m *Manager) Seed(u *UTXO) error {
	return m.withLocks([]types.Outpoint{u.Outpoint}, func() error {
		return m.set.Put(u)
	})
}

// UnderlyingStore returns the persisted *Store backing this manager, if
// the Set it wraps is one. Used by chain rebuild, which needs ClearAll and
// ForEach — operations outside the narrow Set interface.
func (m *Manager) UnderlyingStore() (*Store, bool) {
	s, ok := m.set.(*Store)
	return s, ok
}

// State returns the current UTXOState of an outpoint.
func (m *Manager) State(op types.Outpoint) (State, error) {
	u, err := m.set.Get(op)
	if err != nil {
		return State{}, ErrMissing
	}
	return u.State, nil
}

// Lock performs the atomic Unspent -> Locked transition.
func (m *Manager) Lock(op types.Outpoint, txid types.Hash, now time.Time) error {
	return m.withLocks([]types.Outpoint{op}, func() error {
		u, err := m.set.Get(op)
		if err != nil {
			return fmt.Errorf("%w: %s", ErrMissing, op)
		}
		if m.collateral != nil && m.collateral.IsLiveCollateral(op) {
			return fmt.Errorf("%w: %s", ErrCollateral, op)
		}
		switch u.State.Kind {
		case StateUnspent:
		case StateLocked:
			return fmt.Errorf("%w: %s", ErrAlreadyLocked, op)
		default:
			return fmt.Errorf("%w: %s", ErrAlreadySpent, op)
		}
		u.State = State{Kind: StateLocked, TxIDLocking: txid, LockedAtUnix: now.Unix()}
		return m.set.Put(u)
	})
}

// Unlock reverts a Locked outpoint back to Unspent, provided txid still
// holds the lock.
func (m *Manager) Unlock(op types.Outpoint, txid types.Hash) error {
	return m.withLocks([]types.Outpoint{op}, func() error {
		u, err := m.set.Get(op)
		if err != nil {
			return fmt.Errorf("%w: %s", ErrMissing, op)
		}
		if u.State.Kind != StateLocked || u.State.TxIDLocking != txid {
			return fmt.Errorf("%w: %s", ErrWrongLockOwner, op)
		}
		u.State = Unspent()
		return m.set.Put(u)
	})
}

// MarkSpentPending transitions Locked{txid} -> SpentPending, pinning the
// Q_finality weight TimeVote must reach for this spend.
func (m *Manager) MarkSpentPending(op types.Outpoint, txid types.Hash, requiredWeight uint64, now time.Time) error {
	return m.withLocks([]types.Outpoint{op}, func() error {
		u, err := m.set.Get(op)
		if err != nil {
			return fmt.Errorf("%w: %s", ErrMissing, op)
		}
		if u.State.Kind != StateLocked || u.State.TxIDLocking != txid {
			return fmt.Errorf("%w: %s", ErrWrongLockOwner, op)
		}
		u.State = State{
			Kind:           StateSpentPending,
			TxID:           txid,
			RequiredWeight: requiredWeight,
			SpentAtUnix:    now.Unix(),
		}
		return m.set.Put(u)
	})
}

// AddVoteWeight adds accumulated Accept weight to a SpentPending outpoint's
// tracked total and reports whether Q_finality has now been reached.
func (m *Manager) AddVoteWeight(op types.Outpoint, txid types.Hash, weight uint64) (bool, error) {
	var reached bool
	err := m.withLocks([]types.Outpoint{op}, func() error {
		u, err := m.set.Get(op)
		if err != nil {
			return fmt.Errorf("%w: %s", ErrMissing, op)
		}
		if u.State.Kind != StateSpentPending || u.State.TxID != txid {
			return fmt.Errorf("%w: %s", ErrWrongLockOwner, op)
		}
		u.State.AccumulatedWeight += weight
		reached = u.State.AccumulatedWeight >= u.State.RequiredWeight
		return m.set.Put(u)
	})
	return reached, err
}

// CommitSpend performs the atomic multi-input SpentPending -> SpentFinalized
// transition for every input of a transaction:
// all inputs move together, or none do.
func (m *Manager) CommitSpend(ops []types.Outpoint, txid types.Hash, slot uint64) error {
	if len(ops) == 0 {
		return nil
	}
	return m.withLocks(ops, func() error {
		loaded := make([]*UTXO, len(ops))
		for i, op := range ops {
			u, err := m.set.Get(op)
			if err != nil {
				return fmt.Errorf("%w: %s", ErrMissing, op)
			}
			if u.State.Kind != StateSpentPending || u.State.TxID != txid {
				return fmt.Errorf("%w: %s", ErrWrongLockOwner, op)
			}
			loaded[i] = u
		}
		for i, u := range loaded {
			u.State = State{Kind: StateSpentFinalized, TxID: txid, SlotIndex: slot}
			if err := m.set.Put(u); err != nil {
				return fmt.Errorf("commit spend %s: %w", ops[i], err)
			}
		}
		return nil
	})
}

// Archive folds a finalized transaction into a TimeLock block: its inputs
// are removed from the live set (retained in the UndoLog by the caller
// for rollback) and its outputs are created as fresh Unspent UTXOs.
func (m *Manager) Archive(transaction Archivable, blockHeight, coinbaseMaturity uint64) error {
	ops := make([]types.Outpoint, 0, len(transaction.InputOutpoints()))
	ops = append(ops, transaction.InputOutpoints()...)
	return m.withLocks(ops, func() error {
		for _, op := range ops {
			if op.IsZero() {
				continue
			}
			u, err := m.set.Get(op)
			if err != nil {
				return fmt.Errorf("archive: %w: %s", ErrMissing, op)
			}
			if u.State.Kind != StateSpentFinalized {
				return fmt.Errorf("archive: outpoint %s not SpentFinalized (state=%s)", op, u.State.Kind)
			}
			u.State = State{Kind: StateArchived, TxID: u.State.TxID, BlockHeight: blockHeight}
			if err := m.set.Put(u); err != nil {
				return fmt.Errorf("archive input %s: %w", op, err)
			}
			if err := m.set.Delete(op); err != nil {
				return fmt.Errorf("remove archived input %s: %w", op, err)
			}
		}
		maturity := uint64(0)
		if transaction.IsCoinbaseLike() {
			maturity = blockHeight + coinbaseMaturity
		}
		for i, out := range transaction.OutputValues() {
			op := types.Outpoint{TxID: transaction.TxHash(), Index: uint32(i)}
			newUTXO := &UTXO{
				Outpoint:       op,
				Value:          out.Value,
				Script:         out.Script,
				IsCoinbase:     transaction.IsCoinbaseLike(),
				MaturityHeight: maturity,
				State:          Unspent(),
			}
			if err := m.set.Put(newUTXO); err != nil {
				return fmt.Errorf("create output %s: %w", op, err)
			}
		}
		return nil
	})
}

// ReplayArchive applies the same UTXO-set effects as Archive — removing
// spent inputs, creating fresh outputs — without requiring inputs to be in
// SpentFinalized. Used to reconstruct the live set by replaying already
// committed block history, where the set being
// rebuilt carries none of the SpentPending/SpentFinalized bookkeeping
// Archive otherwise checks.
func (m *Manager) ReplayArchive(transaction Archivable, blockHeight, coinbaseMaturity uint64) error {
	ops := append([]types.Outpoint{}, transaction.InputOutpoints()...)
	return m.withLocks(ops, func() error {
		for _, op := range ops {
			if op.IsZero() {
				continue
			}
			if err := m.set.Delete(op); err != nil {
				return fmt.Errorf("replay remove input %s: %w", op, err)
			}
		}
		maturity := uint64(0)
		if transaction.IsCoinbaseLike() {
			maturity = blockHeight + coinbaseMaturity
		}
		for i, out := range transaction.OutputValues() {
			op := types.Outpoint{TxID: transaction.TxHash(), Index: uint32(i)}
			newUTXO := &UTXO{
				Outpoint:       op,
				Value:          out.Value,
				Script:         out.Script,
				IsCoinbase:     transaction.IsCoinbaseLike(),
				MaturityHeight: maturity,
				State:          Unspent(),
			}
			if err := m.set.Put(newUTXO); err != nil {
				return fmt.Errorf("replay create output %s: %w", op, err)
			}
		}
		return nil
	})
}

// Archivable is the narrow transaction view Archive needs, kept free of a
// direct dependency on pkg/tx so utxo stays a leaf package.
type Archivable interface {
	TxHash() types.Hash
	InputOutpoints() []types.Outpoint
	OutputValues() []OutputValue
	IsCoinbaseLike() bool
}

// OutputValue is the minimal per-output data Archive needs to create a
// fresh UTXO.
type OutputValue struct {
	Value  uint64
	Script types.Script
}

// RollbackEntry is one undone spend or created outpoint, matching the
// UndoLog shape of 
type RollbackEntry struct {
	Outpoint types.Outpoint
	UTXO     *UTXO // non-nil: restore this UTXO (it was spent/archived); nil: just delete it (it was created).
}

// Rollback restores UTXO state from an UndoLog entry set: spent UTXOs are restored to their pre-spend snapshot, and
// outputs created by the reverted block/transaction are deleted.
func (m *Manager) Rollback(entries []RollbackEntry) error {
	ops := make([]types.Outpoint, len(entries))
	for i, e := range entries {
		ops[i] = e.Outpoint
	}
	return m.withLocks(ops, func() error {
		for _, e := range entries {
			if e.UTXO != nil {
				if err := m.set.Put(e.UTXO); err != nil {
					return fmt.Errorf("rollback restore %s: %w", e.Outpoint, err)
				}
				continue
			}
			if err := m.set.Delete(e.Outpoint); err != nil {
				return fmt.Errorf("rollback delete %s: %w", e.Outpoint, err)
			}
		}
		return nil
	})
}

// SweepExpiredLocks reverts every Locked outpoint older than
// LockTimeoutSeconds back to Unspent, as part of the consensus
// cleanup tick. Only meaningful against
// a Set that supports enumeration.
func (m *Manager) SweepExpiredLocks(store *Store, now time.Time) (int, error) {
	if store == nil {
		return 0, nil
	}
	var expired []types.Outpoint
	err := store.ForEach(func(u *UTXO) error {
		if u.State.Kind == StateLocked &&
			now.Unix()-u.State.LockedAtUnix > LockTimeoutSeconds {
			expired = append(expired, u.Outpoint)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("scan for expired locks: %w", err)
	}
	count := 0
	for _, op := range expired {
		if err := m.Unlock(op, types.Hash{}); err == nil {
			count++
			continue
		}
		// Unlock checks ownership against types.Hash{}; a real txid owns
		// the lock, so force the revert directly instead.
		u, err := m.set.Get(op)
		if err != nil || u.State.Kind != StateLocked {
			continue
		}
		if now.Unix()-u.State.LockedAtUnix <= LockTimeoutSeconds {
			continue
		}
		u.State = Unspent()
		if err := m.set.Put(u); err == nil {
			count++
		}
	}
	return count, nil
}

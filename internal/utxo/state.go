package utxo

import "github.com/time-coin/timecoin/pkg/types"

// StateKind identifies which variant of UTXOState a UTXO is in.
type StateKind uint8

const (
	// StateUnspent is the default state: spendable.
	StateUnspent StateKind = iota
	// StateLocked means a transaction has claimed this UTXO as an input but
	// has not yet been accepted into the pool for voting.
	StateLocked
	// StateSpentPending means the spending transaction is being polled by
	// TimeVote; weight accumulates toward Q_finality.
	StateSpentPending
	// StateSpentFinalized means TimeVote reached quorum; the spend is final
	// and irreversible.
	StateSpentFinalized
	// StateArchived means the spend has been folded into a TimeLock block.
	// Manager.Archive writes this state and then deletes the entry from the
	// set; the caller's undo log keeps the pre-spend copy for rollback.
	StateArchived
)

func (k StateKind) String() string {
	switch k {
	case StateUnspent:
		return "Unspent"
	case StateLocked:
		return "Locked"
	case StateSpentPending:
		return "SpentPending"
	case StateSpentFinalized:
		return "SpentFinalized"
	case StateArchived:
		return "Archived"
	default:
		return "Unknown"
	}
}

// LockTimeoutSeconds is how long a Locked UTXO may sit without progressing
// to SpentPending before it reverts to Unspent.
const LockTimeoutSeconds = 600 // 10 minutes

// State is the tagged union of UTXOState variants. Only the
// fields relevant to Kind are meaningful; the rest are zero.
type State struct {
	Kind StateKind

	// Locked
	TxIDLocking  types.Hash
	LockedAtUnix int64

	// SpentPending / SpentFinalized
	TxID              types.Hash
	AccumulatedWeight uint64
	RequiredWeight    uint64
	SpentAtUnix       int64
	SlotIndex         uint64

	// Archived
	BlockHeight uint64
}

// Unspent returns the zero-value Unspent state.
func Unspent() State { return State{Kind: StateUnspent} }

// IsTerminal reports whether no further TimeVote/TimeLock activity can
// move this UTXO out of its current state (SpentFinalized and Archived are
// monotone terminal states; Locked and SpentPending may
// revert to Unspent).
func (s State) IsTerminal() bool {
	return s.Kind == StateSpentFinalized || s.Kind == StateArchived
}

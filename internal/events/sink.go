// Package events defines the observability surface the Consensus Engine and
// Blockchain orchestrator emit through: a single injected
// interface with one method per event kind. No implementation here talks to
// a network or a metrics backend; LogSink is the only one and it just logs.
package events

import (
	"github.com/time-coin/timecoin/pkg/block"
	"github.com/time-coin/timecoin/pkg/types"
)

// TxStatus mirrors a transaction's TimeVote lifecycle status at the moment
// a TransactionStatusChanged event fires.
type TxStatus string

const (
	TxSeen               TxStatus = "seen"
	TxVoting             TxStatus = "voting"
	TxFinalized          TxStatus = "finalized"
	TxFallbackResolution TxStatus = "fallback_resolution"
	TxArchived           TxStatus = "archived"
	TxRejected           TxStatus = "rejected"
)

// MisbehaviorKind classifies a PeerMisbehavior event.
type MisbehaviorKind string

const (
	MisbehaviorForkAttempt        MisbehaviorKind = "fork_attempt"
	MisbehaviorEquivocation       MisbehaviorKind = "equivocation"
	MisbehaviorInvalidProposal    MisbehaviorKind = "invalid_proposal"
	MisbehaviorDoubleSign         MisbehaviorKind = "double_sign"
	MisbehaviorInvalidAttestation MisbehaviorKind = "invalid_attestation"
)

// Sink receives every observability event the core emits. A nil
// Sink is never passed around; NopSink satisfies the interface with no-ops
// for callers (tests, single-node bootstrap) that don't wire a real one.
type Sink interface {
	TransactionStatusChanged(txid types.Hash, status TxStatus)
	BlockAdded(blk *block.Block)
	BlockReverted(blk *block.Block)
	ConflictingFinalityEvent(outpoint types.Outpoint, a, b types.Hash)
	ByzantineFlag(mnID types.Address, reason string)
	LivenessFallbackActivated(txid types.Hash, slot uint64, round uint32)
	StallDetected(txid types.Hash, slot uint64)
	PeerMisbehavior(kind MisbehaviorKind)
}

// NopSink discards every event. Used when a node is run without any
// observability collaborator wired in.
type NopSink struct{}

func (NopSink) TransactionStatusChanged(types.Hash, TxStatus)                   {}
func (NopSink) BlockAdded(*block.Block)                                         {}
func (NopSink) BlockReverted(*block.Block)                                      {}
func (NopSink) ConflictingFinalityEvent(types.Outpoint, types.Hash, types.Hash) {}
func (NopSink) ByzantineFlag(types.Address, string)                             {}
func (NopSink) LivenessFallbackActivated(types.Hash, uint64, uint32)            {}
func (NopSink) StallDetected(types.Hash, uint64)                                {}
func (NopSink) PeerMisbehavior(MisbehaviorKind)                                 {}

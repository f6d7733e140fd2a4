package events

import (
	"github.com/rs/zerolog"

	"github.com/time-coin/timecoin/internal/log"
	"github.com/time-coin/timecoin/pkg/block"
	"github.com/time-coin/timecoin/pkg/types"
)

// LogSink logs every event through the node's structured logger. It is
// the only Sink implementation this module ships; a real anomaly-detection
// or metrics collaborator would implement Sink the same
// way and be wired in its place.
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink creates a Sink that logs every event under the "events"
// component.
func NewLogSink() LogSink {
	return LogSink{logger: log.WithComponent("events")}
}

func (s LogSink) TransactionStatusChanged(txid types.Hash, status TxStatus) {
	s.logger.Info().Str("txid", txid.String()).Str("status", string(status)).Msg("TransactionStatusChanged")
}

func (s LogSink) BlockAdded(blk *block.Block) {
	s.logger.Info().
		Uint64("height", blk.Header.Height).
		Str("hash", blk.Hash().String()).
		Int("txs", len(blk.Transactions)).
		Bool("liveness_recovery", blk.Header.LivenessRecovery).
		Msg("BlockAdded")
}

func (s LogSink) BlockReverted(blk *block.Block) {
	s.logger.Warn().
		Uint64("height", blk.Header.Height).
		Str("hash", blk.Hash().String()).
		Msg("BlockReverted")
}

func (s LogSink) ConflictingFinalityEvent(outpoint types.Outpoint, a, b types.Hash) {
	s.logger.Error().
		Str("outpoint", outpoint.String()).
		Str("tx_a", a.String()).
		Str("tx_b", b.String()).
		Msg("ConflictingFinalityEvent")
}

func (s LogSink) ByzantineFlag(mnID types.Address, reason string) {
	s.logger.Error().Str("masternode", mnID.String()).Str("reason", reason).Msg("ByzantineFlag")
}

func (s LogSink) LivenessFallbackActivated(txid types.Hash, slot uint64, round uint32) {
	s.logger.Warn().Str("txid", txid.String()).Uint64("slot", slot).Uint32("round", round).Msg("LivenessFallbackActivated")
}

func (s LogSink) StallDetected(txid types.Hash, slot uint64) {
	s.logger.Warn().Str("txid", txid.String()).Uint64("slot", slot).Msg("StallDetected")
}

func (s LogSink) PeerMisbehavior(kind MisbehaviorKind) {
	s.logger.Warn().Str("kind", string(kind)).Msg("PeerMisbehavior")
}

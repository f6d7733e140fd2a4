package mempool

import (
	"fmt"

	"github.com/time-coin/timecoin/config"
	"github.com/time-coin/timecoin/pkg/tx"
)

// DefaultMaxTxSize is the maximum transaction size in bytes (canonical
// encoding, excluding signatures).
const DefaultMaxTxSize = 100_000

// Policy defines transaction acceptance rules enforced at mempool ingress,
// ahead of full UTXO validation.
type Policy struct {
	MaxTxSize int // Maximum transaction size in canonical bytes.
}

// DefaultPolicy returns a policy with sensible defaults.
func DefaultPolicy() *Policy {
	return &Policy{
		MaxTxSize: DefaultMaxTxSize,
	}
}

// Check validates a transaction against policy rules: size and structural
// limits, plus the dust ingress rule: outputs below 546 base
// units are rejected immediately and never enter Voting.
func (p *Policy) Check(transaction *tx.Transaction) error {
	size := len(transaction.CanonicalBytes())
	if p.MaxTxSize > 0 && size > p.MaxTxSize {
		return fmt.Errorf("transaction too large: %d bytes, max %d", size, p.MaxTxSize)
	}
	if len(transaction.Inputs) > config.MaxTxInputs {
		return fmt.Errorf("too many inputs: %d, max %d", len(transaction.Inputs), config.MaxTxInputs)
	}
	if len(transaction.Outputs) > config.MaxTxOutputs {
		return fmt.Errorf("too many outputs: %d, max %d", len(transaction.Outputs), config.MaxTxOutputs)
	}

	var outputsSum uint64
	for i, out := range transaction.Outputs {
		if len(out.Script.Data) > config.MaxScriptData {
			return fmt.Errorf("output %d script data too large: %d bytes, max %d", i, len(out.Script.Data), config.MaxScriptData)
		}
		if !transaction.IsCoinbase() && out.Value < config.DustThresholdSats {
			return fmt.Errorf("output %d below dust threshold: %d, min %d", i, out.Value, config.DustThresholdSats)
		}
		outputsSum += out.Value
	}
	return nil
}

// CheckFee enforces the minimum fee rule against the already-computed
// outputs sum: fee must be at least max(0.001 TIME, 0.1% of outputs_sum).
func (p *Policy) CheckFee(fee uint64, outputsSum uint64) error {
	minByRate := outputsSum / 1000 // 0.1%.
	minFee := uint64(tx.MinFeeFlatBaseUnits)
	if minByRate > minFee {
		minFee = minByRate
	}
	if fee < minFee {
		return fmt.Errorf("%w: %d, min %d", tx.ErrBelowMinimumFee, fee, minFee)
	}
	return nil
}

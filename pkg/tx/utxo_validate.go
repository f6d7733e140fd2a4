package tx

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"fmt"
	"math"

	"github.com/time-coin/timecoin/pkg/crypto"
	"github.com/time-coin/timecoin/pkg/types"
)

// UTXO-aware validation errors.
var (
	ErrInputNotFound     = errors.New("input UTXO not found")
	ErrInputSpent        = errors.New("input UTXO already spent")
	ErrInsufficientFee   = errors.New("insufficient fee")
	ErrBelowMinimumFee   = errors.New("fee below minimum")
	ErrInputOverflow     = errors.New("input values overflow")
	ErrScriptMismatch    = errors.New("pubkey does not match UTXO script")
	ErrUnspendableOutput = errors.New("output is unspendable")
)

// MinFeeRateBps is the percentage-of-output-sum component of the minimum
// fee rule: max(0.001 TIME, 0.1% of outputs_sum).
const MinFeeRateBps = 10 // 0.1% = 10 basis points of 1/10000

// MinFeeFlatBaseUnits is the flat component of the minimum fee: 0.001 TIME.
// 1 TIME = 1e12 base units (config.Coin), so 0.001 TIME = 1e9 base units.
const MinFeeFlatBaseUnits = 1_000_000_000

// UTXOProvider provides read-only access to the UTXO set for validation.
type UTXOProvider interface {
	GetUTXO(outpoint types.Outpoint) (value uint64, script types.Script, err error)
	HasUTXO(outpoint types.Outpoint) bool
}

// ValidateWithUTXOs performs full validation of a transaction against the UTXO set.
// It checks that all inputs exist, are unspent, that the pubkey matches the
// UTXO script, that signatures are valid, and that inputs >= outputs plus
// the minimum fee rule. Returns the fee (inputs - outputs).
func (tx *Transaction) ValidateWithUTXOs(provider UTXOProvider) (uint64, error) {
	if err := tx.ValidateStructure(); err != nil {
		return 0, err
	}

	var totalInput uint64
	for i, in := range tx.Inputs {
		if in.PrevOut.IsZero() {
			continue // Coinbase input.
		}

		if !provider.HasUTXO(in.PrevOut) {
			return 0, fmt.Errorf("input %d (%s): %w", i, in.PrevOut, ErrInputNotFound)
		}

		value, script, err := provider.GetUTXO(in.PrevOut)
		if err != nil {
			return 0, fmt.Errorf("input %d: %w", i, err)
		}

		if script.Type == types.ScriptTypeP2PKH {
			if err := verifyP2PKH(in.PubKey, script.Data); err != nil {
				return 0, fmt.Errorf("input %d: %w", i, err)
			}
		}

		// Masternode collateral locks (ScriptTypeStake) require the spending
		// pubkey to match the staking pubkey; the registry additionally
		// protects live collateral from ever reaching this path.
		if script.Type == types.ScriptTypeStake {
			if len(script.Data) != ed25519.PublicKeySize {
				return 0, fmt.Errorf("input %d: %w: stake script data length %d, want %d",
					i, ErrScriptMismatch, len(script.Data), ed25519.PublicKeySize)
			}
			if !bytes.Equal(in.PubKey, script.Data) {
				return 0, fmt.Errorf("input %d: %w: pubkey does not match stake", i, ErrScriptMismatch)
			}
		}

		if totalInput > math.MaxUint64-value {
			return 0, fmt.Errorf("input %d: %w", i, ErrInputOverflow)
		}
		totalInput += value
	}

	if err := tx.VerifySignatures(); err != nil {
		return 0, err
	}

	totalOutput, ovfErr := tx.TotalOutputValue()
	if ovfErr != nil {
		return 0, fmt.Errorf("output overflow: %w", ovfErr)
	}
	if totalInput < totalOutput {
		return 0, fmt.Errorf("%w: inputs=%d outputs=%d", ErrInsufficientFee, totalInput, totalOutput)
	}

	fee := totalInput - totalOutput
	if tx.Kind != KindCoinbase {
		if err := checkMinimumFee(fee, totalOutput); err != nil {
			return 0, err
		}
	}
	return fee, nil
}

// checkMinimumFee enforces max(0.001 TIME, 0.1% of outputs_sum).
func checkMinimumFee(fee, outputsSum uint64) error {
	required := uint64(MinFeeFlatBaseUnits)
	pct := outputsSum / 1000 * MinFeeRateBps / 10 // outputsSum * 0.1% with overflow-safe ordering
	if pct > required {
		required = pct
	}
	if fee < required {
		return fmt.Errorf("%w: got %d, need %d", ErrBelowMinimumFee, fee, required)
	}
	return nil
}

// ValidateStructure checks transaction structure without requiring UTXO access.
// Same as Validate() but renamed for clarity when used alongside ValidateWithUTXOs.
func (tx *Transaction) ValidateStructure() error {
	return tx.Validate()
}

// verifyP2PKH checks that a public key hashes to the expected address in the script.
func verifyP2PKH(pubKey []byte, scriptData []byte) error {
	if len(scriptData) != types.AddressSize {
		return fmt.Errorf("%w: script data length %d", ErrScriptMismatch, len(scriptData))
	}
	if len(pubKey) == 0 {
		return ErrMissingPubKey
	}

	expected := crypto.AddressFromPubKey(pubKey)
	var got types.Address
	copy(got[:], scriptData)

	if expected != got {
		return fmt.Errorf("%w: expected %s, got %s", ErrScriptMismatch, got, expected)
	}
	return nil
}

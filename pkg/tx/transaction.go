// Package tx defines transaction types, canonical encoding, and validation.
package tx

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"

	"github.com/time-coin/timecoin/pkg/crypto"
	"github.com/time-coin/timecoin/pkg/types"
)

// Kind identifies the semantic purpose of a transaction.
type Kind uint8

const (
	KindStandard           Kind = 0
	KindCoinbase           Kind = 1
	KindRewardDistribution Kind = 2
	KindMasternodeLock     Kind = 3
	KindMasternodeUnlock   Kind = 4
	KindGovernance         Kind = 5
	KindTimeProof          Kind = 6
	KindSmartContract      Kind = 7
)

func (k Kind) String() string {
	switch k {
	case KindStandard:
		return "Standard"
	case KindCoinbase:
		return "Coinbase"
	case KindRewardDistribution:
		return "RewardDistribution"
	case KindMasternodeLock:
		return "MasternodeLock"
	case KindMasternodeUnlock:
		return "MasternodeUnlock"
	case KindGovernance:
		return "Governance"
	case KindTimeProof:
		return "TimeProof"
	case KindSmartContract:
		return "SmartContract"
	default:
		return "Unknown"
	}
}

// Transaction represents a TimeCoin transaction.
type Transaction struct {
	Version  uint32   `json:"version"`
	Kind     Kind     `json:"kind"`
	Inputs   []Input  `json:"inputs"`
	Outputs  []Output `json:"outputs"`
	LockTime uint64   `json:"locktime"`
}

// Input references a UTXO being spent.
type Input struct {
	PrevOut   types.Outpoint `json:"prevout"`
	Sequence  uint32         `json:"sequence"`
	Signature []byte         `json:"signature"`
	PubKey    []byte         `json:"pubkey"`
}

// inputJSON is the JSON representation of Input with hex-encoded byte fields.
type inputJSON struct {
	PrevOut  types.Outpoint `json:"prevout"`
	Sequence uint32         `json:"sequence"`
	Signature *string       `json:"signature"`
	PubKey    *string       `json:"pubkey"`
}

// MarshalJSON encodes the input with hex-encoded signature and pubkey.
func (in Input) MarshalJSON() ([]byte, error) {
	j := inputJSON{PrevOut: in.PrevOut, Sequence: in.Sequence}
	if in.Signature != nil {
		s := hex.EncodeToString(in.Signature)
		j.Signature = &s
	}
	if in.PubKey != nil {
		p := hex.EncodeToString(in.PubKey)
		j.PubKey = &p
	}
	return json.Marshal(j)
}

// UnmarshalJSON decodes an input with hex-encoded signature and pubkey.
func (in *Input) UnmarshalJSON(data []byte) error {
	var j inputJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	in.PrevOut = j.PrevOut
	in.Sequence = j.Sequence
	if j.Signature != nil {
		b, err := hex.DecodeString(*j.Signature)
		if err != nil {
			return err
		}
		in.Signature = b
	}
	if j.PubKey != nil {
		b, err := hex.DecodeString(*j.PubKey)
		if err != nil {
			return err
		}
		in.PubKey = b
	}
	return nil
}

// Output defines a new UTXO.
type Output struct {
	Value  uint64       `json:"value"`
	Script types.Script `json:"script"`
}

// Hash computes the transaction ID: H(canonical bytes). Canonical bytes
// exclude input signatures (a coinbase input's height payload, carried in
// its Signature field, is the one exception) so that the signing message
// (below) can reference the txid without circularity.
func (tx *Transaction) Hash() types.Hash {
	return crypto.Hash(tx.CanonicalBytes())
}

// CanonicalBytes returns the canonical byte representation used to compute
// the txid. Format: version(4) | kind(1) | input_count(4) |
// [prevout(36) + sequence(4) (+ payload_len(4) + payload, for a
// zero-outpoint input with a non-empty Signature)]... | output_count(4) |
// [value(8) + script_type(1) + script_data_len(4) + script_data]... | locktime(8)
func (tx *Transaction) CanonicalBytes() []byte {
	var buf []byte

	buf = binary.LittleEndian.AppendUint32(buf, tx.Version)
	buf = append(buf, byte(tx.Kind))

	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(tx.Inputs)))
	for _, in := range tx.Inputs {
		buf = append(buf, in.PrevOut.TxID[:]...)
		buf = binary.LittleEndian.AppendUint32(buf, in.PrevOut.Index)
		buf = binary.LittleEndian.AppendUint32(buf, in.Sequence)
		// Coinbase inputs carry their unique height payload in Signature;
		// include it so distinct-height coinbases hash differently.
		if in.PrevOut.IsZero() && len(in.Signature) > 0 {
			buf = binary.LittleEndian.AppendUint32(buf, uint32(len(in.Signature)))
			buf = append(buf, in.Signature...)
		}
	}

	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(tx.Outputs)))
	for _, out := range tx.Outputs {
		buf = binary.LittleEndian.AppendUint64(buf, out.Value)
		buf = append(buf, byte(out.Script.Type))
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(out.Script.Data)))
		buf = append(buf, out.Script.Data...)
	}

	buf = binary.LittleEndian.AppendUint64(buf, tx.LockTime)

	return buf
}

// OutputsHash returns H(serialized outputs), the commitment used inside
// each input's signing message.
func (tx *Transaction) OutputsHash() types.Hash {
	var buf []byte
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(tx.Outputs)))
	for _, out := range tx.Outputs {
		buf = binary.LittleEndian.AppendUint64(buf, out.Value)
		buf = append(buf, byte(out.Script.Type))
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(out.Script.Data)))
		buf = append(buf, out.Script.Data...)
	}
	return crypto.Hash(buf)
}

// SigningMessage returns the message a given input must sign:
// H(txid || u32_le(input_index) || H(all outputs)).
func (tx *Transaction) SigningMessage(inputIndex int) types.Hash {
	txid := tx.Hash()
	outputsHash := tx.OutputsHash()

	var buf []byte
	buf = append(buf, txid[:]...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(inputIndex))
	buf = append(buf, outputsHash[:]...)
	return crypto.Hash(buf)
}

// TotalOutputValue returns the sum of all output values.
// Returns an error if the sum overflows uint64.
func (tx *Transaction) TotalOutputValue() (uint64, error) {
	var total uint64
	for _, out := range tx.Outputs {
		if total > math.MaxUint64-out.Value {
			return 0, fmt.Errorf("output value overflow")
		}
		total += out.Value
	}
	return total, nil
}

// IsCoinbase reports whether this transaction is a coinbase: exactly one
// input with a zero outpoint.
func (tx *Transaction) IsCoinbase() bool {
	return len(tx.Inputs) == 1 && tx.Inputs[0].PrevOut.IsZero()
}

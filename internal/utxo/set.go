// Package utxo implements the UTXO State Manager: the
// authoritative record of every unspent transaction output and the state
// machine (Unspent/Locked/SpentPending/SpentFinalized/Archived) tracking
// its progress through TimeVote finality and TimeLock archival.
package utxo

import "github.com/time-coin/timecoin/pkg/types"

// UTXO represents a transaction output tracked by the state manager.
type UTXO struct {
	Outpoint       types.Outpoint `json:"outpoint"`
	Value          uint64         `json:"value"`
	Script         types.Script   `json:"script"`
	IsCoinbase     bool           `json:"is_coinbase"`
	MaturityHeight uint64         `json:"maturity_height"`
	State          State          `json:"state"`
}

// Set is the interface for UTXO storage.
type Set interface {
	Get(outpoint types.Outpoint) (*UTXO, error)
	Put(utxo *UTXO) error
	Delete(outpoint types.Outpoint) error
	Has(outpoint types.Outpoint) (bool, error)
}

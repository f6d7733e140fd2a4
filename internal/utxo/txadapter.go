package utxo

import (
	"github.com/time-coin/timecoin/pkg/tx"
	"github.com/time-coin/timecoin/pkg/types"
)

// TxArchivable adapts a *tx.Transaction to the Archivable view Manager.Archive
// needs, without pulling pkg/tx into every caller of the lower-level Manager
// API (tests exercise Archive against hand-built Archivable fakes).
type TxArchivable struct {
	Tx *tx.Transaction
}

func (a TxArchivable) TxHash() types.Hash { return a.Tx.Hash() }

func (a TxArchivable) InputOutpoints() []types.Outpoint {
	ops := make([]types.Outpoint, 0, len(a.Tx.Inputs))
	for _, in := range a.Tx.Inputs {
		if in.PrevOut.IsZero() {
			continue
		}
		ops = append(ops, in.PrevOut)
	}
	return ops
}

func (a TxArchivable) OutputValues() []OutputValue {
	out := make([]OutputValue, len(a.Tx.Outputs))
	for i, o := range a.Tx.Outputs {
		out[i] = OutputValue{Value: o.Value, Script: o.Script}
	}
	return out
}

func (a TxArchivable) IsCoinbaseLike() bool {
	return a.Tx.Kind == tx.KindCoinbase && a.Tx.IsCoinbase()
}

// TxProvider adapts a Set to tx.UTXOProvider, the read-only view
// ValidateWithUTXOs and the mempool's ingress checks need.
type TxProvider struct {
	Set Set
}

// NewTxProvider wraps set as a tx.UTXOProvider.
func NewTxProvider(set Set) TxProvider {
	return TxProvider{Set: set}
}

func (p TxProvider) GetUTXO(outpoint types.Outpoint) (uint64, types.Script, error) {
	u, err := p.Set.Get(outpoint)
	if err != nil {
		return 0, types.Script{}, err
	}
	return u.Value, u.Script, nil
}

func (p TxProvider) HasUTXO(outpoint types.Outpoint) bool {
	has, err := p.Set.Has(outpoint)
	if err != nil {
		return false
	}
	return has
}

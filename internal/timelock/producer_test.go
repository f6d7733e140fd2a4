package timelock

import (
	"testing"
	"time"

	"github.com/time-coin/timecoin/config"
	"github.com/time-coin/timecoin/pkg/crypto"
	"github.com/time-coin/timecoin/pkg/tx"
	"github.com/time-coin/timecoin/pkg/types"
)

type fixedTip struct {
	height uint64
	tip    types.Hash
}

func (f fixedTip) Height() uint64     { return f.height }
func (f fixedTip) TipHash() types.Hash { return f.tip }

type fixedPool struct{ entries []FinalizedEntry }

func (f fixedPool) FinalizedTransactions() []FinalizedEntry { return f.entries }

func sampleStandardTx(seed byte) *tx.Transaction {
	var prevTxID types.Hash
	prevTxID[0] = seed
	return &tx.Transaction{
		Version: 1,
		Kind:    tx.KindStandard,
		Inputs: []tx.Input{{
			PrevOut:   types.Outpoint{TxID: prevTxID, Index: 0},
			Signature: []byte{1, 2, 3},
			PubKey:    []byte{4, 5, 6},
		}},
		Outputs: []tx.Output{{
			Value:  1_000 * config.Coin,
			Script: producerScript(types.Address{seed}),
		}},
	}
}

func TestProducer_Assemble(t *testing.T) {
	snap := mixedTierSnapshot(20, 3)
	producer := snap.Members[0].ID

	addrs := mapAddrs{addrs: map[types.Address]types.Address{}}
	for _, m := range snap.Members {
		addrs.addrs[m.ID] = m.ID
	}

	entries := []FinalizedEntry{
		{Tx: sampleStandardTx(1), SlotIndex: 5, VoteWeight: 14, Fee: 100},
		{Tx: sampleStandardTx(2), SlotIndex: 5, VoteWeight: 20, Fee: 50},
	}

	p := NewProducer(fixedTip{height: 9, tip: types.Hash{0x77}}, fixedPool{entries: entries}, addrs)

	signer, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	self := &Identity{ID: producer, Key: signer}

	candidate := LeaderCandidate{ID: producer, VRFOutput: types.Hash{0x01}}
	blk, err := p.Assemble(Slot(time.Now().Unix()), time.Now(), snap, candidate, self)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}

	if len(blk.Transactions) != 2+len(entries) {
		t.Fatalf("tx count = %d, want %d", len(blk.Transactions), 2+len(entries))
	}
	if blk.Transactions[0].Kind != tx.KindCoinbase {
		t.Error("transactions[0] must be coinbase")
	}
	if blk.Transactions[1].Kind != tx.KindRewardDistribution {
		t.Error("transactions[1] must be reward distribution")
	}
	wantReward := uint64(config.BlockRewardTime)*config.Coin + 150
	if blk.Transactions[0].Outputs[0].Value != wantReward {
		t.Errorf("coinbase value = %d, want %d", blk.Transactions[0].Outputs[0].Value, wantReward)
	}
	if blk.Header.Height != 10 {
		t.Errorf("height = %d, want 10", blk.Header.Height)
	}
	if blk.Header.PrevHash != (types.Hash{0x77}) {
		t.Error("prev_hash must match chain tip")
	}
	if len(blk.TimeAttestations) != len(entries) {
		t.Errorf("time attestations = %d, want %d", len(blk.TimeAttestations), len(entries))
	}

	if err := blk.Validate(); err != nil {
		t.Errorf("assembled block failed structural validation: %v", err)
	}
}

package timelock

import (
	"bytes"
	"fmt"
	"sort"
	"time"

	"github.com/time-coin/timecoin/config"
	"github.com/time-coin/timecoin/internal/registry"
	"github.com/time-coin/timecoin/pkg/block"
	"github.com/time-coin/timecoin/pkg/crypto"
	"github.com/time-coin/timecoin/pkg/tx"
	"github.com/time-coin/timecoin/pkg/types"
)

// Slot returns floor(unix/600), the TimeLock checkpoint interval index.
func Slot(unix int64) uint64 {
	return uint64(unix) / config.BlockIntervalSeconds
}

// SlotTime returns the canonical start time of slot.
func SlotTime(slot uint64) uint64 {
	return slot * config.BlockIntervalSeconds
}

// ChainTip provides the read-only chain state a producer needs to extend
// the tip.
type ChainTip interface {
	Height() uint64
	TipHash() types.Hash
}

// FinalizedSource supplies the deterministically ordered body of a block:
// every transaction currently Finalized (not yet Archived) in TimeVote,
// plus its slot and accumulated vote weight for the block's
// TimeAttestations.
type FinalizedSource interface {
	FinalizedTransactions() []FinalizedEntry
}

// FinalizedEntry is one Finalized transaction ready for archival into the
// next TimeLock block.
type FinalizedEntry struct {
	Tx         *tx.Transaction
	SlotIndex  uint64
	VoteWeight uint64
	Fee        uint64
}

// Identity is the local node's masternode signing material, required to
// produce or vote on TimeLock blocks. A node with Identity == nil
// participates only as an observer.
type Identity struct {
	ID     types.Address
	Key    *crypto.PrivateKey
	VRFKey *crypto.VRFPrivateKey
}

// Producer assembles TimeLock block proposals.
type Producer struct {
	chain   ChainTip
	pool    FinalizedSource
	addrs   AddressSource
	genesis types.Hash
}

// NewProducer creates a TimeLock block producer.
func NewProducer(chain ChainTip, pool FinalizedSource, addrs AddressSource) *Producer {
	return &Producer{chain: chain, pool: pool, addrs: addrs}
}

// BuildCoinbase creates transactions[0]: the block reward plus collected
// fees, paid to the producer address given. Assemble passes the leader's
// mn_id; the masternode's registered reward address is not looked up.
func BuildCoinbase(producer types.Address, blockReward, fees, height uint64) *tx.Transaction {
	heightBytes := make([]byte, 8)
	for i := 0; i < 8; i++ {
		heightBytes[i] = byte(height >> (8 * i))
	}
	return &tx.Transaction{
		Version: 1,
		Kind:    tx.KindCoinbase,
		Inputs: []tx.Input{{
			PrevOut:   types.Outpoint{},
			Signature: heightBytes,
		}},
		Outputs: []tx.Output{{
			Value:  blockReward + fees,
			Script: producerScript(producer),
		}},
	}
}

// Assemble builds a full, unsigned TimeLock block proposal for the given
// slot: coinbase, reward distribution, then the finalized pool's body in
// canonical (hash-ascending) order, capped by MaxBlockSize/MaxBlockTxs.
func (p *Producer) Assemble(slot uint64, now time.Time, snap *registry.AVSSnapshot, candidate LeaderCandidate, self *Identity) (*block.Block, error) {
	height := p.chain.Height() + 1
	prevHash := p.chain.TipHash()

	entries := p.pool.FinalizedTransactions()
	sort.Slice(entries, func(i, j int) bool {
		hi, hj := entries[i].Tx.Hash(), entries[j].Tx.Hash()
		return bytes.Compare(hi[:], hj[:]) < 0
	})

	var fees uint64
	body := make([]*tx.Transaction, 0, len(entries))
	attestations := make([]block.TimeAttestation, 0, len(entries))
	headerBudget := config.MaxBlockSize
	txCount := 0
	for _, e := range entries {
		if txCount+3 > config.MaxBlockTxs { // reserve coinbase + reward-distribution slots.
			break
		}
		size := len(e.Tx.CanonicalBytes())
		if size > headerBudget {
			break
		}
		headerBudget -= size
		body = append(body, e.Tx)
		attestations = append(attestations, block.TimeAttestation{
			TxID: e.Tx.Hash(), SlotIndex: e.SlotIndex, VoteWeight: e.VoteWeight,
		})
		fees += e.Fee
		txCount++
	}

	var signer *crypto.PrivateKey
	if self != nil {
		signer = self.Key
	}

	coinbase := BuildCoinbase(candidate.ID, uint64(config.BlockRewardTime)*config.Coin, fees, height)
	rewardTx, payouts, err := BuildRewardDistribution(coinbase, snap, height, candidate.ID, p.addrs, signer)
	if err != nil {
		return nil, fmt.Errorf("build reward distribution: %w", err)
	}

	txs := make([]*tx.Transaction, 0, 2+len(body))
	txs = append(txs, coinbase, rewardTx)
	txs = append(txs, body...)

	txHashes := make([]types.Hash, len(txs))
	for i, t := range txs {
		txHashes[i] = t.Hash()
	}

	header := &block.Header{
		Version:              block.CurrentVersion,
		Height:                height,
		PrevHash:             prevHash,
		MerkleRoot:           block.ComputeMerkleRoot(txHashes),
		Timestamp:            SlotTime(slot),
		BlockReward:          coinbase.Outputs[0].Value,
		Leader:               candidate.ID,
		MasternodeTierCounts: tierCounts(snap),
		VRFProof:             candidate.VRFProof,
		VRFOutput:            candidate.VRFOutput,
		VRFScore:             vrfScore(candidate.VRFOutput),
		ActiveMasternodesMap: activeMasternodesBitmap(snap),
	}

	blk := block.NewBlock(header, txs)
	blk.MasternodeRewards = payouts
	blk.TimeAttestations = attestations
	return blk, nil
}

// tierCounts tallies AVS members by tier for the block header's
// masternode_tier_counts field.
func tierCounts(snap *registry.AVSSnapshot) block.TierCounts {
	var counts block.TierCounts
	for _, m := range snap.Members {
		if int(m.Tier) < len(counts) {
			counts[m.Tier]++
		}
	}
	return counts
}

// activeMasternodesBitmap encodes, in canonical lexicographic mn_id
// order, which AVS members are present in this slot's snapshot.
func activeMasternodesBitmap(snap *registry.AVSSnapshot) []byte {
	ids := sortedMemberIDs(snap)
	bitmap := make([]byte, (len(ids)+7)/8)
	for i := range ids {
		bitmap[i/8] |= 1 << uint(i%8)
	}
	return bitmap
}

// vrfScore folds a 32-byte VRF output down to a uint64 comparison score
// for observability (header.VRFScore); leader selection itself always
// compares the full 32-byte output via SelectLeader.
func vrfScore(out types.Hash) uint64 {
	var score uint64
	for i := 0; i < 8; i++ {
		score = score<<8 | uint64(out[i])
	}
	return score
}

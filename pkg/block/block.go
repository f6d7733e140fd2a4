// Package block defines block types and validation.
package block

import (
	"github.com/time-coin/timecoin/pkg/tx"
	"github.com/time-coin/timecoin/pkg/types"
)

// RewardPayout records one masternode's share of a block's reward
// distribution, alongside the RewardDistribution transaction that actually
// moves the funds — kept for audit/observability without
// requiring a replay of the transaction's outputs against the registry.
type RewardPayout struct {
	MasternodeID types.Address `json:"masternode_id"`
	Address      types.Address `json:"address"`
	Value        uint64        `json:"value"`
}

// TimeAttestation summarizes the TimeProof that finalized a transaction
// before it was archived into this block:
// enough to audit finality history without re-carrying every vote.
type TimeAttestation struct {
	TxID       types.Hash `json:"tx_id"`
	SlotIndex  uint64     `json:"slot_index"`
	VoteWeight uint64     `json:"vote_weight"`
}

// Block represents a block in the chain.
type Block struct {
	Header       *Header           `json:"header"`
	Transactions []*tx.Transaction `json:"transactions"`

	// MasternodeRewards records the reward-distribution payout for this
	// block's rotating reward window.
	MasternodeRewards []RewardPayout `json:"masternode_rewards"`

	// TimeAttestations records which finalized transactions are being
	// archived into this block and the TimeProof weight behind each.
	TimeAttestations []TimeAttestation `json:"time_attestations"`

	// ConsensusParticipantsBitmap marks which AVS-active masternodes
	// participated in this block's two-phase commit (prepare/precommit).
	ConsensusParticipantsBitmap []byte `json:"consensus_participants_bitmap"`
}

// NewBlock creates a new block with the given header and transactions.
func NewBlock(header *Header, txs []*tx.Transaction) *Block {
	return &Block{
		Header:       header,
		Transactions: txs,
	}
}

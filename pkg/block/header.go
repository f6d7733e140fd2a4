package block

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"

	"github.com/time-coin/timecoin/pkg/crypto"
	"github.com/time-coin/timecoin/pkg/types"
)

// TierCounts indexes masternode_tier_counts by tier: Free, Bronze, Silver, Gold.
type TierCounts [4]uint32

// Header contains block metadata, including the VRF leader-sortition proof
// and the liveness-fallback record carried by every TimeLock block.
type Header struct {
	Version                uint32        `json:"version"`
	Height                 uint64        `json:"height"`
	PrevHash               types.Hash    `json:"previous_hash"`
	MerkleRoot             types.Hash    `json:"merkle_root"`
	Timestamp              uint64        `json:"timestamp"`
	BlockReward            uint64        `json:"block_reward"`
	Leader                 types.Address `json:"leader"` // Masternode ID of the block producer.
	AttestationRoot        types.Hash    `json:"attestation_root"`
	MasternodeTierCounts   TierCounts `json:"masternode_tier_counts"`
	VRFProof               []byte     `json:"vrf_proof"`
	VRFOutput              types.Hash `json:"vrf_output"`
	VRFScore               uint64     `json:"vrf_score"`
	ActiveMasternodesMap   []byte     `json:"active_masternodes_bitmap"`
	LivenessRecovery       bool       `json:"liveness_recovery"`
	ValidatorSig           []byte     `json:"validator_sig,omitempty"`
}

// headerJSON is the JSON representation of Header with hex-encoded byte fields.
type headerJSON struct {
	Version              uint32        `json:"version"`
	Height               uint64        `json:"height"`
	PrevHash             types.Hash    `json:"previous_hash"`
	MerkleRoot           types.Hash    `json:"merkle_root"`
	Timestamp            uint64        `json:"timestamp"`
	BlockReward          uint64        `json:"block_reward"`
	Leader               types.Address `json:"leader"`
	AttestationRoot      types.Hash    `json:"attestation_root"`
	MasternodeTierCounts TierCounts `json:"masternode_tier_counts"`
	VRFProof             string     `json:"vrf_proof,omitempty"`
	VRFOutput            types.Hash `json:"vrf_output"`
	VRFScore             uint64     `json:"vrf_score"`
	ActiveMasternodesMap string     `json:"active_masternodes_bitmap,omitempty"`
	LivenessRecovery     bool       `json:"liveness_recovery"`
	ValidatorSig         string     `json:"validator_sig,omitempty"`
}

// MarshalJSON encodes the header with hex-encoded byte-slice fields.
func (h *Header) MarshalJSON() ([]byte, error) {
	j := headerJSON{
		Version:              h.Version,
		Height:                h.Height,
		PrevHash:             h.PrevHash,
		MerkleRoot:           h.MerkleRoot,
		Timestamp:            h.Timestamp,
		BlockReward:          h.BlockReward,
		Leader:               h.Leader,
		AttestationRoot:      h.AttestationRoot,
		MasternodeTierCounts: h.MasternodeTierCounts,
		VRFOutput:            h.VRFOutput,
		VRFScore:             h.VRFScore,
		LivenessRecovery:     h.LivenessRecovery,
	}
	if h.VRFProof != nil {
		j.VRFProof = hex.EncodeToString(h.VRFProof)
	}
	if h.ActiveMasternodesMap != nil {
		j.ActiveMasternodesMap = hex.EncodeToString(h.ActiveMasternodesMap)
	}
	if h.ValidatorSig != nil {
		j.ValidatorSig = hex.EncodeToString(h.ValidatorSig)
	}
	return json.Marshal(j)
}

// UnmarshalJSON decodes a header with hex-encoded byte-slice fields.
func (h *Header) UnmarshalJSON(data []byte) error {
	var j headerJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	h.Version = j.Version
	h.Height = j.Height
	h.PrevHash = j.PrevHash
	h.MerkleRoot = j.MerkleRoot
	h.Timestamp = j.Timestamp
	h.BlockReward = j.BlockReward
	h.Leader = j.Leader
	h.AttestationRoot = j.AttestationRoot
	h.MasternodeTierCounts = j.MasternodeTierCounts
	h.VRFOutput = j.VRFOutput
	h.VRFScore = j.VRFScore
	h.LivenessRecovery = j.LivenessRecovery
	if j.VRFProof != "" {
		b, err := hex.DecodeString(j.VRFProof)
		if err != nil {
			return err
		}
		h.VRFProof = b
	}
	if j.ActiveMasternodesMap != "" {
		b, err := hex.DecodeString(j.ActiveMasternodesMap)
		if err != nil {
			return err
		}
		h.ActiveMasternodesMap = b
	}
	if j.ValidatorSig != "" {
		b, err := hex.DecodeString(j.ValidatorSig)
		if err != nil {
			return err
		}
		h.ValidatorSig = b
	}
	return nil
}

// Hash computes the block header hash.
// Excludes ValidatorSig so the hash is stable for the leader to sign.
func (h *Header) Hash() types.Hash {
	return crypto.Hash(h.SigningBytes())
}

// SigningBytes returns the canonical bytes for hashing/signing.
// Format: version(4) | height(8) | prev_hash(32) | merkle_root(32) |
// timestamp(8) | block_reward(8) | leader(20) | attestation_root(32) |
// tier_counts(4*4) | vrf_output(32) | vrf_score(8) | vrf_proof(len-prefixed) |
// active_masternodes_bitmap(len-prefixed) | liveness_recovery(1)
func (h *Header) SigningBytes() []byte {
	buf := make([]byte, 0, 256)
	buf = binary.LittleEndian.AppendUint32(buf, h.Version)
	buf = binary.LittleEndian.AppendUint64(buf, h.Height)
	buf = append(buf, h.PrevHash[:]...)
	buf = append(buf, h.MerkleRoot[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, h.Timestamp)
	buf = binary.LittleEndian.AppendUint64(buf, h.BlockReward)
	buf = append(buf, h.Leader[:]...)
	buf = append(buf, h.AttestationRoot[:]...)
	for _, c := range h.MasternodeTierCounts {
		buf = binary.LittleEndian.AppendUint32(buf, c)
	}
	buf = append(buf, h.VRFOutput[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, h.VRFScore)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(h.VRFProof)))
	buf = append(buf, h.VRFProof...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(h.ActiveMasternodesMap)))
	buf = append(buf, h.ActiveMasternodesMap...)
	if h.LivenessRecovery {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	return buf
}

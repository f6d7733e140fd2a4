package timelock

import (
	"encoding/binary"

	"github.com/time-coin/timecoin/pkg/block"
	"github.com/time-coin/timecoin/pkg/crypto"
	"github.com/time-coin/timecoin/pkg/types"
)

// phaseTag distinguishes a Prepare signature from a Precommit signature
// over the same block hash, so one can never be replayed as the other.
type phaseTag string

const (
	phasePrepare   phaseTag = "PREPARE"
	phasePrecommit phaseTag = "PRECOMMIT"
)

// BlockProposal is the leader's block proposal for a slot, carrying
// every gossiped leader candidate alongside
// the winning proof so validators can independently re-derive the argmin.
type BlockProposal struct {
	Block      *block.Block      `json:"block"`
	Candidates []LeaderCandidate `json:"candidates"`
}

// Vote is a validator's signed TimeVotePrepare or TimeVotePrecommit.
type Vote struct {
	BlockHash types.Hash    `json:"block_hash"`
	VoterID   types.Address `json:"voter_id"`
	Phase     phaseTag      `json:"phase"`
	Signature []byte        `json:"signature"`
}

func (v *Vote) signingBytes() []byte {
	buf := make([]byte, 0, 32+types.AddressSize+len(v.Phase))
	buf = append(buf, v.BlockHash[:]...)
	buf = append(buf, v.VoterID[:]...)
	buf = append(buf, v.Phase...)
	return buf
}

// SigningHash returns the hash this vote's signature covers.
func (v *Vote) SigningHash() types.Hash { return crypto.Hash(v.signingBytes()) }

// Sign signs the vote with the voting masternode's key.
func (v *Vote) Sign(key *crypto.PrivateKey) error {
	hash := v.SigningHash()
	sig, err := key.Sign(hash[:])
	if err != nil {
		return err
	}
	v.Signature = sig
	return nil
}

// VerifySignature checks the vote's signature against the voter's key.
func (v *Vote) VerifySignature(pubKey []byte) bool {
	hash := v.SigningHash()
	return crypto.VerifySignature(hash[:], v.Signature, pubKey)
}

// NewPrepare builds and signs a Prepare vote for blockHash.
func NewPrepare(blockHash types.Hash, voterID types.Address, key *crypto.PrivateKey) (*Vote, error) {
	v := &Vote{BlockHash: blockHash, VoterID: voterID, Phase: phasePrepare}
	if err := v.Sign(key); err != nil {
		return nil, err
	}
	return v, nil
}

// NewPrecommit builds and signs a Precommit vote for blockHash.
func NewPrecommit(blockHash types.Hash, voterID types.Address, key *crypto.PrivateKey) (*Vote, error) {
	v := &Vote{BlockHash: blockHash, VoterID: voterID, Phase: phasePrecommit}
	if err := v.Sign(key); err != nil {
		return nil, err
	}
	return v, nil
}

// IsPrepare reports whether v is a Prepare vote.
func (v *Vote) IsPrepare() bool { return v.Phase == phasePrepare }

// IsPrecommit reports whether v is a Precommit vote.
func (v *Vote) IsPrecommit() bool { return v.Phase == phasePrecommit }

// SlotLivenessAlert reports that a node has observed no PREPARE for the
// current TimeLock slot within BlockTimeGraceSeconds,
// triggering deterministic backup-leader rotation. Distinct from
// timeguard.LivenessAlert, which tracks per-transaction stalls rather
// than a stalled block slot.
type SlotLivenessAlert struct {
	Slot      uint64        `json:"slot"`
	Round     uint32        `json:"round"`
	Reporter  types.Address `json:"reporter"`
	Signature []byte        `json:"signature"`
}

func (a *SlotLivenessAlert) signingBytes() []byte {
	buf := make([]byte, 0, 8+4+types.AddressSize)
	buf = binary.LittleEndian.AppendUint64(buf, a.Slot)
	buf = binary.LittleEndian.AppendUint32(buf, a.Round)
	buf = append(buf, a.Reporter[:]...)
	return buf
}

// SigningHash returns the hash this alert's signature covers.
func (a *SlotLivenessAlert) SigningHash() types.Hash { return crypto.Hash(a.signingBytes()) }

// Sign signs the alert with the reporting node's key.
func (a *SlotLivenessAlert) Sign(key *crypto.PrivateKey) error {
	hash := a.SigningHash()
	sig, err := key.Sign(hash[:])
	if err != nil {
		return err
	}
	a.Signature = sig
	return nil
}

// VerifySignature checks the alert's signature against the reporter's key.
func (a *SlotLivenessAlert) VerifySignature(pubKey []byte) bool {
	hash := a.SigningHash()
	return crypto.VerifySignature(hash[:], a.Signature, pubKey)
}

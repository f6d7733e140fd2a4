// Package timeguard implements TimeGuard, the deterministic liveness
// fallback for transactions TimeVote has stalled on: a
// bounded round protocol (LivenessAlert quorum -> deterministic leader
// proposal -> FallbackVote tally) that guarantees every transaction
// eventually leaves Voting, even without further honest sampling
// responses.
package timeguard

import (
	"encoding/binary"

	"github.com/time-coin/timecoin/internal/timevote"
	"github.com/time-coin/timecoin/pkg/crypto"
	"github.com/time-coin/timecoin/pkg/types"
)

// LivenessAlert reports that a node has observed tx Txid stalled in
// Voting past STALL_TIMEOUT.
type LivenessAlert struct {
	Txid       types.Hash    `json:"txid"`
	Commitment types.Hash    `json:"commitment"`
	SlotIndex  uint64        `json:"slot_index"`
	StallMs    uint64        `json:"stall_ms"`
	Reporter   types.Address `json:"reporter"`
	Signature  []byte        `json:"signature"`
}

func (a *LivenessAlert) signingBytes() []byte {
	buf := make([]byte, 0, 32+32+8+8+types.AddressSize)
	buf = append(buf, a.Txid[:]...)
	buf = append(buf, a.Commitment[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, a.SlotIndex)
	buf = binary.LittleEndian.AppendUint64(buf, a.StallMs)
	buf = append(buf, a.Reporter[:]...)
	return buf
}

// SigningHash returns the hash this alert's signature covers.
func (a *LivenessAlert) SigningHash() types.Hash { return crypto.Hash(a.signingBytes()) }

// Sign signs the alert with the reporting node's key.
func (a *LivenessAlert) Sign(key *crypto.PrivateKey) error {
	hash := a.SigningHash()
	sig, err := key.Sign(hash[:])
	if err != nil {
		return err
	}
	a.Signature = sig
	return nil
}

// VerifySignature checks the alert's signature against the reporter's key.
func (a *LivenessAlert) VerifySignature(pubKey []byte) bool {
	hash := a.SigningHash()
	return crypto.VerifySignature(hash[:], a.Signature, pubKey)
}

// FinalityProposal is the fallback leader's decision for one round.
type FinalityProposal struct {
	Txid      types.Hash        `json:"txid"`
	SlotIndex uint64            `json:"slot_index"`
	Round     uint32            `json:"round"`
	Decision  timevote.Decision `json:"decision"`
	LeaderSig []byte            `json:"leader_sig"`
}

func (p *FinalityProposal) signingBytes() []byte {
	buf := make([]byte, 0, 32+8+4+1)
	buf = append(buf, p.Txid[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, p.SlotIndex)
	buf = binary.LittleEndian.AppendUint32(buf, p.Round)
	buf = append(buf, byte(p.Decision))
	return buf
}

// Hash is the "proposal_hash" a FallbackVote commits to.
func (p *FinalityProposal) Hash() types.Hash { return crypto.Hash(p.signingBytes()) }

// Sign signs the proposal with the fallback leader's key.
func (p *FinalityProposal) Sign(key *crypto.PrivateKey) error {
	hash := p.Hash()
	sig, err := key.Sign(hash[:])
	if err != nil {
		return err
	}
	p.LeaderSig = sig
	return nil
}

// VerifySignature checks the proposal's signature against the leader's key.
func (p *FinalityProposal) VerifySignature(pubKey []byte) bool {
	hash := p.Hash()
	return crypto.VerifySignature(hash[:], p.LeaderSig, pubKey)
}

// VoteChoice is an AVS member's verdict on a FinalityProposal.
type VoteChoice uint8

const (
	VoteApprove VoteChoice = 0
	VoteDeny    VoteChoice = 1
)

// FallbackVote is a signed verdict on a FinalityProposal.
type FallbackVote struct {
	ProposalHash types.Hash    `json:"proposal_hash"`
	Vote         VoteChoice    `json:"vote"`
	VoterID      types.Address `json:"voter_mn_id"`
	VoterWeight  uint64        `json:"voter_weight"`
	Signature    []byte        `json:"signature"`
}

func (v *FallbackVote) signingBytes() []byte {
	buf := make([]byte, 0, 32+1+types.AddressSize+8)
	buf = append(buf, v.ProposalHash[:]...)
	buf = append(buf, byte(v.Vote))
	buf = append(buf, v.VoterID[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, v.VoterWeight)
	return buf
}

// SigningHash returns the hash this vote's signature covers.
func (v *FallbackVote) SigningHash() types.Hash { return crypto.Hash(v.signingBytes()) }

// Sign signs the vote with the voting masternode's key.
func (v *FallbackVote) Sign(key *crypto.PrivateKey) error {
	hash := v.SigningHash()
	sig, err := key.Sign(hash[:])
	if err != nil {
		return err
	}
	v.Signature = sig
	return nil
}

// VerifySignature checks the vote's signature against the voter's key.
func (v *FallbackVote) VerifySignature(pubKey []byte) bool {
	hash := v.SigningHash()
	return crypto.VerifySignature(hash[:], v.Signature, pubKey)
}

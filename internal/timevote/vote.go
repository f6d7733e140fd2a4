// Package timevote implements the TimeVote engine: the
// stake-weighted polling protocol that drives a transaction from Seen to
// Finalized by sampling Active Validator Set members without replacement
// and accumulating signed FinalityVotes until Q_finality is reached.
package timevote

import (
	"encoding/binary"
	"fmt"

	"github.com/time-coin/timecoin/pkg/crypto"
	"github.com/time-coin/timecoin/pkg/types"
)

// Decision is a responder's verdict on a sampled transaction.
type Decision uint8

const (
	DecisionAccept Decision = 0
	DecisionReject Decision = 1
)

func (d Decision) String() string {
	if d == DecisionAccept {
		return "Accept"
	}
	return "Reject"
}

// FinalityVote is a signed verdict on a single transaction at a slot. Both Accept and Reject decisions are signed so equivocation by a
// voter can always be proven.
type FinalityVote struct {
	ChainID          uint32        `json:"chain_id"`
	Txid             types.Hash    `json:"txid"`
	TxHashCommitment types.Hash    `json:"tx_hash_commitment"`
	SlotIndex        uint64        `json:"slot_index"`
	Decision         Decision      `json:"decision"`
	VoterID          types.Address `json:"voter_mn_id"`
	VoterWeight      uint64        `json:"voter_weight"`
	Signature        []byte        `json:"signature"`
}

// signingBytes returns the canonical byte encoding covering every field the
// signature must commit to, including the decision.
func (v *FinalityVote) signingBytes() []byte {
	buf := make([]byte, 0, 4+32+32+8+1+types.AddressSize+8)
	buf = binary.LittleEndian.AppendUint32(buf, v.ChainID)
	buf = append(buf, v.Txid[:]...)
	buf = append(buf, v.TxHashCommitment[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, v.SlotIndex)
	buf = append(buf, byte(v.Decision))
	buf = append(buf, v.VoterID[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, v.VoterWeight)
	return buf
}

// SigningHash returns the hash the vote's signature covers.
func (v *FinalityVote) SigningHash() types.Hash {
	return crypto.Hash(v.signingBytes())
}

// Sign signs the vote with the given masternode key, setting Signature.
func (v *FinalityVote) Sign(key *crypto.PrivateKey) error {
	hash := v.SigningHash()
	sig, err := key.Sign(hash[:])
	if err != nil {
		return fmt.Errorf("sign finality vote: %w", err)
	}
	v.Signature = sig
	return nil
}

// VerifySignature checks the vote's signature against the given public key.
func (v *FinalityVote) VerifySignature(pubKey []byte) bool {
	hash := v.SigningHash()
	return crypto.VerifySignature(hash[:], v.Signature, pubKey)
}

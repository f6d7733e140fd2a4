// Package timeproof implements the TimeProof finality certificate: a weighted multi-signature bundle of Accept FinalityVotes that
// witnesses a transaction crossed Q_finality for its slot.
package timeproof

import (
	"errors"
	"fmt"

	"github.com/time-coin/timecoin/internal/registry"
	"github.com/time-coin/timecoin/internal/timevote"
	"github.com/time-coin/timecoin/pkg/tx"
	"github.com/time-coin/timecoin/pkg/types"
)

// Validation errors.
var (
	ErrNoVotes           = errors.New("timeproof carries no votes")
	ErrMixedDecision     = errors.New("timeproof vote is not an Accept")
	ErrMixedCommitment   = errors.New("timeproof votes disagree on tx_hash_commitment or slot")
	ErrDuplicateVoter    = errors.New("timeproof has a duplicate voter")
	ErrVoterNotInAVS     = errors.New("timeproof voter is not in the AVS snapshot for this slot")
	ErrBadSignature      = errors.New("timeproof vote signature does not verify")
	ErrBelowQuorum       = errors.New("timeproof accumulated weight below Q_finality")
	ErrTxMismatch        = errors.New("timeproof transaction does not match its commitment")
)

// TimeProof is the assembled finality certificate for a transaction.
type TimeProof struct {
	Tx        *tx.Transaction       `json:"tx"`
	SlotIndex uint64                `json:"slot_index"`
	Votes     []timevote.FinalityVote `json:"votes"`
}

// Assemble builds a TimeProof from a set of Accept votes already
// accumulated by the TimeVote engine for a transaction that has crossed
// Q_finality. It does not re-verify signatures; callers that receive a
// TimeProof from the network must call VerifyWithKeys.
func Assemble(transaction *tx.Transaction, slot uint64, votes []timevote.FinalityVote) *TimeProof {
	accepted := make([]timevote.FinalityVote, 0, len(votes))
	for _, v := range votes {
		if v.Decision == timevote.DecisionAccept {
			accepted = append(accepted, v)
		}
	}
	return &TimeProof{Tx: transaction, SlotIndex: slot, Votes: accepted}
}

// Verify checks every condition of a valid TimeProof except the vote
// signatures: every vote agrees on (chain_id, txid, tx_hash_commitment,
// slot_index) and carries decision=Accept, voter_mn_ids are pairwise
// distinct and in the AVS snapshot at their claimed weight, and the
// accumulated weight meets Q_finality for the snapshot. Signatures are
// checked by VerifyWithKeys.
func Verify(p *TimeProof, chainID uint32, snapshot *registry.AVSSnapshot) error {
	if len(p.Votes) == 0 {
		return ErrNoVotes
	}
	if p.Tx == nil {
		return fmt.Errorf("%w: nil transaction", ErrTxMismatch)
	}

	txHash := p.Tx.Hash()
	txid := p.Tx.Hash()

	weightByID := make(map[types.Address]uint64, len(snapshot.Members))
	for _, m := range snapshot.Members {
		weightByID[m.ID] = m.SamplingWeight
	}

	seen := make(map[types.Address]bool, len(p.Votes))
	var totalWeight uint64

	first := p.Votes[0]
	for i, v := range p.Votes {
		if v.Decision != timevote.DecisionAccept {
			return fmt.Errorf("%w: vote %d", ErrMixedDecision, i)
		}
		if v.ChainID != first.ChainID || v.Txid != first.Txid ||
			v.TxHashCommitment != first.TxHashCommitment || v.SlotIndex != first.SlotIndex {
			return fmt.Errorf("%w: vote %d", ErrMixedCommitment, i)
		}
		if v.Txid != txid || v.TxHashCommitment != txHash || v.SlotIndex != p.SlotIndex || v.ChainID != chainID {
			return fmt.Errorf("%w: vote %d does not match proof", ErrTxMismatch, i)
		}
		if seen[v.VoterID] {
			return fmt.Errorf("%w: %s", ErrDuplicateVoter, v.VoterID)
		}
		seen[v.VoterID] = true

		weight, inAVS := weightByID[v.VoterID]
		if !inAVS {
			return fmt.Errorf("%w: %s", ErrVoterNotInAVS, v.VoterID)
		}
		if v.VoterWeight != weight {
			return fmt.Errorf("%w: voter %s claims weight %d, AVS has %d", ErrVoterNotInAVS, v.VoterID, v.VoterWeight, weight)
		}
		totalWeight += weight
	}

	required := snapshot.QuorumWeight()
	if totalWeight < required {
		return fmt.Errorf("%w: have %d, need %d", ErrBelowQuorum, totalWeight, required)
	}
	return nil
}

// VerifyWithKeys additionally verifies each vote's Ed25519 signature
// against the masternode's public key, resolved via pubKeyFor. Separated
// from Verify because AVS snapshots store weights, not raw keys — callers
// that have a registry handy should always prefer this.
func VerifyWithKeys(p *TimeProof, chainID uint32, snapshot *registry.AVSSnapshot, pubKeyFor func(types.Address) ([]byte, bool)) error {
	if err := Verify(p, chainID, snapshot); err != nil {
		return err
	}
	for i, v := range p.Votes {
		pubKey, ok := pubKeyFor(v.VoterID)
		if !ok {
			return fmt.Errorf("%w: %s", ErrVoterNotInAVS, v.VoterID)
		}
		if !v.VerifySignature(pubKey) {
			return fmt.Errorf("%w: vote %d", ErrBadSignature, i)
		}
	}
	return nil
}

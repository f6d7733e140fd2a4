package timevote

import (
	"time"

	"github.com/time-coin/timecoin/pkg/types"
)

// VoteState is the per-transaction polling state.
type VoteState struct {
	Txid      types.Hash
	TxHash    types.Hash // commitment to the transaction's content; equals Txid unless malleated.
	SlotIndex uint64
	Status    Status

	// PreferredTxidPerOutpoint tracks, for each input outpoint this
	// transaction spends, which competing txid currently holds the highest
	// accumulated weight.
	PreferredTxidPerOutpoint map[types.Outpoint]types.Hash

	AccumulatedVotes  map[types.Address]FinalityVote // keyed by voter, dedups re-delivery.
	AccumulatedWeight uint64
	RequiredWeight    uint64 // Q_finality(slot_index), pinned when sampling begins.

	ConfidenceCounter int
	LastPollTime      time.Time
	StallDeadline     time.Time

	RejectReason string
}

// NewVoteState creates a fresh Seen-state entry for a transaction.
func NewVoteState(txid, txHash types.Hash, inputs []types.Outpoint) *VoteState {
	vs := &VoteState{
		Txid:                     txid,
		TxHash:                   txHash,
		Status:                   StatusSeen,
		PreferredTxidPerOutpoint: make(map[types.Outpoint]types.Hash, len(inputs)),
		AccumulatedVotes:         make(map[types.Address]FinalityVote),
	}
	for _, op := range inputs {
		vs.PreferredTxidPerOutpoint[op] = txid
	}
	return vs
}

// BeginVoting transitions Seen→Voting, pinning the slot, the quorum
// requirement, and the stall deadline, measured from the moment sampling
// begins.
func (vs *VoteState) BeginVoting(slot uint64, requiredWeight uint64, now time.Time, stallTimeout time.Duration) {
	vs.Status = StatusVoting
	vs.SlotIndex = slot
	vs.RequiredWeight = requiredWeight
	vs.LastPollTime = now
	vs.StallDeadline = now.Add(stallTimeout)
}

// RecordVote adds a newly-seen voter's FinalityVote to the accumulator,
// returning false if this voter was already recorded.
func (vs *VoteState) RecordVote(v FinalityVote) bool {
	if _, seen := vs.AccumulatedVotes[v.VoterID]; seen {
		return false
	}
	vs.AccumulatedVotes[v.VoterID] = v
	if v.Decision == DecisionAccept {
		vs.AccumulatedWeight += v.VoterWeight
	}
	return true
}

// AcceptVotes returns every accumulated Accept vote, for TimeProof assembly.
func (vs *VoteState) AcceptVotes() []FinalityVote {
	votes := make([]FinalityVote, 0, len(vs.AccumulatedVotes))
	for _, v := range vs.AccumulatedVotes {
		if v.Decision == DecisionAccept {
			votes = append(votes, v)
		}
	}
	return votes
}

// ReachedQuorum reports whether accumulated weight has crossed Q_finality.
func (vs *VoteState) ReachedQuorum() bool {
	return vs.AccumulatedWeight >= vs.RequiredWeight
}

// IsStalled reports whether this transaction meets the stall condition:
// still Voting past its deadline, below quorum, at the given
// instant. The caller is responsible for checking "no conflicting tx is
// Finalized" and "still passes ingress validation" against its own state.
func (vs *VoteState) IsStalled(now time.Time) bool {
	return vs.Status == StatusVoting && now.After(vs.StallDeadline) && !vs.ReachedQuorum()
}

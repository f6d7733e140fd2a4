package timelock

import "github.com/time-coin/timecoin/pkg/types"

// bootstrapAVSSize is the AVS size below which the producer may commit a
// block directly without collecting 2PC votes; below it there
// are too few validators for a meaningful majority.
const bootstrapAVSSize = 3

// CommitState tracks one block proposal's two-phase commit: Prepare votes
// accumulate until a simple majority of participating validator *count*
// (not weight) is reached, then Precommit votes accumulate the same way
// before the block is considered committed.
type CommitState struct {
	BlockHash      types.Hash
	TotalValidators int

	prepares   map[types.Address]bool
	precommits map[types.Address]bool

	preparePassed bool
	committed     bool
}

// NewCommitState begins 2PC bookkeeping for a proposed block.
func NewCommitState(blockHash types.Hash, totalValidators int) *CommitState {
	return &CommitState{
		BlockHash:       blockHash,
		TotalValidators: totalValidators,
		prepares:        make(map[types.Address]bool),
		precommits:      make(map[types.Address]bool),
	}
}

// CanBootstrapCommit reports whether the producer may skip 2PC entirely
// because the AVS is too small to run a meaningful vote.
func CanBootstrapCommit(totalValidators int) bool {
	return totalValidators < bootstrapAVSSize
}

// majority reports whether count exceeds half of total (strict majority
// by validator count, not weight).
func majority(count, total int) bool {
	return total > 0 && count*2 > total
}

// RecordPrepare records a validated Prepare vote from voter, returning
// true the instant the Prepare phase reaches majority (the caller should
// then broadcast its own Precommit).
func (c *CommitState) RecordPrepare(voter types.Address) bool {
	if c.preparePassed {
		return true
	}
	c.prepares[voter] = true
	if majority(len(c.prepares), c.TotalValidators) {
		c.preparePassed = true
		return true
	}
	return false
}

// RecordPrecommit records a validated Precommit vote from voter, returning
// true the instant the Precommit phase reaches majority — the block is
// committed.
func (c *CommitState) RecordPrecommit(voter types.Address) bool {
	if c.committed {
		return true
	}
	c.precommits[voter] = true
	if majority(len(c.precommits), c.TotalValidators) {
		c.committed = true
		return true
	}
	return false
}

// PreparePassed reports whether the Prepare phase has reached majority.
func (c *CommitState) PreparePassed() bool { return c.preparePassed }

// Committed reports whether the Precommit phase has reached majority.
func (c *CommitState) Committed() bool { return c.committed }

// PrepareCount returns the number of distinct Prepare votes recorded.
func (c *CommitState) PrepareCount() int { return len(c.prepares) }

// PrecommitCount returns the number of distinct Precommit votes recorded.
func (c *CommitState) PrecommitCount() int { return len(c.precommits) }

// ParticipantsBitmap encodes which AVS members (in snap's canonical
// lexicographic mn_id order) cast a Precommit vote, for the block header's
// consensus_participants_bitmap (pkg/block.Block field).
func (c *CommitState) ParticipantsBitmap(orderedIDs []types.Address) []byte {
	bitmap := make([]byte, (len(orderedIDs)+7)/8)
	for i, id := range orderedIDs {
		if c.precommits[id] {
			bitmap[i/8] |= 1 << uint(i%8)
		}
	}
	return bitmap
}

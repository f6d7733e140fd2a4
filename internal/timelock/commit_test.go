package timelock

import (
	"testing"

	"github.com/time-coin/timecoin/pkg/types"
)

func TestCommitState_PrepareThenPrecommitMajority(t *testing.T) {
	blockHash := types.Hash{0x01}
	cs := NewCommitState(blockHash, 10)

	var voters []types.Address
	for i := 0; i < 10; i++ {
		var a types.Address
		a[0] = byte(i + 1)
		voters = append(voters, a)
	}

	for i := 0; i < 5; i++ {
		if cs.RecordPrepare(voters[i]) {
			t.Fatalf("prepare should not pass at %d/10 votes (not strict majority)", i+1)
		}
	}
	if !cs.RecordPrepare(voters[5]) {
		t.Fatal("prepare should pass at 6/10 votes")
	}
	if !cs.PreparePassed() {
		t.Fatal("PreparePassed() should report true")
	}

	for i := 0; i < 5; i++ {
		if cs.RecordPrecommit(voters[i]) {
			t.Fatalf("precommit should not pass at %d/10 votes", i+1)
		}
	}
	if !cs.RecordPrecommit(voters[5]) {
		t.Fatal("precommit should pass at 6/10 votes")
	}
	if !cs.Committed() {
		t.Fatal("Committed() should report true")
	}
}

func TestCommitState_DuplicateVotesDontDoubleCount(t *testing.T) {
	cs := NewCommitState(types.Hash{0x02}, 10)
	voter := types.Address{0x01}
	for i := 0; i < 20; i++ {
		cs.RecordPrepare(voter)
	}
	if cs.PrepareCount() != 1 {
		t.Errorf("PrepareCount() = %d, want 1 (duplicate voter collapses)", cs.PrepareCount())
	}
	if cs.PreparePassed() {
		t.Error("a single voter out of 10 should never reach majority no matter how many times it votes")
	}
}

func TestCanBootstrapCommit(t *testing.T) {
	cases := []struct {
		n    int
		want bool
	}{{0, true}, {1, true}, {2, true}, {3, false}, {10, false}}
	for _, c := range cases {
		if got := CanBootstrapCommit(c.n); got != c.want {
			t.Errorf("CanBootstrapCommit(%d) = %v, want %v", c.n, got, c.want)
		}
	}
}

func TestParticipantsBitmap(t *testing.T) {
	ids := make([]types.Address, 10)
	for i := range ids {
		ids[i][0] = byte(i + 1)
	}
	cs := NewCommitState(types.Hash{0x03}, 10)
	cs.RecordPrecommit(ids[0])
	cs.RecordPrecommit(ids[3])
	cs.RecordPrecommit(ids[9])

	bitmap := cs.ParticipantsBitmap(ids)
	for i, id := range ids {
		want := id == ids[0] || id == ids[3] || id == ids[9]
		got := bitmap[i/8]&(1<<uint(i%8)) != 0
		if got != want {
			t.Errorf("bit %d = %v, want %v", i, got, want)
		}
	}
}

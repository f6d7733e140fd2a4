package timeguard

import (
	"testing"
	"time"

	"github.com/time-coin/timecoin/config"
	"github.com/time-coin/timecoin/internal/registry"
	"github.com/time-coin/timecoin/internal/timevote"
	"github.com/time-coin/timecoin/pkg/crypto"
	"github.com/time-coin/timecoin/pkg/types"
)

type fixedSnapshot struct{ snap *registry.AVSSnapshot }

func (f fixedSnapshot) Snapshot(slot uint64) (*registry.AVSSnapshot, error) { return f.snap, nil }

type mapPubKeys struct{ keys map[types.Address][]byte }

func (m mapPubKeys) PubKey(id types.Address) ([]byte, error) { return m.keys[id], nil }

// bronzeSnapshot builds n Bronze members each with their own keypair, for
// leader-election and round tests.
func bronzeSnapshot(t *testing.T, n int) (*registry.AVSSnapshot, []*crypto.PrivateKey, mapPubKeys) {
	t.Helper()
	snap := &registry.AVSSnapshot{SlotIndex: 1}
	keys := make([]*crypto.PrivateKey, n)
	pubkeys := mapPubKeys{keys: make(map[types.Address][]byte, n)}
	for i := 0; i < n; i++ {
		key, err := crypto.GenerateKey()
		if err != nil {
			t.Fatalf("GenerateKey: %v", err)
		}
		keys[i] = key
		var id types.Address
		id[0] = byte(i + 1)
		snap.Members = append(snap.Members, registry.AVSMember{
			ID:             id,
			Tier:           config.TierBronze,
			SamplingWeight: 10,
			RewardWeight:   10,
		})
		snap.TotalSampling += 10
		pubkeys.keys[id] = key.PublicKey()
	}
	return snap, keys, pubkeys
}

func TestLeader_Deterministic(t *testing.T) {
	snap, _, pubkeys := bronzeSnapshot(t, 10)
	txid := types.Hash{0xaa}

	l1, err := Leader(txid, 1, 0, snap, pubkeys)
	if err != nil {
		t.Fatalf("Leader: %v", err)
	}
	l2, err := Leader(txid, 1, 0, snap, pubkeys)
	if err != nil {
		t.Fatalf("Leader: %v", err)
	}
	if l1 != l2 {
		t.Error("Leader should be deterministic for identical inputs")
	}

	if _, err := Leader(txid, 1, 1, snap, pubkeys); err != nil {
		t.Fatalf("Leader round 1: %v", err)
	}
}

func TestQuorumThreshold(t *testing.T) {
	cases := []struct{ n, want int }{
		{0, 1}, {1, 1}, {3, 1}, {4, 2}, {10, 4}, {100, 34},
	}
	for _, c := range cases {
		if got := quorumThreshold(c.n); got != c.want {
			t.Errorf("quorumThreshold(%d) = %d, want %d", c.n, got, c.want)
		}
	}
}

func TestDecideProposal(t *testing.T) {
	txid := types.Hash{0x01}
	conflict := types.Hash{0x02}

	if d := DecideProposal(100, 50, txid, conflict); d != timevote.DecisionAccept {
		t.Errorf("higher own weight should Accept, got %v", d)
	}
	if d := DecideProposal(50, 100, txid, conflict); d != timevote.DecisionReject {
		t.Errorf("lower own weight should Reject, got %v", d)
	}
	// Tie: lowest txid wins.
	if d := DecideProposal(50, 50, txid, conflict); d != timevote.DecisionAccept {
		t.Errorf("tie with lower txid should Accept, got %v", d)
	}
	if d := DecideProposal(50, 50, conflict, txid); d != timevote.DecisionReject {
		t.Errorf("tie with higher txid should Reject, got %v", d)
	}
}

func TestEngine_RecordAlert_QuorumAndQuiesce(t *testing.T) {
	snap, _, pubkeys := bronzeSnapshot(t, 10) // n=10 -> f+1 = 4.
	eng := NewEngine(fixedSnapshot{snap: snap}, pubkeys, types.Address{}, nil)

	txid := types.Hash{0x05}
	now := time.Now()
	var reached bool
	for i := 0; i < 3; i++ {
		reached = eng.RecordAlert(txid, LivenessAlert{Reporter: snap.Members[i].ID}, len(snap.Members), now)
		if reached {
			t.Fatalf("quorum should not be reached at %d alerts", i+1)
		}
	}
	reached = eng.RecordAlert(txid, LivenessAlert{Reporter: snap.Members[3].ID}, len(snap.Members), now)
	if !reached {
		t.Fatal("expected quorum reached at 4th alert")
	}

	if eng.ReadyForRound(txid, now) {
		t.Error("should not be ready for round before ALERT_QUIESCE elapses")
	}
	later := now.Add(time.Duration(config.AlertQuiesceSeconds) * time.Second)
	if !eng.ReadyForRound(txid, later) {
		t.Error("expected ready for round after ALERT_QUIESCE elapses")
	}
}

func TestEngine_RoundProposeVoteResolve(t *testing.T) {
	snap, keys, pubkeys := bronzeSnapshot(t, 10)
	quorum := snap.QuorumWeight()

	txid := types.Hash{0x09}
	conflict := types.Hash{0x0a}
	now := time.Now()

	// Find the elected leader for round 0 and build the leader's engine.
	leaderID, err := Leader(txid, snap.SlotIndex, 0, snap, pubkeys)
	if err != nil {
		t.Fatalf("Leader: %v", err)
	}
	var leaderKey *crypto.PrivateKey
	for i, m := range snap.Members {
		if m.ID == leaderID {
			leaderKey = keys[i]
		}
	}
	if leaderKey == nil {
		t.Fatal("could not resolve leader key")
	}

	leaderEng := NewEngine(fixedSnapshot{snap: snap}, pubkeys, leaderID, leaderKey)
	if _, err := leaderEng.StartRound(txid, snap.SlotIndex, now); err != nil {
		t.Fatalf("StartRound: %v", err)
	}
	if !leaderEng.IsLocalLeader(txid) {
		t.Fatal("expected local node to be leader")
	}

	proposal, err := leaderEng.Propose(txid, 100, 10, conflict)
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	if proposal.Decision != timevote.DecisionAccept {
		t.Fatalf("expected Accept decision, got %v", proposal.Decision)
	}

	// Every member tallies votes Approve against its own copy of the round.
	tally := NewEngine(fixedSnapshot{snap: snap}, pubkeys, types.Address{}, nil)
	if _, err := tally.StartRound(txid, snap.SlotIndex, now); err != nil {
		t.Fatalf("StartRound (tally): %v", err)
	}
	if err := tally.RecordProposal(proposal, leaderKey.PublicKey()); err != nil {
		t.Fatalf("RecordProposal: %v", err)
	}

	var resolved bool
	for i, m := range snap.Members {
		voterEng := NewEngine(fixedSnapshot{snap: snap}, pubkeys, m.ID, keys[i])
		if _, err := voterEng.StartRound(txid, snap.SlotIndex, now); err != nil {
			t.Fatalf("StartRound (voter %d): %v", i, err)
		}
		if err := voterEng.RecordProposal(proposal, leaderKey.PublicKey()); err != nil {
			t.Fatalf("RecordProposal (voter %d): %v", i, err)
		}
		vote, err := voterEng.Vote(txid, VoteApprove, m.SamplingWeight)
		if err != nil {
			t.Fatalf("Vote (voter %d): %v", i, err)
		}
		resolved, err = tally.RecordVote(txid, *vote, quorum, now)
		if err != nil {
			t.Fatalf("RecordVote (voter %d): %v", i, err)
		}
		if resolved {
			break
		}
	}
	if !resolved {
		t.Fatal("expected round to resolve once Approve weight reached quorum")
	}

	rs := tally.Round(txid)
	if !rs.Resolved || rs.Decision != timevote.DecisionAccept {
		t.Errorf("round state = %+v, want Resolved with Accept", rs)
	}
}

func TestEngine_Tick_AdvancesRoundOnTimeout(t *testing.T) {
	snap, _, pubkeys := bronzeSnapshot(t, 5)
	eng := NewEngine(fixedSnapshot{snap: snap}, pubkeys, types.Address{}, nil)

	txid := types.Hash{0x0c}
	now := time.Now()
	if _, err := eng.StartRound(txid, snap.SlotIndex, now); err != nil {
		t.Fatalf("StartRound: %v", err)
	}

	past := now.Add(time.Duration(config.FallbackRoundTimeoutSeconds+1) * time.Second)
	eng.Tick(past)

	rs := eng.Round(txid)
	if rs == nil {
		t.Fatal("expected round to still be tracked after one timeout")
	}
	if rs.Round != 1 {
		t.Errorf("round = %d, want 1 after a single timeout", rs.Round)
	}
}

func TestEngine_Tick_EscalatesAfterMaxRounds(t *testing.T) {
	snap, _, pubkeys := bronzeSnapshot(t, 5)
	eng := NewEngine(fixedSnapshot{snap: snap}, pubkeys, types.Address{}, nil)

	var escalated types.Hash
	var escalatedCalled bool
	eng.OnEscalate = func(txid types.Hash) {
		escalated = txid
		escalatedCalled = true
	}

	txid := types.Hash{0x0d}
	now := time.Now()
	if _, err := eng.StartRound(txid, snap.SlotIndex, now); err != nil {
		t.Fatalf("StartRound: %v", err)
	}

	step := time.Duration(config.FallbackRoundTimeoutSeconds+1) * time.Second
	for i := 0; i < config.MaxFallbackRounds; i++ {
		now = now.Add(step)
		eng.Tick(now)
	}

	if !escalatedCalled || escalated != txid {
		t.Fatal("expected OnEscalate to fire once MAX_FALLBACK_ROUNDS is exhausted")
	}
	if eng.Round(txid) != nil {
		t.Error("expected round state cleared after escalation")
	}
}

package timelock

import (
	"testing"

	"github.com/time-coin/timecoin/config"
	"github.com/time-coin/timecoin/internal/registry"
	"github.com/time-coin/timecoin/pkg/crypto"
	"github.com/time-coin/timecoin/pkg/types"
)

// vrfSnapshot builds n masternodes each with their own VRF keypair, for
// leader-sortition tests.
func vrfSnapshot(t *testing.T, n int) (*registry.AVSSnapshot, []*crypto.VRFPrivateKey, map[types.Address][]byte) {
	t.Helper()
	snap := &registry.AVSSnapshot{SlotIndex: 1}
	keys := make([]*crypto.VRFPrivateKey, n)
	pubkeys := make(map[types.Address][]byte, n)
	for i := 0; i < n; i++ {
		key, err := crypto.GenerateVRFKey()
		if err != nil {
			t.Fatalf("GenerateVRFKey: %v", err)
		}
		keys[i] = key
		var id types.Address
		id[0] = byte(i + 1)
		snap.Members = append(snap.Members, registry.AVSMember{
			ID:             id,
			Tier:           config.TierBronze,
			SamplingWeight: 10,
			RewardWeight:   1000,
		})
		snap.TotalSampling += 10
		pubkeys[id] = key.PublicKey()
	}
	return snap, keys, pubkeys
}

type mapVRFKeys struct{ keys map[types.Address][]byte }

func (m mapVRFKeys) VRFPubKey(id types.Address) ([]byte, error) { return m.keys[id], nil }

func TestSelectLeader_DeterministicArgmin(t *testing.T) {
	snap, keys, pubkeys := vrfSnapshot(t, 8)
	height := uint64(100)
	prevHash := types.Hash{0x42}

	var candidates []LeaderCandidate
	for i, m := range snap.Members {
		c, err := ProveLeader(keys[i], m.ID, height, prevHash)
		if err != nil {
			t.Fatalf("ProveLeader: %v", err)
		}
		ok, err := VerifyCandidate(c, height, prevHash, pubkeys[m.ID])
		if err != nil || !ok {
			t.Fatalf("VerifyCandidate failed for %s: ok=%v err=%v", m.ID, ok, err)
		}
		candidates = append(candidates, c)
	}

	leader1, err := SelectLeader(candidates)
	if err != nil {
		t.Fatalf("SelectLeader: %v", err)
	}
	leader2, err := SelectLeader(candidates)
	if err != nil {
		t.Fatalf("SelectLeader: %v", err)
	}
	if leader1 != leader2 {
		t.Error("SelectLeader must be deterministic over the same candidate set")
	}

	if err := VerifyLeader(leader1, candidates, height, prevHash, snap, mapVRFKeys{keys: pubkeys}); err != nil {
		t.Errorf("VerifyLeader rejected the true argmin leader: %v", err)
	}

	// A different prev_block_hash must not, in general, select the same
	// leader every time (grinding resistance) — but it must still
	// reselect deterministically for itself.
	var candidates2 []LeaderCandidate
	otherPrev := types.Hash{0x99}
	for i, m := range snap.Members {
		c, err := ProveLeader(keys[i], m.ID, height, otherPrev)
		if err != nil {
			t.Fatalf("ProveLeader: %v", err)
		}
		candidates2 = append(candidates2, c)
	}
	leader3, err := SelectLeader(candidates2)
	if err != nil {
		t.Fatalf("SelectLeader: %v", err)
	}
	leader4, err := SelectLeader(candidates2)
	if err != nil || leader3 != leader4 {
		t.Error("SelectLeader must be deterministic for a fixed candidate set")
	}
}

func TestVerifyLeader_RejectsWrongClaim(t *testing.T) {
	snap, keys, pubkeys := vrfSnapshot(t, 5)
	height := uint64(7)
	prevHash := types.Hash{0x01}

	var candidates []LeaderCandidate
	for i, m := range snap.Members {
		c, err := ProveLeader(keys[i], m.ID, height, prevHash)
		if err != nil {
			t.Fatalf("ProveLeader: %v", err)
		}
		candidates = append(candidates, c)
	}

	leader, err := SelectLeader(candidates)
	if err != nil {
		t.Fatalf("SelectLeader: %v", err)
	}

	var impostor types.Address
	for _, m := range snap.Members {
		if m.ID != leader {
			impostor = m.ID
			break
		}
	}

	if err := VerifyLeader(impostor, candidates, height, prevHash, snap, mapVRFKeys{keys: pubkeys}); err == nil {
		t.Error("VerifyLeader should reject a claimed leader that is not the argmin")
	}
}

func TestBackupLeader_Deterministic(t *testing.T) {
	snap, _, _ := vrfSnapshot(t, 6)

	l1, err := BackupLeader(42, 0, snap)
	if err != nil {
		t.Fatalf("BackupLeader: %v", err)
	}
	l2, err := BackupLeader(42, 0, snap)
	if err != nil {
		t.Fatalf("BackupLeader: %v", err)
	}
	if l1 != l2 {
		t.Error("BackupLeader must be deterministic for identical inputs")
	}

	if _, err := BackupLeader(42, 1, snap); err != nil {
		t.Fatalf("BackupLeader round 1: %v", err)
	}
}

package registry

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/time-coin/timecoin/config"
	"github.com/time-coin/timecoin/pkg/types"
)

// AVSMember is one masternode's entry in a slot's Active Validator Set
// snapshot.
type AVSMember struct {
	ID             types.Address         `json:"id"`
	Tier           config.MasternodeTier `json:"tier"`
	SamplingWeight uint64                `json:"sampling_weight"`
	RewardWeight   uint64                `json:"reward_weight"`
}

// AVSSnapshot pins the set of masternodes eligible to participate in
// TimeVote sampling and TimeLock sortition for a given slot. Snapshots are
// immutable once taken and retained for SnapshotRetention before pruning.
type AVSSnapshot struct {
	SlotIndex     uint64      `json:"slot_index"`
	TakenAtUnix   int64       `json:"taken_at_unix"`
	Members       []AVSMember `json:"members"`
	TotalSampling uint64      `json:"total_sampling_weight"`
}

// SnapshotRetention is how long AVS snapshots are kept before pruning.
const SnapshotRetention = 7 * 24 * time.Hour

// QuorumWeight returns Q_finality: the ceiling of QFinalityNumerator/
// QFinalityDenominator of the snapshot's total sampling weight.
func (s *AVSSnapshot) QuorumWeight() uint64 {
	num := s.TotalSampling * config.QFinalityNumerator
	q := num / config.QFinalityDenominator
	if num%config.QFinalityDenominator != 0 {
		q++
	}
	return q
}

// ComputeSnapshot builds a new AVS snapshot for the given slot from the
// registry's masternodes and the heartbeat tracker's current liveness view.
// Masternodes failing liveness are excluded entirely; they
// remain registered but do not sample or sortition until live again.
func ComputeSnapshot(slot uint64, now time.Time, masternodes []*Masternode, tracker *HeartbeatTracker) *AVSSnapshot {
	snap := &AVSSnapshot{
		SlotIndex:   slot,
		TakenAtUnix: now.Unix(),
	}
	for _, m := range masternodes {
		if !tracker.IsLive(m.ID) {
			continue
		}
		attrs := m.Attributes()
		snap.Members = append(snap.Members, AVSMember{
			ID:             m.ID,
			Tier:           m.Tier,
			SamplingWeight: attrs.SamplingWeight,
			RewardWeight:   attrs.RewardWeight,
		})
		snap.TotalSampling += attrs.SamplingWeight
	}
	return snap
}

// SaveSnapshot persists a snapshot and prunes any snapshot older than
// SnapshotRetention relative to now.
func (s *Store) SaveSnapshot(snap *AVSSnapshot, now time.Time) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("avs snapshot marshal: %w", err)
	}
	if err := s.db.Put(snapshotKey(snap.SlotIndex), data); err != nil {
		return fmt.Errorf("avs snapshot put: %w", err)
	}
	return s.pruneSnapshots(now)
}

// Snapshot loads a previously-saved AVS snapshot by slot index.
func (s *Store) Snapshot(slot uint64) (*AVSSnapshot, error) {
	data, err := s.db.Get(snapshotKey(slot))
	if err != nil {
		return nil, fmt.Errorf("avs snapshot get: %w", err)
	}
	var snap AVSSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("avs snapshot unmarshal: %w", err)
	}
	return &snap, nil
}

func (s *Store) pruneSnapshots(now time.Time) error {
	cutoff := now.Add(-SnapshotRetention).Unix()
	var stale [][]byte
	err := s.db.ForEach(prefixSnapshot, func(key, value []byte) error {
		var snap AVSSnapshot
		if err := json.Unmarshal(value, &snap); err != nil {
			return nil // Skip malformed entries rather than fail the whole prune.
		}
		if snap.TakenAtUnix < cutoff {
			k := make([]byte, len(key))
			copy(k, key)
			stale = append(stale, k)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("scan avs snapshots: %w", err)
	}
	for _, k := range stale {
		if err := s.db.Delete(k); err != nil {
			return fmt.Errorf("prune avs snapshot: %w", err)
		}
	}
	return nil
}

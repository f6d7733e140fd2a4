package registry

import (
	"bytes"
	"fmt"
	"sync"
	"time"

	"github.com/time-coin/timecoin/config"
	"github.com/time-coin/timecoin/pkg/types"
)

// livenessStats holds in-memory heartbeat/witness statistics for a single
// masternode. Stats reset on node restart: the AVS is recomputed from
// scratch every slot from live heartbeats.
type livenessStats struct {
	ID                types.Address
	LastHeartbeat     time.Time
	LastSequence      uint64
	LastHeartbeatHash types.Hash
	Witnesses         map[types.Address]bool // distinct attesting peers this period.
	Local             bool                   // our own masternode; exempt from witness corroboration.
	BlockCount        uint64
	MissedLeaderSlots uint64
}

// HeartbeatTracker tracks masternode liveness via heartbeats and witness
// attestations. All data is in-memory only.
type HeartbeatTracker struct {
	mu    sync.RWMutex
	stats map[types.Address]*livenessStats
}

// NewHeartbeatTracker creates an empty liveness tracker.
func NewHeartbeatTracker() *HeartbeatTracker {
	return &HeartbeatTracker{stats: make(map[types.Address]*livenessStats)}
}

// RecordHeartbeat records a heartbeat for this node's own masternode. The
// local process is its own evidence of liveness, so no signature check or
// witness corroboration applies on this path.
func (t *HeartbeatTracker) RecordHeartbeat(id types.Address) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.getOrCreate(id)
	s.LastHeartbeat = time.Now()
	s.LastSequence++
	s.Local = true
}

// ProcessHeartbeat validates and records a heartbeat received from a peer:
// the embedded public key must match the masternode's registered key, the
// signature must verify, the timestamp must be within the heartbeat TTL,
// and the sequence number must be strictly greater than the last accepted
// one (duplicates and regressions are discarded).
func (t *HeartbeatTracker) ProcessHeartbeat(hb *SignedHeartbeat, registeredPub []byte, now time.Time) error {
	if !bytes.Equal(hb.PubKey, registeredPub) {
		return fmt.Errorf("heartbeat from %s: pubkey does not match registration", hb.MnID)
	}
	if !hb.VerifySignature() {
		return fmt.Errorf("heartbeat from %s: signature does not verify", hb.MnID)
	}
	age := now.Unix() - hb.UnixTS
	if age > config.HeartbeatTTLSeconds || age < -config.BlockTimeGraceSeconds {
		return fmt.Errorf("heartbeat from %s: timestamp %d outside ttl window", hb.MnID, hb.UnixTS)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.getOrCreate(hb.MnID)
	if hb.SequenceNo <= s.LastSequence {
		return fmt.Errorf("heartbeat from %s: sequence %d not after %d", hb.MnID, hb.SequenceNo, s.LastSequence)
	}
	s.LastSequence = hb.SequenceNo
	s.LastHeartbeat = time.Unix(hb.UnixTS, 0)
	s.LastHeartbeatHash = hb.SigningHash()
	s.Witnesses = nil // a new heartbeat needs fresh corroboration.
	return nil
}

// ProcessAttestation validates and records a witness attestation for the
// most recently accepted heartbeat of subject. The witness must itself be
// AVS-active, must not have already attested this heartbeat, and the
// attestation must reference the heartbeat the tracker currently holds.
func (t *HeartbeatTracker) ProcessAttestation(subject types.Address, att *WitnessAttestation) error {
	if !att.VerifySignature() {
		return fmt.Errorf("attestation from %s: signature does not verify", att.WitnessID)
	}
	if att.WitnessID == subject {
		return fmt.Errorf("attestation from %s: self-attestation", att.WitnessID)
	}
	if !t.IsLive(att.WitnessID) {
		return fmt.Errorf("attestation from %s: witness is not avs-active", att.WitnessID)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.stats[subject]
	if !ok || s.LastHeartbeatHash.IsZero() {
		return fmt.Errorf("attestation for %s: no heartbeat on record", subject)
	}
	if att.HeartbeatHash != s.LastHeartbeatHash {
		return fmt.Errorf("attestation for %s: heartbeat hash mismatch", subject)
	}
	if s.Witnesses == nil {
		s.Witnesses = make(map[types.Address]bool)
	}
	if s.Witnesses[att.WitnessID] {
		return fmt.Errorf("attestation from %s: duplicate witness", att.WitnessID)
	}
	s.Witnesses[att.WitnessID] = true
	return nil
}

// RecordBlock records that a masternode produced a TimeLock block.
func (t *HeartbeatTracker) RecordBlock(id types.Address) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.getOrCreate(id)
	s.BlockCount++
}

// RecordMissedSlot records that a masternode was sortitioned leader but
// failed to produce within LeaderIdleTimeoutSeconds.
func (t *HeartbeatTracker) RecordMissedSlot(id types.Address) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.getOrCreate(id)
	s.MissedLeaderSlots++
}

// IsLive reports whether a masternode counts as active for AVS purposes:
// a heartbeat within HeartbeatTTLSeconds AND at least WitnessMin distinct
// corroborating attestations. The local masternode is exempt from the
// witness requirement: its own running process is the evidence, and a
// fresh single-node network has no peers to attest anything.
func (t *HeartbeatTracker) IsLive(id types.Address) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.stats[id]
	if !ok || s.LastHeartbeat.IsZero() {
		return false
	}
	fresh := time.Since(s.LastHeartbeat) <= time.Duration(config.HeartbeatTTLSeconds)*time.Second
	if !fresh {
		return false
	}
	return s.Local || len(s.Witnesses) >= config.WitnessMin
}

func (t *HeartbeatTracker) getOrCreate(id types.Address) *livenessStats {
	s, ok := t.stats[id]
	if !ok {
		s = &livenessStats{ID: id}
		t.stats[id] = s
	}
	return s
}

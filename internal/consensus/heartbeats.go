package consensus

import (
	"bytes"
	"fmt"
	"time"

	"github.com/time-coin/timecoin/internal/registry"
	"github.com/time-coin/timecoin/pkg/types"
)

// ProcessHeartbeat validates a peer masternode's signed heartbeat against
// its registration and records it for AVS liveness.
func (e *Engine) ProcessHeartbeat(hb *registry.SignedHeartbeat, now time.Time) error {
	if e.heartbeat == nil {
		return fmt.Errorf("consensus: no heartbeat tracker configured")
	}
	m, err := e.registry.Get(hb.MnID)
	if err != nil {
		return fmt.Errorf("heartbeat from unregistered masternode %s", hb.MnID)
	}
	return e.heartbeat.ProcessHeartbeat(hb, m.PubKey, now)
}

// ProcessAttestation validates a witness attestation for subject's latest
// heartbeat and counts it toward the witness quorum.
func (e *Engine) ProcessAttestation(subject types.Address, att *registry.WitnessAttestation) error {
	if e.heartbeat == nil {
		return fmt.Errorf("consensus: no heartbeat tracker configured")
	}
	m, err := e.registry.Get(att.WitnessID)
	if err != nil {
		return fmt.Errorf("attestation from unregistered masternode %s", att.WitnessID)
	}
	if !bytes.Equal(att.WitnessPubKey, m.PubKey) {
		return fmt.Errorf("attestation from %s: pubkey does not match registration", att.WitnessID)
	}
	return e.heartbeat.ProcessAttestation(subject, att)
}

package registry

import (
	"encoding/binary"

	"github.com/time-coin/timecoin/pkg/crypto"
	"github.com/time-coin/timecoin/pkg/types"
)

// SignedHeartbeat is a masternode's periodic proof of liveness. SequenceNo
// is strictly monotone per masternode; receivers discard duplicates and
// regressions so a replayed heartbeat can never refresh liveness.
type SignedHeartbeat struct {
	MnID       types.Address `json:"mn_id"`
	SequenceNo uint64        `json:"sequence_no"`
	UnixTS     int64         `json:"unix_ts"`
	PubKey     []byte        `json:"pubkey"`
	Signature  []byte        `json:"signature"`
}

func (h *SignedHeartbeat) signingBytes() []byte {
	buf := make([]byte, 0, types.AddressSize+8+8+len(h.PubKey))
	buf = append(buf, h.MnID[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, h.SequenceNo)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(h.UnixTS))
	buf = append(buf, h.PubKey...)
	return buf
}

// SigningHash returns the hash this heartbeat's signature covers. Witness
// attestations reference the heartbeat by this hash.
func (h *SignedHeartbeat) SigningHash() types.Hash { return crypto.Hash(h.signingBytes()) }

// Sign signs the heartbeat with the masternode's key.
func (h *SignedHeartbeat) Sign(key *crypto.PrivateKey) error {
	hash := h.SigningHash()
	sig, err := key.Sign(hash[:])
	if err != nil {
		return err
	}
	h.Signature = sig
	return nil
}

// VerifySignature checks the heartbeat's signature against its embedded
// public key. Callers must separately confirm that key matches the
// masternode's registered key.
func (h *SignedHeartbeat) VerifySignature() bool {
	hash := h.SigningHash()
	return crypto.VerifySignature(hash[:], h.Signature, h.PubKey)
}

// WitnessAttestation is a second masternode's corroboration that it
// directly observed a heartbeat. A heartbeat only counts toward AVS
// liveness once WitnessMin distinct active witnesses have attested it.
type WitnessAttestation struct {
	HeartbeatHash types.Hash    `json:"heartbeat_hash"`
	WitnessID     types.Address `json:"witness_mn_id"`
	WitnessPubKey []byte        `json:"witness_pubkey"`
	WitnessUnixTS int64         `json:"witness_unix_ts"`
	Signature     []byte        `json:"signature"`
}

func (a *WitnessAttestation) signingBytes() []byte {
	buf := make([]byte, 0, 32+types.AddressSize+8+len(a.WitnessPubKey))
	buf = append(buf, a.HeartbeatHash[:]...)
	buf = append(buf, a.WitnessID[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(a.WitnessUnixTS))
	buf = append(buf, a.WitnessPubKey...)
	return buf
}

// SigningHash returns the hash this attestation's signature covers.
func (a *WitnessAttestation) SigningHash() types.Hash { return crypto.Hash(a.signingBytes()) }

// Sign signs the attestation with the witnessing masternode's key.
func (a *WitnessAttestation) Sign(key *crypto.PrivateKey) error {
	hash := a.SigningHash()
	sig, err := key.Sign(hash[:])
	if err != nil {
		return err
	}
	a.Signature = sig
	return nil
}

// VerifySignature checks the attestation's signature against its embedded
// witness public key.
func (a *WitnessAttestation) VerifySignature() bool {
	hash := a.SigningHash()
	return crypto.VerifySignature(hash[:], a.Signature, a.WitnessPubKey)
}

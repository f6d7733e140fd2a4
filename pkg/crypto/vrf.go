package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	"github.com/vechain/go-ecvrf"
)

// VRFPrivateKey is a masternode's leader-sortition keypair, kept separate
// from its Ed25519 signing key (Masternode.vrf_pubkey is a
// distinct field from Masternode.pubkey).
//
// The suite is ECVRF-EDWARDS25519-SHA512-TAI (RFC 9381), pinned once for
// the whole network. Its 64-byte beta output is truncated to the leading
// 32 bytes for the header's vrf_output; the argmin leader rule only ever
// compares those 32 bytes, on every node alike.
type VRFPrivateKey struct {
	key ed25519.PrivateKey
}

// GenerateVRFKey creates a new random VRF keypair.
func GenerateVRFKey() (*VRFPrivateKey, error) {
	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate vrf key: %w", err)
	}
	return &VRFPrivateKey{key: key}, nil
}

// VRFPrivateKeyFromBytes creates a VRFPrivateKey from a 32-byte seed or a
// 64-byte expanded private key.
func VRFPrivateKeyFromBytes(b []byte) (*VRFPrivateKey, error) {
	switch len(b) {
	case ed25519.SeedSize:
		return &VRFPrivateKey{key: ed25519.NewKeyFromSeed(b)}, nil
	case ed25519.PrivateKeySize:
		key := make(ed25519.PrivateKey, ed25519.PrivateKeySize)
		copy(key, b)
		return &VRFPrivateKey{key: key}, nil
	default:
		return nil, fmt.Errorf("vrf private key must be %d or %d bytes, got %d",
			ed25519.SeedSize, ed25519.PrivateKeySize, len(b))
	}
}

// PublicKey returns the 32-byte Ed25519 VRF public key.
func (k *VRFPrivateKey) PublicKey() []byte {
	pub, ok := k.key.Public().(ed25519.PublicKey)
	if !ok {
		return nil
	}
	return pub
}

// Serialize returns the 32-byte seed that regenerates this private key.
func (k *VRFPrivateKey) Serialize() []byte {
	return k.key.Seed()
}

// Prove computes an ECVRF proof (RFC 9381, EDWARDS25519-SHA512-TAI suite)
// over input. Returns the 32-byte truncated VRF output and the proof.
func (k *VRFPrivateKey) Prove(input []byte) (output [32]byte, proof []byte, err error) {
	out, pf, err := ecvrf.Edwards25519Sha512Tai.Prove(k.key, input)
	if err != nil {
		return [32]byte{}, nil, fmt.Errorf("vrf prove: %w", err)
	}
	copy(output[:], out)
	return output, pf, nil
}

// VRFVerify checks an ECVRF proof against the claimed output, input, and
// the prover's 32-byte Ed25519 VRF public key.
func VRFVerify(pubKey []byte, input []byte, output [32]byte, proof []byte) (bool, error) {
	if len(pubKey) != ed25519.PublicKeySize {
		return false, fmt.Errorf("vrf verify: public key must be %d bytes, got %d", ed25519.PublicKeySize, len(pubKey))
	}
	out, err := ecvrf.Edwards25519Sha512Tai.Verify(ed25519.PublicKey(pubKey), input, proof)
	if err != nil {
		return false, nil
	}
	var got [32]byte
	copy(got[:], out)
	return got == output, nil
}

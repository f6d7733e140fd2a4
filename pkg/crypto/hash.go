// Package crypto provides cryptographic primitives for TimeCoin: content
// hashing, Ed25519 signatures, and ECVRF leader-sortition proofs.
package crypto

import (
	"crypto/sha256"

	"github.com/time-coin/timecoin/pkg/types"
	"github.com/zeebo/blake3"
	"golang.org/x/crypto/ripemd160"
)

// Hash computes a BLAKE3-256 hash of the input data. This is the network's
// pinned content hash (BLAKE3-256, chosen over SHA-256d).
func Hash(data []byte) types.Hash {
	return blake3.Sum256(data)
}

// DoubleHash computes Hash(Hash(data)).
func DoubleHash(data []byte) types.Hash {
	first := Hash(data)
	return Hash(first[:])
}

// AddressFromPubKey derives an address from an Ed25519 public key.
// Address = RIPEMD160(SHA256(pubkey)).
func AddressFromPubKey(pubKey []byte) types.Address {
	sha := sha256.Sum256(pubKey)
	r := ripemd160.New()
	r.Write(sha[:])
	digest := r.Sum(nil)
	var addr types.Address
	copy(addr[:], digest[:types.AddressSize])
	return addr
}

// HashConcat hashes the concatenation of two hashes.
// Used for building merkle trees.
func HashConcat(a, b types.Hash) types.Hash {
	var buf [64]byte
	copy(buf[:32], a[:])
	copy(buf[32:], b[:])
	return Hash(buf[:])
}

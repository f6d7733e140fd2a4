// Package timelock implements the TimeLock block producer:
// VRF leader sortition for each 600-second slot, deterministic block
// assembly from the finalized pool, and the two-phase (Prepare/Precommit)
// validator-count commit that seals a block onto the chain.
package timelock

import (
	"encoding/binary"
	"errors"
	"sort"

	"github.com/time-coin/timecoin/internal/registry"
	"github.com/time-coin/timecoin/pkg/crypto"
	"github.com/time-coin/timecoin/pkg/types"
)

// vrfDomainTag separates TimeLock's VRF input space from any other use of
// VRF_prove in the protocol.
const vrfDomainTag = "TIMECOIN_VRF_V2"

var (
	errNoCandidates = errors.New("timelock: no leader candidates")
	errBadProof     = errors.New("timelock: vrf proof does not verify")
)

// VRFKeySource resolves an AVS member's registered VRF public key, needed
// to verify a LeaderCandidate's proof (leader selection uses
// the VRF pubkey, which isn't carried on the lightweight AVSMember entry).
type VRFKeySource interface {
	VRFPubKey(id types.Address) ([]byte, error)
}

// registryVRFKeys adapts a registry.Store to VRFKeySource.
type registryVRFKeys struct {
	store *registry.Store
}

// NewRegistryVRFKeySource builds a VRFKeySource backed by the masternode
// registry.
func NewRegistryVRFKeySource(store *registry.Store) VRFKeySource {
	return registryVRFKeys{store: store}
}

func (r registryVRFKeys) VRFPubKey(id types.Address) ([]byte, error) {
	mn, err := r.store.Get(id)
	if err != nil {
		return nil, err
	}
	return mn.VRFPubKey, nil
}

// VRFInput builds vrf_in = H("TIMECOIN_VRF_V2" || u64_le(height) ||
// prev_block_hash). Binding to prev_block_hash prevents a leader from
// grinding future slots before the current tip is known.
func VRFInput(height uint64, prevHash types.Hash) []byte {
	buf := make([]byte, 0, len(vrfDomainTag)+8+32)
	buf = append(buf, vrfDomainTag...)
	buf = binary.LittleEndian.AppendUint64(buf, height)
	buf = append(buf, prevHash[:]...)
	h := crypto.Hash(buf)
	return h[:]
}

// LeaderCandidate is one masternode's VRF proof for a given (height,
// prev_block_hash) sortition round, gossiped alongside the block proposal
// so every node can verify sortition without knowing any other node's
// private key.
type LeaderCandidate struct {
	ID        types.Address `json:"id"`
	VRFOutput types.Hash    `json:"vrf_output"`
	VRFProof  []byte        `json:"vrf_proof"`
}

// ProveLeader computes the local masternode's VRF proof for this slot's
// sortition round: (vrf_out, proof) = VRF_prove(sk, vrf_in).
func ProveLeader(key *crypto.VRFPrivateKey, id types.Address, height uint64, prevHash types.Hash) (LeaderCandidate, error) {
	out, proof, err := key.Prove(VRFInput(height, prevHash))
	if err != nil {
		return LeaderCandidate{}, err
	}
	return LeaderCandidate{ID: id, VRFOutput: types.Hash(out), VRFProof: proof}, nil
}

// VerifyCandidate checks that c's VRF proof verifies against vrfPub for
// this (height, prevHash) round.
func VerifyCandidate(c LeaderCandidate, height uint64, prevHash types.Hash, vrfPub []byte) (bool, error) {
	return crypto.VRFVerify(vrfPub, VRFInput(height, prevHash), [32]byte(c.VRFOutput), c.VRFProof)
}

// SelectLeader picks the canonical TimeLock leader from a set of verified
// candidates: argmin vrf_out, ties broken by lowest mn_id.
// Candidates must already have been verified by VerifyCandidate; an
// unverified or forged output would let its holder grind leadership.
func SelectLeader(candidates []LeaderCandidate) (types.Address, error) {
	if len(candidates) == 0 {
		return types.Address{}, errNoCandidates
	}
	best := candidates[0]
	for _, c := range candidates[1:] {
		switch {
		case hashLess(c.VRFOutput, best.VRFOutput):
			best = c
		case c.VRFOutput == best.VRFOutput && addrLess(c.ID, best.ID):
			best = c
		}
	}
	return best.ID, nil
}

// VerifyLeader verifies every candidate against the AVS snapshot's
// registered VRF keys and returns the canonical leader, erroring if the
// claimed leader's own candidate does not verify or is not in fact the
// argmin over the AVS.
func VerifyLeader(claimed types.Address, candidates []LeaderCandidate, height uint64, prevHash types.Hash, snap *registry.AVSSnapshot, keys VRFKeySource) error {
	verified := make([]LeaderCandidate, 0, len(candidates))
	inAVS := make(map[types.Address]bool, len(snap.Members))
	for _, m := range snap.Members {
		inAVS[m.ID] = true
	}
	for _, c := range candidates {
		if !inAVS[c.ID] {
			continue
		}
		pub, err := keys.VRFPubKey(c.ID)
		if err != nil {
			continue
		}
		ok, err := VerifyCandidate(c, height, prevHash, pub)
		if err != nil || !ok {
			continue
		}
		verified = append(verified, c)
	}
	leader, err := SelectLeader(verified)
	if err != nil {
		return err
	}
	if leader != claimed {
		return errBadProof
	}
	return nil
}

// BackupLeader picks the deterministic fallback block producer for slot's
// round r once PREPARE hasn't arrived within BlockTimeGraceSeconds+grace:
// argmin_{mn in AVS(slot)} H(slot||round||mn_id).
func BackupLeader(slot uint64, round uint32, snap *registry.AVSSnapshot) (types.Address, error) {
	ids := sortedMemberIDs(snap)
	if len(ids) == 0 {
		return types.Address{}, errNoCandidates
	}
	var best types.Address
	var bestHash types.Hash
	have := false
	for _, id := range ids {
		h := backupLeaderHash(slot, round, id)
		if !have || hashLess(h, bestHash) {
			best, bestHash, have = id, h, true
		}
	}
	return best, nil
}

func backupLeaderHash(slot uint64, round uint32, id types.Address) types.Hash {
	buf := make([]byte, 0, 8+4+types.AddressSize)
	buf = binary.LittleEndian.AppendUint64(buf, slot)
	buf = binary.LittleEndian.AppendUint32(buf, round)
	buf = append(buf, id[:]...)
	return crypto.Hash(buf)
}

// sortedMemberIDs returns snap's member IDs sorted lexicographically, the
// canonical ordering used both by fallback leader election and by the
// reward-distribution rotation window.
func sortedMemberIDs(snap *registry.AVSSnapshot) []types.Address {
	ids := make([]types.Address, len(snap.Members))
	for i, m := range snap.Members {
		ids[i] = m.ID
	}
	sort.Slice(ids, func(i, j int) bool { return addrLess(ids[i], ids[j]) })
	return ids
}

func addrLess(a, b types.Address) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

func hashLess(a, b types.Hash) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

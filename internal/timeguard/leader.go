package timeguard

import (
	"encoding/binary"
	"sort"

	"github.com/time-coin/timecoin/internal/registry"
	"github.com/time-coin/timecoin/pkg/crypto"
	"github.com/time-coin/timecoin/pkg/types"
)

// PubKeySource resolves an AVS member's registered Ed25519 public key,
// needed for the leader-election hash (the election hashes the Ed25519 pubkey,
// which isn't carried on the lightweight AVSMember snapshot entry).
type PubKeySource interface {
	PubKey(id types.Address) ([]byte, error)
}

// registryPubKeys adapts a registry.Store to PubKeySource.
type registryPubKeys struct {
	store *registry.Store
}

// NewRegistryPubKeySource builds a PubKeySource backed by the masternode
// registry.
func NewRegistryPubKeySource(store *registry.Store) PubKeySource {
	return registryPubKeys{store: store}
}

func (r registryPubKeys) PubKey(id types.Address) ([]byte, error) {
	mn, err := r.store.Get(id)
	if err != nil {
		return nil, err
	}
	return mn.PubKey, nil
}

// Leader picks the deterministic fallback leader for (txid, slot, round)
// out of the AVS members present in snap: argmin_{mn} H(txid||slot||round||
// mn_pubkey). A pure hash-of-identity rule: every
// honest node computes the same leader without any extra coordination.
func Leader(txid types.Hash, slot uint64, round uint32, snap *registry.AVSSnapshot, pubkeys PubKeySource) (types.Address, error) {
	if snap == nil || len(snap.Members) == 0 {
		return types.Address{}, errNoMembers
	}

	members := make([]registry.AVSMember, len(snap.Members))
	copy(members, snap.Members)
	sort.Slice(members, func(i, j int) bool { return addrLess(members[i].ID, members[j].ID) })

	var best types.Address
	var bestHash types.Hash
	haveBest := false
	for _, m := range members {
		pub, err := pubkeys.PubKey(m.ID)
		if err != nil {
			continue
		}
		h := leaderHash(txid, slot, round, pub)
		if !haveBest || hashLess(h, bestHash) {
			best = m.ID
			bestHash = h
			haveBest = true
		}
	}
	if !haveBest {
		return types.Address{}, errNoMembers
	}
	return best, nil
}

func leaderHash(txid types.Hash, slot uint64, round uint32, pubkey []byte) types.Hash {
	buf := make([]byte, 0, 32+8+4+len(pubkey))
	buf = append(buf, txid[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, slot)
	buf = binary.LittleEndian.AppendUint32(buf, round)
	buf = append(buf, pubkey...)
	return crypto.Hash(buf)
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

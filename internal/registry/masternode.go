// Package registry implements the Masternode Registry and Active Validator
// Set (AVS): tracking which masternodes have posted sufficient
// collateral, their tier, and which of them are currently live enough to
// participate in TimeVote sampling and TimeLock sortition.
package registry

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/time-coin/timecoin/config"
	"github.com/time-coin/timecoin/internal/storage"
	"github.com/time-coin/timecoin/pkg/types"
)

// Masternode is a registered collateral-backed (or Free-tier) participant.
type Masternode struct {
	ID         types.Address         `json:"id"` // also the reward address for Free tier.
	PubKey     []byte                `json:"pubkey"`     // 32-byte Ed25519 public key.
	VRFPubKey  []byte                `json:"vrf_pubkey"` // 32-byte Ed25519 VRF public key.
	Tier       config.MasternodeTier `json:"tier"`
	Collateral []types.Outpoint      `json:"collateral,omitempty"`
	RewardAddr types.Address         `json:"reward_addr"`

	// RegisteredHeight is the block height at which this masternode's
	// collateral was confirmed, or 0 for genesis-seeded entries.
	RegisteredHeight uint64 `json:"registered_height"`
}

// Attributes returns the pinned per-tier weights for this masternode.
func (m *Masternode) Attributes() config.TierAttributes {
	return config.TierTable[m.Tier]
}

// Key prefixes for the registry store.
var (
	prefixMasternode = []byte("m/") // m/<id 20 bytes> -> Masternode JSON
	prefixSnapshot   = []byte("v/") // v/<slot 8 bytes BE> -> AVSSnapshot JSON
)

func masternodeKey(id types.Address) []byte {
	key := make([]byte, len(prefixMasternode)+types.AddressSize)
	copy(key, prefixMasternode)
	copy(key[len(prefixMasternode):], id[:])
	return key
}

func snapshotKey(slot uint64) []byte {
	key := make([]byte, len(prefixSnapshot)+8)
	copy(key, prefixSnapshot)
	binary.BigEndian.PutUint64(key[len(prefixSnapshot):], slot)
	return key
}

// Store persists masternode registrations and AVS snapshots.
type Store struct {
	db storage.DB
}

// NewStore creates a registry store backed by the given database.
func NewStore(db storage.DB) *Store {
	return &Store{db: db}
}

// Register adds or updates a masternode record.
func (s *Store) Register(m *Masternode) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("masternode marshal: %w", err)
	}
	if err := s.db.Put(masternodeKey(m.ID), data); err != nil {
		return fmt.Errorf("masternode put: %w", err)
	}
	return nil
}

// Get retrieves a masternode by ID.
func (s *Store) Get(id types.Address) (*Masternode, error) {
	data, err := s.db.Get(masternodeKey(id))
	if err != nil {
		return nil, fmt.Errorf("masternode get: %w", err)
	}
	var m Masternode
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("masternode unmarshal: %w", err)
	}
	return &m, nil
}

// Remove deletes a masternode record (collateral unstaked or slashed below
// the tier floor).
func (s *Store) Remove(id types.Address) error {
	return s.db.Delete(masternodeKey(id))
}

// All returns every registered masternode.
func (s *Store) All() ([]*Masternode, error) {
	var out []*Masternode
	err := s.db.ForEach(prefixMasternode, func(_, value []byte) error {
		var m Masternode
		if err := json.Unmarshal(value, &m); err != nil {
			return fmt.Errorf("masternode unmarshal: %w", err)
		}
		out = append(out, &m)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan masternodes: %w", err)
	}
	return out, nil
}

// IsLiveCollateral reports whether op currently backs a registered
// masternode's pinned collateral: such an outpoint must not be
// independently spendable while its masternode is registered.
// Satisfies utxo.CollateralChecker directly so the UTXO manager can be
// wired straight to the registry without an adapter type.
func (s *Store) IsLiveCollateral(op types.Outpoint) bool {
	masternodes, err := s.All()
	if err != nil {
		return false
	}
	for _, m := range masternodes {
		for _, c := range m.Collateral {
			if c == op {
				return true
			}
		}
	}
	return false
}

// SeedGenesis registers every masternode named in the genesis configuration.
// Called once at chain bootstrap so slot 0 already has an AVS to sample.
func (s *Store) SeedGenesis(g *config.Genesis) error {
	for _, gm := range g.Masternodes {
		id, err := types.ParseAddress(gm.ID)
		if err != nil {
			return fmt.Errorf("genesis masternode %q: %w", gm.ID, err)
		}
		rewardAddr, err := types.ParseAddress(gm.Address)
		if err != nil {
			return fmt.Errorf("genesis masternode %q reward address: %w", gm.ID, err)
		}
		pub, err := decodeHex(gm.PubKey)
		if err != nil {
			return fmt.Errorf("genesis masternode %q pubkey: %w", gm.ID, err)
		}
		vrfPub, err := decodeHex(gm.VRFKey)
		if err != nil {
			return fmt.Errorf("genesis masternode %q vrf key: %w", gm.ID, err)
		}
		m := &Masternode{
			ID:               id,
			PubKey:           pub,
			VRFPubKey:        vrfPub,
			Tier:             gm.Tier,
			RewardAddr:       rewardAddr,
			RegisteredHeight: 0,
		}
		if err := s.Register(m); err != nil {
			return err
		}
	}
	return nil
}

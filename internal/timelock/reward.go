package timelock

import (
	"fmt"
	"sort"

	"github.com/time-coin/timecoin/config"
	"github.com/time-coin/timecoin/internal/registry"
	"github.com/time-coin/timecoin/pkg/block"
	"github.com/time-coin/timecoin/pkg/crypto"
	"github.com/time-coin/timecoin/pkg/tx"
	"github.com/time-coin/timecoin/pkg/types"
)

// rewardWindowSize is the number of contiguous AVS entries the rotation
// selects each block before filtering down to Free-tier members.
const rewardWindowSize = 10

// RewardWindow returns the up-to-10 contiguous AVS members selected for
// this height's reward-distribution rotation: all AVS members sorted
// lexicographically by mn_id, starting at offset = height mod |AVS|,
// wrapping circularly.
func RewardWindow(snap *registry.AVSSnapshot, height uint64) []registry.AVSMember {
	if snap == nil || len(snap.Members) == 0 {
		return nil
	}
	members := make([]registry.AVSMember, len(snap.Members))
	copy(members, snap.Members)
	sort.Slice(members, func(i, j int) bool { return addrLess(members[i].ID, members[j].ID) })

	n := len(members)
	offset := int(height % uint64(n))
	count := rewardWindowSize
	if count > n {
		count = n
	}
	out := make([]registry.AVSMember, count)
	for i := 0; i < count; i++ {
		out[i] = members[(offset+i)%n]
	}
	return out
}

// eligibleFree filters window down to Free-tier members, the only tier
// eligible for reward-distribution payouts.
func eligibleFree(window []registry.AVSMember) []registry.AVSMember {
	var out []registry.AVSMember
	for _, m := range window {
		if m.Tier == config.TierFree {
			out = append(out, m)
		}
	}
	return out
}

// AddressSource resolves a masternode's payout address. Distinct from its
// AVS identity (mn_id), since a masternode's reward_addr may differ from
// the address that also serves as its identifier.
type AddressSource interface {
	RewardAddress(id types.Address) (types.Address, error)
}

// registryAddrs adapts a registry.Store to AddressSource.
type registryAddrs struct {
	store *registry.Store
}

// NewRegistryAddressSource builds an AddressSource backed by the
// masternode registry.
func NewRegistryAddressSource(store *registry.Store) AddressSource {
	return registryAddrs{store: store}
}

func (r registryAddrs) RewardAddress(id types.Address) (types.Address, error) {
	mn, err := r.store.Get(id)
	if err != nil {
		return types.Address{}, err
	}
	return mn.RewardAddr, nil
}

// BuildRewardDistribution builds transactions[1]: the transaction spending
// coinbase's sole output and distributing RewardDistributionTime TIME
// across this height's eligible Free-tier rotation window, weighted by
// tier reward_weight (flat among Free-tier members, since they share one
// reward_weight), with the remainder — RewardDistributionTime TIME plus
// whatever coinbase paid above the base reward (i.e. the fees) — paid
// back to the producer. If the rotation window has no eligible Free-tier
// member, the entire coinbase output goes to the producer.
func BuildRewardDistribution(coinbase *tx.Transaction, snap *registry.AVSSnapshot, height uint64, producer types.Address, addrs AddressSource, signer *crypto.PrivateKey) (*tx.Transaction, []block.RewardPayout, error) {
	if len(coinbase.Outputs) != 1 {
		return nil, nil, fmt.Errorf("timelock: coinbase must have exactly one output, got %d", len(coinbase.Outputs))
	}
	coinbaseValue := coinbase.Outputs[0].Value
	coinbaseHash := coinbase.Hash()

	pool := uint64(config.RewardDistributionTime) * config.Coin
	if pool > coinbaseValue {
		pool = coinbaseValue
	}

	window := eligibleFree(RewardWindow(snap, height))

	b := tx.NewBuilder()
	b.SetKind(tx.KindRewardDistribution)
	b.AddInput(types.Outpoint{TxID: coinbaseHash, Index: 0})

	var payouts []block.RewardPayout
	if len(window) == 0 {
		b.AddOutput(coinbaseValue, producerScript(producer))
		payouts = append(payouts, block.RewardPayout{MasternodeID: producer, Address: producer, Value: coinbaseValue})
		if err := signRewardDistribution(b, signer); err != nil {
			return nil, nil, err
		}
		return b.Build(), payouts, nil
	}

	var totalWeight uint64
	for _, m := range window {
		totalWeight += m.RewardWeight
	}

	var distributed uint64
	for i, m := range window {
		addr, err := addrs.RewardAddress(m.ID)
		if err != nil {
			return nil, nil, fmt.Errorf("reward address for %s: %w", m.ID, err)
		}
		var share uint64
		if i == len(window)-1 {
			share = pool - distributed // last output absorbs rounding.
		} else {
			share = pool * m.RewardWeight / totalWeight
			distributed += share
		}
		if share == 0 {
			continue
		}
		b.AddOutput(share, producerScript(addr))
		payouts = append(payouts, block.RewardPayout{MasternodeID: m.ID, Address: addr, Value: share})
	}

	remainder := coinbaseValue - pool
	if remainder > 0 {
		b.AddOutput(remainder, producerScript(producer))
		payouts = append(payouts, block.RewardPayout{MasternodeID: producer, Address: producer, Value: remainder})
	}

	if err := signRewardDistribution(b, signer); err != nil {
		return nil, nil, err
	}
	return b.Build(), payouts, nil
}

// signRewardDistribution signs the reward-distribution tx's sole input
// with signer, the producer's own key — the coinbase output it spends
// pays the producer's mn_id address, so the producer is always the one
// able to authorize this spend. A nil signer leaves the input
// unsigned, for callers that only need the transaction's shape (e.g.
// computing its would-be hash before the producer's key is available).
func signRewardDistribution(b *tx.Builder, signer *crypto.PrivateKey) error {
	if signer == nil {
		return nil
	}
	return b.Sign(signer)
}

func producerScript(addr types.Address) types.Script {
	return types.Script{Type: types.ScriptTypeP2PKH, Data: addr[:]}
}

package timevote

import (
	"math/rand"

	"github.com/time-coin/timecoin/internal/registry"
)

// Sample draws up to k distinct AVS members from the snapshot, weighted by
// sampling_weight, without replacement. Draws one member at a time by a
// linear scan over cumulative weights: each remaining member's selection
// probability at every draw is proportional to its weight.
func Sample(snapshot *registry.AVSSnapshot, k int, rng *rand.Rand) []registry.AVSMember {
	pool := make([]registry.AVSMember, len(snapshot.Members))
	copy(pool, snapshot.Members)

	if k >= len(pool) {
		return pool
	}

	selected := make([]registry.AVSMember, 0, k)
	remainingWeight := uint64(0)
	for _, m := range pool {
		remainingWeight += m.SamplingWeight
	}

	for len(selected) < k && len(pool) > 0 {
		if remainingWeight == 0 {
			// No weight left to distinguish members; draw uniformly.
			idx := rng.Intn(len(pool))
			selected = append(selected, pool[idx])
			pool = append(pool[:idx], pool[idx+1:]...)
			continue
		}
		target := uint64(rng.Int63n(int64(remainingWeight)))
		var cursor uint64
		idx := len(pool) - 1
		for i, m := range pool {
			cursor += m.SamplingWeight
			if target < cursor {
				idx = i
				break
			}
		}
		selected = append(selected, pool[idx])
		remainingWeight -= pool[idx].SamplingWeight
		pool = append(pool[:idx], pool[idx+1:]...)
	}
	return selected
}

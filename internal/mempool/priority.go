package mempool

import (
	"time"

	"github.com/time-coin/timecoin/pkg/tx"
)

// TierRank maps a masternode tier (or the absence of one) to the inclusion
// priority rank used in the priority formula:
// Gold=5, Silver=4, Bronze=3, whitelisted Free=2, Free=1, non-masternode=0.
type TierRank int

const (
	TierRankNone        TierRank = 0
	TierRankFree        TierRank = 1
	TierRankFreeAllowed TierRank = 2 // whitelisted Free tier.
	TierRankBronze      TierRank = 3
	TierRankSilver      TierRank = 4
	TierRankGold        TierRank = 5
)

// TierRankFunc resolves the inclusion tier rank for a transaction's
// submitter, e.g. by looking up the address spent from in the masternode
// registry. A nil func is treated as "always non-masternode" (rank 0).
type TierRankFunc func(t *tx.Transaction) TierRank

// priorityScale separates the three priority components so higher
// components always dominate lower ones: fee-per-byte is normalized to
// milli-TIME per byte before scaling, which keeps its term below one
// tier-rank step for any plausible fee.
const (
	tierRankScale   = 1_000_000_000_000
	feePerByteScale = 1_000_000
	feePerByteUnit  = 1_000_000_000 // base units per milli-TIME.
)

// priority computes the inclusion/eviction priority score for an entry at
// the given instant.
func priority(tierRank TierRank, feePerByte float64, firstSeen time.Time, now time.Time) float64 {
	age := now.Sub(firstSeen).Seconds()
	if age < 0 {
		age = 0
	}
	return float64(tierRank)*tierRankScale + feePerByte/feePerByteUnit*feePerByteScale + age
}

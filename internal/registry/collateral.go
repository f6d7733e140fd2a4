package registry

import (
	"fmt"
	"math"

	"github.com/time-coin/timecoin/config"
	"github.com/time-coin/timecoin/internal/utxo"
)

// CollateralChecker derives a masternode's tier from its locked
// ScriptTypeStake UTXOs, mapping the locked sum
// through the four-tier collateral ladder.
type CollateralChecker struct {
	utxos *utxo.Store
}

// NewCollateralChecker creates a checker backed by the given UTXO store.
func NewCollateralChecker(utxos *utxo.Store) *CollateralChecker {
	return &CollateralChecker{utxos: utxos}
}

// TotalCollateral sums all ScriptTypeStake UTXOs locked by pubKey,
// saturating at math.MaxUint64 on overflow rather than wrapping.
func (c *CollateralChecker) TotalCollateral(pubKey []byte) (uint64, error) {
	stakes, err := c.utxos.GetStakes(pubKey)
	if err != nil {
		return 0, fmt.Errorf("collateral lookup: %w", err)
	}
	var total uint64
	for _, s := range stakes {
		if total > math.MaxUint64-s.Value {
			return math.MaxUint64, nil
		}
		total += s.Value
	}
	return total, nil
}

// Tier returns the highest tier pubKey's current collateral qualifies for.
func (c *CollateralChecker) Tier(pubKey []byte) (config.MasternodeTier, error) {
	total, err := c.TotalCollateral(pubKey)
	if err != nil {
		return config.TierFree, err
	}
	return config.TierForCollateral(total), nil
}

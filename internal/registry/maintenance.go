package registry

import (
	"github.com/time-coin/timecoin/internal/utxo"
	"github.com/time-coin/timecoin/pkg/types"
)

// scriptOwner extracts the P2PKH address a script pays to, if any.
func scriptOwner(s types.Script) (types.Address, bool) {
	if s.Type != types.ScriptTypeP2PKH || len(s.Data) < types.AddressSize {
		return types.Address{}, false
	}
	var addr types.Address
	copy(addr[:], s.Data[:types.AddressSize])
	return addr, true
}

// ValidateCollaterals re-checks every registered masternode's collateral
// outpoints against the live UTXO set and deregisters any remote
// masternode whose collateral is no longer unspent and owned by it. The
// local masternode (localID) is never auto-deregistered, since a
// recollateralization transaction it has already broadcast may simply not
// have confirmed yet. Returns the addresses deregistered this call.
func (s *Store) ValidateCollaterals(set utxo.Set, localID types.Address) ([]types.Address, error) {
	masternodes, err := s.All()
	if err != nil {
		return nil, err
	}

	var deregistered []types.Address
	for _, m := range masternodes {
		if len(m.Collateral) == 0 {
			continue // Free tier: nothing to validate.
		}
		if m.ID == localID {
			continue
		}
		if collateralLive(set, m) {
			continue
		}
		if err := s.Remove(m.ID); err != nil {
			return deregistered, err
		}
		deregistered = append(deregistered, m.ID)
	}
	return deregistered, nil
}

// collateralLive reports whether every one of m's collateral outpoints is
// still an unspent UTXO owned by m's own address.
func collateralLive(set utxo.Set, m *Masternode) bool {
	for _, op := range m.Collateral {
		u, err := set.Get(op)
		if err != nil {
			return false
		}
		if u.State.Kind != utxo.StateUnspent {
			return false
		}
		owner, ok := scriptOwner(u.Script)
		if !ok || owner != m.ID {
			return false
		}
	}
	return true
}

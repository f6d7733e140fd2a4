package consensus

import (
	"time"

	"github.com/time-coin/timecoin/config"
	"github.com/time-coin/timecoin/internal/chain"
	"github.com/time-coin/timecoin/internal/mempool"
	"github.com/time-coin/timecoin/internal/registry"
	"github.com/time-coin/timecoin/internal/timelock"
	"github.com/time-coin/timecoin/internal/timevote"
	"github.com/time-coin/timecoin/pkg/crypto"
	"github.com/time-coin/timecoin/pkg/tx"
	"github.com/time-coin/timecoin/pkg/types"
)

// finalizedOracle adapts a TimeVote engine to chain.FinalizedChecker: a
// transaction counts as finalized once TimeVote has settled it, whether by
// reaching Q_finality directly or by a TimeGuard fallback Accept.
type finalizedOracle struct {
	votes *timevote.Engine
}

func (f finalizedOracle) IsFinalized(txid types.Hash) bool {
	vs := f.votes.State(txid)
	if vs == nil {
		return false
	}
	switch vs.Status {
	case timevote.StatusFinalized, timevote.StatusArchived:
		return true
	default:
		return false
	}
}

// leaderWeigher adapts the masternode registry to chain.LeaderWeigher,
// resolving a block height to the TimeLock slot it was produced in and
// looking up that slot's pinned AVS snapshot for the leader's sampling
// weight.
type leaderWeigher struct {
	chain    *chain.Chain
	registry *registry.Store
}

func (w leaderWeigher) LeaderWeight(leader types.Address, height uint64) uint64 {
	blk, err := w.chain.GetBlockByHeight(height)
	if err != nil {
		return 0
	}
	slot := timelock.Slot(int64(blk.Header.Timestamp))
	snap, err := w.registry.Snapshot(slot)
	if err != nil || snap == nil {
		return 0
	}
	for _, m := range snap.Members {
		if m.ID == leader {
			return m.SamplingWeight
		}
	}
	return 0
}

// tierRanker adapts the masternode registry to mempool.TierRankFunc: a
// transaction submitted from a registered masternode's address inherits
// that masternode's inclusion tier, everyone else ranks as non-masternode.
func tierRanker(reg *registry.Store) mempool.TierRankFunc {
	return func(t *tx.Transaction) mempool.TierRank {
		for _, in := range t.Inputs {
			if len(in.PubKey) == 0 {
				continue
			}
			m, err := reg.Get(crypto.AddressFromPubKey(in.PubKey))
			if err != nil {
				continue
			}
			switch m.Tier {
			case config.TierGold:
				return mempool.TierRankGold
			case config.TierSilver:
				return mempool.TierRankSilver
			case config.TierBronze:
				return mempool.TierRankBronze
			case config.TierFree:
				return mempool.TierRankFree
			}
		}
		return mempool.TierRankNone
	}
}

// finalizedSource adapts the mempool pool and TimeVote engine to
// timelock.FinalizedSource, the body TimeLock's producer draws block
// contents from: every Finalized, not-yet-Archived
// transaction plus its slot and accumulated vote weight.
type finalizedSource struct {
	pool  *mempool.Pool
	votes *timevote.Engine
}

func (s finalizedSource) FinalizedTransactions() []timelock.FinalizedEntry {
	// maxFinalizedDraw/maxFinalizedBytes bound SelectForBlock only to avoid an
	// unbounded allocation when the finalized set is very large; Producer
	// re-applies the real per-block budget and canonical ordering itself.
	selected := s.pool.SelectForBlock(maxFinalizedDraw, maxFinalizedBytes, time.Now())
	entries := make([]timelock.FinalizedEntry, 0, len(selected))
	for _, t := range selected {
		txid := t.Hash()
		vs := s.votes.State(txid)
		if vs == nil || vs.Status != timevote.StatusFinalized {
			continue
		}
		entries = append(entries, timelock.FinalizedEntry{
			Tx:         t,
			SlotIndex:  vs.SlotIndex,
			VoteWeight: vs.AccumulatedWeight,
			Fee:        s.pool.GetFee(txid),
		})
	}
	return entries
}

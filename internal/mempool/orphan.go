package mempool

import (
	"time"

	"github.com/time-coin/timecoin/pkg/tx"
	"github.com/time-coin/timecoin/pkg/types"
)

// orphanEntry is a transaction held because one or more of its inputs
// reference an outpoint the pool has never seen; it is retried when
// its inputs become available.
type orphanEntry struct {
	tx        *tx.Transaction
	txHash    types.Hash
	missing   []types.Outpoint
	addedAt   time.Time
}

// orphanPool is a bounded, TTL-evicted, LRU-evicted holding area for
// transactions with missing inputs.
type orphanPool struct {
	max     int
	ttl     time.Duration
	entries map[types.Hash]*orphanEntry
	order   []types.Hash // insertion order, oldest first, for LRU eviction.
}

func newOrphanPool(max int, ttl time.Duration) *orphanPool {
	return &orphanPool{
		max:     max,
		ttl:     ttl,
		entries: make(map[types.Hash]*orphanEntry),
	}
}

// add inserts an orphan, evicting the oldest entry if the pool is at
// capacity. A transaction already held is left as it is.
func (o *orphanPool) add(t *tx.Transaction, missing []types.Outpoint, now time.Time) {
	h := t.Hash()
	if _, exists := o.entries[h]; exists {
		return
	}
	if len(o.entries) >= o.max && len(o.order) > 0 {
		oldest := o.order[0]
		o.order = o.order[1:]
		delete(o.entries, oldest)
	}
	o.entries[h] = &orphanEntry{tx: t, txHash: h, missing: missing, addedAt: now}
	o.order = append(o.order, h)
}

// expire removes orphans older than the TTL.
func (o *orphanPool) expire(now time.Time) {
	var kept []types.Hash
	for _, h := range o.order {
		e, ok := o.entries[h]
		if !ok {
			continue
		}
		if now.Sub(e.addedAt) > o.ttl {
			delete(o.entries, h)
			continue
		}
		kept = append(kept, h)
	}
	o.order = kept
}

// readyFor returns orphans whose missing outpoints are now satisfied by op
// becoming available, removing them from the pool.
func (o *orphanPool) readyFor(op types.Outpoint) []*tx.Transaction {
	var ready []*tx.Transaction
	var kept []types.Hash
	for _, h := range o.order {
		e, ok := o.entries[h]
		if !ok {
			continue
		}
		stillMissing := false
		for _, m := range e.missing {
			if m != op {
				stillMissing = true
				break
			}
		}
		if stillMissing {
			kept = append(kept, h)
			continue
		}
		ready = append(ready, e.tx)
		delete(o.entries, h)
	}
	o.order = kept
	return ready
}

func (o *orphanPool) count() int {
	return len(o.entries)
}

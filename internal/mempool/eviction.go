package mempool

import (
	"sort"
	"time"
)

// Evict removes the lowest-priority pending transactions first
// until the pool is within MaxEntries
// and MaxTotalBytes. Returns the number of transactions evicted.
func (p *Pool) Evict(now time.Time) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.pending) <= MaxEntries && p.totalBytes <= MaxTotalBytes {
		return 0
	}

	entries := make([]*entry, 0, len(p.pending))
	for _, e := range p.pending {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].priority(now) < entries[j].priority(now)
	})

	evicted := 0
	for _, e := range entries {
		if len(p.pending) <= MaxEntries && p.totalBytes <= MaxTotalBytes {
			break
		}
		p.removePendingLocked(e.txHash)
		evicted++
	}
	return evicted
}

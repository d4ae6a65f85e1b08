package cache

import (
	"github.com/mangacache/mangacache/internal/buffer"
)

// TierStats holds the counters and usage of one tier
type TierStats struct {
	Tier        string `json:"tier"`
	Entries     int    `json:"entries"`
	Bytes       int64  `json:"bytes"`
	PeakBytes   int64  `json:"peak_bytes"`
	MaxBytes    int64  `json:"max_bytes"`
	MaxEntries  int    `json:"max_entries"`
	Hits        uint64 `json:"hits"`
	Misses      uint64 `json:"misses"`
	Evictions   uint64 `json:"evictions"`
	Promotions  uint64 `json:"promotions"`
	Demotions   uint64 `json:"demotions"`
	Expirations uint64 `json:"expirations"`
}

// Stats is a point-in-time view of the cache
type Stats struct {
	Tiers             []TierStats       `json:"tiers"`
	Hits              uint64            `json:"hits"`
	Misses            uint64            `json:"misses"`
	HitRate           float64           `json:"hit_rate"`
	Entries           int               `json:"entries"`
	Bytes             int64             `json:"bytes"`
	Sets              uint64            `json:"sets"`
	Rejected          uint64            `json:"rejected"`
	Deletes           uint64            `json:"deletes"`
	PressureEvictions uint64            `json:"pressure_evictions"`
	TrackedKeys       int               `json:"tracked_keys"`
	Prefetch          PrefetchStats     `json:"prefetch"`
	Pool              *buffer.PoolStats `json:"pool,omitempty"`
}

// Tier returns the stats of one tier
func (s Stats) Tier(t Tier) TierStats {
	return s.Tiers[t]
}

// GetStats returns a snapshot of every tier, the prefetch engine and,
// when the buffer pool exposes them, the pool's counters
func (c *TieredCache) GetStats() Stats {
	c.mu.Lock()
	stats := Stats{
		Tiers:             make([]TierStats, numTiers),
		Hits:              c.hits,
		Misses:            c.misses,
		Sets:              c.sets,
		Rejected:          c.rejected,
		Deletes:           c.deletes,
		PressureEvictions: c.pressureEvictions,
		TrackedKeys:       c.tracker.Len(),
	}
	for i, t := range c.tiers {
		stats.Tiers[i] = t.stats()
		stats.Entries += len(t.entries)
		stats.Bytes += t.bytes
	}
	c.mu.Unlock()

	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}
	stats.Prefetch = c.prefetcher.Stats()
	if sp, ok := c.pool.(interface{ Stats() buffer.PoolStats }); ok {
		ps := sp.Stats()
		stats.Pool = &ps
	}
	return stats
}

package cache

import (
	"fmt"
	"strings"
	"time"
)

// Tier identifies one of the three cache partitions. Lower values are hotter.
type Tier int

const (
	TierHot Tier = iota
	TierWarm
	TierCold
)

const numTiers = 3

// Tiers lists every tier from hottest to coldest
var Tiers = [numTiers]Tier{TierHot, TierWarm, TierCold}

// String returns the string representation of the tier
func (t Tier) String() string {
	switch t {
	case TierHot:
		return "hot"
	case TierWarm:
		return "warm"
	case TierCold:
		return "cold"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

// ParseTier parses "hot", "warm" or "cold"
func ParseTier(s string) (Tier, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "hot":
		return TierHot, nil
	case "warm":
		return TierWarm, nil
	case "cold":
		return TierCold, nil
	default:
		return 0, fmt.Errorf("invalid tier: %s", s)
	}
}

// TierConfig holds the capacity and movement thresholds of one tier
type TierConfig struct {
	MaxBytes   int64         `yaml:"max_bytes"`
	MaxEntries int           `yaml:"max_entries"`
	TTL        time.Duration `yaml:"ttl"`

	// PromotionThreshold is the access count that moves an entry one tier up
	PromotionThreshold uint32 `yaml:"promotion_threshold"`

	// DemotionThreshold is the minimum access count for an eviction victim
	// to be demoted instead of dropped
	DemotionThreshold uint32 `yaml:"demotion_threshold"`
}

// DefaultBudget is the total byte budget used by DefaultOptions (1GB)
const DefaultBudget int64 = 1 << 30

// DefaultTierConfigs splits budget 20/30/50 between Hot, Warm and Cold
func DefaultTierConfigs(budget int64) [numTiers]TierConfig {
	return [numTiers]TierConfig{
		TierHot: {
			MaxBytes:           budget * 20 / 100,
			MaxEntries:         10000,
			TTL:                60 * time.Second,
			PromotionThreshold: 5,
			DemotionThreshold:  1,
		},
		TierWarm: {
			MaxBytes:           budget * 30 / 100,
			MaxEntries:         50000,
			TTL:                300 * time.Second,
			PromotionThreshold: 3,
			DemotionThreshold:  1,
		},
		TierCold: {
			MaxBytes:           budget - budget*20/100 - budget*30/100,
			MaxEntries:         100000,
			TTL:                3600 * time.Second,
			PromotionThreshold: 2,
			DemotionThreshold:  0,
		},
	}
}

// Validate checks a tier configuration
func (tc TierConfig) Validate() error {
	if tc.MaxBytes <= 0 {
		return fmt.Errorf("max_bytes must be positive")
	}
	if tc.MaxEntries <= 0 {
		return fmt.Errorf("max_entries must be positive")
	}
	if tc.TTL <= 0 {
		return fmt.Errorf("ttl must be positive")
	}
	return nil
}

// tier is one partition of the cache. It is guarded by the cache mutex.
type tier struct {
	id      Tier
	config  TierConfig
	entries map[string]*entry
	bytes   int64

	peakBytes   int64
	hits        uint64
	misses      uint64
	evictions   uint64
	promotions  uint64
	demotions   uint64
	expirations uint64
}

func newTier(id Tier, config TierConfig) *tier {
	return &tier{
		id:      id,
		config:  config,
		entries: make(map[string]*entry),
	}
}

func (t *tier) add(e *entry) {
	e.tier = t.id
	t.entries[e.key] = e
	t.bytes += e.size
	if t.bytes > t.peakBytes {
		t.peakBytes = t.bytes
	}
}

func (t *tier) remove(e *entry) {
	delete(t.entries, e.key)
	t.bytes -= e.size
}

// full reports whether an entry of size bytes cannot be added without
// making room first
func (t *tier) full(size int64) bool {
	return t.bytes+size > t.config.MaxBytes || len(t.entries) >= t.config.MaxEntries
}

func (t *tier) stats() TierStats {
	return TierStats{
		Tier:        t.id.String(),
		Entries:     len(t.entries),
		Bytes:       t.bytes,
		PeakBytes:   t.peakBytes,
		MaxBytes:    t.config.MaxBytes,
		MaxEntries:  t.config.MaxEntries,
		Hits:        t.hits,
		Misses:      t.misses,
		Evictions:   t.evictions,
		Promotions:  t.promotions,
		Demotions:   t.demotions,
		Expirations: t.expirations,
	}
}

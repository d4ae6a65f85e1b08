package cache

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mangacache/mangacache/internal/buffer"
	"github.com/mangacache/mangacache/pkg/errors"
	"github.com/mangacache/mangacache/pkg/types"
	"github.com/mangacache/mangacache/pkg/utils"
)

const (
	hotSizeLimit  = 10 << 10
	warmSizeLimit = 100 << 10

	localityBonus = 0.1
)

var (
	// ErrEntryTooLarge is returned by Set when no tier can hold the entry
	ErrEntryTooLarge = errors.NewError(errors.ErrCodeEntryTooLarge, "entry exceeds every tier capacity").
				WithComponent("cache")

	// ErrClosed is returned by Set after Close
	ErrClosed = errors.NewError(errors.ErrCodeCacheClosed, "cache is closed").
			WithComponent("cache")
)

// BufferPool supplies entry buffers. *buffer.PoolManager implements it.
type BufferPool interface {
	Acquire(minSize int) []byte
	Release(buf []byte) bool
}

// Options configures a TieredCache
type Options struct {
	Tiers          [numTiers]TierConfig
	MaxTrackedKeys int
	Prefetch       PrefetchConfig

	Pool   BufferPool
	Logger *utils.StructuredLogger
	Clock  func() time.Time
}

// DefaultOptions returns options for a 1GB cache with prefetch enabled
func DefaultOptions() Options {
	return Options{
		Tiers:          DefaultTierConfigs(DefaultBudget),
		MaxTrackedKeys: DefaultMaxTrackedKeys,
		Prefetch:       DefaultPrefetchConfig(),
	}
}

// TieredCache is a three-tier byte cache. Entries move up a tier after
// enough hits, move down instead of being dropped while they still see
// use, and are evicted by lowest efficiency score.
type TieredCache struct {
	mu      sync.Mutex
	tiers   [numTiers]*tier
	tracker *AccessPatternTracker
	closed  bool

	pool       BufferPool
	prefetcher *PrefetchEngine
	logger     *utils.StructuredLogger
	now        func() time.Time

	hits              uint64
	misses            uint64
	sets              uint64
	rejected          uint64
	deletes           uint64
	pressureEvictions uint64
}

// New creates a TieredCache
func New(opts Options) (*TieredCache, error) {
	for _, t := range Tiers {
		if err := opts.Tiers[t].Validate(); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInvalidConfig, fmt.Sprintf("invalid %s tier", t)).
				WithComponent("cache")
		}
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		logger, _ := utils.NewStructuredLogger(utils.DefaultStructuredLoggerConfig())
		opts.Logger = logger
	}
	if opts.Pool == nil {
		poolCfg := buffer.DefaultPoolConfig()
		poolCfg.Logger = opts.Logger
		poolCfg.Clock = opts.Clock
		opts.Pool = buffer.NewPoolManager(poolCfg)
	}

	c := &TieredCache{
		tracker: NewAccessPatternTracker(opts.MaxTrackedKeys),
		pool:    opts.Pool,
		logger:  opts.Logger.WithComponent("cache"),
		now:     opts.Clock,
	}
	for _, t := range Tiers {
		c.tiers[t] = newTier(t, opts.Tiers[t])
	}
	c.prefetcher = NewPrefetchEngine(opts.Prefetch, c, opts.Logger)
	return c, nil
}

// Get returns a copy of the value for key. A hit counts as an access and
// may promote the entry one tier.
func (c *TieredCache) Get(key string) ([]byte, bool) {
	var out []byte
	ok := c.View(key, func(p []byte) {
		out = make([]byte, len(p))
		copy(out, p)
	})
	return out, ok
}

// View is Get without the copy: fn receives the resident payload and must
// not retain it after returning. fn runs under the cache lock and must not
// call back into the cache.
func (c *TieredCache) View(key string, fn func([]byte)) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}

	e := c.accessLocked(key, c.now())
	if e == nil {
		return false
	}
	fn(e.payload())
	return true
}

// accessLocked performs the hit or miss bookkeeping for key
func (c *TieredCache) accessLocked(key string, now time.Time) *entry {
	c.tracker.Record(key, now)

	for _, t := range c.tiers {
		e, ok := t.entries[key]
		if !ok {
			t.misses++
			continue
		}
		if now.Sub(e.lastAccess) > t.config.TTL {
			t.remove(e)
			t.expirations++
			t.misses++
			c.releaseLocked(e)
			break
		}

		t.hits++
		c.hits++
		e.touch(now)
		c.promoteLocked(e, now)
		return e
	}

	c.misses++
	c.rewardNeighboursLocked(key)
	return nil
}

// rewardNeighboursLocked raises the prefetch score of resident keys that
// share a directory with a missed key
func (c *TieredCache) rewardNeighboursLocked(key string) {
	for _, related := range c.tracker.Related(key) {
		if e := c.lookupLocked(related); e != nil {
			e.bumpPrefetchScore(localityBonus)
		}
	}
}

// promoteLocked moves e one tier up once it reaches its tier's threshold
func (c *TieredCache) promoteLocked(e *entry, now time.Time) {
	if e.tier == TierHot {
		return
	}
	src := c.tiers[e.tier]
	if e.accessCount < src.config.PromotionThreshold {
		return
	}
	dst := c.tiers[e.tier-1]
	if e.size > dst.config.MaxBytes {
		return
	}

	src.remove(e)
	c.makeRoomLocked(dst, e.size, now)
	dst.add(e)
	src.promotions++
}

// Contains reports whether key is resident without counting an access
func (c *TieredCache) Contains(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lookupLocked(key) != nil
}

// Tier returns the tier currently holding key
func (c *TieredCache) Tier(key string) (Tier, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e := c.lookupLocked(key); e != nil {
		return e.tier, true
	}
	return 0, false
}

// Inspect returns the metadata of a resident entry
func (c *TieredCache) Inspect(key string) (EntryInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e := c.lookupLocked(key); e != nil {
		return e.info(), true
	}
	return EntryInfo{}, false
}

func (c *TieredCache) lookupLocked(key string) *entry {
	for _, t := range c.tiers {
		if e, ok := t.entries[key]; ok {
			return e
		}
	}
	return nil
}

// Set stores data under key
func (c *TieredCache) Set(key string, data []byte) error {
	return c.SetWithSize(key, data, 0)
}

// SetWithSize stores data under key, accounting sizeHint bytes when it is
// positive. The initial tier comes from the entry size and the key's
// recent access pattern. Set either inserts the entry or leaves the cache
// untouched.
func (c *TieredCache) SetWithSize(key string, data []byte, sizeHint int64) error {
	size := int64(len(data))
	if sizeHint > 0 {
		size = sizeHint
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}

	placed, ok := c.placeLocked(c.chooseTierLocked(key, size), size)
	if !ok {
		c.rejected++
		c.logger.Debug("Rejected entry larger than every tier", map[string]interface{}{
			"key":  key,
			"size": utils.FormatBytes(size),
		})
		return ErrEntryTooLarge.WithOperation("set").WithDetail("key", key).WithDetail("size", size)
	}

	now := c.now()
	if old := c.lookupLocked(key); old != nil {
		c.tiers[old.tier].remove(old)
		c.releaseLocked(old)
	}

	buf := c.pool.Acquire(len(data))
	n := copy(buf, data)
	e := &entry{
		key:        key,
		buf:        buf,
		length:     n,
		size:       size,
		lastAccess: now,
		created:    now,
	}

	c.insertLocked(placed, e, now)
	c.sets++
	return nil
}

// chooseTierLocked applies the placement heuristic
func (c *TieredCache) chooseTierLocked(key string, size int64) Tier {
	switch {
	case size < hotSizeLimit && c.tracker.IsPredictedHot(key):
		return TierHot
	case size < warmSizeLimit || c.tracker.IsPredictedWarm(key):
		return TierWarm
	default:
		return TierCold
	}
}

// placeLocked returns want or the first colder tier whose capacity can
// hold size bytes
func (c *TieredCache) placeLocked(want Tier, size int64) (Tier, bool) {
	for t := want; t <= TierCold; t++ {
		if size <= c.tiers[t].config.MaxBytes {
			return t, true
		}
	}
	return 0, false
}

func (c *TieredCache) insertLocked(t Tier, e *entry, now time.Time) {
	dst := c.tiers[t]
	c.makeRoomLocked(dst, e.size, now)
	dst.add(e)
}

// makeRoomLocked evicts or demotes the lowest-scoring entries of t until
// an entry of size bytes fits
func (c *TieredCache) makeRoomLocked(t *tier, size int64, now time.Time) {
	for len(t.entries) > 0 && t.full(size) {
		victim := c.victimLocked(t, now)
		t.remove(victim)

		if victim.accessCount >= t.config.DemotionThreshold && t.id < TierCold {
			lower := c.tiers[t.id+1]
			if victim.size <= lower.config.MaxBytes {
				victim.accessCount /= 2
				c.makeRoomLocked(lower, victim.size, now)
				lower.add(victim)
				t.demotions++
				continue
			}
		}

		t.evictions++
		c.releaseLocked(victim)
	}
}

// victimLocked returns the entry of t with the lowest score. Ties go to
// the least recently accessed entry, then to the smaller key.
func (c *TieredCache) victimLocked(t *tier, now time.Time) *entry {
	var (
		victim *entry
		best   float64
	)
	for _, e := range t.entries {
		score := Score(e.info(), now.Sub(e.lastAccess))
		if victim == nil || score < best ||
			(score == best && (e.lastAccess.Before(victim.lastAccess) ||
				(e.lastAccess.Equal(victim.lastAccess) && e.key < victim.key))) {
			victim, best = e, score
		}
	}
	return victim
}

func (c *TieredCache) releaseLocked(e *entry) {
	c.pool.Release(e.buf)
	e.buf = nil
	e.length = 0
}

// Delete removes key and reports whether it was resident
func (c *TieredCache) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.lookupLocked(key)
	if e == nil {
		return false
	}
	c.tiers[e.tier].remove(e)
	c.releaseLocked(e)
	c.deletes++
	return true
}

// SweepExpired drops every entry idle for longer than its tier's TTL and
// forgets access history older than the Cold TTL. It returns the number of
// entries removed.
func (c *TieredCache) SweepExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for _, t := range c.tiers {
		for _, e := range t.entries {
			if now.Sub(e.lastAccess) > t.config.TTL {
				t.remove(e)
				t.expirations++
				c.releaseLocked(e)
				removed++
			}
		}
	}
	c.tracker.Prune(now.Add(-c.tiers[TierCold].config.TTL))
	return removed
}

// pressureShare is the fraction of each tier shed at a pressure level
var pressureShare = map[types.PressureLevel][numTiers]float64{
	types.PressureLow:    {TierCold: 0.10},
	types.PressureMedium: {TierWarm: 0.25, TierCold: 0.25},
	types.PressureHigh:   {TierHot: 0.50, TierWarm: 0.50, TierCold: 0.50},
}

// HandleMemoryPressure evicts a share of each affected tier, lowest score
// first, starting with Cold. Entries are dropped outright, never demoted.
// It returns the number of entries evicted.
func (c *TieredCache) HandleMemoryPressure(level types.PressureLevel) int {
	shares, ok := pressureShare[level]
	if !ok {
		return 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	evicted := 0
	var freed int64
	for i := numTiers - 1; i >= 0; i-- {
		t := c.tiers[i]
		n := int(float64(len(t.entries)) * shares[i])
		if n == 0 {
			continue
		}
		for _, e := range c.lowestLocked(t, n, now) {
			t.remove(e)
			t.evictions++
			freed += e.size
			c.releaseLocked(e)
			evicted++
		}
	}
	c.pressureEvictions += uint64(evicted)

	if evicted > 0 {
		c.logger.Warn("Shed entries under memory pressure", map[string]interface{}{
			"level":   level.String(),
			"evicted": evicted,
			"freed":   utils.FormatBytes(freed),
		})
	}
	return evicted
}

// lowestLocked returns the n lowest-scoring entries of t
func (c *TieredCache) lowestLocked(t *tier, n int, now time.Time) []*entry {
	type scored struct {
		e     *entry
		score float64
	}
	all := make([]scored, 0, len(t.entries))
	for _, e := range t.entries {
		all = append(all, scored{e, Score(e.info(), now.Sub(e.lastAccess))})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].score != all[j].score {
			return all[i].score < all[j].score
		}
		return all[i].e.key < all[j].e.key
	})
	if n > len(all) {
		n = len(all)
	}
	out := make([]*entry, n)
	for i := range out {
		out[i] = all[i].e
	}
	return out
}

// Prefetch warms the cache with keys predicted to follow key. It never
// blocks; fetches run in the background.
func (c *TieredCache) Prefetch(key string, fetch types.Fetcher) int {
	return c.prefetcher.Prefetch(key, fetch)
}

// Prefetcher returns the cache's prefetch engine
func (c *TieredCache) Prefetcher() *PrefetchEngine {
	return c.prefetcher
}

// Clear evicts every entry and returns how many were removed
func (c *TieredCache) Clear() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clearLocked()
}

func (c *TieredCache) clearLocked() int {
	removed := 0
	for _, t := range c.tiers {
		for _, e := range t.entries {
			t.remove(e)
			c.releaseLocked(e)
			removed++
		}
	}
	return removed
}

// Close stops prefetching, releases every buffer and rejects later writes
func (c *TieredCache) Close() error {
	c.prefetcher.Close()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	removed := c.clearLocked()
	c.logger.Info("Cache closed", map[string]interface{}{"released": removed})
	return nil
}

// Len returns the number of resident entries
func (c *TieredCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.tiers {
		n += len(t.entries)
	}
	return n
}

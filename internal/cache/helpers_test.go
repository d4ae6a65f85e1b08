package cache

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mangacache/mangacache/internal/buffer"
	"github.com/mangacache/mangacache/pkg/utils"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// countingPool wraps a PoolManager and tracks how many live owners each
// buffer has
type countingPool struct {
	*buffer.PoolManager

	mu       sync.Mutex
	owners   map[*byte]int
	acquires int
	releases int
	bad      []string
}

func newCountingPool(clock func() time.Time) *countingPool {
	cfg := buffer.DefaultPoolConfig()
	cfg.Logger = utils.NewDiscardLogger()
	cfg.Clock = clock
	return &countingPool{
		PoolManager: buffer.NewPoolManager(cfg),
		owners:      make(map[*byte]int),
	}
}

func (p *countingPool) Acquire(minSize int) []byte {
	buf := p.PoolManager.Acquire(minSize)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.acquires++
	id := &buf[0]
	p.owners[id]++
	if p.owners[id] > 1 {
		p.bad = append(p.bad, "buffer handed to two live entries")
	}
	return buf
}

func (p *countingPool) Release(buf []byte) bool {
	p.mu.Lock()
	p.releases++
	id := &buf[0]
	p.owners[id]--
	if p.owners[id] < 0 {
		p.bad = append(p.bad, "buffer released twice")
	}
	p.mu.Unlock()
	return p.PoolManager.Release(buf)
}

func (p *countingPool) live() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, owners := range p.owners {
		n += owners
	}
	return n
}

type testCache struct {
	*TieredCache
	clock *fakeClock
	pool  *countingPool
}

func newTestCache(t *testing.T, configure func(*Options)) *testCache {
	t.Helper()

	clock := newFakeClock()
	pool := newCountingPool(clock.Now)

	opts := DefaultOptions()
	opts.Pool = pool
	opts.Clock = clock.Now
	opts.Logger = utils.NewDiscardLogger()
	if configure != nil {
		configure(&opts)
	}

	c, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	return &testCache{TieredCache: c, clock: clock, pool: pool}
}

// insertInto places an entry of size bytes directly into tier, running the
// same room-making loop as Set
func (tc *testCache) insertInto(tier Tier, key string, size int) {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	now := tc.now()
	buf := tc.pool.Acquire(size)
	tc.insertLocked(tier, &entry{
		key:        key,
		buf:        buf,
		length:     size,
		size:       int64(size),
		lastAccess: now,
		created:    now,
	}, now)
}

// checkInvariants verifies capacity bounds and single residency
func (tc *testCache) checkInvariants(t *testing.T) {
	t.Helper()
	tc.mu.Lock()
	defer tc.mu.Unlock()

	seen := make(map[string]Tier)
	for _, tr := range tc.tiers {
		var sum int64
		for key, e := range tr.entries {
			if prev, dup := seen[key]; dup {
				t.Fatalf("key %q resident in %s and %s", key, prev, tr.id)
			}
			seen[key] = tr.id
			require.Equal(t, tr.id, e.tier, "entry tier field out of sync for %q", key)
			sum += e.size
		}
		require.Equal(t, sum, tr.bytes, "%s byte accounting", tr.id)
		require.LessOrEqual(t, sum, tr.config.MaxBytes, "%s over max bytes", tr.id)
		require.LessOrEqual(t, len(tr.entries), tr.config.MaxEntries, "%s over max entries", tr.id)
	}
}

package cache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPredictNext(t *testing.T) {
	t.Parallel()

	tests := []struct {
		key  string
		n    int
		want []string
	}{
		{"p/001.jpg", 3, []string{"p/002.jpg", "p/003.jpg", "p/004.jpg"}},
		{"s/vol2/page_9.png", 2, []string{"s/vol2/page_10.png", "s/vol2/page_11.png"}},
		{"s/v1/099.webp", 2, []string{"s/v1/100.webp", "s/v1/101.webp"}},
		{"s/v1/ch3-p07.html", 1, []string{"s/v1/ch3-p08.html"}},
		{"42", 2, []string{"43", "44"}},
		{"s/v1/cover.jpg", 3, nil},
		{"s/v12/", 3, nil},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.key, func(t *testing.T) {
			t.Parallel()
			got := PredictNext(tt.key, tt.n)
			if tt.want == nil {
				assert.Empty(t, got)
				return
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPrefetch_WarmsFollowingPages(t *testing.T) {
	c := newTestCache(t, nil)

	var calls atomic.Int32
	fetch := func(ctx context.Context, key string) ([]byte, error) {
		calls.Add(1)
		return []byte("data:" + key), nil
	}

	assert.Equal(t, 3, c.Prefetch("p/001.jpg", fetch))
	c.Prefetcher().Wait()

	for _, key := range []string{"p/002.jpg", "p/003.jpg", "p/004.jpg"} {
		got, ok := c.Get(key)
		require.True(t, ok, key)
		assert.Equal(t, "data:"+key, string(got))
	}
	assert.False(t, c.Contains("p/001.jpg"), "the requested key itself is not fetched")

	stats := c.GetStats().Prefetch
	assert.Equal(t, uint64(3), stats.Scheduled)
	assert.Equal(t, uint64(3), stats.Completed)
	assert.Equal(t, 0, stats.InFlight)
	assert.Equal(t, int32(3), calls.Load())

	// Everything ahead is resident now.
	assert.Equal(t, 0, c.Prefetch("p/001.jpg", fetch))
	assert.Equal(t, uint64(3), c.GetStats().Prefetch.Skipped)
}

func TestPrefetch_SkipsInFlight(t *testing.T) {
	c := newTestCache(t, nil)

	release := make(chan struct{})
	fetch := func(ctx context.Context, key string) ([]byte, error) {
		<-release
		return []byte(key), nil
	}

	assert.Equal(t, 3, c.Prefetch("p/001.jpg", fetch))
	assert.Equal(t, 1, c.Prefetch("p/002.jpg", fetch), "003 and 004 are already in flight")
	assert.Equal(t, 4, c.GetStats().Prefetch.InFlight)

	close(release)
	c.Prefetcher().Wait()
	assert.True(t, c.Contains("p/005.jpg"))
	assert.Equal(t, 0, c.GetStats().Prefetch.InFlight)
}

func TestPrefetch_BoundedInFlight(t *testing.T) {
	c := newTestCache(t, func(o *Options) {
		o.Prefetch.MaxInFlight = 2
	})

	release := make(chan struct{})
	fetch := func(ctx context.Context, key string) ([]byte, error) {
		<-release
		return []byte(key), nil
	}

	assert.Equal(t, 2, c.Prefetch("p/001.jpg", fetch))
	stats := c.GetStats().Prefetch
	assert.Equal(t, uint64(1), stats.Dropped)
	assert.Equal(t, 2, stats.InFlight)

	close(release)
	c.Prefetcher().Wait()
	assert.False(t, c.Contains("p/004.jpg"), "dropped candidates are not queued")
}

func TestPrefetch_FailuresAreDropped(t *testing.T) {
	c := newTestCache(t, nil)

	var calls atomic.Int32
	fetch := func(ctx context.Context, key string) ([]byte, error) {
		calls.Add(1)
		return nil, fmt.Errorf("origin down")
	}

	assert.Equal(t, 3, c.Prefetch("p/001.jpg", fetch))
	c.Prefetcher().Wait()

	assert.Equal(t, int32(3), calls.Load(), "no retries")
	stats := c.GetStats().Prefetch
	assert.Equal(t, uint64(3), stats.Failed)
	assert.Equal(t, 0, stats.InFlight)
	assert.Equal(t, 0, c.Len())

	// The in-flight markers were cleared, so a later prefetch tries again.
	assert.Equal(t, 3, c.Prefetch("p/001.jpg", fetch))
	c.Prefetcher().Wait()
}

func TestPrefetch_DoesNotBlockCaller(t *testing.T) {
	c := newTestCache(t, nil)

	release := make(chan struct{})
	defer close(release)
	fetch := func(ctx context.Context, key string) ([]byte, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil, ctx.Err()
	}

	done := make(chan struct{})
	go func() {
		c.Prefetch("p/001.jpg", fetch)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Prefetch blocked on the fetcher")
	}
}

func TestPrefetch_CloseCancelsFetches(t *testing.T) {
	c := newTestCache(t, nil)

	var started sync.WaitGroup
	started.Add(3)
	fetch := func(ctx context.Context, key string) ([]byte, error) {
		started.Done()
		<-ctx.Done()
		return nil, ctx.Err()
	}

	require.Equal(t, 3, c.Prefetch("p/001.jpg", fetch))
	started.Wait()

	require.NoError(t, c.Close())
	stats := c.Prefetcher().Stats()
	assert.Equal(t, uint64(3), stats.Failed)
	assert.Equal(t, 0, stats.InFlight)

	assert.Equal(t, 0, c.Prefetch("p/001.jpg", fetch), "closed engines start nothing")
}

func TestPrefetch_Disabled(t *testing.T) {
	c := newTestCache(t, func(o *Options) {
		o.Prefetch.Enabled = false
	})

	fetch := func(ctx context.Context, key string) ([]byte, error) {
		t.Fatal("fetch must not be called")
		return nil, nil
	}
	assert.Equal(t, 0, c.Prefetch("p/001.jpg", fetch))
	assert.Equal(t, 0, c.Prefetch("p/001.jpg", nil))
}

package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/mangacache/mangacache/internal/buffer"
	"github.com/mangacache/mangacache/internal/cache"
	"github.com/mangacache/mangacache/internal/circuit"
	"github.com/mangacache/mangacache/internal/maintenance"
	"github.com/mangacache/mangacache/pkg/errors"
	"github.com/mangacache/mangacache/pkg/memmon"
	"github.com/mangacache/mangacache/pkg/types"
)

type fakeCache struct{ stats cache.Stats }

func (f fakeCache) GetStats() cache.Stats { return f.stats }

type fakeMemory struct{ stats memmon.MemoryStats }

func (f fakeMemory) GetStats() memmon.MemoryStats { return f.stats }

type fakeBreaker struct{ stats circuit.Stats }

func (f fakeBreaker) Stats() circuit.Stats { return f.stats }

type fakeMaintenance struct{ stats []maintenance.TaskStats }

func (f fakeMaintenance) Stats() []maintenance.TaskStats { return f.stats }

func testSources() Sources {
	return Sources{
		Cache: fakeCache{stats: cache.Stats{
			Tiers: []cache.TierStats{
				{Tier: "hot", Entries: 2, Bytes: 2048, MaxBytes: 4096, Hits: 5},
				{Tier: "warm", Entries: 1, Bytes: 50000, MaxBytes: 100000, Promotions: 1},
				{Tier: "cold", Entries: 0, MaxBytes: 200000, Misses: 3},
			},
			Hits:    5,
			Misses:  3,
			HitRate: 0.625,
			Entries: 3,
			Bytes:   52048,
			Prefetch: cache.PrefetchStats{
				Scheduled: 4,
				Completed: 3,
				Failed:    1,
			},
			Pool: &buffer.PoolStats{
				Classes: []buffer.ClassStats{
					{SizeClassStats: buffer.SizeClassStats{Size: 1024, Free: 3}, Hot: true},
					{SizeClassStats: buffer.SizeClassStats{Size: 2048}},
				},
				FreeBytes:         3072,
				OversizedReleases: 1,
			},
		}},
		Memory: fakeMemory{stats: memmon.MemoryStats{
			CurrentSample: memmon.MemorySample{HeapAlloc: 1 << 20},
			Pressure:      types.PressureMedium,
			MemoryLimit:   1 << 30,
		}},
		Breaker: fakeBreaker{stats: circuit.Stats{Name: "filesystem:/pages", State: "open", Rejected: 7}},
		Maintenance: fakeMaintenance{stats: []maintenance.TaskStats{
			{Name: maintenance.TaskSweep, Runs: 2, Total: 9},
		}},
	}
}

func newTestCollector(t *testing.T) *Collector {
	t.Helper()
	config := DefaultConfig()
	config.Port = 0
	c, err := NewCollector(config, testSources(), nil)
	if err != nil {
		t.Fatalf("NewCollector() error = %v", err)
	}
	return c
}

func TestNewCollector(t *testing.T) {
	t.Parallel()

	t.Run("nil config uses defaults", func(t *testing.T) {
		c, err := NewCollector(nil, Sources{}, nil)
		if err != nil {
			t.Fatalf("NewCollector(nil) error = %v", err)
		}
		if c.config.Port != 9090 {
			t.Errorf("default port = %d, want 9090", c.config.Port)
		}
		if c.config.Path != "/metrics" {
			t.Errorf("default path = %q, want /metrics", c.config.Path)
		}
		if c.config.Namespace != "mangacache" {
			t.Errorf("default namespace = %q, want mangacache", c.config.Namespace)
		}
	})

	t.Run("disabled collector ignores records", func(t *testing.T) {
		c, err := NewCollector(&Config{Enabled: false}, Sources{}, nil)
		if err != nil {
			t.Fatalf("NewCollector() error = %v", err)
		}
		c.RecordLoad(ResultHit, time.Millisecond, 10)
		c.RecordError(fmt.Errorf("x"))
		if len(c.GetLoads()) != 0 {
			t.Error("disabled collector recorded a load")
		}
	})
}

func TestCollector_RecordLoad(t *testing.T) {
	t.Parallel()

	c := newTestCollector(t)
	c.RecordLoad(ResultHit, 2*time.Millisecond, 100)
	c.RecordLoad(ResultHit, 4*time.Millisecond, 300)
	c.RecordLoad(ResultMiss, 10*time.Millisecond, 1000)

	loads := c.GetLoads()
	hit := loads[ResultHit]
	if hit.Count != 2 {
		t.Errorf("hit count = %d, want 2", hit.Count)
	}
	if hit.AvgDuration != 3*time.Millisecond {
		t.Errorf("hit avg duration = %v, want 3ms", hit.AvgDuration)
	}
	if hit.AvgSize != 200 {
		t.Errorf("hit avg size = %v, want 200", hit.AvgSize)
	}
	if got := testutil.ToFloat64(c.loadCounter.WithLabelValues(ResultMiss)); got != 1 {
		t.Errorf("loads_total{result=miss} = %v, want 1", got)
	}

	c.ResetLoads()
	if len(c.GetLoads()) != 0 {
		t.Error("ResetLoads() left entries behind")
	}
}

func TestCollector_RecordError(t *testing.T) {
	t.Parallel()

	c := newTestCollector(t)
	c.RecordError(errors.NewError(errors.ErrCodeObjectNotFound, "gone"))
	c.RecordError(fmt.Errorf("wrapped: %w", errors.NewError(errors.ErrCodeObjectNotFound, "gone")))
	c.RecordError(fmt.Errorf("plain"))
	c.RecordError(nil)

	if got := testutil.ToFloat64(c.errorCounter.WithLabelValues("object_not_found")); got != 2 {
		t.Errorf("errors_total{code=object_not_found} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.errorCounter.WithLabelValues("other")); got != 1 {
		t.Errorf("errors_total{code=other} = %v, want 1", got)
	}
}

func TestSourceCollector(t *testing.T) {
	t.Parallel()

	c := newTestCollector(t)

	tests := []struct {
		name string
		want int
	}{
		{"mangacache_tier_entries", 3},
		{"mangacache_tier_bytes", 3},
		{"mangacache_prefetch_total", 5},
		{"mangacache_pool_free_buffers", 2},
		{"mangacache_memory_pressure_level", 1},
		{"mangacache_origin_breaker_state", 1},
		{"mangacache_maintenance_runs_total", 1},
	}
	for _, tt := range tests {
		count, err := testutil.GatherAndCount(c.Registry(), tt.name)
		if err != nil {
			t.Fatalf("GatherAndCount(%s) error = %v", tt.name, err)
		}
		if count != tt.want {
			t.Errorf("%s series = %d, want %d", tt.name, count, tt.want)
		}
	}

	expected := `
# HELP mangacache_origin_breaker_state Origin breaker state, 0 closed, 1 open, 2 half-open
# TYPE mangacache_origin_breaker_state gauge
mangacache_origin_breaker_state{breaker="filesystem:/pages"} 1
`
	if err := testutil.GatherAndCompare(c.Registry(), strings.NewReader(expected), "mangacache_origin_breaker_state"); err != nil {
		t.Errorf("breaker state mismatch: %v", err)
	}
}

func TestSourceCollector_PoolAndPromotionSeries(t *testing.T) {
	t.Parallel()

	c := newTestCollector(t)

	expected := `
# HELP mangacache_tier_promotions_total Entries promoted out of a tier
# TYPE mangacache_tier_promotions_total counter
mangacache_tier_promotions_total{tier="cold"} 0
mangacache_tier_promotions_total{tier="hot"} 0
mangacache_tier_promotions_total{tier="warm"} 1
# HELP mangacache_pool_oversized_releases_total Releases of direct allocations above the largest size class
# TYPE mangacache_pool_oversized_releases_total counter
mangacache_pool_oversized_releases_total 1
# HELP mangacache_pool_foreign_releases_total Releases of buffers no class owns
# TYPE mangacache_pool_foreign_releases_total counter
mangacache_pool_foreign_releases_total 0
`
	if err := testutil.GatherAndCompare(c.Registry(), strings.NewReader(expected),
		"mangacache_tier_promotions_total",
		"mangacache_pool_oversized_releases_total",
		"mangacache_pool_foreign_releases_total",
	); err != nil {
		t.Errorf("pool and promotion series mismatch: %v", err)
	}
}

func TestSourceCollector_NilSources(t *testing.T) {
	t.Parallel()

	c, err := NewCollector(DefaultConfig(), Sources{}, nil)
	if err != nil {
		t.Fatalf("NewCollector() error = %v", err)
	}
	count, err := testutil.GatherAndCount(c.Registry(), "mangacache_tier_entries")
	if err != nil {
		t.Fatalf("GatherAndCount() error = %v", err)
	}
	if count != 0 {
		t.Errorf("series without a cache source = %d, want 0", count)
	}
}

func TestHandler_Stats(t *testing.T) {
	t.Parallel()

	c := newTestCollector(t)
	c.RecordLoad(ResultHit, time.Millisecond, 10)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("/stats status = %d, want 200", rec.Code)
	}
	var snap Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode /stats: %v", err)
	}
	if snap.Cache == nil || snap.Cache.Hits != 5 {
		t.Errorf("snapshot cache = %+v, want hits 5", snap.Cache)
	}
	if snap.Loads[ResultHit].Count != 1 {
		t.Errorf("snapshot hit loads = %d, want 1", snap.Loads[ResultHit].Count)
	}
	if snap.Readable["pressure"] != "medium" {
		t.Errorf("readable pressure = %q, want medium", snap.Readable["pressure"])
	}
	if snap.Readable["heap"] != "1.0 MiB" {
		t.Errorf("readable heap = %q, want 1.0 MiB", snap.Readable["heap"])
	}
}

func TestHandler_Health(t *testing.T) {
	t.Parallel()

	c := newTestCollector(t)
	c.AddHealthCheck("cache", func(context.Context) error { return nil })

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("healthy status = %d, want 200", rec.Code)
	}

	c.AddHealthCheck("origin", func(context.Context) error { return fmt.Errorf("bucket unreachable") })
	rec = httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("unhealthy status = %d, want 503", rec.Code)
	}

	var report HealthReport
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatalf("decode /health: %v", err)
	}
	if report.Checks["origin"] != "bucket unreachable" || report.Checks["cache"] != "ok" {
		t.Errorf("checks = %v", report.Checks)
	}
}

func TestHandler_MetricsAndExtra(t *testing.T) {
	t.Parallel()

	c := newTestCollector(t)
	c.RecordLoad(ResultMiss, time.Millisecond, 10)
	c.Handle("/pages/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("page"))
	}))
	handler := c.Handler()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), `mangacache_loads_total{result="miss"} 1`) {
		t.Errorf("/metrics missing loads_total, body:\n%s", rec.Body.String())
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/pages/a/001.jpg", nil))
	if rec.Body.String() != "page" {
		t.Errorf("/pages/ body = %q, want page", rec.Body.String())
	}
}

func TestCollector_StartStop(t *testing.T) {
	c := newTestCollector(t)
	ctx := context.Background()

	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := c.Start(ctx); !errors.HasCode(err, errors.ErrCodeAlreadyStarted) {
		t.Errorf("second Start() error = %v, want ALREADY_STARTED", err)
	}

	_, port, err := net.SplitHostPort(c.Addr())
	if err != nil {
		t.Fatalf("SplitHostPort(%q): %v", c.Addr(), err)
	}
	resp, err := http.Get("http://127.0.0.1:" + port + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/health status = %d, want 200", resp.StatusCode)
	}

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := c.Stop(stopCtx); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
	if c.Addr() != "" {
		t.Errorf("Addr() after Stop = %q, want empty", c.Addr())
	}
}

package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mangacache/mangacache/internal/cache"
	"github.com/mangacache/mangacache/internal/circuit"
	"github.com/mangacache/mangacache/internal/maintenance"
	"github.com/mangacache/mangacache/pkg/errors"
	"github.com/mangacache/mangacache/pkg/memmon"
)

const healthCheckTimeout = 2 * time.Second

// Snapshot is the /stats document
type Snapshot struct {
	Uptime      string                  `json:"uptime"`
	Cache       *cache.Stats            `json:"cache,omitempty"`
	Memory      *memmon.MemoryStats     `json:"memory,omitempty"`
	Breaker     *circuit.Stats          `json:"breaker,omitempty"`
	Maintenance []maintenance.TaskStats `json:"maintenance,omitempty"`
	Loads       map[string]LoadMetrics  `json:"loads"`
	Readable    map[string]string       `json:"readable"`
}

// HealthReport is the /health document
type HealthReport struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handle mounts an extra handler on the metrics server. Call before Start.
func (c *Collector) Handle(pattern string, handler http.Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[pattern] = handler
}

// AddHealthCheck registers a named check reported by /health
func (c *Collector) AddHealthCheck(name string, check HealthCheck) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.healthChecks[name] = check
}

// Handler returns the mux serving metrics, stats, health and any extra
// handlers
func (c *Collector) Handler() http.Handler {
	mux := http.NewServeMux()
	if c.config.Enabled {
		mux.Handle(c.config.Path, promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
			EnableOpenMetrics: true,
		}))
	}
	mux.HandleFunc("/stats", c.statsHandler)
	mux.HandleFunc("/health", c.healthHandler)

	c.mu.RLock()
	for pattern, h := range c.handlers {
		mux.Handle(pattern, h)
	}
	c.mu.RUnlock()
	return mux
}

// Start listens on the configured port and serves in the background.
// /stats, /health and extra handlers are served even when Prometheus
// export is disabled.
func (c *Collector) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.server != nil {
		c.mu.Unlock()
		return errors.NewError(errors.ErrCodeAlreadyStarted, "metrics server already running").
			WithComponent("metrics")
	}
	c.mu.Unlock()

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", c.config.Port))
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeConnectionFailed, "failed to listen").
			WithComponent("metrics").WithDetail("port", c.config.Port)
	}

	server := &http.Server{
		Handler:           c.Handler(),
		ReadHeaderTimeout: 30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	c.mu.Lock()
	c.server = server
	c.listener = ln
	c.mu.Unlock()

	c.logger.Info("Metrics server listening", map[string]interface{}{
		"addr": ln.Addr().String(),
		"path": c.config.Path,
	})

	go func() {
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			c.logger.Error("Metrics server error", map[string]interface{}{"error": err.Error()})
		}
	}()
	return nil
}

// Addr returns the listening address, or "" before Start
func (c *Collector) Addr() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.listener == nil {
		return ""
	}
	return c.listener.Addr().String()
}

// Stop stops the metrics server
func (c *Collector) Stop(ctx context.Context) error {
	c.mu.Lock()
	server := c.server
	c.server = nil
	c.listener = nil
	c.mu.Unlock()

	if server == nil {
		return nil
	}
	return server.Shutdown(ctx)
}

// Snapshot gathers every source into one document
func (c *Collector) Snapshot() Snapshot {
	c.mu.RLock()
	uptime := time.Since(c.lastReset)
	c.mu.RUnlock()

	snap := Snapshot{
		Uptime:   uptime.Round(time.Second).String(),
		Loads:    c.GetLoads(),
		Readable: make(map[string]string),
	}

	if c.sources.Cache != nil {
		stats := c.sources.Cache.GetStats()
		snap.Cache = &stats
		snap.Readable["cache_bytes"] = humanize.IBytes(uint64(stats.Bytes))
		for _, t := range stats.Tiers {
			snap.Readable[t.Tier+"_bytes"] = humanize.IBytes(uint64(t.Bytes)) + " / " + humanize.IBytes(uint64(t.MaxBytes))
		}
		if stats.Pool != nil {
			snap.Readable["pool_free_bytes"] = humanize.IBytes(uint64(stats.Pool.FreeBytes))
		}
	}
	if c.sources.Memory != nil {
		stats := c.sources.Memory.GetStats()
		snap.Memory = &stats
		snap.Readable["heap"] = humanize.IBytes(stats.CurrentSample.HeapAlloc)
		snap.Readable["pressure"] = stats.Pressure.String()
	}
	if c.sources.Breaker != nil {
		stats := c.sources.Breaker.Stats()
		snap.Breaker = &stats
	}
	if c.sources.Maintenance != nil {
		snap.Maintenance = c.sources.Maintenance.Stats()
	}
	return snap
}

// CheckHealth runs every registered check
func (c *Collector) CheckHealth(ctx context.Context) HealthReport {
	c.mu.RLock()
	names := make([]string, 0, len(c.healthChecks))
	for name := range c.healthChecks {
		names = append(names, name)
	}
	checks := make(map[string]HealthCheck, len(c.healthChecks))
	for k, v := range c.healthChecks {
		checks[k] = v
	}
	c.mu.RUnlock()
	sort.Strings(names)

	report := HealthReport{Status: "healthy", Checks: make(map[string]string, len(names))}
	for _, name := range names {
		checkCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
		err := checks[name](checkCtx)
		cancel()

		if err != nil {
			report.Status = "unhealthy"
			report.Checks[name] = err.Error()
			continue
		}
		report.Checks[name] = "ok"
	}
	return report
}

func (c *Collector) statsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, c.Snapshot())
}

func (c *Collector) healthHandler(w http.ResponseWriter, r *http.Request) {
	report := c.CheckHealth(r.Context())
	status := http.StatusOK
	if report.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v) // client went away
}

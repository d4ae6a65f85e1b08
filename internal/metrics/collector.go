package metrics

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/mangacache/mangacache/internal/cache"
	"github.com/mangacache/mangacache/internal/circuit"
	"github.com/mangacache/mangacache/internal/maintenance"
	"github.com/mangacache/mangacache/pkg/errors"
	"github.com/mangacache/mangacache/pkg/memmon"
	"github.com/mangacache/mangacache/pkg/utils"
)

// CacheSource exposes cache counters
type CacheSource interface {
	GetStats() cache.Stats
}

// MemorySource exposes memory monitor state
type MemorySource interface {
	GetStats() memmon.MemoryStats
}

// BreakerSource exposes origin circuit breaker state
type BreakerSource interface {
	Stats() circuit.Stats
}

// MaintenanceSource exposes background task counters
type MaintenanceSource interface {
	Stats() []maintenance.TaskStats
}

// Sources are read on every scrape and every /stats request. Any may be nil.
type Sources struct {
	Cache       CacheSource
	Memory      MemorySource
	Breaker     BreakerSource
	Maintenance MaintenanceSource
}

// Config represents metrics configuration
type Config struct {
	Enabled   bool              `yaml:"enabled"`
	Port      int               `yaml:"port"`
	Path      string            `yaml:"path"`
	Labels    map[string]string `yaml:"labels"`
	Namespace string            `yaml:"namespace"`
	Subsystem string            `yaml:"subsystem"`
}

// DefaultConfig serves /metrics on port 9090
func DefaultConfig() *Config {
	return &Config{
		Enabled:   true,
		Port:      9090,
		Path:      "/metrics",
		Namespace: "mangacache",
		Labels:    make(map[string]string),
	}
}

// Load results
const (
	ResultHit   = "hit"
	ResultMiss  = "miss"
	ResultError = "error"
)

// LoadMetrics tracks page loads with one result
type LoadMetrics struct {
	Count         int64         `json:"count"`
	TotalDuration time.Duration `json:"total_duration"`
	TotalSize     int64         `json:"total_size"`
	LastLoad      time.Time     `json:"last_load"`
	AvgDuration   time.Duration `json:"avg_duration"`
	AvgSize       float64       `json:"avg_size"`
}

// Collector exports cache, pool, prefetch, memory and origin state to
// Prometheus and serves it over HTTP
type Collector struct {
	mu       sync.RWMutex
	config   *Config
	sources  Sources
	registry *prometheus.Registry
	logger   *utils.StructuredLogger

	loadCounter  *prometheus.CounterVec
	loadDuration *prometheus.HistogramVec
	loadSize     prometheus.Histogram
	errorCounter *prometheus.CounterVec

	loads     map[string]*LoadMetrics
	lastReset time.Time

	healthChecks map[string]HealthCheck
	handlers     map[string]http.Handler
	server       *http.Server
	listener     net.Listener
}

// NewCollector creates a collector reading from sources. A nil config
// uses DefaultConfig.
func NewCollector(config *Config, sources Sources, logger *utils.StructuredLogger) (*Collector, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Path == "" {
		config.Path = "/metrics"
	}
	if logger == nil {
		logger = utils.NewDiscardLogger()
	}

	c := &Collector{
		config:       config,
		sources:      sources,
		registry:     prometheus.NewRegistry(),
		logger:       logger.WithComponent("metrics"),
		loads:        make(map[string]*LoadMetrics),
		lastReset:    time.Now(),
		healthChecks: make(map[string]HealthCheck),
		handlers:     make(map[string]http.Handler),
	}

	if !config.Enabled {
		return c, nil
	}

	c.initMetrics()
	if err := c.registerMetrics(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidConfig, "failed to register metrics").
			WithComponent("metrics")
	}
	return c, nil
}

// Registry returns the Prometheus registry
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// RecordLoad records one page load with its result, latency and size
func (c *Collector) RecordLoad(result string, duration time.Duration, size int) {
	if !c.config.Enabled {
		return
	}

	c.mu.Lock()
	m, ok := c.loads[result]
	if !ok {
		m = &LoadMetrics{}
		c.loads[result] = m
	}
	m.Count++
	m.TotalDuration += duration
	m.TotalSize += int64(size)
	m.LastLoad = time.Now()
	m.AvgDuration = time.Duration(int64(m.TotalDuration) / m.Count)
	m.AvgSize = float64(m.TotalSize) / float64(m.Count)
	c.mu.Unlock()

	c.loadCounter.WithLabelValues(result).Inc()
	c.loadDuration.WithLabelValues(result).Observe(duration.Seconds())
	if size > 0 {
		c.loadSize.Observe(float64(size))
	}
}

// RecordError counts a failed load by its error code
func (c *Collector) RecordError(err error) {
	if !c.config.Enabled || err == nil {
		return
	}
	c.errorCounter.WithLabelValues(classifyError(err)).Inc()
}

// GetLoads returns a copy of the per-result load metrics
func (c *Collector) GetLoads() map[string]LoadMetrics {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]LoadMetrics, len(c.loads))
	for k, v := range c.loads {
		out[k] = *v
	}
	return out
}

// ResetLoads clears the per-result load metrics
func (c *Collector) ResetLoads() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.loads = make(map[string]*LoadMetrics)
	c.lastReset = time.Now()
}

func (c *Collector) initMetrics() {
	c.loadCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   c.config.Namespace,
			Subsystem:   c.config.Subsystem,
			Name:        "loads_total",
			Help:        "Total number of page loads by result",
			ConstLabels: c.config.Labels,
		},
		[]string{"result"},
	)

	c.loadDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   c.config.Namespace,
			Subsystem:   c.config.Subsystem,
			Name:        "load_duration_seconds",
			Help:        "Duration of page loads in seconds",
			Buckets:     prometheus.ExponentialBuckets(0.0001, 2, 16), // 100us to ~3s
			ConstLabels: c.config.Labels,
		},
		[]string{"result"},
	)

	c.loadSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace:   c.config.Namespace,
			Subsystem:   c.config.Subsystem,
			Name:        "load_size_bytes",
			Help:        "Size of loaded pages in bytes",
			Buckets:     prometheus.ExponentialBuckets(1024, 2, 16), // 1KB to 32MB
			ConstLabels: c.config.Labels,
		},
	)

	c.errorCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   c.config.Namespace,
			Subsystem:   c.config.Subsystem,
			Name:        "errors_total",
			Help:        "Total number of failed page loads by error code",
			ConstLabels: c.config.Labels,
		},
		[]string{"code"},
	)
}

func (c *Collector) registerMetrics() error {
	metrics := []prometheus.Collector{
		c.loadCounter,
		c.loadDuration,
		c.loadSize,
		c.errorCounter,
		newSourceCollector(c.config, c.sources),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	}

	for _, metric := range metrics {
		if err := c.registry.Register(metric); err != nil {
			return err
		}
	}
	return nil
}

func classifyError(err error) string {
	if code := errors.CodeOf(err); code != "" {
		return strings.ToLower(string(code))
	}
	return "other"
}

// HealthCheck reports whether one dependency is usable
type HealthCheck func(ctx context.Context) error

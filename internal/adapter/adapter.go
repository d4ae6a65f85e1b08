package adapter

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mangacache/mangacache/internal/buffer"
	"github.com/mangacache/mangacache/internal/cache"
	"github.com/mangacache/mangacache/internal/config"
	"github.com/mangacache/mangacache/internal/maintenance"
	"github.com/mangacache/mangacache/internal/metrics"
	"github.com/mangacache/mangacache/internal/origin"
	"github.com/mangacache/mangacache/pkg/errors"
	"github.com/mangacache/mangacache/pkg/memmon"
	"github.com/mangacache/mangacache/pkg/types"
	"github.com/mangacache/mangacache/pkg/utils"
)

// PagesPrefix is the URL prefix pages are served under
const PagesPrefix = "/pages/"

// Adapter wires the cache, its origin and the background workers into one
// service and serves pages over HTTP.
type Adapter struct {
	config *config.Configuration
	logger *utils.StructuredLogger

	pool      *buffer.PoolManager
	cache     *cache.TieredCache
	origin    *origin.Guarded
	loader    *cache.Loader
	scheduler *maintenance.Scheduler
	monitor   *memmon.MemoryMonitor
	collector *metrics.Collector

	mu      sync.Mutex
	started bool
}

// New builds every component from cfg. A non-empty storageURI overrides
// the configured origin; see ApplyStorageURI.
func New(ctx context.Context, cfg *config.Configuration, storageURI string) (*Adapter, error) {
	if cfg == nil {
		cfg = config.NewDefault()
	}
	if storageURI != "" {
		if err := ApplyStorageURI(&cfg.Origin, storageURI); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logConfig, err := cfg.LoggerConfig()
	if err != nil {
		return nil, err
	}
	logger, err := utils.NewStructuredLogger(logConfig)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidConfig, "failed to create logger").
			WithComponent("adapter")
	}

	a := &Adapter{config: cfg, logger: logger.WithComponent("adapter")}

	poolConfig := cfg.PoolConfig()
	poolConfig.Logger = logger
	a.pool = buffer.NewPoolManager(poolConfig)

	opts, err := cfg.CacheOptions()
	if err != nil {
		return nil, err
	}
	opts.Pool = a.pool
	opts.Logger = logger
	if a.cache, err = cache.New(opts); err != nil {
		return nil, err
	}

	if a.origin, err = origin.Open(ctx, cfg.Origin, logger); err != nil {
		return nil, err
	}
	direct := origin.NewRetrying(a.origin, cfg.Origin.Retry, logger)

	a.loader, err = cache.NewLoader(a.cache, cache.LoaderConfig{
		Fetch:           types.FetcherFor(direct),
		PrefetchFetch:   types.FetcherFor(a.origin),
		PrefetchTimeout: cfg.Prefetch.FetchTimeout,
		Logger:          logger,
	})
	if err != nil {
		return nil, err
	}

	maintConfig := cfg.MaintenanceConfig()
	maintConfig.Logger = logger
	a.scheduler = maintenance.New(maintConfig, a.cache, a.pool)

	monConfig := cfg.MonitorConfig()
	monConfig.Handler = &pressureRelief{cache: a.cache, pool: a.pool, logger: a.logger}
	monConfig.Logger = logger
	a.monitor = memmon.NewMemoryMonitor(monConfig)

	a.collector, err = metrics.NewCollector(cfg.MetricsConfig(), metrics.Sources{
		Cache:       a.cache,
		Memory:      a.monitor,
		Breaker:     a.origin.Breaker(),
		Maintenance: a.scheduler,
	}, logger)
	if err != nil {
		return nil, err
	}
	a.collector.Handle(PagesPrefix, http.StripPrefix(strings.TrimSuffix(PagesPrefix, "/"), a))
	a.collector.AddHealthCheck("origin", a.origin.Ping)
	a.collector.AddHealthCheck("memory", a.checkMemory)

	return a, nil
}

// Start launches the maintenance scheduler, the memory monitor and the
// HTTP server. Components already started are stopped again if a later
// one fails.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return errors.NewError(errors.ErrCodeAlreadyStarted, "adapter already running").
			WithComponent("adapter")
	}

	a.logger.Info("Starting mangacache", map[string]interface{}{
		"origin": a.origin.Name(),
		"budget": a.config.Cache.Budget,
		"port":   a.config.Global.Port,
	})

	if err := a.scheduler.Start(ctx); err != nil {
		return err
	}
	if err := a.monitor.Start(ctx); err != nil {
		_ = a.scheduler.Stop()
		return err
	}
	if err := a.collector.Start(ctx); err != nil {
		_ = a.monitor.Stop()
		_ = a.scheduler.Stop()
		return err
	}

	a.started = true
	a.logger.Info("mangacache started", map[string]interface{}{"addr": a.collector.Addr()})
	return nil
}

// Stop shuts components down in reverse start order and closes the cache.
// The first error is returned after every component has been asked to stop.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.logger.Info("Stopping mangacache")

	var first error
	if a.started {
		if err := a.collector.Stop(ctx); err != nil {
			first = err
		}
		if err := a.monitor.Stop(); err != nil && first == nil {
			first = err
		}
		if err := a.scheduler.Stop(); err != nil && first == nil {
			first = err
		}
		a.started = false
	}
	if err := a.cache.Close(); err != nil && first == nil {
		first = err
	}
	return first
}

// ServeHTTP serves the page named by the request path
func (a *Adapter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	start := time.Now()
	data, hit, err := a.loader.LoadWithStatus(r.Context(), r.URL.Path)
	if err != nil {
		a.collector.RecordLoad(metrics.ResultError, time.Since(start), 0)
		a.collector.RecordError(err)
		a.writeError(w, r, err)
		return
	}

	result := metrics.ResultMiss
	if hit {
		result = metrics.ResultHit
	}
	a.collector.RecordLoad(result, time.Since(start), len(data))

	w.Header().Set("Content-Type", origin.ContentType(r.URL.Path))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("X-Cache", strings.ToUpper(result))
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodGet {
		_, _ = w.Write(data)
	}
}

func (a *Adapter) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := errors.CodeOf(err)
	status := errors.GetHTTPStatus(code)
	if status >= 500 {
		a.logger.Warn("Page load failed", map[string]interface{}{
			"path":  r.URL.Path,
			"error": err.Error(),
		})
	}
	if code == "" {
		code = errors.ErrCodeInternalError
	}
	http.Error(w, string(code), status)
}

// pressureRelief sheds cache entries and, from medium pressure up, drains
// the buffers they left on the pool's free-lists so the heap can shrink
type pressureRelief struct {
	cache  *cache.TieredCache
	pool   *buffer.PoolManager
	logger *utils.StructuredLogger
}

func (r *pressureRelief) HandleMemoryPressure(level types.PressureLevel) int {
	shed := r.cache.HandleMemoryPressure(level)
	if level < types.PressureMedium {
		return shed
	}
	if freed := r.pool.Drain(); freed > 0 {
		r.logger.Info("Released pooled buffers under memory pressure", map[string]interface{}{
			"level": level.String(),
			"freed": utils.FormatBytes(freed),
			"shed":  shed,
		})
	}
	return shed
}

func (a *Adapter) checkMemory(ctx context.Context) error {
	if level := a.monitor.Pressure(); level >= types.PressureHigh {
		return errors.Newf(errors.ErrCodeResourceExhausted, "memory pressure %s", level).
			WithComponent("memmon")
	}
	return nil
}

// Handler returns the full HTTP handler: pages, stats, health and metrics
func (a *Adapter) Handler() http.Handler {
	return a.collector.Handler()
}

// Cache returns the underlying cache
func (a *Adapter) Cache() *cache.TieredCache {
	return a.cache
}

// Addr returns the HTTP listen address, or "" before Start
func (a *Adapter) Addr() string {
	return a.collector.Addr()
}

// ApplyStorageURI points the origin config at uri. s3://bucket/prefix
// selects the S3 origin; file:///path selects a directory.
func ApplyStorageURI(cfg *origin.Config, uri string) error {
	parsed, err := url.Parse(uri)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInvalidConfig, "failed to parse storage URI").
			WithComponent("adapter").WithDetail("uri", uri)
	}

	switch parsed.Scheme {
	case "s3":
		if parsed.Host == "" {
			return errors.NewError(errors.ErrCodeInvalidConfig, "S3 URI must include bucket name").
				WithComponent("adapter").WithDetail("uri", uri)
		}
		cfg.Type = origin.TypeS3
		cfg.S3.Bucket = parsed.Host
		cfg.S3.Prefix = strings.Trim(parsed.Path, "/")
	case "file":
		if parsed.Host != "" || parsed.Path == "" {
			return errors.NewError(errors.ErrCodeInvalidConfig, "file URI must be file:///absolute/path").
				WithComponent("adapter").WithDetail("uri", uri)
		}
		cfg.Type = origin.TypeFilesystem
		cfg.Root = parsed.Path
	default:
		return errors.Newf(errors.ErrCodeInvalidConfig, "unsupported storage scheme: %q (s3:// and file:// supported)", parsed.Scheme).
			WithComponent("adapter").WithDetail("uri", uri)
	}
	return nil
}

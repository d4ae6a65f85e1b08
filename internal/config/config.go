package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/mangacache/mangacache/internal/buffer"
	"github.com/mangacache/mangacache/internal/cache"
	"github.com/mangacache/mangacache/internal/maintenance"
	"github.com/mangacache/mangacache/internal/metrics"
	"github.com/mangacache/mangacache/internal/origin"
	"github.com/mangacache/mangacache/pkg/errors"
	"github.com/mangacache/mangacache/pkg/memmon"
	"github.com/mangacache/mangacache/pkg/utils"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "MANGACACHE_"

// Configuration represents the complete application configuration
type Configuration struct {
	Global     GlobalConfig     `yaml:"global"`
	Cache      CacheConfig      `yaml:"cache"`
	Pool       PoolConfig       `yaml:"pool"`
	Prefetch   PrefetchConfig   `yaml:"prefetch"`
	Memory     MemoryConfig     `yaml:"memory"`
	Origin     origin.Config    `yaml:"origin"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
}

// GlobalConfig represents global application settings
type GlobalConfig struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	LogFile   string `yaml:"log_file"`
	Port      int    `yaml:"port"`
}

// TierSettings configures one cache tier. Share is the tier's percentage
// of the cache budget.
type TierSettings struct {
	Share              int           `yaml:"share"`
	MaxEntries         int           `yaml:"max_entries"`
	TTL                time.Duration `yaml:"ttl"`
	PromotionThreshold uint32        `yaml:"promotion_threshold"`
	DemotionThreshold  uint32        `yaml:"demotion_threshold"`
}

// CacheConfig represents cache configuration
type CacheConfig struct {
	Budget         string        `yaml:"budget"`
	Hot            TierSettings  `yaml:"hot"`
	Warm           TierSettings  `yaml:"warm"`
	Cold           TierSettings  `yaml:"cold"`
	MaxTrackedKeys int           `yaml:"max_tracked_keys"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`
}

// PoolConfig represents buffer pool settings
type PoolConfig struct {
	HotThreshold     int           `yaml:"hot_threshold"`
	PredictionWindow time.Duration `yaml:"prediction_window"`
	PrewarmFactor    float64       `yaml:"prewarm_factor"`
	PrewarmInterval  time.Duration `yaml:"prewarm_interval"`
	TrimInterval     time.Duration `yaml:"trim_interval"`
	TrimMaxAge       time.Duration `yaml:"trim_max_age"`
}

// PrefetchConfig represents prefetch settings
type PrefetchConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Lookahead    int           `yaml:"lookahead"`
	MaxInFlight  int           `yaml:"max_in_flight"`
	FetchTimeout time.Duration `yaml:"fetch_timeout"`
}

// MemoryConfig represents memory pressure settings. An empty Limit turns
// pressure detection off.
type MemoryConfig struct {
	Limit           string        `yaml:"limit"`
	SampleInterval  time.Duration `yaml:"sample_interval"`
	LowWatermark    float64       `yaml:"low_watermark"`
	MediumWatermark float64       `yaml:"medium_watermark"`
	HighWatermark   float64       `yaml:"high_watermark"`
	AlertThreshold  float64       `yaml:"alert_threshold"`
}

// MonitoringConfig represents metrics export settings
type MonitoringConfig struct {
	Enabled   bool              `yaml:"enabled"`
	Path      string            `yaml:"path"`
	Namespace string            `yaml:"namespace"`
	Labels    map[string]string `yaml:"labels"`
}

// NewDefault returns a configuration with sensible defaults
func NewDefault() *Configuration {
	tiers := cache.DefaultTierConfigs(cache.DefaultBudget)
	settings := func(t cache.Tier, share int) TierSettings {
		return TierSettings{
			Share:              share,
			MaxEntries:         tiers[t].MaxEntries,
			TTL:                tiers[t].TTL,
			PromotionThreshold: tiers[t].PromotionThreshold,
			DemotionThreshold:  tiers[t].DemotionThreshold,
		}
	}
	pool := buffer.DefaultPoolConfig()
	maint := maintenance.DefaultConfig()
	prefetch := cache.DefaultPrefetchConfig()
	mem := memmon.DefaultMonitorConfig()
	mc := metrics.DefaultConfig()

	return &Configuration{
		Global: GlobalConfig{
			LogLevel:  "INFO",
			LogFormat: "text",
			Port:      mc.Port,
		},
		Cache: CacheConfig{
			Budget:         "1GB",
			Hot:            settings(cache.TierHot, 20),
			Warm:           settings(cache.TierWarm, 30),
			Cold:           settings(cache.TierCold, 50),
			MaxTrackedKeys: cache.DefaultMaxTrackedKeys,
			SweepInterval:  maint.SweepInterval,
		},
		Pool: PoolConfig{
			HotThreshold:     pool.HotThreshold,
			PredictionWindow: pool.PredictionWindow,
			PrewarmFactor:    pool.PrewarmFactor,
			PrewarmInterval:  maint.PrewarmInterval,
			TrimInterval:     maint.TrimInterval,
			TrimMaxAge:       maint.TrimMaxAge,
		},
		Prefetch: PrefetchConfig{
			Enabled:      prefetch.Enabled,
			Lookahead:    prefetch.Lookahead,
			MaxInFlight:  prefetch.MaxInFlight,
			FetchTimeout: 10 * time.Second,
		},
		Memory: MemoryConfig{
			SampleInterval:  mem.SampleInterval,
			LowWatermark:    mem.LowWatermark,
			MediumWatermark: mem.MediumWatermark,
			HighWatermark:   mem.HighWatermark,
			AlertThreshold:  mem.AlertThreshold,
		},
		Origin: origin.DefaultConfig(),
		Monitoring: MonitoringConfig{
			Enabled:   mc.Enabled,
			Path:      mc.Path,
			Namespace: mc.Namespace,
			Labels:    map[string]string{"service": "mangacache"},
		},
	}
}

// LoadFromFile loads configuration from a YAML file on top of the current
// values
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeConfigLoad, "failed to read config file").
			WithComponent("config").WithDetail("file", filename)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return errors.Wrap(err, errors.ErrCodeConfigLoad, "failed to parse config file").
			WithComponent("config").WithDetail("file", filename)
	}
	return nil
}

// LoadFromEnv applies MANGACACHE_* environment overrides
func (c *Configuration) LoadFromEnv() error {
	e := envReader{}

	// Global settings
	e.setString("LOG_LEVEL", &c.Global.LogLevel)
	e.setString("LOG_FORMAT", &c.Global.LogFormat)
	e.setString("LOG_FILE", &c.Global.LogFile)
	e.setInt("PORT", &c.Global.Port)

	// Cache settings
	e.setString("CACHE_BUDGET", &c.Cache.Budget)
	e.setInt("CACHE_MAX_TRACKED_KEYS", &c.Cache.MaxTrackedKeys)
	e.setDuration("CACHE_SWEEP_INTERVAL", &c.Cache.SweepInterval)

	// Prefetch settings
	e.setBool("PREFETCH_ENABLED", &c.Prefetch.Enabled)
	e.setInt("PREFETCH_LOOKAHEAD", &c.Prefetch.Lookahead)
	e.setInt("PREFETCH_MAX_IN_FLIGHT", &c.Prefetch.MaxInFlight)
	e.setDuration("PREFETCH_TIMEOUT", &c.Prefetch.FetchTimeout)

	// Memory settings
	e.setString("MEMORY_LIMIT", &c.Memory.Limit)
	e.setDuration("MEMORY_SAMPLE_INTERVAL", &c.Memory.SampleInterval)

	// Origin settings
	e.setString("ORIGIN_TYPE", &c.Origin.Type)
	e.setString("ORIGIN_ROOT", &c.Origin.Root)
	e.setString("S3_BUCKET", &c.Origin.S3.Bucket)
	e.setString("S3_PREFIX", &c.Origin.S3.Prefix)
	e.setString("S3_REGION", &c.Origin.S3.Region)
	e.setString("S3_ENDPOINT", &c.Origin.S3.Endpoint)
	e.setString("S3_ACCESS_KEY_ID", &c.Origin.S3.AccessKeyID)
	e.setString("S3_SECRET_ACCESS_KEY", &c.Origin.S3.SecretAccessKey)
	e.setBool("S3_FORCE_PATH_STYLE", &c.Origin.S3.ForcePathStyle)

	// Monitoring
	e.setBool("METRICS_ENABLED", &c.Monitoring.Enabled)

	if len(e.bad) > 0 {
		return errors.Newf(errors.ErrCodeConfigLoad, "invalid environment overrides: %s",
			strings.Join(e.bad, ", ")).WithComponent("config")
	}
	return nil
}

// SaveToFile saves the configuration to a YAML file
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeConfigSave, "failed to marshal config").
			WithComponent("config")
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return errors.Wrap(err, errors.ErrCodeConfigSave, "failed to create config directory").
			WithComponent("config")
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return errors.Wrap(err, errors.ErrCodeConfigSave, "failed to write config file").
			WithComponent("config")
	}
	return nil
}

// Validate validates the configuration
func (c *Configuration) Validate() error {
	invalid := func(format string, args ...interface{}) error {
		return errors.Newf(errors.ErrCodeConfigValidation, format, args...).WithComponent("config")
	}

	if _, err := utils.ParseLogLevel(c.Global.LogLevel); err != nil {
		return invalid("invalid log_level: %s", c.Global.LogLevel)
	}
	if _, err := utils.ParseLogFormat(c.Global.LogFormat); err != nil {
		return invalid("invalid log_format: %s", c.Global.LogFormat)
	}
	if c.Global.Port < 0 || c.Global.Port > 65535 {
		return invalid("port out of range: %d", c.Global.Port)
	}

	budget, err := c.Budget()
	if err != nil {
		return err
	}
	shares := c.Cache.Hot.Share + c.Cache.Warm.Share + c.Cache.Cold.Share
	if shares != 100 {
		return invalid("tier shares must add up to 100, got %d", shares)
	}
	if c.Cache.MaxTrackedKeys <= 0 {
		return invalid("max_tracked_keys must be greater than 0")
	}

	tiers := c.tierConfigs(budget)
	for _, t := range cache.Tiers {
		if err := tiers[t].Validate(); err != nil {
			return invalid("cache tier %s: %v", t, err)
		}
	}

	if c.Prefetch.Enabled && (c.Prefetch.Lookahead <= 0 || c.Prefetch.MaxInFlight <= 0) {
		return invalid("prefetch lookahead and max_in_flight must be greater than 0")
	}
	if c.Pool.PrewarmFactor < 1 {
		return invalid("pool prewarm_factor must be at least 1, got %.2f", c.Pool.PrewarmFactor)
	}

	if _, err := c.MemoryLimit(); err != nil {
		return err
	}
	if err := c.MonitorConfig().Validate(); err != nil {
		return invalid("memory: %v", err)
	}

	if err := c.Origin.Validate(); err != nil {
		return invalid("origin: %v", err)
	}
	return nil
}

// Budget parses the cache budget
func (c *Configuration) Budget() (int64, error) {
	budget, err := utils.ParseBytes(c.Cache.Budget)
	if err != nil || budget <= 0 {
		return 0, errors.Newf(errors.ErrCodeConfigValidation, "invalid cache budget %q", c.Cache.Budget).
			WithComponent("config")
	}
	return budget, nil
}

// MemoryLimit parses the memory limit; an empty limit is 0
func (c *Configuration) MemoryLimit() (uint64, error) {
	if strings.TrimSpace(c.Memory.Limit) == "" {
		return 0, nil
	}
	limit, err := utils.ParseBytes(c.Memory.Limit)
	if err != nil || limit < 0 {
		return 0, errors.Newf(errors.ErrCodeConfigValidation, "invalid memory limit %q", c.Memory.Limit).
			WithComponent("config")
	}
	return uint64(limit), nil
}

func (c *Configuration) tierConfigs(budget int64) [3]cache.TierConfig {
	hot := budget * int64(c.Cache.Hot.Share) / 100
	warm := budget * int64(c.Cache.Warm.Share) / 100
	cold := budget - hot - warm

	tier := func(s TierSettings, maxBytes int64) cache.TierConfig {
		return cache.TierConfig{
			MaxBytes:           maxBytes,
			MaxEntries:         s.MaxEntries,
			TTL:                s.TTL,
			PromotionThreshold: s.PromotionThreshold,
			DemotionThreshold:  s.DemotionThreshold,
		}
	}
	return [3]cache.TierConfig{
		cache.TierHot:  tier(c.Cache.Hot, hot),
		cache.TierWarm: tier(c.Cache.Warm, warm),
		cache.TierCold: tier(c.Cache.Cold, cold),
	}
}

// CacheOptions converts the cache section to cache.Options. Pool, Logger
// and Clock are left for the caller.
func (c *Configuration) CacheOptions() (cache.Options, error) {
	budget, err := c.Budget()
	if err != nil {
		return cache.Options{}, err
	}

	opts := cache.DefaultOptions()
	opts.Tiers = c.tierConfigs(budget)
	opts.MaxTrackedKeys = c.Cache.MaxTrackedKeys
	opts.Prefetch = cache.PrefetchConfig{
		Enabled:     c.Prefetch.Enabled,
		Lookahead:   c.Prefetch.Lookahead,
		MaxInFlight: c.Prefetch.MaxInFlight,
	}
	return opts, nil
}

// PoolConfig converts the pool section to buffer.PoolConfig
func (c *Configuration) PoolConfig() buffer.PoolConfig {
	return buffer.PoolConfig{
		HotThreshold:     c.Pool.HotThreshold,
		PredictionWindow: c.Pool.PredictionWindow,
		PrewarmFactor:    c.Pool.PrewarmFactor,
	}
}

// MaintenanceConfig converts the sweep and pool intervals
func (c *Configuration) MaintenanceConfig() maintenance.Config {
	return maintenance.Config{
		SweepInterval:   c.Cache.SweepInterval,
		PrewarmInterval: c.Pool.PrewarmInterval,
		TrimInterval:    c.Pool.TrimInterval,
		TrimMaxAge:      c.Pool.TrimMaxAge,
	}
}

// MonitorConfig converts the memory section. An unparsable limit reads as 0;
// Validate reports it.
func (c *Configuration) MonitorConfig() memmon.MonitorConfig {
	limit, _ := c.MemoryLimit()
	mc := memmon.DefaultMonitorConfig()
	mc.MemoryLimit = limit
	mc.SampleInterval = c.Memory.SampleInterval
	mc.LowWatermark = c.Memory.LowWatermark
	mc.MediumWatermark = c.Memory.MediumWatermark
	mc.HighWatermark = c.Memory.HighWatermark
	mc.AlertThreshold = c.Memory.AlertThreshold
	return mc
}

// MetricsConfig converts the monitoring section
func (c *Configuration) MetricsConfig() *metrics.Config {
	return &metrics.Config{
		Enabled:   c.Monitoring.Enabled,
		Port:      c.Global.Port,
		Path:      c.Monitoring.Path,
		Namespace: c.Monitoring.Namespace,
		Labels:    c.Monitoring.Labels,
	}
}

// LoggerConfig converts the global logging settings
func (c *Configuration) LoggerConfig() (*utils.StructuredLoggerConfig, error) {
	level, err := utils.ParseLogLevel(c.Global.LogLevel)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeConfigValidation, "invalid log level").
			WithComponent("config")
	}
	format, err := utils.ParseLogFormat(c.Global.LogFormat)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeConfigValidation, "invalid log format").
			WithComponent("config")
	}

	lc := utils.DefaultStructuredLoggerConfig()
	lc.Level = level
	lc.Format = format
	lc.File = c.Global.LogFile
	return lc, nil
}

// envReader applies typed overrides and remembers the ones that did not parse
type envReader struct {
	bad []string
}

func (e *envReader) lookup(name string) (string, bool) {
	val, ok := os.LookupEnv(EnvPrefix + name)
	if !ok || val == "" {
		return "", false
	}
	return val, true
}

func (e *envReader) setString(name string, dst *string) {
	if val, ok := e.lookup(name); ok {
		*dst = val
	}
}

func (e *envReader) setInt(name string, dst *int) {
	if val, ok := e.lookup(name); ok {
		n, err := strconv.Atoi(val)
		if err != nil {
			e.bad = append(e.bad, fmt.Sprintf("%s%s=%q", EnvPrefix, name, val))
			return
		}
		*dst = n
	}
}

func (e *envReader) setBool(name string, dst *bool) {
	if val, ok := e.lookup(name); ok {
		b, err := strconv.ParseBool(val)
		if err != nil {
			e.bad = append(e.bad, fmt.Sprintf("%s%s=%q", EnvPrefix, name, val))
			return
		}
		*dst = b
	}
}

func (e *envReader) setDuration(name string, dst *time.Duration) {
	if val, ok := e.lookup(name); ok {
		d, err := time.ParseDuration(val)
		if err != nil {
			e.bad = append(e.bad, fmt.Sprintf("%s%s=%q", EnvPrefix, name, val))
			return
		}
		*dst = d
	}
}

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mangacache/mangacache/internal/cache"
	"github.com/mangacache/mangacache/pkg/errors"
	"github.com/mangacache/mangacache/pkg/utils"
)

func TestNewDefault(t *testing.T) {
	cfg := NewDefault()

	if cfg.Global.LogLevel != "INFO" {
		t.Errorf("Expected LogLevel to be INFO, got %s", cfg.Global.LogLevel)
	}
	if cfg.Global.Port != 9090 {
		t.Errorf("Expected Port to be 9090, got %d", cfg.Global.Port)
	}
	if cfg.Cache.Budget != "1GB" {
		t.Errorf("Expected Budget to be 1GB, got %s", cfg.Cache.Budget)
	}
	if cfg.Cache.Hot.Share != 20 || cfg.Cache.Warm.Share != 30 || cfg.Cache.Cold.Share != 50 {
		t.Errorf("Expected shares 20/30/50, got %d/%d/%d",
			cfg.Cache.Hot.Share, cfg.Cache.Warm.Share, cfg.Cache.Cold.Share)
	}
	if cfg.Cache.Warm.TTL != 300*time.Second {
		t.Errorf("Expected warm TTL to be 5m, got %v", cfg.Cache.Warm.TTL)
	}
	if !cfg.Prefetch.Enabled || cfg.Prefetch.Lookahead != 3 || cfg.Prefetch.MaxInFlight != 8 {
		t.Errorf("Unexpected prefetch defaults: %+v", cfg.Prefetch)
	}
	if cfg.Origin.Type != "filesystem" {
		t.Errorf("Expected filesystem origin, got %s", cfg.Origin.Type)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("Default config should be valid: %v", err)
	}
}

func TestCacheOptions_MatchesDefaults(t *testing.T) {
	opts, err := NewDefault().CacheOptions()
	if err != nil {
		t.Fatalf("CacheOptions() error = %v", err)
	}

	want := cache.DefaultOptions()
	if opts.Tiers != want.Tiers {
		t.Errorf("Tiers = %+v, want %+v", opts.Tiers, want.Tiers)
	}
	if opts.MaxTrackedKeys != want.MaxTrackedKeys {
		t.Errorf("MaxTrackedKeys = %d, want %d", opts.MaxTrackedKeys, want.MaxTrackedKeys)
	}
	if opts.Prefetch != want.Prefetch {
		t.Errorf("Prefetch = %+v, want %+v", opts.Prefetch, want.Prefetch)
	}
}

func TestCacheOptions_SplitsBudget(t *testing.T) {
	cfg := NewDefault()
	cfg.Cache.Budget = "1000"
	cfg.Cache.Hot.Share = 10
	cfg.Cache.Warm.Share = 33
	cfg.Cache.Cold.Share = 57

	opts, err := cfg.CacheOptions()
	if err != nil {
		t.Fatalf("CacheOptions() error = %v", err)
	}
	got := []int64{
		opts.Tiers[cache.TierHot].MaxBytes,
		opts.Tiers[cache.TierWarm].MaxBytes,
		opts.Tiers[cache.TierCold].MaxBytes,
	}
	want := []int64{100, 330, 570}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("tier %d MaxBytes = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Configuration)
		errMsg string
	}{
		{"bad log level", func(c *Configuration) { c.Global.LogLevel = "LOUD" }, "invalid log_level"},
		{"bad log format", func(c *Configuration) { c.Global.LogFormat = "xml" }, "invalid log_format"},
		{"bad port", func(c *Configuration) { c.Global.Port = 70000 }, "port out of range"},
		{"bad budget", func(c *Configuration) { c.Cache.Budget = "lots" }, "invalid cache budget"},
		{"shares", func(c *Configuration) { c.Cache.Cold.Share = 40 }, "must add up to 100"},
		{"tracked keys", func(c *Configuration) { c.Cache.MaxTrackedKeys = 0 }, "max_tracked_keys"},
		{"zero share", func(c *Configuration) {
			c.Cache.Hot.Share = 0
			c.Cache.Cold.Share = 70
		}, "cache tier hot"},
		{"prefetch", func(c *Configuration) { c.Prefetch.Lookahead = 0 }, "prefetch lookahead"},
		{"prewarm factor", func(c *Configuration) { c.Pool.PrewarmFactor = 0.5 }, "prewarm_factor"},
		{"memory limit", func(c *Configuration) { c.Memory.Limit = "huge" }, "invalid memory limit"},
		{"watermarks", func(c *Configuration) { c.Memory.LowWatermark = 0.9 }, "memory:"},
		{"origin", func(c *Configuration) { c.Origin.Type = "ftp" }, "origin:"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefault()
			tt.mutate(cfg)

			err := cfg.Validate()
			if err == nil {
				t.Fatal("Expected validation error")
			}
			if !strings.Contains(err.Error(), tt.errMsg) {
				t.Errorf("Expected error containing %q, got %q", tt.errMsg, err.Error())
			}
			if !errors.HasCode(err, errors.ErrCodeConfigValidation) {
				t.Errorf("Expected CONFIG_VALIDATION, got %s", errors.CodeOf(err))
			}
		})
	}

	t.Run("prefetch disabled skips lookahead check", func(t *testing.T) {
		cfg := NewDefault()
		cfg.Prefetch.Enabled = false
		cfg.Prefetch.Lookahead = 0
		if err := cfg.Validate(); err != nil {
			t.Errorf("Unexpected error: %v", err)
		}
	})
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mangacache.yaml")
	content := `
global:
  log_level: DEBUG
  port: 8088
cache:
  budget: 2GB
  warm:
    share: 30
    ttl: 10m
prefetch:
  lookahead: 5
origin:
  type: s3
  s3:
    bucket: pages
    prefix: library
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg := NewDefault()
	if err := cfg.LoadFromFile(path); err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}

	if cfg.Global.LogLevel != "DEBUG" || cfg.Global.Port != 8088 {
		t.Errorf("global = %+v", cfg.Global)
	}
	if cfg.Cache.Warm.TTL != 10*time.Minute {
		t.Errorf("warm TTL = %v, want 10m", cfg.Cache.Warm.TTL)
	}
	if cfg.Cache.Hot.Share != 20 {
		t.Errorf("unset fields keep defaults, hot share = %d", cfg.Cache.Hot.Share)
	}
	if cfg.Prefetch.Lookahead != 5 || !cfg.Prefetch.Enabled {
		t.Errorf("prefetch = %+v", cfg.Prefetch)
	}
	if cfg.Origin.S3.Bucket != "pages" || cfg.Origin.S3.Region != "us-east-1" {
		t.Errorf("s3 = %+v", cfg.Origin.S3)
	}

	budget, err := cfg.Budget()
	if err != nil || budget != 2<<30 {
		t.Errorf("Budget() = %d, %v; want 2GiB", budget, err)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestLoadFromFile_Errors(t *testing.T) {
	cfg := NewDefault()
	err := cfg.LoadFromFile(filepath.Join(t.TempDir(), "missing.yaml"))
	if !errors.HasCode(err, errors.ErrCodeConfigLoad) {
		t.Errorf("missing file: got %v, want CONFIG_LOAD", err)
	}

	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("cache: [unclosed"), 0600); err != nil {
		t.Fatal(err)
	}
	err = cfg.LoadFromFile(path)
	if !errors.HasCode(err, errors.ErrCodeConfigLoad) {
		t.Errorf("bad yaml: got %v, want CONFIG_LOAD", err)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("MANGACACHE_LOG_LEVEL", "WARN")
	t.Setenv("MANGACACHE_PORT", "7000")
	t.Setenv("MANGACACHE_CACHE_BUDGET", "512MB")
	t.Setenv("MANGACACHE_PREFETCH_ENABLED", "false")
	t.Setenv("MANGACACHE_PREFETCH_TIMEOUT", "3s")
	t.Setenv("MANGACACHE_MEMORY_LIMIT", "2GB")
	t.Setenv("MANGACACHE_ORIGIN_TYPE", "s3")
	t.Setenv("MANGACACHE_S3_BUCKET", "pages")
	t.Setenv("MANGACACHE_S3_FORCE_PATH_STYLE", "true")

	cfg := NewDefault()
	if err := cfg.LoadFromEnv(); err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}

	if cfg.Global.LogLevel != "WARN" || cfg.Global.Port != 7000 {
		t.Errorf("global = %+v", cfg.Global)
	}
	if cfg.Cache.Budget != "512MB" {
		t.Errorf("budget = %s", cfg.Cache.Budget)
	}
	if cfg.Prefetch.Enabled || cfg.Prefetch.FetchTimeout != 3*time.Second {
		t.Errorf("prefetch = %+v", cfg.Prefetch)
	}
	if limit, _ := cfg.MemoryLimit(); limit != 2<<30 {
		t.Errorf("memory limit = %d, want 2GiB", limit)
	}
	if cfg.Origin.Type != "s3" || cfg.Origin.S3.Bucket != "pages" || !cfg.Origin.S3.ForcePathStyle {
		t.Errorf("origin = %+v", cfg.Origin)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestLoadFromEnv_InvalidValues(t *testing.T) {
	t.Setenv("MANGACACHE_PORT", "not-a-port")
	t.Setenv("MANGACACHE_PREFETCH_ENABLED", "maybe")

	cfg := NewDefault()
	err := cfg.LoadFromEnv()
	if !errors.HasCode(err, errors.ErrCodeConfigLoad) {
		t.Fatalf("got %v, want CONFIG_LOAD", err)
	}
	if !strings.Contains(err.Error(), "MANGACACHE_PORT") || !strings.Contains(err.Error(), "MANGACACHE_PREFETCH_ENABLED") {
		t.Errorf("error should name both variables: %v", err)
	}
	if cfg.Global.Port != 9090 {
		t.Errorf("invalid override must not change the value, port = %d", cfg.Global.Port)
	}
}

func TestSaveToFile_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "mangacache.yaml")

	cfg := NewDefault()
	cfg.Cache.Budget = "256MB"
	cfg.Cache.Hot.TTL = 90 * time.Second
	if err := cfg.SaveToFile(path); err != nil {
		t.Fatalf("SaveToFile() error = %v", err)
	}

	loaded := NewDefault()
	if err := loaded.LoadFromFile(path); err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}
	if loaded.Cache.Budget != "256MB" || loaded.Cache.Hot.TTL != 90*time.Second {
		t.Errorf("round trip lost values: %+v", loaded.Cache)
	}
}

func TestDerivedConfigs(t *testing.T) {
	cfg := NewDefault()
	cfg.Memory.Limit = "1GB"
	cfg.Global.LogFormat = "json"

	if mc := cfg.MonitorConfig(); mc.MemoryLimit != 1<<30 || mc.HighWatermark != 0.95 {
		t.Errorf("MonitorConfig() = %+v", mc)
	}
	if m := cfg.MaintenanceConfig(); m.SweepInterval != time.Minute || m.PrewarmInterval != 10*time.Second {
		t.Errorf("MaintenanceConfig() = %+v", m)
	}
	if p := cfg.PoolConfig(); p.HotThreshold != 100 || p.PrewarmFactor != 1.2 {
		t.Errorf("PoolConfig() = %+v", p)
	}
	if mc := cfg.MetricsConfig(); mc.Port != 9090 || mc.Path != "/metrics" {
		t.Errorf("MetricsConfig() = %+v", mc)
	}

	lc, err := cfg.LoggerConfig()
	if err != nil {
		t.Fatalf("LoggerConfig() error = %v", err)
	}
	if lc.Format != utils.FormatJSON {
		t.Errorf("LoggerConfig() format = %v, want json", lc.Format)
	}
}

// Package memmon samples Go heap usage and turns it into memory pressure
// levels for the page cache
package memmon

import (
	"context"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mangacache/mangacache/pkg/errors"
	"github.com/mangacache/mangacache/pkg/types"
	"github.com/mangacache/mangacache/pkg/utils"
)

// MonitorConfig configures memory monitoring behavior
type MonitorConfig struct {
	// SampleInterval is how often to collect memory stats
	SampleInterval time.Duration

	// MemoryLimit is the heap size pressure is measured against; 0 disables
	// pressure detection
	MemoryLimit uint64

	// LowWatermark, MediumWatermark and HighWatermark are fractions of
	// MemoryLimit at which each pressure level starts
	LowWatermark    float64
	MediumWatermark float64
	HighWatermark   float64

	// AlertThreshold is the percentage of heap growth over the baseline that
	// raises an alert
	AlertThreshold float64

	// MaxSamples is the number of samples to keep in history
	MaxSamples int

	// GCPercentage sets GOGC percentage (0 leaves it unchanged)
	GCPercentage int

	// Handler is told about every sample at or above the low watermark
	Handler types.PressureHandler

	// Logger for monitoring events
	Logger *utils.StructuredLogger
}

// DefaultMonitorConfig returns sensible defaults
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		SampleInterval:  5 * time.Second,
		LowWatermark:    0.70,
		MediumWatermark: 0.85,
		HighWatermark:   0.95,
		AlertThreshold:  50.0,
		MaxSamples:      120,
	}
}

// Validate checks the watermark ordering
func (c MonitorConfig) Validate() error {
	if c.SampleInterval <= 0 {
		return errors.NewError(errors.ErrCodeInvalidConfig, "sample interval must be positive").
			WithComponent("memmon")
	}
	if !(0 < c.LowWatermark && c.LowWatermark < c.MediumWatermark &&
		c.MediumWatermark < c.HighWatermark && c.HighWatermark <= 1) {
		return errors.Newf(errors.ErrCodeInvalidConfig,
			"watermarks must satisfy 0 < low < medium < high <= 1, got %.2f/%.2f/%.2f",
			c.LowWatermark, c.MediumWatermark, c.HighWatermark).WithComponent("memmon")
	}
	return nil
}

// MemorySample represents a memory usage sample
type MemorySample struct {
	Timestamp    time.Time           `json:"timestamp"`
	HeapAlloc    uint64              `json:"heap_alloc"`
	HeapSys      uint64              `json:"heap_sys"`
	HeapIdle     uint64              `json:"heap_idle"`
	Sys          uint64              `json:"sys"`
	NumGC        uint32              `json:"num_gc"`
	NumGoroutine int                 `json:"num_goroutine"`
	Pressure     types.PressureLevel `json:"pressure"`
}

// MemoryAlert represents a memory alert
type MemoryAlert struct {
	Timestamp time.Time `json:"timestamp"`
	AlertType AlertType `json:"alert_type"`
	Message   string    `json:"message"`
	Current   uint64    `json:"current"`
	Baseline  uint64    `json:"baseline"`
	GrowthPct float64   `json:"growth_pct"`
}

// AlertType represents the type of memory alert
type AlertType int

const (
	AlertTypeMemoryGrowth AlertType = iota
	AlertTypeGoroutineLeak
	AlertTypePressure
)

// String returns the string representation of alert type
func (t AlertType) String() string {
	switch t {
	case AlertTypeMemoryGrowth:
		return "memory_growth"
	case AlertTypeGoroutineLeak:
		return "goroutine_leak"
	case AlertTypePressure:
		return "pressure"
	default:
		return "unknown"
	}
}

// MemoryStats summarizes the monitor state
type MemoryStats struct {
	CurrentSample  MemorySample        `json:"current_sample"`
	BaselineSample MemorySample        `json:"baseline_sample"`
	SampleCount    int                 `json:"sample_count"`
	AlertCount     int                 `json:"alert_count"`
	Pressure       types.PressureLevel `json:"pressure"`
	PressureEvents uint64              `json:"pressure_events"`
	ShedEntries    uint64              `json:"shed_entries"`
	MemoryLimit    uint64              `json:"memory_limit"`
}

// MemoryMonitor samples the heap and reports pressure to a handler
type MemoryMonitor struct {
	config    MonitorConfig
	logger    *utils.StructuredLogger
	readStats func(*runtime.MemStats)

	mu             sync.RWMutex
	samples        []MemorySample
	baselineSet    bool
	baselineSample MemorySample
	currentSample  MemorySample
	alerts         []MemoryAlert
	pressure       types.PressureLevel
	pressureEvents uint64
	shedEntries    uint64

	stopCh chan struct{}
	wg     sync.WaitGroup
	active int32
}

// NewMemoryMonitor creates a new memory monitor
func NewMemoryMonitor(config MonitorConfig) *MemoryMonitor {
	if config.Logger == nil {
		loggerConfig := utils.DefaultStructuredLoggerConfig()
		logger, _ := utils.NewStructuredLogger(loggerConfig)
		config.Logger = logger
	}
	if config.MaxSamples <= 0 {
		config.MaxSamples = DefaultMonitorConfig().MaxSamples
	}

	if config.GCPercentage > 0 {
		debug.SetGCPercent(config.GCPercentage)
	}

	return &MemoryMonitor{
		config:    config,
		logger:    config.Logger.WithComponent("memmon"),
		readStats: runtime.ReadMemStats,
		stopCh:    make(chan struct{}),
	}
}

// Start begins memory monitoring
func (mm *MemoryMonitor) Start(ctx context.Context) error {
	if err := mm.config.Validate(); err != nil {
		return err
	}
	if !atomic.CompareAndSwapInt32(&mm.active, 0, 1) {
		return errors.NewError(errors.ErrCodeAlreadyStarted, "monitor already running").WithComponent("memmon")
	}

	mm.logger.Info("Starting memory monitor", map[string]interface{}{
		"sample_interval": mm.config.SampleInterval.String(),
		"memory_limit":    utils.FormatBytes(int64(mm.config.MemoryLimit)),
	})

	mm.wg.Add(1)
	go mm.monitorLoop(ctx)

	return nil
}

// Stop stops memory monitoring
func (mm *MemoryMonitor) Stop() error {
	if !atomic.CompareAndSwapInt32(&mm.active, 1, 0) {
		return nil
	}

	mm.logger.Info("Stopping memory monitor")
	close(mm.stopCh)
	mm.wg.Wait()

	return nil
}

func (mm *MemoryMonitor) monitorLoop(ctx context.Context) {
	defer mm.wg.Done()

	ticker := time.NewTicker(mm.config.SampleInterval)
	defer ticker.Stop()

	mm.Sample()

	for {
		select {
		case <-ctx.Done():
			return
		case <-mm.stopCh:
			return
		case <-ticker.C:
			mm.Sample()
		}
	}
}

// Sample takes one sample, checks for alerts and, under pressure, calls
// the handler. It returns the level of the sample.
func (mm *MemoryMonitor) Sample() types.PressureLevel {
	var memStats runtime.MemStats
	mm.readStats(&memStats)

	sample := MemorySample{
		Timestamp:    time.Now(),
		HeapAlloc:    memStats.HeapAlloc,
		HeapSys:      memStats.HeapSys,
		HeapIdle:     memStats.HeapIdle,
		Sys:          memStats.Sys,
		NumGC:        memStats.NumGC,
		NumGoroutine: runtime.NumGoroutine(),
		Pressure:     mm.levelFor(memStats.HeapAlloc),
	}

	mm.mu.Lock()
	if !mm.baselineSet {
		mm.baselineSample = sample
		mm.baselineSet = true
	}
	mm.currentSample = sample
	mm.samples = append(mm.samples, sample)
	if len(mm.samples) > mm.config.MaxSamples {
		mm.samples = mm.samples[1:]
	}

	previous := mm.pressure
	mm.pressure = sample.Pressure
	mm.analyzeLocked()
	handler := mm.config.Handler
	mm.mu.Unlock()

	if sample.Pressure != previous {
		fields := map[string]interface{}{
			"from":       previous.String(),
			"to":         sample.Pressure.String(),
			"heap_alloc": utils.FormatBytes(int64(sample.HeapAlloc)),
		}
		if sample.Pressure > previous {
			mm.logger.Warn("Memory pressure rising", fields)
		} else {
			mm.logger.Info("Memory pressure easing", fields)
		}
	}

	if sample.Pressure >= types.PressureLow && handler != nil {
		shed := handler.HandleMemoryPressure(sample.Pressure)
		mm.mu.Lock()
		mm.pressureEvents++
		mm.shedEntries += uint64(shed)
		mm.mu.Unlock()
	}

	return sample.Pressure
}

// levelFor maps a heap size onto a pressure level
func (mm *MemoryMonitor) levelFor(heap uint64) types.PressureLevel {
	limit := mm.config.MemoryLimit
	if limit == 0 {
		return types.PressureNone
	}
	ratio := float64(heap) / float64(limit)
	switch {
	case ratio >= mm.config.HighWatermark:
		return types.PressureHigh
	case ratio >= mm.config.MediumWatermark:
		return types.PressureMedium
	case ratio >= mm.config.LowWatermark:
		return types.PressureLow
	default:
		return types.PressureNone
	}
}

// analyzeLocked raises alerts for heap or goroutine growth and high pressure
func (mm *MemoryMonitor) analyzeLocked() {
	if len(mm.samples) < 2 {
		return
	}

	baseline := mm.baselineSample
	current := mm.currentSample

	if baseline.HeapAlloc > 0 {
		growthPct := (float64(current.HeapAlloc) - float64(baseline.HeapAlloc)) / float64(baseline.HeapAlloc) * 100
		if growthPct > mm.config.AlertThreshold {
			mm.alertLocked(AlertTypeMemoryGrowth, fmt.Sprintf(
				"Heap grew by %.2f%% (from %s to %s)",
				growthPct, utils.FormatBytes(int64(baseline.HeapAlloc)), utils.FormatBytes(int64(current.HeapAlloc)),
			), current.HeapAlloc, baseline.HeapAlloc, growthPct)
		}
	}

	if baseline.NumGoroutine > 0 {
		goroutineGrowthPct := (float64(current.NumGoroutine) - float64(baseline.NumGoroutine)) / float64(baseline.NumGoroutine) * 100
		if goroutineGrowthPct > 50 {
			mm.alertLocked(AlertTypeGoroutineLeak, fmt.Sprintf(
				"Goroutine count increased by %.2f%% (from %d to %d)",
				goroutineGrowthPct, baseline.NumGoroutine, current.NumGoroutine,
			), uint64(current.NumGoroutine), uint64(baseline.NumGoroutine), goroutineGrowthPct)
		}
	}

	if current.Pressure == types.PressureHigh {
		mm.alertLocked(AlertTypePressure, fmt.Sprintf(
			"Heap at %s of %s limit",
			utils.FormatBytes(int64(current.HeapAlloc)), utils.FormatBytes(int64(mm.config.MemoryLimit)),
		), current.HeapAlloc, mm.config.MemoryLimit, 0)
	}
}

// alertLocked records an alert (must be called with lock held)
func (mm *MemoryMonitor) alertLocked(alertType AlertType, message string, current, baseline uint64, growthPct float64) {
	mm.alerts = append(mm.alerts, MemoryAlert{
		Timestamp: time.Now(),
		AlertType: alertType,
		Message:   message,
		Current:   current,
		Baseline:  baseline,
		GrowthPct: growthPct,
	})
	if len(mm.alerts) > mm.config.MaxSamples {
		mm.alerts = mm.alerts[1:]
	}

	mm.logger.Warn("Memory alert", map[string]interface{}{
		"type":    alertType.String(),
		"message": message,
	})
}

// Pressure returns the level of the latest sample
func (mm *MemoryMonitor) Pressure() types.PressureLevel {
	mm.mu.RLock()
	defer mm.mu.RUnlock()
	return mm.pressure
}

// GetStats returns current memory statistics
func (mm *MemoryMonitor) GetStats() MemoryStats {
	mm.mu.RLock()
	defer mm.mu.RUnlock()

	return MemoryStats{
		CurrentSample:  mm.currentSample,
		BaselineSample: mm.baselineSample,
		SampleCount:    len(mm.samples),
		AlertCount:     len(mm.alerts),
		Pressure:       mm.pressure,
		PressureEvents: mm.pressureEvents,
		ShedEntries:    mm.shedEntries,
		MemoryLimit:    mm.config.MemoryLimit,
	}
}

// GetAlerts returns a copy of the recorded alerts
func (mm *MemoryMonitor) GetAlerts() []MemoryAlert {
	mm.mu.RLock()
	defer mm.mu.RUnlock()

	alerts := make([]MemoryAlert, len(mm.alerts))
	copy(alerts, mm.alerts)
	return alerts
}

// GetSamples returns a copy of the sample history
func (mm *MemoryMonitor) GetSamples() []MemorySample {
	mm.mu.RLock()
	defer mm.mu.RUnlock()

	samples := make([]MemorySample, len(mm.samples))
	copy(samples, mm.samples)
	return samples
}

// ResetBaseline makes the next sample the new baseline
func (mm *MemoryMonitor) ResetBaseline() {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	mm.baselineSet = false
}

// ClearAlerts drops every recorded alert
func (mm *MemoryMonitor) ClearAlerts() {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	mm.alerts = nil
}

package buffer

import (
	"math"
	"math/bits"
	"sync"
	"time"

	"github.com/mangacache/mangacache/pkg/utils"
)

const (
	// MinClassSize is the smallest pooled buffer (1KB)
	MinClassSize = 1 << 10
	// MaxClassSize is the largest pooled buffer (32MB)
	MaxClassSize = 32 << 20
	// NumClasses is the number of power-of-two classes between the two
	NumClasses = 16
)

// PoolConfig configures a PoolManager
type PoolConfig struct {
	// HotThreshold is the allocations per PredictionWindow above which a
	// class counts as hot.
	HotThreshold int `yaml:"hot_threshold"`

	// PredictionWindow is the demand window used for hot detection and prewarming
	PredictionWindow time.Duration `yaml:"prediction_window"`

	// PrewarmFactor scales last-window demand into a free-list target
	PrewarmFactor float64 `yaml:"prewarm_factor"`

	Logger *utils.StructuredLogger `yaml:"-"`
	Clock  func() time.Time        `yaml:"-"`
}

// DefaultPoolConfig returns the default pool configuration
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		HotThreshold:     100,
		PredictionWindow: time.Minute,
		PrewarmFactor:    1.2,
	}
}

// ClassStats describes one size class as seen by the manager
type ClassStats struct {
	SizeClassStats
	RecentAllocations int  `json:"recent_allocations"`
	Hot               bool `json:"hot"`
}

// PoolStats is a snapshot of the whole manager
type PoolStats struct {
	Classes           []ClassStats `json:"classes"`
	Oversized         uint64       `json:"oversized"`
	OversizedReleases uint64       `json:"oversized_releases"`
	ForeignReleases   uint64       `json:"foreign_releases"`
	TotalAllocations  uint64       `json:"total_allocations"`
	TotalReuses       uint64       `json:"total_reuses"`
	FreeBytes         int64        `json:"free_bytes"`
	HitRate           float64      `json:"hit_rate"`
}

// PoolManager routes buffer requests to power-of-two SizeClassPools from
// 1KB to 32MB and keeps the busiest classes pre-warmed.
type PoolManager struct {
	config  PoolConfig
	logger  *utils.StructuredLogger
	now     func() time.Time
	classes [NumClasses]*SizeClassPool

	mu                sync.Mutex
	history           [NumClasses][]time.Time
	oversized         uint64
	oversizedReleases uint64
	foreign           uint64
}

// NewPoolManager creates a manager with all 16 classes and their free-list caps
func NewPoolManager(config PoolConfig) *PoolManager {
	defaults := DefaultPoolConfig()
	if config.HotThreshold <= 0 {
		config.HotThreshold = defaults.HotThreshold
	}
	if config.PredictionWindow <= 0 {
		config.PredictionWindow = defaults.PredictionWindow
	}
	if config.PrewarmFactor <= 0 {
		config.PrewarmFactor = defaults.PrewarmFactor
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}
	if config.Logger == nil {
		logger, _ := utils.NewStructuredLogger(utils.DefaultStructuredLoggerConfig())
		config.Logger = logger
	}

	pm := &PoolManager{
		config: config,
		logger: config.Logger.WithComponent("pool"),
		now:    config.Clock,
	}
	for i := range pm.classes {
		size := MinClassSize << i
		pm.classes[i] = NewSizeClassPool(size, freeListCap(size), config.Clock)
	}
	return pm
}

// freeListCap gives small classes many idle slots and large classes few
func freeListCap(size int) int {
	switch {
	case size <= 4<<10:
		return 1000
	case size <= 64<<10:
		return 500
	case size <= 512<<10:
		return 100
	case size <= 4<<20:
		return 50
	default:
		return 10
	}
}

// ClassSizes returns the class sizes in ascending order
func ClassSizes() []int {
	sizes := make([]int, NumClasses)
	for i := range sizes {
		sizes[i] = MinClassSize << i
	}
	return sizes
}

// ClassFor returns the smallest class size that holds n bytes; ok is false
// above MaxClassSize.
func ClassFor(n int) (int, bool) {
	if n > MaxClassSize {
		return 0, false
	}
	return MinClassSize << classIndex(n), true
}

func classIndex(n int) int {
	if n <= MinClassSize {
		return 0
	}
	return bits.Len(uint(n-1)) - 10
}

// exactClass maps a buffer length back to its class index
func exactClass(n int) (int, bool) {
	if n < MinClassSize || n > MaxClassSize || n&(n-1) != 0 {
		return 0, false
	}
	return bits.TrailingZeros(uint(n)) - 10, true
}

// Acquire returns a zeroed buffer whose length is the smallest class size
// that holds minSize bytes. Requests above MaxClassSize are allocated
// directly with length minSize.
func (pm *PoolManager) Acquire(minSize int) []byte {
	if minSize > MaxClassSize {
		pm.mu.Lock()
		pm.oversized++
		pm.mu.Unlock()
		return make([]byte, minSize)
	}

	idx := classIndex(minSize)
	pm.mu.Lock()
	pm.recordLocked(idx, pm.now())
	pm.mu.Unlock()

	return pm.classes[idx].Acquire()
}

// Release hands buf back to the class matching its length. Direct
// allocations above MaxClassSize are dropped for the GC; other buffers
// whose length matches no class are counted as foreign and ignored.
func (pm *PoolManager) Release(buf []byte) bool {
	idx, ok := exactClass(len(buf))
	if !ok {
		if buf != nil {
			pm.mu.Lock()
			if len(buf) > MaxClassSize {
				pm.oversizedReleases++
			} else {
				pm.foreign++
			}
			pm.mu.Unlock()
		}
		return false
	}
	return pm.classes[idx].Release(buf)
}

// Class returns the pool for an exact class size, or nil
func (pm *PoolManager) Class(size int) *SizeClassPool {
	idx, ok := exactClass(size)
	if !ok {
		return nil
	}
	return pm.classes[idx]
}

func (pm *PoolManager) recordLocked(idx int, now time.Time) {
	pm.history[idx] = append(pruneBefore(pm.history[idx], now.Add(-2*pm.config.PredictionWindow)), now)
}

// pruneBefore drops the leading timestamps older than cutoff
func pruneBefore(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && ts[i].Before(cutoff) {
		i++
	}
	if i == 0 {
		return ts
	}
	return append(ts[:0], ts[i:]...)
}

// recentLocked counts allocations in the last prediction window
func (pm *PoolManager) recentLocked(idx int, now time.Time) int {
	cutoff := now.Add(-pm.config.PredictionWindow)
	ts := pm.history[idx]
	n := 0
	for i := len(ts) - 1; i >= 0 && !ts[i].Before(cutoff); i-- {
		n++
	}
	return n
}

// IsHot reports whether the class holding size bytes is allocating faster
// than HotThreshold per window.
func (pm *PoolManager) IsHot(size int) bool {
	if size > MaxClassSize {
		return false
	}
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.recentLocked(classIndex(size), pm.now()) > pm.config.HotThreshold
}

// PrewarmHotClasses tops up the free-list of every hot class to
// PrewarmFactor times its recent demand and returns the number of buffers
// allocated.
func (pm *PoolManager) PrewarmHotClasses() int {
	now := pm.now()

	var targets [NumClasses]int
	pm.mu.Lock()
	for i := range pm.classes {
		recent := pm.recentLocked(i, now)
		if recent > pm.config.HotThreshold {
			targets[i] = int(math.Ceil(float64(recent) * pm.config.PrewarmFactor))
		}
	}
	pm.mu.Unlock()

	total := 0
	for i, target := range targets {
		if target == 0 {
			continue
		}
		class := pm.classes[i]
		added := class.PreAllocate(target - class.Free())
		if added > 0 {
			pm.logger.Debug("Prewarmed hot size class", map[string]interface{}{
				"class":  utils.FormatBytes(int64(class.Size())),
				"added":  added,
				"target": target,
			})
		}
		total += added
	}
	return total
}

// Trim drops idle buffers older than maxAge from every class and forgets
// allocation history outside the tracking window.
func (pm *PoolManager) Trim(maxAge time.Duration) int {
	total := 0
	for _, class := range pm.classes {
		total += class.Trim(maxAge)
	}

	now := pm.now()
	pm.mu.Lock()
	for i := range pm.history {
		pm.history[i] = pruneBefore(pm.history[i], now.Add(-2*pm.config.PredictionWindow))
	}
	pm.mu.Unlock()

	if total > 0 {
		pm.logger.Debug("Trimmed idle buffers", map[string]interface{}{
			"dropped": total,
			"max_age": maxAge.String(),
		})
	}
	return total
}

// Drain empties every free-list so idle buffers can be collected, and
// returns the number of bytes given up
func (pm *PoolManager) Drain() int64 {
	var freed int64
	for _, class := range pm.classes {
		freed += int64(class.Drain()) * int64(class.Size())
	}
	if freed > 0 {
		pm.logger.Debug("Drained idle buffers", map[string]interface{}{
			"freed": utils.FormatBytes(freed),
		})
	}
	return freed
}

// Stats returns a snapshot of every class and the manager counters
func (pm *PoolManager) Stats() PoolStats {
	now := pm.now()

	pm.mu.Lock()
	stats := PoolStats{
		Classes:           make([]ClassStats, NumClasses),
		Oversized:         pm.oversized,
		OversizedReleases: pm.oversizedReleases,
		ForeignReleases:   pm.foreign,
	}
	var recent [NumClasses]int
	for i := range pm.classes {
		recent[i] = pm.recentLocked(i, now)
	}
	pm.mu.Unlock()

	for i, class := range pm.classes {
		cs := class.Stats()
		stats.Classes[i] = ClassStats{
			SizeClassStats:    cs,
			RecentAllocations: recent[i],
			Hot:               recent[i] > pm.config.HotThreshold,
		}
		stats.TotalAllocations += cs.Allocations
		stats.TotalReuses += cs.Reuses
		stats.FreeBytes += int64(cs.Free) * int64(cs.Size)
	}
	if total := stats.TotalAllocations + stats.TotalReuses; total > 0 {
		stats.HitRate = float64(stats.TotalReuses) / float64(total)
	}
	return stats
}

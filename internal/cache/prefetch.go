package cache

import (
	"context"
	"fmt"
	"path"
	"regexp"
	"strconv"
	"sync"

	"github.com/mangacache/mangacache/pkg/types"
	"github.com/mangacache/mangacache/pkg/utils"
)

// PrefetchConfig configures the prefetch engine
type PrefetchConfig struct {
	Enabled     bool `yaml:"enabled"`
	Lookahead   int  `yaml:"lookahead"`
	MaxInFlight int  `yaml:"max_in_flight"`
}

// DefaultPrefetchConfig looks three pages ahead with at most eight fetches
// in flight
func DefaultPrefetchConfig() PrefetchConfig {
	return PrefetchConfig{
		Enabled:     true,
		Lookahead:   3,
		MaxInFlight: 8,
	}
}

// PrefetchStats tracks prefetch activity
type PrefetchStats struct {
	Scheduled uint64 `json:"scheduled"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
	Dropped   uint64 `json:"dropped"`
	Skipped   uint64 `json:"skipped"`
	InFlight  int    `json:"in_flight"`
}

// prefetchTarget is the cache surface the engine writes through
type prefetchTarget interface {
	Contains(key string) bool
	Set(key string, data []byte) error
}

// PrefetchEngine fetches predicted keys in the background and stores them
// through the normal Set path. Failed fetches are dropped, not retried.
type PrefetchEngine struct {
	config PrefetchConfig
	target prefetchTarget
	logger *utils.StructuredLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	inFlight map[string]struct{}
	closed   bool
	stats    PrefetchStats
}

// NewPrefetchEngine creates an engine writing into target
func NewPrefetchEngine(config PrefetchConfig, target prefetchTarget, logger *utils.StructuredLogger) *PrefetchEngine {
	if config.Lookahead <= 0 {
		config.Lookahead = DefaultPrefetchConfig().Lookahead
	}
	if config.MaxInFlight <= 0 {
		config.MaxInFlight = DefaultPrefetchConfig().MaxInFlight
	}
	if logger == nil {
		logger = utils.NewDiscardLogger()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &PrefetchEngine{
		config:   config,
		target:   target,
		logger:   logger.WithComponent("prefetch"),
		ctx:      ctx,
		cancel:   cancel,
		inFlight: make(map[string]struct{}),
	}
}

// pageNumber matches the last run of digits in a file name
var pageNumber = regexp.MustCompile(`^(.*?)(\d+)(\D*)$`)

// PredictNext returns the n keys that follow key in numeric order, keeping
// the zero padding of the page number: "v1/009.jpg" → "v1/010.jpg", ...
// Keys without a number in their file name have no successors.
func PredictNext(key string, n int) []string {
	dir, file := path.Split(key)
	m := pageNumber.FindStringSubmatch(file)
	if m == nil {
		return nil
	}
	num, err := strconv.ParseUint(m[2], 10, 64)
	if err != nil {
		return nil
	}

	width := len(m[2])
	next := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		next = append(next, fmt.Sprintf("%s%s%0*d%s", dir, m[1], width, num+uint64(i), m[3]))
	}
	return next
}

// Prefetch schedules background fetches for the keys predicted after key
// and returns how many were started. Keys already resident or in flight
// are skipped; keys over the in-flight bound are dropped.
func (p *PrefetchEngine) Prefetch(key string, fetch types.Fetcher) int {
	if !p.config.Enabled || fetch == nil {
		return 0
	}

	started := 0
	for _, candidate := range PredictNext(key, p.config.Lookahead) {
		if p.target.Contains(candidate) {
			p.mu.Lock()
			p.stats.Skipped++
			p.mu.Unlock()
			continue
		}
		if p.start(candidate, fetch) {
			started++
		}
	}
	return started
}

// start marks key in flight and launches its fetch
func (p *PrefetchEngine) start(key string, fetch types.Fetcher) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return false
	}
	if _, busy := p.inFlight[key]; busy {
		p.stats.Skipped++
		return false
	}
	if len(p.inFlight) >= p.config.MaxInFlight {
		p.stats.Dropped++
		return false
	}

	p.inFlight[key] = struct{}{}
	p.stats.Scheduled++
	p.wg.Add(1)
	go p.run(key, fetch)
	return true
}

func (p *PrefetchEngine) run(key string, fetch types.Fetcher) {
	defer p.wg.Done()

	data, err := fetch(p.ctx, key)
	if err == nil && p.ctx.Err() == nil {
		err = p.target.Set(key, data)
	} else if err == nil {
		err = p.ctx.Err()
	}

	p.mu.Lock()
	delete(p.inFlight, key)
	if err != nil {
		p.stats.Failed++
	} else {
		p.stats.Completed++
	}
	p.mu.Unlock()

	if err != nil {
		p.logger.Debug("Prefetch failed", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
	}
}

// Wait blocks until every started fetch has finished
func (p *PrefetchEngine) Wait() {
	p.wg.Wait()
}

// Close cancels in-flight fetches, waits for them and refuses new ones
func (p *PrefetchEngine) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
}

// Stats returns a snapshot of prefetch counters
func (p *PrefetchEngine) Stats() PrefetchStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	stats := p.stats
	stats.InFlight = len(p.inFlight)
	return stats
}

// Package maintenance runs the periodic housekeeping of the page cache and
// its buffer pool on one background goroutine.
package maintenance

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mangacache/mangacache/pkg/errors"
	"github.com/mangacache/mangacache/pkg/utils"
)

// Sweeper drops expired cache entries
type Sweeper interface {
	SweepExpired() int
}

// PoolMaintainer keeps the buffer pool sized to demand
type PoolMaintainer interface {
	PrewarmHotClasses() int
	Trim(maxAge time.Duration) int
}

// Config holds task intervals. A zero interval disables that task.
type Config struct {
	SweepInterval   time.Duration `yaml:"sweep_interval"`
	PrewarmInterval time.Duration `yaml:"prewarm_interval"`
	TrimInterval    time.Duration `yaml:"trim_interval"`
	TrimMaxAge      time.Duration `yaml:"trim_max_age"`

	Logger *utils.StructuredLogger `yaml:"-"`
}

// DefaultConfig sweeps every minute, prewarms every 10s and trims idle
// buffers older than 5m every 5m
func DefaultConfig() Config {
	return Config{
		SweepInterval:   time.Minute,
		PrewarmInterval: 10 * time.Second,
		TrimInterval:    5 * time.Minute,
		TrimMaxAge:      5 * time.Minute,
	}
}

// Task names
const (
	TaskSweep   = "ttl_sweep"
	TaskPrewarm = "pool_prewarm"
	TaskTrim    = "pool_trim"
)

// TaskStats records how often a task ran and what it did
type TaskStats struct {
	Name       string        `json:"name"`
	Interval   time.Duration `json:"interval"`
	Runs       uint64        `json:"runs"`
	Total      uint64        `json:"total"`
	LastResult int           `json:"last_result"`
	LastRun    time.Time     `json:"last_run"`
}

type task struct {
	name     string
	interval time.Duration
	run      func() int
}

// Scheduler runs maintenance tasks on their own tickers. Tasks run one at a
// time and go through the cache and pool locks, so they never overlap a
// foreground mutation.
type Scheduler struct {
	config Config
	logger *utils.StructuredLogger
	tasks  []task

	mu    sync.Mutex
	stats map[string]*TaskStats

	stopCh chan struct{}
	wg     sync.WaitGroup
	active int32
}

// New creates a scheduler for cache and pool. pool may be nil.
func New(config Config, cache Sweeper, pool PoolMaintainer) *Scheduler {
	if config.Logger == nil {
		logger, _ := utils.NewStructuredLogger(utils.DefaultStructuredLoggerConfig())
		config.Logger = logger
	}

	s := &Scheduler{
		config: config,
		logger: config.Logger.WithComponent("maintenance"),
		stats:  make(map[string]*TaskStats),
		stopCh: make(chan struct{}),
	}

	if cache != nil {
		s.add(TaskSweep, config.SweepInterval, cache.SweepExpired)
	}
	if pool != nil {
		s.add(TaskPrewarm, config.PrewarmInterval, pool.PrewarmHotClasses)
		maxAge := config.TrimMaxAge
		s.add(TaskTrim, config.TrimInterval, func() int { return pool.Trim(maxAge) })
	}
	return s
}

func (s *Scheduler) add(name string, interval time.Duration, run func() int) {
	s.tasks = append(s.tasks, task{name: name, interval: interval, run: run})
	s.stats[name] = &TaskStats{Name: name, Interval: interval}
}

// Start launches the maintenance goroutine. It stops when ctx is done or
// Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.active, 0, 1) {
		return errors.NewError(errors.ErrCodeAlreadyStarted, "scheduler already running").
			WithComponent("maintenance")
	}

	s.logger.Info("Starting maintenance scheduler", map[string]interface{}{
		"sweep_interval":   s.config.SweepInterval.String(),
		"prewarm_interval": s.config.PrewarmInterval.String(),
		"trim_interval":    s.config.TrimInterval.String(),
	})

	s.wg.Add(1)
	go s.loop(ctx)
	return nil
}

// Stop halts the goroutine and waits for a running task to finish
func (s *Scheduler) Stop() error {
	if !atomic.CompareAndSwapInt32(&s.active, 1, 0) {
		return nil
	}

	s.logger.Info("Stopping maintenance scheduler")
	close(s.stopCh)
	s.wg.Wait()
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	tick := make(chan int, len(s.tasks))
	var tickers []*time.Ticker
	var forwarders sync.WaitGroup
	done := make(chan struct{})

	for i, t := range s.tasks {
		if t.interval <= 0 {
			continue
		}
		ticker := time.NewTicker(t.interval)
		tickers = append(tickers, ticker)

		forwarders.Add(1)
		go func(i int, c <-chan time.Time) {
			defer forwarders.Done()
			for {
				select {
				case <-c:
					select {
					case tick <- i:
					default:
					}
				case <-done:
					return
				}
			}
		}(i, ticker.C)
	}

	defer func() {
		close(done)
		for _, ticker := range tickers {
			ticker.Stop()
		}
		forwarders.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case i := <-tick:
			s.runTask(s.tasks[i])
		}
	}
}

func (s *Scheduler) runTask(t task) int {
	start := time.Now()
	result := t.run()

	s.mu.Lock()
	st := s.stats[t.name]
	st.Runs++
	st.Total += uint64(result)
	st.LastResult = result
	st.LastRun = start
	s.mu.Unlock()

	s.logger.Debug("Maintenance task finished", map[string]interface{}{
		"task":     t.name,
		"result":   result,
		"duration": time.Since(start).String(),
	})
	return result
}

// RunOnce runs every task immediately, in order, and returns each result
func (s *Scheduler) RunOnce() map[string]int {
	results := make(map[string]int, len(s.tasks))
	for _, t := range s.tasks {
		results[t.name] = s.runTask(t)
	}
	return results
}

// Stats returns a snapshot of every task in registration order
func (s *Scheduler) Stats() []TaskStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]TaskStats, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, *s.stats[t.name])
	}
	return out
}

package maintenance

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mangacache/mangacache/pkg/errors"
	"github.com/mangacache/mangacache/pkg/utils"
)

type countingSweeper struct {
	calls int32
}

func (s *countingSweeper) SweepExpired() int {
	atomic.AddInt32(&s.calls, 1)
	return 2
}

type countingPool struct {
	prewarms int32
	trims    int32
	maxAge   atomic.Value
}

func (p *countingPool) PrewarmHotClasses() int {
	atomic.AddInt32(&p.prewarms, 1)
	return 3
}

func (p *countingPool) Trim(maxAge time.Duration) int {
	atomic.AddInt32(&p.trims, 1)
	p.maxAge.Store(maxAge)
	return 1
}

func testConfig() Config {
	config := DefaultConfig()
	config.Logger = utils.NewDiscardLogger()
	return config
}

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	assert.Equal(t, time.Minute, config.SweepInterval)
	assert.Equal(t, 10*time.Second, config.PrewarmInterval)
	assert.Equal(t, 5*time.Minute, config.TrimInterval)
	assert.Equal(t, 5*time.Minute, config.TrimMaxAge)
}

func TestRunOnce(t *testing.T) {
	sweeper := &countingSweeper{}
	pool := &countingPool{}
	config := testConfig()
	config.TrimMaxAge = time.Minute

	s := New(config, sweeper, pool)
	results := s.RunOnce()

	assert.Equal(t, map[string]int{TaskSweep: 2, TaskPrewarm: 3, TaskTrim: 1}, results)
	assert.Equal(t, int32(1), atomic.LoadInt32(&sweeper.calls))
	assert.Equal(t, time.Minute, pool.maxAge.Load())

	stats := s.Stats()
	require.Len(t, stats, 3)
	assert.Equal(t, TaskSweep, stats[0].Name)
	assert.Equal(t, uint64(1), stats[0].Runs)
	assert.Equal(t, uint64(2), stats[0].Total)
	assert.False(t, stats[0].LastRun.IsZero())

	s.RunOnce()
	stats = s.Stats()
	assert.Equal(t, uint64(2), stats[1].Runs)
	assert.Equal(t, uint64(6), stats[1].Total)
	assert.Equal(t, 3, stats[1].LastResult)
}

func TestNilPoolOnlySweeps(t *testing.T) {
	s := New(testConfig(), &countingSweeper{}, nil)
	results := s.RunOnce()
	assert.Equal(t, map[string]int{TaskSweep: 2}, results)
	assert.Len(t, s.Stats(), 1)
}

func TestStartRunsTasksOnTickers(t *testing.T) {
	sweeper := &countingSweeper{}
	pool := &countingPool{}
	config := testConfig()
	config.SweepInterval = 5 * time.Millisecond
	config.PrewarmInterval = 5 * time.Millisecond
	config.TrimInterval = 0

	s := New(config, sweeper, pool)
	require.NoError(t, s.Start(context.Background()))

	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(&sweeper.calls) >= 2 && atomic.LoadInt32(&pool.prewarms) >= 2
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, s.Stop())
	assert.Zero(t, atomic.LoadInt32(&pool.trims), "a zero interval disables the task")

	after := atomic.LoadInt32(&sweeper.calls)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, atomic.LoadInt32(&sweeper.calls), "no runs after Stop")
}

func TestStartTwice(t *testing.T) {
	s := New(testConfig(), &countingSweeper{}, nil)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	err := s.Start(context.Background())
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeAlreadyStarted))
}

func TestStopWithoutStart(t *testing.T) {
	s := New(testConfig(), &countingSweeper{}, nil)
	assert.NoError(t, s.Stop())
}

func TestContextCancelStopsLoop(t *testing.T) {
	sweeper := &countingSweeper{}
	config := testConfig()
	config.SweepInterval = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	s := New(config, sweeper, nil)
	require.NoError(t, s.Start(ctx))

	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(&sweeper.calls) >= 1
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, s.Stop())
}

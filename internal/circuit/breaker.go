// Package circuit guards an origin that keeps failing: after enough failures
// in a window the breaker opens and calls fail fast until a probe succeeds.
package circuit

import (
	"context"
	stderr "errors"
	"sync"
	"time"

	"github.com/mangacache/mangacache/pkg/errors"
	"github.com/mangacache/mangacache/pkg/utils"
)

// State represents the circuit breaker state
type State int

const (
	// StateClosed lets every call through
	StateClosed State = iota
	// StateOpen rejects every call until OpenTimeout passes
	StateOpen
	// StateHalfOpen lets a few probe calls through
	StateHalfOpen
)

// String returns string representation of state
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config contains circuit breaker configuration
type Config struct {
	// Probe calls allowed while half-open
	MaxHalfOpenRequests uint32 `yaml:"max_half_open_requests"`

	// Closed-state counting window; counts reset when it elapses
	Window time.Duration `yaml:"window"`

	// How long the breaker stays open before probing
	OpenTimeout time.Duration `yaml:"open_timeout"`

	// Trip once MinRequests calls were made and FailureRatio of them failed
	MinRequests  uint32  `yaml:"min_requests"`
	FailureRatio float64 `yaml:"failure_ratio"`

	IsFailure func(err error) bool    `yaml:"-"`
	Clock     func() time.Time        `yaml:"-"`
	Logger    *utils.StructuredLogger `yaml:"-"`
}

// DefaultConfig trips at half of at least 10 calls and probes after 30s
func DefaultConfig() Config {
	return Config{
		MaxHalfOpenRequests: 1,
		Window:              time.Minute,
		OpenTimeout:         30 * time.Second,
		MinRequests:         10,
		FailureRatio:        0.5,
	}
}

// Counts holds the numbers of requests and their successes/failures
type Counts struct {
	Requests             uint32 `json:"requests"`
	TotalSuccesses       uint32 `json:"total_successes"`
	TotalFailures        uint32 `json:"total_failures"`
	ConsecutiveSuccesses uint32 `json:"consecutive_successes"`
	ConsecutiveFailures  uint32 `json:"consecutive_failures"`
}

// Stats is a snapshot of one breaker
type Stats struct {
	Name        string `json:"name"`
	State       string `json:"state"`
	Counts      Counts `json:"counts"`
	Rejected    uint64 `json:"rejected"`
	Transitions uint64 `json:"transitions"`
}

var (
	// ErrOpenState is returned while the breaker is open
	ErrOpenState = newCircuitError("circuit breaker is open")

	// ErrTooManyRequests is returned when the half-open probe budget is spent
	ErrTooManyRequests = newCircuitError("too many requests in half-open state")
)

func newCircuitError(message string) *errors.CacheError {
	return errors.NewError(errors.ErrCodeCircuitOpen, message).WithComponent("circuit")
}

// Breaker implements the circuit breaker pattern
type Breaker struct {
	name   string
	config Config
	logger *utils.StructuredLogger

	mu          sync.Mutex
	state       State
	counts      Counts
	expiry      time.Time
	rejected    uint64
	transitions uint64
}

// New creates a breaker; zero config fields take DefaultConfig values
func New(name string, config Config) *Breaker {
	defaults := DefaultConfig()
	if config.MaxHalfOpenRequests == 0 {
		config.MaxHalfOpenRequests = defaults.MaxHalfOpenRequests
	}
	if config.Window <= 0 {
		config.Window = defaults.Window
	}
	if config.OpenTimeout <= 0 {
		config.OpenTimeout = defaults.OpenTimeout
	}
	if config.MinRequests == 0 {
		config.MinRequests = defaults.MinRequests
	}
	if config.FailureRatio <= 0 || config.FailureRatio > 1 {
		config.FailureRatio = defaults.FailureRatio
	}
	if config.IsFailure == nil {
		config.IsFailure = IsOriginFailure
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}
	if config.Logger == nil {
		config.Logger = utils.NewDiscardLogger()
	}

	return &Breaker{
		name:   name,
		config: config,
		logger: config.Logger.WithComponent("circuit").WithField("breaker", name),
		state:  StateClosed,
		expiry: config.Clock().Add(config.Window),
	}
}

// IsOriginFailure counts an error against the origin unless the origin
// answered correctly (missing page, bad key, page over the size limit)
// or the caller gave up.
func IsOriginFailure(err error) bool {
	if err == nil {
		return false
	}
	switch errors.CodeOf(err) {
	case errors.ErrCodeObjectNotFound, errors.ErrCodePathInvalid, errors.ErrCodeAccessDenied,
		errors.ErrCodeEntryTooLarge:
		return false
	}
	return !stderr.Is(err, context.Canceled)
}

// Name returns the name of the breaker
func (b *Breaker) Name() string {
	return b.name
}

// Execute runs fn if the breaker allows it and records the outcome
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := b.beforeRequest(); err != nil {
		return err
	}

	err := fn(ctx)
	b.afterRequest(err)
	return err
}

func (b *Breaker) beforeRequest() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.currentState(b.config.Clock()) {
	case StateOpen:
		b.rejected++
		return ErrOpenState
	case StateHalfOpen:
		if b.counts.Requests >= b.config.MaxHalfOpenRequests {
			b.rejected++
			return ErrTooManyRequests
		}
	}

	b.counts.Requests++
	return nil
}

func (b *Breaker) afterRequest(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.config.Clock()
	state := b.currentState(now)

	if !b.config.IsFailure(err) {
		b.counts.onSuccess()
		if state == StateHalfOpen {
			b.setState(StateClosed, now)
		}
		return
	}

	b.counts.onFailure()
	switch state {
	case StateClosed:
		if b.readyToTrip() {
			b.setState(StateOpen, now)
		}
	case StateHalfOpen:
		b.setState(StateOpen, now)
	}
}

func (b *Breaker) readyToTrip() bool {
	if b.counts.Requests < b.config.MinRequests {
		return false
	}
	return float64(b.counts.TotalFailures)/float64(b.counts.Requests) >= b.config.FailureRatio
}

// currentState advances time-driven transitions
func (b *Breaker) currentState(now time.Time) State {
	switch b.state {
	case StateClosed:
		if b.expiry.Before(now) {
			b.counts = Counts{}
			b.expiry = now.Add(b.config.Window)
		}
	case StateOpen:
		if b.expiry.Before(now) {
			b.setState(StateHalfOpen, now)
		}
	}
	return b.state
}

func (b *Breaker) setState(state State, now time.Time) {
	if b.state == state {
		return
	}

	prev := b.state
	b.state = state
	b.counts = Counts{}
	b.transitions++

	switch state {
	case StateClosed:
		b.expiry = now.Add(b.config.Window)
	case StateOpen:
		b.expiry = now.Add(b.config.OpenTimeout)
	case StateHalfOpen:
		b.expiry = time.Time{}
	}

	fields := map[string]interface{}{"from": prev.String(), "to": state.String()}
	if state == StateOpen {
		b.logger.Warn("Circuit breaker opened", fields)
	} else {
		b.logger.Info("Circuit breaker state changed", fields)
	}
}

// State returns the current state
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentState(b.config.Clock())
}

// Counts returns a copy of the current counts
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

// Stats returns a snapshot for the stats endpoint
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	state := b.currentState(b.config.Clock())
	return Stats{
		Name:        b.name,
		State:       state.String(),
		Counts:      b.counts,
		Rejected:    b.rejected,
		Transitions: b.transitions,
	}
}

// Reset closes the breaker and clears its counts
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.setState(StateClosed, b.config.Clock())
	b.counts = Counts{}
}

func (c *Counts) onSuccess() {
	c.TotalSuccesses++
	c.ConsecutiveSuccesses++
	c.ConsecutiveFailures = 0
}

func (c *Counts) onFailure() {
	c.TotalFailures++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
}

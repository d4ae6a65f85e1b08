// Package retry re-runs origin reads that failed with a transient error,
// backing off exponentially between attempts.
package retry

import (
	"context"
	stderr "errors"
	"math"
	"math/rand"
	"time"

	"github.com/mangacache/mangacache/pkg/errors"
)

// Config describes a retry policy
type Config struct {
	// MaxAttempts counts the first call
	MaxAttempts int `yaml:"max_attempts"`

	// InitialDelay is the wait before the second attempt
	InitialDelay time.Duration `yaml:"initial_delay"`

	// MaxDelay caps the wait between attempts
	MaxDelay time.Duration `yaml:"max_delay"`

	// Multiplier grows the wait after every failed attempt
	Multiplier float64 `yaml:"multiplier"`

	// Jitter spreads each wait by up to 20% either way
	Jitter bool `yaml:"jitter"`

	// RetryableErrors are retried even when their code is not flagged retryable
	RetryableErrors []errors.ErrorCode `yaml:"retryable_errors"`

	// OnRetry runs before each wait
	OnRetry func(attempt int, err error, delay time.Duration) `yaml:"-"`
}

// DefaultConfig returns the policy used for direct page loads: three
// attempts, 50ms doubling up to 2s
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: 50 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
		RetryableErrors: []errors.ErrorCode{
			errors.ErrCodeConnectionFailed,
			errors.ErrCodeNetworkError,
			errors.ErrCodeStorageRead,
			errors.ErrCodeOperationTimeout,
		},
	}
}

// Validate rejects policies that would never make a call or never wait
func (c Config) Validate() error {
	switch {
	case c.MaxAttempts < 1:
		return errors.Newf(errors.ErrCodeInvalidConfig, "max_attempts must be at least 1, got %d", c.MaxAttempts).
			WithComponent("retry")
	case c.InitialDelay < 0 || c.MaxDelay < c.InitialDelay:
		return errors.Newf(errors.ErrCodeInvalidConfig, "need 0 <= initial_delay <= max_delay, got %s/%s",
			c.InitialDelay, c.MaxDelay).WithComponent("retry")
	case c.Multiplier < 1:
		return errors.Newf(errors.ErrCodeInvalidConfig, "multiplier must be at least 1, got %.2f", c.Multiplier).
			WithComponent("retry")
	}
	return nil
}

// Retryer applies a Config. It is safe for concurrent use.
type Retryer struct {
	config Config
}

// New creates a Retryer. Zero fields take their DefaultConfig values.
func New(config Config) *Retryer {
	def := DefaultConfig()
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = def.MaxAttempts
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = def.InitialDelay
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = def.MaxDelay
	}
	if config.Multiplier <= 0 {
		config.Multiplier = def.Multiplier
	}
	return &Retryer{config: config}
}

// Config returns the effective policy
func (r *Retryer) Config() Config {
	return r.config
}

// WithOnRetry returns a copy of r that calls callback before each wait
func (r *Retryer) WithOnRetry(callback func(attempt int, err error, delay time.Duration)) *Retryer {
	config := r.config
	config.OnRetry = callback
	return &Retryer{config: config}
}

// Do runs fn until it succeeds or the policy gives up. A non-retryable
// error comes back unchanged; running out of attempts yields
// RETRY_EXHAUSTED wrapping the last error; a done ctx yields
// OPERATION_CANCELED.
func (r *Retryer) Do(ctx context.Context, fn func(context.Context) error) error {
	_, err := Value(ctx, r, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Value is Do for calls that return a result
func Value[T any](ctx context.Context, r *Retryer, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, canceled(err, attempt-1)
		}

		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err

		if !r.Retryable(err) {
			return zero, err
		}
		if attempt == r.config.MaxAttempts {
			break
		}

		delay := r.Backoff(attempt)
		if r.config.OnRetry != nil {
			r.config.OnRetry(attempt, err, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, canceled(ctx.Err(), attempt)
		case <-timer.C:
		}
	}

	return zero, errors.Wrap(lastErr, errors.ErrCodeRetryExhausted, "max retry attempts exceeded").
		WithDetail("attempts", r.config.MaxAttempts)
}

func canceled(cause error, attempts int) error {
	return errors.Wrap(cause, errors.ErrCodeOperationCanceled, "operation canceled").
		WithDetail("attempts", attempts)
}

// Retryable reports whether err is worth another attempt. Only coded
// errors are retried.
func (r *Retryer) Retryable(err error) bool {
	var ce *errors.CacheError
	if !stderr.As(err, &ce) {
		return false
	}
	if ce.Retryable {
		return true
	}
	for _, code := range r.config.RetryableErrors {
		if ce.Code == code {
			return true
		}
	}
	return false
}

// Backoff returns the wait after the given failed attempt:
// InitialDelay * Multiplier^(attempt-1), capped at MaxDelay, then jittered
func (r *Retryer) Backoff(attempt int) time.Duration {
	delay := float64(r.config.InitialDelay) * math.Pow(r.config.Multiplier, float64(attempt-1))
	if ceiling := float64(r.config.MaxDelay); delay > ceiling {
		delay = ceiling
	}
	if r.config.Jitter {
		delay += delay * 0.2 * (rand.Float64()*2 - 1)
	}
	return time.Duration(delay)
}

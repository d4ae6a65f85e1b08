package origin

import (
	"context"
	"time"

	"github.com/mangacache/mangacache/pkg/retry"
	"github.com/mangacache/mangacache/pkg/types"
	"github.com/mangacache/mangacache/pkg/utils"
)

// Retrying retries transient origin failures with exponential backoff.
// Prefetches use the bare origin instead.
type Retrying struct {
	origin  types.Origin
	retryer *retry.Retryer
}

// NewRetrying wraps origin with config's retry policy
func NewRetrying(origin types.Origin, config retry.Config, logger *utils.StructuredLogger) *Retrying {
	if logger == nil {
		logger = utils.NewDiscardLogger()
	}
	log := logger.WithComponent("origin").WithField("origin", origin.Name())

	retryer := retry.New(config).WithOnRetry(func(attempt int, err error, delay time.Duration) {
		log.Debug("Retrying origin request", map[string]interface{}{
			"attempt": attempt,
			"delay":   delay.String(),
			"error":   err.Error(),
		})
	})
	return &Retrying{origin: origin, retryer: retryer}
}

// Name implements types.Origin
func (r *Retrying) Name() string {
	return r.origin.Name()
}

// Fetch implements types.Origin
func (r *Retrying) Fetch(ctx context.Context, key string) ([]byte, error) {
	return retry.Value(ctx, r.retryer, func(ctx context.Context) ([]byte, error) {
		return r.origin.Fetch(ctx, key)
	})
}

// Stat implements types.Origin
func (r *Retrying) Stat(ctx context.Context, key string) (*types.ObjectInfo, error) {
	return retry.Value(ctx, r.retryer, func(ctx context.Context) (*types.ObjectInfo, error) {
		return r.origin.Stat(ctx, key)
	})
}

// Ping passes through to the wrapped origin
func (r *Retrying) Ping(ctx context.Context) error {
	if p, ok := r.origin.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

package origin

import (
	"context"

	"github.com/mangacache/mangacache/internal/circuit"
	"github.com/mangacache/mangacache/pkg/types"
)

// Guarded sends every origin call through a circuit breaker
type Guarded struct {
	origin  types.Origin
	breaker *circuit.Breaker
}

// NewGuarded wraps origin with a breaker built from config
func NewGuarded(origin types.Origin, config circuit.Config) *Guarded {
	return &Guarded{
		origin:  origin,
		breaker: circuit.New(origin.Name(), config),
	}
}

// Name implements types.Origin
func (g *Guarded) Name() string {
	return g.origin.Name()
}

// Fetch implements types.Origin
func (g *Guarded) Fetch(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := g.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		data, err = g.origin.Fetch(ctx, key)
		return err
	})
	return data, err
}

// Stat implements types.Origin
func (g *Guarded) Stat(ctx context.Context, key string) (*types.ObjectInfo, error) {
	var info *types.ObjectInfo
	err := g.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		info, err = g.origin.Stat(ctx, key)
		return err
	})
	return info, err
}

// Ping reports the breaker state first, then asks the origin if it can
func (g *Guarded) Ping(ctx context.Context) error {
	if g.breaker.State() == circuit.StateOpen {
		return circuit.ErrOpenState
	}
	if p, ok := g.origin.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

// Breaker exposes the breaker for stats
func (g *Guarded) Breaker() *circuit.Breaker {
	return g.breaker
}

package types

import (
	"context"
)

// Fetcher loads the bytes for a key from outside the cache. It owns its
// own timeout; ctx is cancelled when the caller shuts down.
type Fetcher func(ctx context.Context, key string) ([]byte, error)

// Origin is the storage a cache sits in front of
type Origin interface {
	Fetch(ctx context.Context, key string) ([]byte, error)
	Stat(ctx context.Context, key string) (*ObjectInfo, error)
	Name() string
}

// PressureHandler reacts to memory pressure samples and reports how many
// entries it shed
type PressureHandler interface {
	HandleMemoryPressure(level PressureLevel) int
}

// FetcherFor adapts an Origin to a Fetcher
func FetcherFor(o Origin) Fetcher {
	return o.Fetch
}

package cache

import (
	"context"
	stderr "errors"
	"time"

	"github.com/mangacache/mangacache/pkg/errors"
	"github.com/mangacache/mangacache/pkg/types"
	"github.com/mangacache/mangacache/pkg/utils"
)

// LoaderConfig configures a read-through Loader
type LoaderConfig struct {
	// Fetch loads a key on a miss
	Fetch types.Fetcher

	// PrefetchFetch loads predicted keys; defaults to Fetch
	PrefetchFetch types.Fetcher

	// PrefetchTimeout bounds each background fetch
	PrefetchTimeout time.Duration

	Logger *utils.StructuredLogger
}

// Loader is the read-through path of the serving layer: cache lookup,
// origin fetch on a miss, store, then prefetch of the following pages.
type Loader struct {
	cache    *TieredCache
	fetch    types.Fetcher
	prefetch types.Fetcher
	logger   *utils.StructuredLogger
}

// NewLoader creates a loader in front of c
func NewLoader(c *TieredCache, config LoaderConfig) (*Loader, error) {
	if c == nil || config.Fetch == nil {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "loader needs a cache and a fetcher").
			WithComponent("loader")
	}
	if config.PrefetchFetch == nil {
		config.PrefetchFetch = config.Fetch
	}
	if config.Logger == nil {
		config.Logger = utils.NewDiscardLogger()
	}

	return &Loader{
		cache:    c,
		fetch:    config.Fetch,
		prefetch: withTimeout(config.PrefetchFetch, config.PrefetchTimeout),
		logger:   config.Logger.WithComponent("loader"),
	}, nil
}

func withTimeout(fetch types.Fetcher, timeout time.Duration) types.Fetcher {
	if timeout <= 0 {
		return fetch
	}
	return func(ctx context.Context, key string) ([]byte, error) {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return fetch(ctx, key)
	}
}

// Load returns the bytes for key from the cache or, on a miss, from the
// origin. A page that cannot be cached is still served.
func (l *Loader) Load(ctx context.Context, key string) ([]byte, error) {
	data, _, err := l.LoadWithStatus(ctx, key)
	return data, err
}

// LoadWithStatus is Load that also reports whether the cache served the page
func (l *Loader) LoadWithStatus(ctx context.Context, key string) ([]byte, bool, error) {
	normalized, err := utils.NormalizeKey(key)
	if err != nil {
		return nil, false, errors.Wrap(err, errors.ErrCodePathInvalid, "invalid key").
			WithComponent("loader").WithDetail("key", key)
	}

	if data, ok := l.cache.Get(normalized); ok {
		l.cache.Prefetch(normalized, l.prefetch)
		return data, true, nil
	}

	data, err := l.fetch(ctx, normalized)
	if err != nil {
		return nil, false, err
	}

	if err := l.cache.Set(normalized, data); err != nil {
		if stderr.Is(err, ErrEntryTooLarge) {
			l.logger.Debug("Serving uncached page", map[string]interface{}{
				"key":  normalized,
				"size": utils.FormatBytes(int64(len(data))),
			})
		} else {
			l.logger.Warn("Failed to cache page", map[string]interface{}{
				"key":   normalized,
				"error": err.Error(),
			})
		}
	}

	l.cache.Prefetch(normalized, l.prefetch)
	return data, false, nil
}

/*
Package types holds the small set of contracts shared between mangacache
packages that must not import each other.

# Memory pressure

PressureLevel is produced by the memory monitor (pkg/memmon) and consumed by
the tiered cache (internal/cache). Levels are ordered, so callers may compare
them directly:

	if level >= types.PressureMedium {
		// shed warm entries too
	}

# Origins and fetchers

An Origin is wherever page bytes live when they are not cached: a directory
tree on local disk or an S3 bucket (internal/origin). Fetcher is the function
shape the prefetch engine consumes; every Origin converts to one with
FetcherFor.

	fetch := types.FetcherFor(origin)
	cache.Prefetch("series/vol1/001.jpg", fetch)
*/
package types

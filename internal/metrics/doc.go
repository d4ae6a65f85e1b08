/*
Package metrics exports mangacache state over HTTP.

Architecture

	┌─────────────┐   scrape    ┌──────────────────────────────┐
	│  Collector  │ ──────────▶ │ sources: cache, memmon,      │
	└──────┬──────┘             │ breaker, maintenance         │
	       │                    └──────────────────────────────┘
	┌──────▼─────────────────────────┐
	│ HTTP                           │
	│  /metrics  Prometheus registry │
	│  /stats    JSON snapshot       │
	│  /health   registered checks   │
	│  extra handlers (e.g. /pages/) │
	└────────────────────────────────┘

Components keep plain counters in their own Stats snapshots. The collector
reads those snapshots at scrape time and emits const metrics, so nothing
outside this package imports Prometheus. Page loads are recorded directly:

	start := time.Now()
	data, err := loader.Load(ctx, key)
	if err != nil {
		collector.RecordError(err)
		collector.RecordLoad(metrics.ResultError, time.Since(start), 0)
	}
*/
package metrics

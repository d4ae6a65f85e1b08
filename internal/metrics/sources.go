package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mangacache/mangacache/internal/circuit"
)

// sourceCollector turns component snapshots into const metrics at scrape
// time, so components keep plain counters and never import Prometheus.
type sourceCollector struct {
	sources Sources

	tierEntries     *prometheus.Desc
	tierBytes       *prometheus.Desc
	tierMaxBytes    *prometheus.Desc
	tierHits        *prometheus.Desc
	tierMisses      *prometheus.Desc
	tierEvictions   *prometheus.Desc
	tierPromotions  *prometheus.Desc
	tierDemotions   *prometheus.Desc
	tierExpirations *prometheus.Desc

	cacheHits         *prometheus.Desc
	cacheMisses       *prometheus.Desc
	cacheHitRatio     *prometheus.Desc
	cacheSets         *prometheus.Desc
	cacheRejected     *prometheus.Desc
	pressureEvictions *prometheus.Desc
	trackedKeys       *prometheus.Desc

	prefetch         *prometheus.Desc
	prefetchInFlight *prometheus.Desc

	poolFree      *prometheus.Desc
	poolAllocs    *prometheus.Desc
	poolReuses    *prometheus.Desc
	poolHot       *prometheus.Desc
	poolOversized *prometheus.Desc
	poolDirect    *prometheus.Desc
	poolForeign   *prometheus.Desc
	poolFreeBytes *prometheus.Desc
	poolHitRatio  *prometheus.Desc

	heapBytes      *prometheus.Desc
	memoryLimit    *prometheus.Desc
	pressureLevel  *prometheus.Desc
	pressureEvents *prometheus.Desc
	shedEntries    *prometheus.Desc

	breakerState    *prometheus.Desc
	breakerRejected *prometheus.Desc

	taskRuns  *prometheus.Desc
	taskItems *prometheus.Desc
}

func newSourceCollector(config *Config, sources Sources) *sourceCollector {
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(
			prometheus.BuildFQName(config.Namespace, config.Subsystem, name),
			help, labels, config.Labels,
		)
	}

	return &sourceCollector{
		sources: sources,

		tierEntries:     desc("tier_entries", "Entries resident in a tier", "tier"),
		tierBytes:       desc("tier_bytes", "Bytes resident in a tier", "tier"),
		tierMaxBytes:    desc("tier_max_bytes", "Byte budget of a tier", "tier"),
		tierHits:        desc("tier_hits_total", "Lookups served by a tier", "tier"),
		tierMisses:      desc("tier_misses_total", "Lookups that scanned a tier without a hit", "tier"),
		tierEvictions:   desc("tier_evictions_total", "Entries evicted from a tier", "tier"),
		tierPromotions:  desc("tier_promotions_total", "Entries promoted out of a tier", "tier"),
		tierDemotions:   desc("tier_demotions_total", "Entries demoted out of a tier", "tier"),
		tierExpirations: desc("tier_expirations_total", "Entries expired from a tier", "tier"),

		cacheHits:         desc("cache_hits_total", "Cache lookups that found the key"),
		cacheMisses:       desc("cache_misses_total", "Cache lookups that missed"),
		cacheHitRatio:     desc("cache_hit_ratio", "Hits divided by lookups"),
		cacheSets:         desc("cache_sets_total", "Successful inserts"),
		cacheRejected:     desc("cache_rejected_total", "Inserts refused because no tier could hold the entry"),
		pressureEvictions: desc("cache_pressure_evictions_total", "Entries shed on memory pressure"),
		trackedKeys:       desc("tracked_keys", "Keys with access history"),

		prefetch:         desc("prefetch_total", "Prefetch candidates by outcome", "outcome"),
		prefetchInFlight: desc("prefetch_in_flight", "Prefetch fetches running now"),

		poolFree:      desc("pool_free_buffers", "Idle buffers in a size class", "size"),
		poolAllocs:    desc("pool_allocations_total", "Buffers allocated for a size class", "size"),
		poolReuses:    desc("pool_reuses_total", "Buffers served from a size class free-list", "size"),
		poolHot:       desc("pool_class_hot", "Whether a size class is currently hot", "size"),
		poolOversized: desc("pool_oversized_total", "Requests above the largest size class"),
		poolDirect:    desc("pool_oversized_releases_total", "Releases of direct allocations above the largest size class"),
		poolForeign:   desc("pool_foreign_releases_total", "Releases of buffers no class owns"),
		poolFreeBytes: desc("pool_free_bytes", "Bytes held by idle buffers"),
		poolHitRatio:  desc("pool_hit_ratio", "Reuses divided by acquisitions"),

		heapBytes:      desc("memory_heap_bytes", "Heap in use at the last sample"),
		memoryLimit:    desc("memory_limit_bytes", "Configured memory limit"),
		pressureLevel:  desc("memory_pressure_level", "Current pressure level, 0 none to 3 high"),
		pressureEvents: desc("memory_pressure_events_total", "Samples at or above low pressure"),
		shedEntries:    desc("memory_shed_entries_total", "Entries shed by pressure handlers"),

		breakerState:    desc("origin_breaker_state", "Origin breaker state, 0 closed, 1 open, 2 half-open", "breaker"),
		breakerRejected: desc("origin_breaker_rejected_total", "Origin calls rejected by the breaker", "breaker"),

		taskRuns:  desc("maintenance_runs_total", "Runs of a maintenance task", "task"),
		taskItems: desc("maintenance_items_total", "Items a maintenance task acted on", "task"),
	}
}

// Describe implements prometheus.Collector
func (s *sourceCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		s.tierEntries, s.tierBytes, s.tierMaxBytes, s.tierHits, s.tierMisses,
		s.tierEvictions, s.tierPromotions, s.tierDemotions, s.tierExpirations,
		s.cacheHits, s.cacheMisses, s.cacheHitRatio, s.cacheSets, s.cacheRejected,
		s.pressureEvictions, s.trackedKeys, s.prefetch, s.prefetchInFlight,
		s.poolFree, s.poolAllocs, s.poolReuses, s.poolHot, s.poolOversized,
		s.poolDirect, s.poolForeign, s.poolFreeBytes, s.poolHitRatio,
		s.heapBytes, s.memoryLimit, s.pressureLevel, s.pressureEvents, s.shedEntries,
		s.breakerState, s.breakerRejected, s.taskRuns, s.taskItems,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector
func (s *sourceCollector) Collect(ch chan<- prometheus.Metric) {
	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}
	counter := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, v, labels...)
	}

	if s.sources.Cache != nil {
		stats := s.sources.Cache.GetStats()
		for _, t := range stats.Tiers {
			gauge(s.tierEntries, float64(t.Entries), t.Tier)
			gauge(s.tierBytes, float64(t.Bytes), t.Tier)
			gauge(s.tierMaxBytes, float64(t.MaxBytes), t.Tier)
			counter(s.tierHits, float64(t.Hits), t.Tier)
			counter(s.tierMisses, float64(t.Misses), t.Tier)
			counter(s.tierEvictions, float64(t.Evictions), t.Tier)
			counter(s.tierPromotions, float64(t.Promotions), t.Tier)
			counter(s.tierDemotions, float64(t.Demotions), t.Tier)
			counter(s.tierExpirations, float64(t.Expirations), t.Tier)
		}

		counter(s.cacheHits, float64(stats.Hits))
		counter(s.cacheMisses, float64(stats.Misses))
		gauge(s.cacheHitRatio, stats.HitRate)
		counter(s.cacheSets, float64(stats.Sets))
		counter(s.cacheRejected, float64(stats.Rejected))
		counter(s.pressureEvictions, float64(stats.PressureEvictions))
		gauge(s.trackedKeys, float64(stats.TrackedKeys))

		p := stats.Prefetch
		counter(s.prefetch, float64(p.Scheduled), "scheduled")
		counter(s.prefetch, float64(p.Completed), "completed")
		counter(s.prefetch, float64(p.Failed), "failed")
		counter(s.prefetch, float64(p.Dropped), "dropped")
		counter(s.prefetch, float64(p.Skipped), "skipped")
		gauge(s.prefetchInFlight, float64(p.InFlight))

		if pool := stats.Pool; pool != nil {
			for _, class := range pool.Classes {
				size := strconv.Itoa(class.Size)
				gauge(s.poolFree, float64(class.Free), size)
				counter(s.poolAllocs, float64(class.Allocations), size)
				counter(s.poolReuses, float64(class.Reuses), size)
				gauge(s.poolHot, boolValue(class.Hot), size)
			}
			counter(s.poolOversized, float64(pool.Oversized))
			counter(s.poolDirect, float64(pool.OversizedReleases))
			counter(s.poolForeign, float64(pool.ForeignReleases))
			gauge(s.poolFreeBytes, float64(pool.FreeBytes))
			gauge(s.poolHitRatio, pool.HitRate)
		}
	}

	if s.sources.Memory != nil {
		stats := s.sources.Memory.GetStats()
		gauge(s.heapBytes, float64(stats.CurrentSample.HeapAlloc))
		gauge(s.memoryLimit, float64(stats.MemoryLimit))
		gauge(s.pressureLevel, float64(stats.Pressure))
		counter(s.pressureEvents, float64(stats.PressureEvents))
		counter(s.shedEntries, float64(stats.ShedEntries))
	}

	if s.sources.Breaker != nil {
		stats := s.sources.Breaker.Stats()
		gauge(s.breakerState, breakerStateValue(stats.State), stats.Name)
		counter(s.breakerRejected, float64(stats.Rejected), stats.Name)
	}

	if s.sources.Maintenance != nil {
		for _, task := range s.sources.Maintenance.Stats() {
			counter(s.taskRuns, float64(task.Runs), task.Name)
			counter(s.taskItems, float64(task.Total), task.Name)
		}
	}
}

func breakerStateValue(state string) float64 {
	switch state {
	case circuit.StateOpen.String():
		return 1
	case circuit.StateHalfOpen.String():
		return 2
	default:
		return 0
	}
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

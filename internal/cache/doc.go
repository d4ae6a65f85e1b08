/*
Package cache provides the adaptive three-tier page cache used by mangacache.

Every resident value lives in exactly one tier. Tiers differ in size, TTL
and how many hits an entry needs before it moves:

	┌─────────────────────────────────────────────┐
	│                Serving layer                │
	│        Loader.Load / Get / Set / View       │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│                 TieredCache                 │  ← This Package
	│  ┌──────────┐   ┌──────────┐   ┌──────────┐ │
	│  │   Hot    │ ← │   Warm   │ ← │   Cold   │ │  promotion on hits
	│  │ 20%  60s │ → │ 30% 300s │ → │ 50% 1h   │ │  demotion on eviction
	│  └──────────┘   └──────────┘   └──────────┘ │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│      buffer.PoolManager (1KB .. 32MB)       │
	└─────────────────────────────────────────────┘

# Placement

Set picks the starting tier from the entry size and the key's recent
access history (AccessPatternTracker): small keys read three times within
a second start Hot, anything under 100KB or read twice within five
seconds starts Warm, everything else starts Cold. If the chosen tier
cannot hold the entry at all, the next colder tier is tried.

# Promotion, demotion and eviction

A Get that brings an entry's access count to its tier's promotion
threshold moves it one tier up; never more than one tier per Get. When a
tier is full, the entry with the lowest Score is taken out. If it has
been used at least DemotionThreshold times it moves one tier down with
its access count halved, otherwise it is evicted and its buffer goes
back to the pool.

	score = hits*0.4 + 10000/(ageMs+1)*0.3 + hits/size*1000*0.2 + prefetch*0.1

# Memory pressure

HandleMemoryPressure sheds entries outright, lowest score first:

	Low     10% of Cold
	Medium  25% of Cold and Warm
	High    50% of Cold, Warm and Hot

# Prefetch

After a page is served, PrefetchEngine fetches the next few page numbers
in the same directory ("001.jpg" → "002.jpg" ...) in the background, with
a bounded number of fetches in flight. Failures are dropped. A miss also
raises the prefetch score of resident pages in the same directory, which
makes them slightly harder to evict.

# Usage

	c, err := cache.New(cache.DefaultOptions())
	if err != nil {
		return err
	}
	defer c.Close()

	loader, err := cache.NewLoader(c, cache.LoaderConfig{Fetch: origin.Fetch})
	if err != nil {
		return err
	}
	page, err := loader.Load(ctx, "series/vol1/001.jpg")

All methods are safe for concurrent use. One mutex guards every tier, so
maintenance sweeps never interleave with a foreground mutation.
*/
package cache

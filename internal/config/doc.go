/*
Package config loads mangacache configuration.

Values are layered: NewDefault, then an optional YAML file, then
MANGACACHE_* environment variables, then Validate.

	cfg := config.NewDefault()
	if err := cfg.LoadFromFile("mangacache.yaml"); err != nil {
		return err
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	opts, err := cfg.CacheOptions()

Example file:

	global:
	  log_level: INFO
	  log_format: json
	  port: 9090
	cache:
	  budget: 2GB
	  hot:  {share: 20, max_entries: 10000, ttl: 60s, promotion_threshold: 5, demotion_threshold: 1}
	  warm: {share: 30, max_entries: 50000, ttl: 5m, promotion_threshold: 3, demotion_threshold: 1}
	  cold: {share: 50, max_entries: 100000, ttl: 1h, promotion_threshold: 2, demotion_threshold: 0}
	prefetch:
	  enabled: true
	  lookahead: 3
	  max_in_flight: 8
	memory:
	  limit: 3GB
	origin:
	  type: s3
	  s3:
	    bucket: manga-pages
	    prefix: library
	    region: us-east-1

Environment overrides:

	MANGACACHE_LOG_LEVEL, MANGACACHE_LOG_FORMAT, MANGACACHE_LOG_FILE, MANGACACHE_PORT
	MANGACACHE_CACHE_BUDGET, MANGACACHE_CACHE_MAX_TRACKED_KEYS, MANGACACHE_CACHE_SWEEP_INTERVAL
	MANGACACHE_PREFETCH_ENABLED, MANGACACHE_PREFETCH_LOOKAHEAD,
	MANGACACHE_PREFETCH_MAX_IN_FLIGHT, MANGACACHE_PREFETCH_TIMEOUT
	MANGACACHE_MEMORY_LIMIT, MANGACACHE_MEMORY_SAMPLE_INTERVAL
	MANGACACHE_ORIGIN_TYPE, MANGACACHE_ORIGIN_ROOT
	MANGACACHE_S3_BUCKET, MANGACACHE_S3_PREFIX, MANGACACHE_S3_REGION, MANGACACHE_S3_ENDPOINT,
	MANGACACHE_S3_ACCESS_KEY_ID, MANGACACHE_S3_SECRET_ACCESS_KEY, MANGACACHE_S3_FORCE_PATH_STYLE
	MANGACACHE_METRICS_ENABLED

Byte sizes accept SI or IEC suffixes ("512MB", "1GiB"); both are read as
powers of 1024.
*/
package config

/*
Package adapter assembles mangacache from its configuration and serves pages
over HTTP.

New builds the components in dependency order:

	buffer pool ─┐
	             ├─ tiered cache ─┬─ loader ─── /pages/ handler
	origin ──────┘                │
	(breaker, retry)              ├─ maintenance scheduler
	                              ├─ memory monitor (pressure handler)
	                              └─ metrics collector (/metrics, /stats, /health)

Direct page loads go through the retrying origin; prefetches use the
breaker-guarded origin without retries so a failing origin is not hammered
by speculative reads.

# Storage URI

A storage URI given to New replaces the configured origin:

	s3://bucket-name              S3 bucket root
	s3://bucket-name/path/prefix  S3 bucket with a key prefix
	file:///srv/pages             local directory

# Lifecycle

	a, err := adapter.New(ctx, cfg, "s3://manga-pages/library")
	if err != nil {
		log.Fatal(err)
	}
	if err := a.Start(ctx); err != nil {
		log.Fatal(err)
	}
	defer a.Stop(context.Background())

Start launches the scheduler, the monitor and the HTTP server, undoing the
earlier ones if a later one fails. Stop reverses the order and closes the
cache.

# Serving

GET and HEAD on /pages/<key> return the page bytes with a Content-Type taken
from the extension and an X-Cache header of HIT or MISS. Errors map to HTTP
status codes through pkg/errors: a missing page is 404, a bad key 400, an
open breaker 503.
*/
package adapter

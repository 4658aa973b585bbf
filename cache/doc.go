// Package cache provides an asynchronous, size-bounded, expiring loading
// cache with single-flight loads and optional background refresh.
//
// Design
//
//   - Concurrency: a single mutex guards the key index, the recency list,
//     and the running size total. The loader and the single-flight join run
//     outside the lock; the index is re-checked on the way back in, so a
//     racing concurrent load never produces two entries for the same key.
//     There is no sharding — the cache's size invariant (current size never
//     exceeds max size "at rest") is stated over one running total, and
//     splitting that total across shards would only approximate it.
//
//   - Storage: a map[K]*entry for lookups and an intrusive MRU/LRU doubly
//     linked list (recencyList) for eviction order. Operations are O(1)
//     amortized: one map access and a constant number of pointer fixes.
//
//   - Single-flight loading: internal/singleflight.Group coalesces
//     concurrent loads for the same key and reference-counts the resulting
//     value, so a caller holding a Handle (from GetHandle) keeps the value
//     reachable even after the entry has been evicted from the cache.
//
//   - Reload mode: when Options.Loader is set, a background goroutine ticks
//     on a schedule derived from Expiry and Refresh, evicting idle or
//     persistently-stale entries and refreshing the rest concurrently
//     (bounded by Options.Concurrency, via golang.org/x/sync/errgroup).
//     When Options.Loader is nil, the cache still enforces size and
//     idleness limits, but callers must supply a loader on every Get and
//     GetHandle call (their trailing loader argument).
//
//   - Disabled mode: Options.Expiry == 0 disables caching entirely. Get and
//     GetHandle call the loader directly on every invocation with no
//     coalescing, no entries, and no background work.
//
// Basic usage (reload mode)
//
//	c, err := cache.New[string, string](cache.Options[string, string]{
//	    MaxSize: 10_000,
//	    Expiry:  10 * time.Second,
//	    Refresh: time.Second,
//	    Loader: func(ctx context.Context, k string) (string, error) {
//	        return fetch(ctx, k)
//	    },
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer c.Stop(context.Background())
//
//	v, err := c.Get(context.Background(), "key")
//
// Non-reload mode (per-call loader)
//
//	c, _ := cache.New[string, string](cache.Options[string, string]{
//	    MaxSize: 1024,
//	    Expiry:  time.Minute,
//	})
//	v, err := c.Get(ctx, "key", func(ctx context.Context, k string) (string, error) {
//	    return fetch(ctx, k)
//	})
//
// See Options for all available configuration fields, metrics/prom for a
// Prometheus Metrics adapter, and tracing for optional OpenTelemetry spans.
package cache

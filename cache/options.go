package cache

import (
	"io"
	"log"
	"time"

	"github.com/dkuznetsov/loadingcache/internal/singleflight"
)

// Loader produces the value for key, asynchronously. In reload mode it is
// supplied once, at construction, and also drives background refresh. In
// non-reload mode there is no construction-time Loader; callers pass one to
// every Get/GetHandle call.
type Loader[K comparable, V any] = singleflight.Loader[K, V]

// Handle is a reference-counted pointer to a cached value, returned by
// GetHandle. Its lifetime is independent of cache membership: a caller
// holding a Handle keeps the value reachable even after the entry backing
// it has been erased, expired, or evicted. Callers must call Release
// exactly once when done with it.
type Handle[K comparable, V any] = singleflight.Handle[K, V]

// Options configures a Cache. Zero values are safe for every field except
// MaxSize and (in reload mode) Refresh, which must be set when Expiry != 0
// (see New's validation rules).
type Options[K comparable, V any] struct {
	// MaxSize bounds the sum of SizeFunc(v) over all resident entries, "at
	// rest" (immediately after any Get that inserts, and after every
	// maintenance tick). Must be > 0 when caching is enabled (Expiry != 0).
	MaxSize uint64

	// Expiry is the maximum idleness (time since last read) an entry may
	// reach before it is dropped. In reload mode it doubles as the maximum
	// staleness (time since last successful load) before an entry that
	// keeps failing to refresh is dropped even if still being read.
	// Expiry == 0 disables caching entirely: Get/GetHandle always call the
	// loader, with no coalescing and no entries.
	Expiry time.Duration

	// Refresh is the background reload cadence. Required to be > 0 when
	// Loader is set (reload mode); ignored otherwise.
	Refresh time.Duration

	// SizeFunc computes an entry's contribution to MaxSize. Nil defaults to
	// a constant 1 (an entry-count cap).
	SizeFunc func(V) uint64

	// Loader is invoked on a cache miss to produce a value, and (if set)
	// drives background refresh. A nil Loader puts the cache in non-reload
	// mode: it still enforces size and idleness limits, but Get/GetHandle
	// require a per-call loader argument.
	Loader Loader[K, V]

	// Concurrency bounds how many background reloads run at once per
	// maintenance tick. Zero picks 2*GOMAXPROCS, mirroring the shard-count
	// heuristic this cache's ancestor used for a different purpose.
	Concurrency int

	// Logger receives trace-level messages about entry lifecycle events
	// (materialize, drop_expired, shrink, reload, rehash). A nil Logger
	// discards them.
	Logger *log.Logger

	// Clock overrides the time source; nil uses time.Now. Intended for
	// deterministic tests.
	Clock Clock

	// Metrics receives Hit/Miss/Evict/Size/Reload signals. A nil Metrics
	// uses NoopMetrics.
	Metrics Metrics
}

func sizeFuncOrDefault[V any](f func(V) uint64) func(V) uint64 {
	if f != nil {
		return f
	}
	return func(V) uint64 { return 1 }
}

func loggerOrDefault(l *log.Logger) *log.Logger {
	if l != nil {
		return l
	}
	return log.New(io.Discard, "", 0)
}

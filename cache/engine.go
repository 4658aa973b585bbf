package cache

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/dkuznetsov/loadingcache/internal/singleflight"
	"github.com/dkuznetsov/loadingcache/internal/util"
)

// cache is the concrete Cache implementation. A single mutex guards index,
// lru and currentSize; the single-flight group and the loader itself run
// outside that lock so a slow load never blocks readers of unrelated keys.
//
// disabled caches (Options.Expiry == 0) skip all of the above: every
// Get/GetHandle call invokes the loader directly and no entry is ever
// retained.
type cache[K comparable, V any] struct {
	opt      Options[K, V]
	sizeFunc func(V) uint64
	clock    Clock
	metrics  Metrics

	disabled      bool
	reloadEnabled bool

	mu          sync.Mutex
	index       map[K]*entry[K, V]
	lru         recencyList[K, V]
	currentSize uint64

	sf singleflight.Group[K, V]

	ticker   *time.Ticker
	tickStop chan struct{}
	tickDone chan struct{}
	stopOnce sync.Once
	// state is padded to its own cache line: it sits next to the mutex and
	// the hot index/lru fields above, and is written from the Stop
	// goroutine while Get/GetHandle spin on mu from other goroutines.
	state util.PaddedAtomicInt64
}

// New constructs a Cache from opt. Expiry == 0 returns a disabled cache: it
// still satisfies the Cache interface but never retains anything, calling
// the supplied loader on every Get/GetHandle. Otherwise MaxSize must be
// positive, and if opt.Loader is set (reload mode) Refresh must be positive
// too; violating either returns a *ConfigurationError.
func New[K comparable, V any](opt Options[K, V]) (Cache[K, V], error) {
	if opt.Expiry == 0 {
		return &cache[K, V]{
			disabled: true,
			opt:      opt,
			sizeFunc: sizeFuncOrDefault(opt.SizeFunc),
			clock:    clockOrDefault(opt.Clock),
			metrics:  metricsOrDefault(opt.Metrics),
		}, nil
	}
	if opt.MaxSize == 0 {
		return nil, &ConfigurationError{Msg: "MaxSize must be > 0 when Expiry is set"}
	}

	reloadEnabled := opt.Loader != nil
	if reloadEnabled && opt.Refresh <= 0 {
		return nil, &ConfigurationError{Msg: "Refresh must be > 0 when Loader is set"}
	}

	if opt.Concurrency <= 0 {
		opt.Concurrency = runtime.GOMAXPROCS(0) * 2
	}

	c := &cache[K, V]{
		opt:           opt,
		sizeFunc:      sizeFuncOrDefault(opt.SizeFunc),
		clock:         clockOrDefault(opt.Clock),
		metrics:       metricsOrDefault(opt.Metrics),
		index:         make(map[K]*entry[K, V]),
		reloadEnabled: reloadEnabled,
		tickStop:      make(chan struct{}),
		tickDone:      make(chan struct{}),
	}
	c.opt.Logger = loggerOrDefault(opt.Logger)
	c.ticker = time.NewTicker(c.maintenancePeriod())
	go c.runMaintenance()
	return c, nil
}

// resolveLoader picks the loader to use for a Get/GetHandle call: an
// explicit per-call loader takes priority over the one fixed at
// construction, so a non-reload cache (no Options.Loader) can still be used
// with a per-call loader.
func (c *cache[K, V]) resolveLoader(loaders []Loader[K, V]) (Loader[K, V], error) {
	if len(loaders) > 0 {
		return loaders[0], nil
	}
	if c.opt.Loader != nil {
		return c.opt.Loader, nil
	}
	return nil, ErrNoLoader
}

func (c *cache[K, V]) Get(ctx context.Context, key K, loaders ...Loader[K, V]) (V, error) {
	h, err := c.GetHandle(ctx, key, loaders...)
	if err != nil {
		var zero V
		return zero, err
	}
	v := h.Value()
	h.Release()
	return v, nil
}

func (c *cache[K, V]) GetHandle(ctx context.Context, key K, loaders ...Loader[K, V]) (*Handle[K, V], error) {
	ld, err := c.resolveLoader(loaders)
	if err != nil {
		return nil, err
	}

	if c.disabled {
		v, err := ld(ctx, key)
		if err != nil {
			return nil, err
		}
		return singleflight.NewStandalone[K, V](v), nil
	}

	if c.state.Load() == stateStopped {
		return nil, ErrStopped
	}

	c.mu.Lock()
	if e, ok := c.index[key]; ok {
		now := c.clock.NowUnixNano()
		e.touch(now)
		c.lru.moveToFront(e)
		h := e.handle.Clone()
		c.mu.Unlock()
		c.metrics.Hit()
		return h, nil
	}
	c.mu.Unlock()
	c.metrics.Miss()

	h, err := c.sf.Do(ctx, key, ld)
	if err != nil {
		return nil, err
	}
	return c.materialize(key, h)
}

// materialize inserts a freshly loaded handle into the index, or discards
// it in favor of an entry another goroutine already inserted for the same
// key while this load was in flight.
func (c *cache[K, V]) materialize(key K, h *Handle[K, V]) (*Handle[K, V], error) {
	now := c.clock.NowUnixNano()
	size := c.sizeFunc(h.Value())

	c.mu.Lock()
	if e, ok := c.index[key]; ok {
		e.touch(now)
		c.lru.moveToFront(e)
		out := e.handle.Clone()
		c.mu.Unlock()
		h.Release()
		return out, nil
	}

	if size > c.opt.MaxSize {
		c.mu.Unlock()
		h.Release()
		return nil, fmt.Errorf("%w: loaded value size %d exceeds MaxSize %d", ErrEntryTooBig, size, c.opt.MaxSize)
	}

	e := newEntry[K, V](key, h.Clone(), size, now)
	c.lru.pushFront(e)
	c.index[key] = e
	c.currentSize += size
	c.opt.Logger.Printf("cache: materialize key=%v size=%d", key, size)
	c.rehashIndexLocked()
	c.shrinkLocked()
	entries, total := c.lru.len, c.currentSize
	c.mu.Unlock()

	c.metrics.Size(entries, total)
	return h, nil
}

func (c *cache[K, V]) Find(key K) (V, bool) {
	h, err := c.At(key)
	if err != nil {
		var zero V
		return zero, false
	}
	v := h.Value()
	h.Release()
	return v, true
}

func (c *cache[K, V]) At(key K) (*Handle[K, V], error) {
	if c.disabled {
		return nil, ErrEntryNotFound
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.index[key]
	if !ok {
		c.metrics.Miss()
		return nil, ErrEntryNotFound
	}
	e.touch(c.clock.NowUnixNano())
	c.lru.moveToFront(e)
	c.metrics.Hit()
	return e.handle.Clone(), nil
}

func (c *cache[K, V]) Erase(key K) bool {
	if c.disabled {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.index[key]
	if !ok {
		return false
	}
	c.removeEntryLocked(e, EvictManual)
	return true
}

func (c *cache[K, V]) RemoveIf(pred func(key K, value V) bool) int {
	if c.disabled {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for e := c.lru.head; e != nil; {
		next := e.next
		if pred(e.key, e.peek()) {
			c.removeEntryLocked(e, EvictManual)
			n++
		}
		e = next
	}
	return n
}

func (c *cache[K, V]) Range(fn func(key K, value V) bool) {
	if c.disabled {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	for e := c.lru.head; e != nil; e = e.next {
		if !fn(e.key, e.peek()) {
			return
		}
	}
}

func (c *cache[K, V]) EntriesCount() int {
	if c.disabled {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.len
}

func (c *cache[K, V]) Size() uint64 {
	if c.disabled {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentSize
}

// removeEntryLocked detaches e from both the index and the recency list and
// releases its handle. Callers hold c.mu.
func (c *cache[K, V]) removeEntryLocked(e *entry[K, V], reason EvictReason) {
	c.lru.remove(e)
	delete(c.index, e.key)
	c.currentSize -= e.size
	e.handle.Release()
	c.metrics.Evict(reason)
}

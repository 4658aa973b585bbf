package cache

import (
	"context"
	"time"

	"github.com/dkuznetsov/loadingcache/internal/singleflight"
	"github.com/dkuznetsov/loadingcache/internal/util"
	"golang.org/x/sync/errgroup"
)

const (
	stateActive int64 = iota
	stateStopping
	stateStopped
)

// minMaintenancePeriod floors the maintenance ticker cadence for a
// non-reload cache with a very short Expiry, so the ticker never fires
// faster than this.
const minMaintenancePeriod = time.Millisecond

// runMaintenance is the single background goroutine driving eviction,
// index rehashing and (in reload mode) refresh, one tick at a time. Because
// it is single-goroutine and sequential, waiting for it to exit after
// closing tickStop is enough to guarantee no tick — including its refresh
// fan-out — is still running; no separate drain mechanism is needed.
func (c *cache[K, V]) runMaintenance() {
	defer close(c.tickDone)
	for {
		select {
		case <-c.tickStop:
			return
		case <-c.ticker.C:
			c.tick(c.clock.NowUnixNano())
		}
	}
}

func (c *cache[K, V]) tick(now int64) {
	c.mu.Lock()
	c.dropExpiredLocked(now)
	c.shrinkLocked()
	c.rehashIndexLocked()
	c.mu.Unlock()

	if c.reloadEnabled {
		c.refreshPass(now)
	}
}

// dropExpiredLocked evicts entries idle past Expiry. In reload mode it also
// evicts entries that have not been successfully (re)loaded within Expiry,
// even if still being read — a loader that keeps failing must not pin a
// stale value in the cache forever. Callers hold c.mu.
func (c *cache[K, V]) dropExpiredLocked(now int64) {
	for e := c.lru.back(); e != nil; {
		prev := e.prev
		idleExpired := now-e.lastReadAt > int64(c.opt.Expiry)
		staleExpired := c.reloadEnabled && now-e.loadedAt > int64(c.opt.Expiry)
		if idleExpired || staleExpired {
			c.opt.Logger.Printf("cache: drop_expired key=%v idle=%v stale=%v", e.key, idleExpired, staleExpired)
			c.removeEntryLocked(e, EvictExpiry)
		}
		e = prev
	}
}

// shrinkLocked evicts from the LRU tail until currentSize <= MaxSize.
// Callers hold c.mu.
func (c *cache[K, V]) shrinkLocked() {
	for c.currentSize > c.opt.MaxSize {
		e := c.lru.back()
		if e == nil {
			return
		}
		c.opt.Logger.Printf("cache: shrink key=%v size=%d currentSize=%d maxSize=%d", e.key, e.size, c.currentSize, c.opt.MaxSize)
		c.removeEntryLocked(e, EvictShrink)
	}
}

// rehashIndexLocked reallocates the index map with a sized hint when its
// approximate bucket count has drifted from the single-flight group's,
// mirroring the source's coupled rehash of its two backing maps. Callers
// hold c.mu.
func (c *cache[K, V]) rehashIndexLocked() {
	want := uint64(c.sf.Buckets())
	have := util.NextPow2(uint64(len(c.index)))
	if want <= have {
		return
	}
	fresh := make(map[K]*entry[K, V], want)
	for k, e := range c.index {
		fresh[k] = e
	}
	c.index = fresh
	c.opt.Logger.Printf("cache: rehashed index, buckets now >= %d", want)
}

// refreshPass reloads every entry whose loadedAt is stale as of tickStart,
// with at most opt.Concurrency reloads in flight at once.
func (c *cache[K, V]) refreshPass(tickStart int64) {
	c.mu.Lock()
	var stale []K
	for e := c.lru.head; e != nil; e = e.next {
		if tickStart-e.loadedAt >= int64(c.opt.Refresh) {
			stale = append(stale, e.key)
		}
	}
	c.mu.Unlock()

	if len(stale) == 0 {
		return
	}

	var g errgroup.Group
	g.SetLimit(c.opt.Concurrency)
	for _, key := range stale {
		key := key
		g.Go(func() error {
			c.reloadOne(key)
			return nil
		})
	}
	_ = g.Wait()
}

// reloadOne reloads a single key in the background and, on success, swaps
// the entry's handle for a standalone one holding the new value — a
// background refresh is not a caller-initiated load, so it never joins the
// single-flight group.
func (c *cache[K, V]) reloadOne(key K) {
	v, err := c.opt.Loader(context.Background(), key)
	if err != nil {
		c.opt.Logger.Printf("cache: reload failed for key %v: %v", key, err)
		c.metrics.ReloadFailure()
		return
	}

	now := c.clock.NowUnixNano()
	size := c.sizeFunc(v)

	c.mu.Lock()
	e, ok := c.index[key]
	if !ok {
		c.mu.Unlock()
		singleflight.NewStandalone[K, V](v).Release()
		return
	}
	delta := e.assign(singleflight.NewStandalone[K, V](v), size, now)
	if delta > 0 {
		c.currentSize += uint64(delta)
	} else {
		c.currentSize -= uint64(-delta)
	}
	c.shrinkLocked()
	c.mu.Unlock()

	c.opt.Logger.Printf("cache: reloaded key %v", key)
	c.metrics.ReloadSuccess()
}

// maintenancePeriod picks the maintenance ticker's fixed cadence: the
// tighter of Expiry and Refresh in reload mode (so neither bound is ever
// checked late), or half of Expiry otherwise.
func (c *cache[K, V]) maintenancePeriod() time.Duration {
	if c.reloadEnabled && c.opt.Refresh < c.opt.Expiry {
		return c.opt.Refresh
	}
	if c.reloadEnabled {
		return c.opt.Expiry
	}
	half := c.opt.Expiry / 2
	if half < minMaintenancePeriod {
		return minMaintenancePeriod
	}
	return half
}

func (c *cache[K, V]) Stop(ctx context.Context) error {
	if c.disabled {
		return nil
	}
	c.stopOnce.Do(func() {
		c.state.Store(stateStopping)
		c.ticker.Stop()
		close(c.tickStop)
	})

	select {
	case <-c.tickDone:
		c.state.Store(stateStopped)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Package singleflight is the loading cache's "loading shared values"
// collaborator: it coalesces concurrent loads for the same key and hands
// out reference-counted handles whose lifetime can outlive the map entry
// that produced them.
//
// A key stays resident in the group for as long as a load for it is in
// flight, or as long as some handle to its last successfully loaded value
// is still outstanding. Once the last handle is released, the key is
// removed and the next Do call for it starts a fresh load.
package singleflight

import (
	"context"
	"sync"

	"github.com/dkuznetsov/loadingcache/internal/util"
)

// Loader produces the value for key. It is invoked at most once per
// in-flight key regardless of how many goroutines call Do concurrently.
type Loader[K comparable, V any] func(ctx context.Context, key K) (V, error)

// call is the shared state for one in-flight or recently-finished load. Its
// own mutex protects refs, independent of whether the call is registered in
// a Group's map — a call backing a NewStandalone handle is never registered
// anywhere, but still needs safe refcounting once cloned.
type call[V any] struct {
	done chan struct{} // closed once val/err are published
	val  V
	err  error

	mu   sync.Mutex
	refs int
}

// Group coalesces concurrent Do calls for the same key and reference-counts
// the resulting value so it can be shared beyond the call that produced it.
//
// The zero value is ready to use. All exported methods are safe for
// concurrent use by multiple goroutines.
type Group[K comparable, V any] struct {
	mu sync.RWMutex
	m  map[K]*call[V]
}

// Handle is a reference-counted pointer to a value produced by a Group. The
// underlying value stays reachable through any Handle referencing it even
// after the Group (and, above it, the cache) has forgotten the key —
// Release must be called exactly once per Handle to let the group reclaim
// the key when the last reference drops.
type Handle[K comparable, V any] struct {
	g   *Group[K, V] // nil for a NewStandalone handle
	key K
	c   *call[V]

	releaseOnce sync.Once
}

// Value returns the held value. It is valid to call Value any number of
// times before Release; calling it after Release is a use-after-free bug in
// the caller and is not guarded against, mirroring the source's raw
// reference-counted pointer semantics.
func (h *Handle[K, V]) Value() V { return h.c.val }

// Clone returns a new Handle to the same underlying value, incrementing its
// reference count. Used when a second caller (or the cache's own entry)
// needs an independent lifetime over the same value.
func (h *Handle[K, V]) Clone() *Handle[K, V] {
	h.c.mu.Lock()
	h.c.refs++
	h.c.mu.Unlock()
	return &Handle[K, V]{g: h.g, key: h.key, c: h.c}
}

// NewStandalone returns a Handle not backed by any Group, holding refs=1
// and never registered in any group's map. Release on it never touches a
// group. It is used by callers that need the Handle API without
// coalescing: a disabled cache (which must call its loader on every
// request, uncoalesced) and background refresh (which replaces an entry's
// value outside of any single-flight join).
func NewStandalone[K comparable, V any](v V) *Handle[K, V] {
	return &Handle[K, V]{c: &call[V]{val: v, refs: 1}}
}

// Release drops this handle's reference. When the last reference to a
// group-backed key's value is released, the key is removed from the group.
// Release is idempotent: calling it more than once on the same Handle is a
// no-op after the first call.
func (h *Handle[K, V]) Release() {
	h.releaseOnce.Do(func() {
		h.c.mu.Lock()
		h.c.refs--
		last := h.c.refs <= 0
		h.c.mu.Unlock()

		if last && h.g != nil {
			h.g.mu.Lock()
			if cur, ok := h.g.m[h.key]; ok && cur == h.c {
				delete(h.g.m, h.key)
			}
			h.g.mu.Unlock()
		}
	})
}

// Do coalesces concurrent loads for key. If a load is already in flight,
// the caller joins it. If a load has already finished and at least one
// handle to its value is still outstanding, a new handle to that same
// value is returned without invoking loader again. Otherwise loader is
// invoked exactly once; on success every joined caller (including this one)
// receives its own Handle. On failure the error is returned to every joined
// caller and no Handle is produced; the key is not retained.
//
// Cancelling ctx unblocks only the calling goroutine — it does not cancel
// the leader's loader invocation, which runs to completion regardless.
func (g *Group[K, V]) Do(ctx context.Context, key K, loader Loader[K, V]) (*Handle[K, V], error) {
	g.mu.Lock()
	if g.m == nil {
		g.m = make(map[K]*call[V])
	}
	if c, ok := g.m[key]; ok {
		g.mu.Unlock()
		select {
		case <-c.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if c.err != nil {
			return nil, c.err
		}
		c.mu.Lock()
		c.refs++
		c.mu.Unlock()
		return &Handle[K, V]{g: g, key: key, c: c}, nil
	}

	c := &call[V]{done: make(chan struct{})}
	g.m[key] = c
	g.mu.Unlock()

	v, err := loader(ctx, key)
	if err != nil {
		g.mu.Lock()
		if cur, ok := g.m[key]; ok && cur == c {
			delete(g.m, key)
		}
		g.mu.Unlock()
		c.err = err
		close(c.done)
		return nil, err
	}

	c.val = v
	c.refs = 1
	close(c.done)
	return &Handle[K, V]{g: g, key: key, c: c}, nil
}

// Buckets reports an approximate bucket count for the live key set, used by
// the cache engine to decide whether its own index needs rehashing (see
// Rehash). Go's built-in map does not expose its real bucket count, so this
// is the next power of two at or above the number of resident keys — the
// same heuristic the cache engine applies to its own index.
func (g *Group[K, V]) Buckets() int {
	g.mu.RLock()
	n := len(g.m)
	g.mu.RUnlock()
	return int(util.NextPow2(uint64(n)))
}

// Rehash is a best-effort hint that bucket bookkeeping may be stale. Go's
// map grows its own buckets automatically, so there is nothing to
// reallocate here; the method exists so callers can treat the group
// uniformly with the source's loading_shared_values::rehash() contract.
// It never fails.
func (g *Group[K, V]) Rehash() {}

// Len reports the number of keys currently tracked (in flight or held by at
// least one outstanding handle). Intended for tests and diagnostics.
func (g *Group[K, V]) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.m)
}

package cache

import "github.com/dkuznetsov/loadingcache/internal/singleflight"

// entry is the per-key metadata record: a value handle, its load/read
// timestamps, its cached size, and its membership in the recency list.
type entry[K comparable, V any] struct {
	key    K
	handle *singleflight.Handle[K, V]

	loadedAt   int64 // Clock.NowUnixNano() at last (re)load
	lastReadAt int64 // Clock.NowUnixNano() at last read through the API
	size       uint64

	// Recency list links (see recencyList); front = MRU, back = LRU.
	prev, next *entry[K, V]
}

func newEntry[K comparable, V any](key K, h *singleflight.Handle[K, V], size uint64, now int64) *entry[K, V] {
	return &entry[K, V]{key: key, handle: h, size: size, loadedAt: now, lastReadAt: now}
}

// touch updates last_read_at. It does not move the entry within the
// recency list — callers that need both do so explicitly via
// recencyList.moveToFront, since only the caller holds the list.
func (e *entry[K, V]) touch(now int64) { e.lastReadAt = now }

// peek returns the current value without touching last_read_at or the
// recency list. Used by RemoveIf and Range, whose visits must not count as
// a read.
func (e *entry[K, V]) peek() V { return e.handle.Value() }

// assign swaps the held value, bumps loaded_at, and returns the resulting
// size delta (new - old) for the caller to fold into current_size.
// last_read_at is deliberately left untouched: a background reload must
// not hide idleness aging behind a fresh load time.
func (e *entry[K, V]) assign(h *singleflight.Handle[K, V], size uint64, now int64) int64 {
	old := e.handle
	delta := int64(size) - int64(e.size)
	e.handle = h
	e.size = size
	e.loadedAt = now
	old.Release()
	return delta
}

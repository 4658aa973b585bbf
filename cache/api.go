package cache

import "context"

// Cache is an asynchronous, size-bounded, expiring loading cache. All
// methods are safe for concurrent use. Values are handed out as reference
// counted Handles so a caller can keep using a value after it has been
// evicted, expired, or replaced by a reload.
type Cache[K comparable, V any] interface {
	// Get returns the value for key, loading it if absent. In reload mode
	// loader may be omitted, in which case Options.Loader is used; a
	// supplied loader takes priority for this call. In non-reload mode a
	// loader must be supplied on every call; passing none returns
	// ErrNoLoader. Only the first supplied loader is used.
	Get(ctx context.Context, key K, loader ...Loader[K, V]) (V, error)

	// GetHandle is Get but returns a Handle instead of a bare value, so the
	// caller can keep the value alive past the point where the cache might
	// otherwise evict or replace it. The caller must call Release on the
	// returned Handle exactly once.
	GetHandle(ctx context.Context, key K, loader ...Loader[K, V]) (*Handle[K, V], error)

	// Find returns the current value for key without loading it. The bool
	// is false if key is not resident. Counts as a read: it refreshes the
	// entry's idleness clock and recency position on a hit.
	Find(key K) (V, bool)

	// At is Find with an explicit Handle result, giving the caller a
	// reference-counted hold on the value. Returns ErrEntryNotFound if key
	// is not resident.
	At(key K) (*Handle[K, V], error)

	// Erase removes key if present, releasing its handle. Reports whether
	// an entry was removed.
	Erase(key K) bool

	// RemoveIf removes every resident entry for which pred returns true,
	// without treating the inspection as a read. Returns the number
	// removed.
	RemoveIf(pred func(key K, value V) bool) int

	// Range calls fn for every resident entry in most- to least-recently
	// read order, without treating the visit as a read. Range stops early
	// if fn returns false.
	Range(fn func(key K, value V) bool)

	// EntriesCount returns the number of resident entries.
	EntriesCount() int

	// Size returns the sum of SizeFunc(v) over all resident entries.
	Size() uint64

	// Stop halts background maintenance (and, in reload mode, background
	// refresh) and waits for any in-flight maintenance tick to finish, or
	// for ctx to be done, whichever comes first. Stop is idempotent. A
	// disabled cache (Expiry == 0) has no maintenance loop and Stop always
	// returns nil immediately.
	Stop(ctx context.Context) error
}

package cache

import "errors"

// Sentinel errors returned by Cache methods. Use errors.Is to test for
// them; EntryTooBig errors are wrapped with the loaded value's size and
// MaxSize via fmt.Errorf("%w: ...", ErrEntryTooBig).
var (
	// ErrEntryNotFound is returned by At when the key is absent.
	ErrEntryNotFound = errors.New("cache: entry not found")

	// ErrNoLoader is returned by Get/GetHandle when the cache has no
	// construction-time Loader (non-reload mode) and the caller did not
	// supply one either. It is returned whether or not the key is resident.
	ErrNoLoader = errors.New("cache: no loader provided")

	// ErrEntryTooBig is returned by Get/GetHandle when the loaded value's
	// size exceeds MaxSize. The loaded value is discarded; it is never
	// cached.
	ErrEntryTooBig = errors.New("cache: entry too big")

	// ErrStopped is returned by Get/GetHandle once a Stop call has completed
	// (returned nil). While Stop is still waiting for maintenance to exit,
	// Get/GetHandle keep working.
	// Reads that do not invoke the loader (Find, At, Range, EntriesCount,
	// Size) remain available after Stop, since they never touch the
	// maintenance task or the loader.
	ErrStopped = errors.New("cache: cache is stopped")
)

// ConfigurationError reports an invalid combination of Options at
// construction time. It is fatal to the cache instance, not to the
// process — New returns it rather than panicking.
type ConfigurationError struct {
	Msg string
}

func (e *ConfigurationError) Error() string {
	return "cache: invalid configuration: " + e.Msg
}

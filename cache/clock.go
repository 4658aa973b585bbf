package cache

import "time"

// Clock is the cache's monotonic low-resolution time source, used for
// every age/recency decision. Overriding it with a fake in tests makes
// expiry and refresh behavior deterministic.
type Clock interface {
	// NowUnixNano returns the current time as nanoseconds since an
	// arbitrary but fixed epoch. Only differences between two calls are
	// meaningful; the absolute value carries no significance.
	NowUnixNano() int64
}

// systemClock is the default Clock, backed by time.Now.
type systemClock struct{}

func (systemClock) NowUnixNano() int64 { return time.Now().UnixNano() }

func clockOrDefault(c Clock) Clock {
	if c != nil {
		return c
	}
	return systemClock{}
}

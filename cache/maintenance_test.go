package cache

import (
	"context"
	"reflect"
	"sync/atomic"
	"testing"
	"time"
)

// TestMaintenance_BackgroundExpiry exercises the real ticker-driven
// maintenance loop end to end, without touching the fake clock: an idle
// entry must disappear on its own within a couple of Expiry periods.
func TestMaintenance_BackgroundExpiry(t *testing.T) {
	t.Parallel()

	c := mustNew(t, Options[string, string]{MaxSize: 10, Expiry: 30 * time.Millisecond})
	loader := func(_ context.Context, key string) (string, error) { return key, nil }

	if _, err := c.Get(context.Background(), "a", loader); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		// EntriesCount does not count as a read, unlike Find, so polling it
		// leaves the entry's idleness clock alone.
		if c.EntriesCount() == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("background maintenance never expired an idle entry")
}

// TestMaintenance_PeriodFloorsShortExpiry asserts maintenancePeriod never
// returns below minMaintenancePeriod, even for an Expiry so short that half
// of it would otherwise undercut the floor.
func TestMaintenance_PeriodFloorsShortExpiry(t *testing.T) {
	t.Parallel()

	c := mustNew(t, Options[string, string]{MaxSize: 10, Expiry: time.Millisecond})
	if got := c.maintenancePeriod(); got != minMaintenancePeriod {
		t.Fatalf("maintenancePeriod() = %v, want %v", got, minMaintenancePeriod)
	}
}

// TestMaintenance_RehashRoundsBothSidesToPow2 asserts rehashIndexLocked
// rounds the index's own size to the same NextPow2 heuristic used for the
// single-flight group's bucket count before comparing them, instead of
// comparing a rounded count against a raw one (which would reallocate on
// nearly every non-power-of-two entry count).
func TestMaintenance_RehashRoundsBothSidesToPow2(t *testing.T) {
	t.Parallel()

	c := mustNew(t, Options[string, int]{MaxSize: 100, Expiry: time.Minute})
	loader := func(_ context.Context, key string) (int, error) { return len(key), nil }

	// 3 resident entries held by the group (one per Get) and 3 in the
	// index: NextPow2(3) == 4 on both sides, so no reallocation is due.
	for _, k := range []string{"a", "bb", "ccc"} {
		if _, err := c.Get(context.Background(), k, loader); err != nil {
			t.Fatal(err)
		}
	}

	c.mu.Lock()
	before := reflect.ValueOf(c.index).Pointer()
	c.rehashIndexLocked()
	after := reflect.ValueOf(c.index).Pointer()
	c.mu.Unlock()

	if before != after {
		t.Fatal("rehashIndexLocked reallocated the index though both sides round to the same bucket count")
	}
}

// TestMaintenance_StopWaitsForInFlightTick starts a slow reload and asserts
// Stop does not return until that tick's refresh fan-out has finished.
func TestMaintenance_StopWaitsForInFlightTick(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	started := make(chan struct{}, 1)
	var calls int64
	loader := func(_ context.Context, key string) (string, error) {
		if atomic.AddInt64(&calls, 1) == 1 {
			return key, nil // initial synchronous load: must not block
		}
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return key, nil
	}

	c, err := New[string, string](Options[string, string]{
		MaxSize: 10,
		Expiry:  time.Hour,
		Refresh: time.Millisecond,
		Loader:  loader,
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := c.Get(context.Background(), "a"); err != nil {
		t.Fatal(err)
	}

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("background reload never started")
	}

	stopDone := make(chan error, 1)
	go func() {
		stopDone <- c.Stop(context.Background())
	}()

	select {
	case <-stopDone:
		t.Fatal("Stop returned before the in-flight reload finished")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case err := <-stopDone:
		if err != nil {
			t.Fatalf("Stop: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Stop never returned after reload finished")
	}
}

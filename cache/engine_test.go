package cache

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"
)

type fakeClock struct{ t int64 }

func (f *fakeClock) NowUnixNano() int64  { return f.t }
func (f *fakeClock) add(d time.Duration) { f.t += int64(d) }

func mustNew[K comparable, V any](t *testing.T, opt Options[K, V]) *cache[K, V] {
	t.Helper()
	c, err := New[K, V](opt)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	cc, ok := c.(*cache[K, V])
	if !ok {
		t.Fatalf("New returned unexpected type %T", c)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = cc.Stop(ctx)
	})
	return cc
}

func TestNew_DisabledCache(t *testing.T) {
	t.Parallel()

	var calls int64
	loader := func(_ context.Context, key string) (string, error) {
		atomic.AddInt64(&calls, 1)
		return key, nil
	}
	c, err := New[string, string](Options[string, string]{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := c.Get(context.Background(), "a", loader); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if _, err := c.Get(context.Background(), "a", loader); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got := atomic.LoadInt64(&calls); got != 2 {
		t.Fatalf("disabled cache must call loader every time, called %d times", got)
	}
	if n := c.EntriesCount(); n != 0 {
		t.Fatalf("disabled cache must never retain entries, got %d", n)
	}
	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("Stop on disabled cache: %v", err)
	}
}

func TestNew_ConfigurationErrors(t *testing.T) {
	t.Parallel()

	if _, err := New[string, string](Options[string, string]{Expiry: time.Second}); err == nil {
		t.Fatal("want error for MaxSize == 0")
	}
	var target *ConfigurationError
	if _, err := New[string, string](Options[string, string]{Expiry: time.Second}); !errors.As(err, &target) {
		t.Fatal("want *ConfigurationError for MaxSize == 0")
	}

	loader := func(_ context.Context, key string) (string, error) { return key, nil }
	if _, err := New[string, string](Options[string, string]{
		Expiry:  time.Second,
		MaxSize: 10,
		Loader:  loader,
	}); err == nil {
		t.Fatal("want error for reload mode with Refresh == 0")
	}
}

func TestCache_GetLoadsOnMiss(t *testing.T) {
	t.Parallel()

	c := mustNew(t, Options[string, string]{MaxSize: 4, Expiry: time.Minute})
	loader := func(_ context.Context, key string) (string, error) { return key + "!", nil }

	v, err := c.Get(context.Background(), "a", loader)
	if err != nil || v != "a!" {
		t.Fatalf("Get a: v=%q err=%v", v, err)
	}
	if v, ok := c.Find("a"); !ok || v != "a!" {
		t.Fatalf("Find a: v=%q ok=%v", v, ok)
	}
	if _, ok := c.Find("zzz"); ok {
		t.Fatal("Find zzz must miss")
	}
	if _, err := c.At("zzz"); !errors.Is(err, ErrEntryNotFound) {
		t.Fatalf("At zzz: want ErrEntryNotFound, got %v", err)
	}
	if h, err := c.At("a"); err != nil || h.Value() != "a!" {
		t.Fatalf("At a: h=%v err=%v", h, err)
	} else {
		h.Release()
	}
}

func TestCache_NoLoaderNonReloadMode(t *testing.T) {
	t.Parallel()

	c := mustNew(t, Options[string, string]{MaxSize: 4, Expiry: time.Minute})
	if _, err := c.Get(context.Background(), "a"); !errors.Is(err, ErrNoLoader) {
		t.Fatalf("want ErrNoLoader, got %v", err)
	}
}

func TestCache_EntryTooBig(t *testing.T) {
	t.Parallel()

	c := mustNew(t, Options[string, string]{
		MaxSize:  4,
		Expiry:   time.Minute,
		SizeFunc: func(v string) uint64 { return uint64(len(v)) },
	})
	loader := func(_ context.Context, key string) (string, error) { return "way too large a value", nil }

	if _, err := c.Get(context.Background(), "a", loader); !errors.Is(err, ErrEntryTooBig) {
		t.Fatalf("want ErrEntryTooBig, got %v", err)
	}
	if n := c.EntriesCount(); n != 0 {
		t.Fatalf("rejected entry must not be retained, got %d entries", n)
	}
}

// TestCache_SingleFlight_Coalesces asserts concurrent Get calls for the
// same key trigger exactly one loader invocation.
func TestCache_SingleFlight_Coalesces(t *testing.T) {
	t.Parallel()

	c := mustNew(t, Options[string, string]{MaxSize: 4, Expiry: time.Minute})

	var calls int64
	loader := func(_ context.Context, key string) (string, error) {
		atomic.AddInt64(&calls, 1)
		time.Sleep(20 * time.Millisecond) // widen the overlap window
		return key, nil
	}

	var g errgroup.Group
	for i := 0; i < 32; i++ {
		g.Go(func() error {
			_, err := c.Get(context.Background(), "shared", loader)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got := atomic.LoadInt64(&calls); got != 1 {
		t.Fatalf("loader called %d times, want 1", got)
	}
}

func TestCache_EvictionLRU(t *testing.T) {
	t.Parallel()

	c := mustNew(t, Options[string, int]{MaxSize: 2, Expiry: time.Minute})
	loader := func(_ context.Context, key string) (int, error) { return len(key), nil }

	if _, err := c.Get(context.Background(), "a", loader); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Get(context.Background(), "b", loader); err != nil {
		t.Fatal(err)
	}
	// Touch "a" so it becomes MRU; "b" is now LRU.
	if _, ok := c.Find("a"); !ok {
		t.Fatal("expect hit for a")
	}
	if _, err := c.Get(context.Background(), "c", loader); err != nil {
		t.Fatal(err)
	}

	if _, ok := c.Find("b"); ok {
		t.Fatal("b should have been evicted")
	}
	if _, ok := c.Find("a"); !ok {
		t.Fatal("a should still be resident")
	}
	if _, ok := c.Find("c"); !ok {
		t.Fatal("c should be resident")
	}
}

func TestCache_Erase_RemoveIf_Range(t *testing.T) {
	t.Parallel()

	c := mustNew(t, Options[string, int]{MaxSize: 10, Expiry: time.Minute})
	loader := func(_ context.Context, key string) (int, error) { return len(key), nil }
	for _, k := range []string{"a", "bb", "ccc"} {
		if _, err := c.Get(context.Background(), k, loader); err != nil {
			t.Fatal(err)
		}
	}

	if !c.Erase("a") {
		t.Fatal("Erase a must report removal")
	}
	if c.Erase("a") {
		t.Fatal("second Erase a must report no-op")
	}

	n := c.RemoveIf(func(key string, v int) bool { return v >= 3 })
	if n != 1 {
		t.Fatalf("RemoveIf removed %d, want 1", n)
	}

	var seen []string
	c.Range(func(key string, v int) bool {
		seen = append(seen, key)
		return true
	})
	if len(seen) != 1 || seen[0] != "bb" {
		t.Fatalf("Range saw %v, want [bb]", seen)
	}
}

func TestCache_DropExpiredByIdleness(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{}
	c := mustNew(t, Options[string, string]{MaxSize: 10, Expiry: 100 * time.Millisecond, Clock: clk})
	loader := func(_ context.Context, key string) (string, error) { return key, nil }

	if _, err := c.Get(context.Background(), "a", loader); err != nil {
		t.Fatal(err)
	}
	clk.add(200 * time.Millisecond)

	c.mu.Lock()
	c.dropExpiredLocked(clk.NowUnixNano())
	c.mu.Unlock()

	if _, ok := c.Find("a"); ok {
		t.Fatal("a should have expired from idleness")
	}
}

func TestCache_ReloadMode_RefreshesInBackground(t *testing.T) {
	t.Parallel()

	var generation int64
	loader := func(_ context.Context, key string) (string, error) {
		g := atomic.AddInt64(&generation, 1)
		return key + string(rune('0'+g%10)), nil
	}

	clk := &fakeClock{}
	c := mustNew(t, Options[string, string]{
		MaxSize: 10,
		Expiry:  time.Hour,
		Refresh: time.Millisecond,
		Loader:  loader,
		Clock:   clk,
	})

	v1, err := c.Get(context.Background(), "a")
	if err != nil {
		t.Fatal(err)
	}

	clk.add(time.Hour / 2) // stale enough to refresh, not to expire
	c.refreshPass(clk.NowUnixNano())

	v2, ok := c.Find("a")
	if !ok {
		t.Fatal("a should still be resident")
	}
	if v1 == v2 {
		t.Fatalf("expected refreshed value to differ, got %q both times", v1)
	}
}

func TestCache_ReloadMode_DropsAfterRepeatedFailure(t *testing.T) {
	t.Parallel()

	loadOK := int64(1)
	loader := func(_ context.Context, key string) (string, error) {
		if atomic.LoadInt64(&loadOK) == 1 {
			return key, nil
		}
		return "", errors.New("boom")
	}

	clk := &fakeClock{}
	c := mustNew(t, Options[string, string]{
		MaxSize: 10,
		Expiry:  time.Hour,
		Refresh: time.Millisecond,
		Loader:  loader,
		Clock:   clk,
	})

	if _, err := c.Get(context.Background(), "a"); err != nil {
		t.Fatal(err)
	}
	atomic.StoreInt64(&loadOK, 0)

	// Keep reading "a" just short of Expiry (refreshing its idleness clock)
	// while its load keeps failing (loadedAt never advances), so it can
	// only be dropped by the staleness clause, never the idleness one.
	clk.add(59 * time.Minute)
	if _, ok := c.Find("a"); !ok {
		t.Fatal("a evicted before crossing Expiry on either clause")
	}
	c.mu.Lock()
	c.dropExpiredLocked(clk.NowUnixNano())
	c.mu.Unlock()
	if _, ok := c.Find("a"); !ok {
		t.Fatal("a evicted before its load ever went stale past Expiry")
	}

	clk.add(2 * time.Minute) // lastReadAt is 2m old now (still under Expiry(1h)); loadedAt is 61m old
	c.mu.Lock()
	c.dropExpiredLocked(clk.NowUnixNano())
	c.mu.Unlock()

	if _, ok := c.Find("a"); ok {
		t.Fatal("a should have been dropped for staleness despite still being read")
	}
}

func TestCache_Stop_Idempotent(t *testing.T) {
	t.Parallel()

	c, err := New[string, string](Options[string, string]{MaxSize: 4, Expiry: time.Minute})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.Stop(ctx); err != nil {
		t.Fatalf("first Stop: %v", err)
	}
	if err := c.Stop(ctx); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}

func TestCache_Get_ErrStoppedAfterStop(t *testing.T) {
	t.Parallel()

	c, err := New[string, string](Options[string, string]{MaxSize: 4, Expiry: time.Minute})
	if err != nil {
		t.Fatal(err)
	}
	loader := func(_ context.Context, key string) (string, error) { return key, nil }

	if _, err := c.Get(context.Background(), "a", loader); err != nil {
		t.Fatalf("Get before Stop: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if _, err := c.Get(context.Background(), "a", loader); !errors.Is(err, ErrStopped) {
		t.Fatalf("Get after Stop: want ErrStopped, got %v", err)
	}
	if _, err := c.GetHandle(context.Background(), "b", loader); !errors.Is(err, ErrStopped) {
		t.Fatalf("GetHandle after Stop: want ErrStopped, got %v", err)
	}
	// Reads that never touch the loader remain available after Stop.
	if v, ok := c.Find("a"); !ok || v != "a" {
		t.Fatalf("Find after Stop: v=%q ok=%v", v, ok)
	}
}

package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// countingLoader returns a loader that records invocations and yields
// the next value from a counter.
func countingLoader(calls *atomic.Int32) Loader[string] {
	return func(ctx context.Context) (string, error) {
		n := calls.Add(1)
		return fmt.Sprintf("v%d", n), nil
	}
}

// withJoinHook reports every caller that attached to a load.
func withJoinHook(fn func(key string)) Option {
	return func(o *options) { o.joined = fn }
}

// gate returns an option plus a wait that blocks loaders until n callers
// attached to the same load. Later joins are ignored.
func gate(n int) (Option, func()) {
	var joined atomic.Int32
	all := make(chan struct{})
	hook := withJoinHook(func(string) {
		if joined.Add(1) == int32(n) {
			close(all)
		}
	})
	return hook, func() { <-all }
}

func TestConcurrentCallersShareOneLoad(t *testing.T) {
	t.Parallel()
	const callers = 25
	hook, waitAttached := gate(callers)
	c := New[string](hook)

	var calls atomic.Int32
	loader := func(ctx context.Context) (string, error) {
		calls.Add(1)
		waitAttached()
		return "shared", nil
	}

	var g errgroup.Group
	results := make([]string, callers)
	for i := 0; i < callers; i++ {
		i := i
		g.Go(func() error {
			v, err := c.GetOrFetch(context.Background(), "k", loader, time.Minute, false)
			results[i] = v
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("GetOrFetch error: %v", err)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("loader calls = %d, want 1", got)
	}
	for i, v := range results {
		if v != "shared" {
			t.Fatalf("caller %d got %q, want shared", i, v)
		}
	}
	if st := c.Stats(); st.Loads != 1 || st.Shared != callers {
		t.Fatalf("stats = %+v, want 1 load and %d shared", st, callers)
	}
}

func TestConcurrentCallersShareOneError(t *testing.T) {
	t.Parallel()
	const callers = 10
	hook, waitAttached := gate(callers)
	c := New[string](hook)

	boom := errors.New("upstream 503")
	var calls atomic.Int32
	loader := func(ctx context.Context) (string, error) {
		calls.Add(1)
		waitAttached()
		return "", boom
	}

	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.GetOrFetch(context.Background(), "k", loader, time.Minute, false)
		}(i)
	}
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Fatalf("loader calls = %d, want 1", got)
	}
	for i, err := range errs {
		if !errors.Is(err, boom) {
			t.Fatalf("caller %d err = %v, want %v", i, err, boom)
		}
	}
	if c.Len() != 0 {
		t.Fatal("failed load must not store an entry")
	}

	// Slot is released on failure, so the next call retries.
	v, err := c.GetOrFetch(context.Background(), "k", countingLoader(&calls), time.Minute, false)
	if err != nil || v != "v2" {
		t.Fatalf("retry = %q, %v; want v2", v, err)
	}
}

func TestFreshnessWindow(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	c := New[string](WithClock(clk.Now))
	ctx := context.Background()
	var calls atomic.Int32
	loader := countingLoader(&calls)
	ttl := 30 * time.Second

	if v, _ := c.GetOrFetch(ctx, "k", loader, ttl, false); v != "v1" {
		t.Fatalf("first = %q", v)
	}
	clk.Advance(ttl - time.Nanosecond)
	if v, _ := c.GetOrFetch(ctx, "k", loader, ttl, false); v != "v1" {
		t.Fatalf("within ttl = %q, want cached v1", v)
	}
	clk.Advance(time.Nanosecond) // now - createdAt == ttl: stale
	if v, _ := c.GetOrFetch(ctx, "k", loader, ttl, false); v != "v2" {
		t.Fatalf("at ttl = %q, want reload v2", v)
	}
	if calls.Load() != 2 {
		t.Fatalf("loader calls = %d, want 2", calls.Load())
	}
}

func TestZeroTTLNeverExpires(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	c := New[string](WithClock(clk.Now))
	var calls atomic.Int32
	_, _ = c.GetOrFetch(context.Background(), "k", countingLoader(&calls), 0, false)
	clk.Advance(240 * time.Hour)
	if v, ok := c.Peek("k", 0); !ok || v != "v1" {
		t.Fatalf("Peek = %q, %v; want v1", v, ok)
	}
}

func TestForceRefreshAlwaysLoads(t *testing.T) {
	t.Parallel()
	c := New[string]()
	ctx := context.Background()
	var calls atomic.Int32
	loader := countingLoader(&calls)

	_, _ = c.GetOrFetch(ctx, "k", loader, time.Hour, false)
	v, err := c.GetOrFetch(ctx, "k", loader, time.Hour, true)
	if err != nil || v != "v2" {
		t.Fatalf("force = %q, %v; want v2", v, err)
	}
	v, _ = c.Refresh(ctx, "k", loader, time.Hour)
	if v != "v3" {
		t.Fatalf("Refresh = %q, want v3", v)
	}
	if v, _ := c.Peek("k", time.Hour); v != "v3" {
		t.Fatalf("stored = %q, want v3", v)
	}
}

func TestInvalidateScopes(t *testing.T) {
	t.Parallel()
	c := New[string]()
	ctx := context.Background()
	var calls atomic.Int32
	loader := countingLoader(&calls)
	for _, k := range []string{"client:1", "client:2", "invoice:1"} {
		if _, err := c.GetOrFetch(ctx, k, loader, time.Hour, false); err != nil {
			t.Fatal(err)
		}
	}

	c.Invalidate("client:1")
	if _, ok := c.Peek("client:1", time.Hour); ok {
		t.Fatal("client:1 should be gone")
	}
	if v, ok := c.Peek("client:2", time.Hour); !ok || v != "v2" {
		t.Fatalf("client:2 = %q, %v; want untouched v2", v, ok)
	}
	if v, _ := c.GetOrFetch(ctx, "client:1", loader, time.Hour, false); v != "v4" {
		t.Fatalf("refetch client:1 = %q, want v4", v)
	}

	if n := c.InvalidateByPrefix("client:"); n != 2 {
		t.Fatalf("InvalidateByPrefix removed %d, want 2", n)
	}
	if c.Len() != 1 {
		t.Fatalf("Len = %d, want 1 (invoice:1)", c.Len())
	}
	c.InvalidateAll()
	if c.Len() != 0 {
		t.Fatal("InvalidateAll left entries")
	}
}

func TestCallerCancellationDoesNotCancelLoad(t *testing.T) {
	t.Parallel()
	c := New[string]()
	release := make(chan struct{})
	loaded := make(chan struct{})
	loader := func(ctx context.Context) (string, error) {
		<-release
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		defer close(loaded)
		return "late", nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := c.GetOrFetch(ctx, "k", loader, time.Minute, false)
		errc <- err
	}()
	cancel()
	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	close(release)

	select {
	case <-loaded:
	case <-time.After(2 * time.Second):
		t.Fatal("load never settled")
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		if v, ok := c.Peek("k", time.Minute); ok {
			if v != "late" {
				t.Fatalf("stored %q, want late", v)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("settled load was not cached")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestLoaderPanicBecomesError(t *testing.T) {
	t.Parallel()
	c := New[string]()
	_, err := c.GetOrFetch(context.Background(), "k", func(context.Context) (string, error) {
		panic("nil map")
	}, time.Minute, false)
	if !errors.Is(err, ErrLoaderPanic) {
		t.Fatalf("err = %v, want ErrLoaderPanic", err)
	}
	if st := c.Stats(); st.LoadErrors != 1 {
		t.Fatalf("LoadErrors = %d, want 1", st.LoadErrors)
	}
}

func TestHitDoesNotCallLoader(t *testing.T) {
	t.Parallel()
	c := New[int]()
	ctx := context.Background()
	_, _ = c.GetOrFetch(ctx, "n", func(context.Context) (int, error) { return 7, nil }, time.Minute, false)
	v, err := c.GetOrFetch(ctx, "n", func(context.Context) (int, error) {
		t.Error("loader called on fresh hit")
		return 0, nil
	}, time.Minute, false)
	if err != nil || v != 7 {
		t.Fatalf("hit = %d, %v", v, err)
	}
	if st := c.Stats(); st.Hits != 1 || st.Misses != 1 {
		t.Fatalf("stats = %+v", st)
	}
}

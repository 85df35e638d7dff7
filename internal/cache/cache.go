package cache

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	logx "sessionhub/pkg/logx"

	"golang.org/x/sync/singleflight"
)

// ErrLoaderPanic is returned to every waiter when a loader panics.
var ErrLoaderPanic = errors.New("cache: loader panicked")

// Loader fetches the value for one key.
//
// The context passed to a Loader is detached from the cancellation of any
// single caller: a shared load keeps running when one waiter gives up.
type Loader[V any] func(ctx context.Context) (V, error)

// Entry is one stored value. It is fresh iff now-CreatedAt < ttl, where ttl
// is the one supplied by the lookup; ttl <= 0 means it never goes stale.
type Entry[V any] struct {
	Key       string
	Value     V
	CreatedAt time.Time
}

func (e Entry[V]) fresh(now time.Time, ttl time.Duration) bool {
	if ttl <= 0 {
		return true
	}
	return now.Sub(e.CreatedAt) < ttl
}

// Stats are best-effort counters, not a synchronization primitive.
type Stats struct {
	Hits       uint64
	Misses     uint64
	Loads      uint64
	LoadErrors uint64
	Shared     uint64 // callers whose result came from a load shared with others
}

type options struct {
	now    func() time.Time
	log    logx.Logger
	joined func(key string)
}

type Option func(*options)

// WithClock overrides time.Now (tests).
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func WithLogger(log logx.Logger) Option {
	return func(o *options) { o.log = log }
}

// Cache is safe for concurrent use. Construct one per session and share it.
type Cache[V any] struct {
	now func() time.Time
	log logx.Logger

	mu      sync.RWMutex
	entries map[string]Entry[V]

	// group is the in-flight registry: at most one call per key, removed
	// as soon as the loader settles.
	group singleflight.Group

	joined func(key string)

	hits, misses, loads, loadErrs, shared atomic.Uint64
}

func New[V any](opts ...Option) *Cache[V] {
	o := options{now: time.Now}
	for _, fn := range opts {
		fn(&o)
	}
	if o.log.IsZero() {
		o.log = logx.Nop()
	}
	return &Cache[V]{
		now:     o.now,
		log:     o.log,
		joined:  o.joined,
		entries: map[string]Entry[V]{},
	}
}

// GetOrFetch returns the fresh value for key, or loads it.
//
// Unless forceRefresh is set, a fresh entry is returned without blocking.
// Otherwise the caller attaches to the in-flight load for key, starting one
// if none exists. On success the value is stored with CreatedAt = now; on
// failure nothing is stored. If ctx ends first, the caller stops waiting
// but the load still settles and populates the cache.
func (c *Cache[V]) GetOrFetch(ctx context.Context, key string, loader Loader[V], ttl time.Duration, forceRefresh bool) (V, error) {
	var zero V
	if loader == nil {
		return zero, fmt.Errorf("cache: nil loader for %q", key)
	}
	if !forceRefresh {
		if v, ok := c.Peek(key, ttl); ok {
			c.hits.Add(1)
			return v, nil
		}
	}
	c.misses.Add(1)
	if ctx == nil {
		ctx = context.Background()
	}
	loadCtx := context.WithoutCancel(ctx)

	ch := c.group.DoChan(key, func() (any, error) {
		return c.load(loadCtx, key, loader)
	})
	if c.joined != nil {
		c.joined(key)
	}

	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-ch:
		if res.Shared {
			c.shared.Add(1)
		}
		if res.Err != nil {
			return zero, res.Err
		}
		v, _ := res.Val.(V)
		return v, nil
	}
}

func (c *Cache[V]) load(ctx context.Context, key string, loader Loader[V]) (v V, err error) {
	c.loads.Add(1)
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("cache loader panicked", logx.String("key", key), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			err = fmt.Errorf("%w: %v", ErrLoaderPanic, r)
		}
		if err != nil {
			c.loadErrs.Add(1)
		}
	}()

	v, err = loader(ctx)
	if err != nil {
		c.log.Debug("cache load failed", logx.String("key", key), logx.Err(err))
		return v, err
	}
	// Stored before the in-flight slot is released, so a caller arriving
	// right after settle sees the entry instead of starting another load.
	c.mu.Lock()
	c.entries[key] = Entry[V]{Key: key, Value: v, CreatedAt: c.now()}
	c.mu.Unlock()
	return v, nil
}

// Refresh reloads key regardless of freshness. It is the explicit retry path
// offered to UI surfaces.
func (c *Cache[V]) Refresh(ctx context.Context, key string, loader Loader[V], ttl time.Duration) (V, error) {
	return c.GetOrFetch(ctx, key, loader, ttl, true)
}

// Peek returns the value for key if it is fresh under ttl, without loading.
func (c *Cache[V]) Peek(key string, ttl time.Duration) (V, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || !e.fresh(c.now(), ttl) {
		var zero V
		return zero, false
	}
	return e.Value, true
}

// Invalidate removes a single entry. In-flight loads are not cancelled.
func (c *Cache[V]) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// InvalidateByPrefix removes every key starting with prefix and returns how
// many were removed.
func (c *Cache[V]) InvalidateByPrefix(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k := range c.entries {
		if strings.HasPrefix(k, prefix) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

// InvalidateAll clears the store.
func (c *Cache[V]) InvalidateAll() {
	c.mu.Lock()
	c.entries = map[string]Entry[V]{}
	c.mu.Unlock()
}

// Len counts stored entries, fresh or not.
func (c *Cache[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *Cache[V]) Stats() Stats {
	return Stats{
		Hits:       c.hits.Load(),
		Misses:     c.misses.Load(),
		Loads:      c.loads.Load(),
		LoadErrors: c.loadErrs.Load(),
		Shared:     c.shared.Load(),
	}
}

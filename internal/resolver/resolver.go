// Package resolver defers per-key status lookups until the element that
// shows the status becomes visible, and keeps the outcome for the rest of
// the session.
//
// Lookups for the same key are coalesced through a cache.Cache with no TTL,
// so any number of rows showing the same key cause at most one remote call.
// A failed lookup settles to Unknown and that Unknown is cached as well;
// only Reset clears it.
package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"sessionhub/internal/cache"
	"sessionhub/internal/remote"
	"sessionhub/internal/visibility"
	logx "sessionhub/pkg/logx"
)

// StatusLookup is the remote collaborator. Only the emptiness of the result
// is consumed.
type StatusLookup interface {
	LookupBlocks(ctx context.Context, entityID string, activeOnly bool) ([]json.RawMessage, error)
}

type Option func(*Resolver)

// WithLookupTimeout bounds each remote lookup. Zero disables the bound.
func WithLookupTimeout(d time.Duration) Option {
	return func(r *Resolver) { r.timeout = d }
}

func WithLogger(log logx.Logger) Option {
	return func(r *Resolver) { r.log = log }
}

// WithCache lets callers share or inspect the session cache.
func WithCache(c *cache.Cache[Status]) Option {
	return func(r *Resolver) { r.cache = c }
}

type Resolver struct {
	lookup  StatusLookup
	obs     visibility.Observer
	cache   *cache.Cache[Status]
	timeout time.Duration
	log     logx.Logger
}

func New(lookup StatusLookup, obs visibility.Observer, opts ...Option) *Resolver {
	r := &Resolver{
		lookup:  lookup,
		obs:     obs,
		timeout: 10 * time.Second,
	}
	for _, fn := range opts {
		fn(r)
	}
	if r.log.IsZero() {
		r.log = logx.Nop()
	}
	if r.cache == nil {
		r.cache = cache.New[Status](cache.WithLogger(r.log))
	}
	return r
}

// subscription tracks one SubscribeVisible call.
type subscription struct {
	cancelled atomic.Bool
	unwatch   func()
}

// SubscribeVisible reports the status of key to onResolved once.
//
// If key is already resolved this session, onResolved runs before
// SubscribeVisible returns and the returned func is a no-op. Otherwise a
// one-shot watcher is attached to el; when it fires the lookup runs in the
// background and onResolved is called from that goroutine.
//
// Calling the returned func before el becomes visible removes the watcher.
// Calling it after the lookup started suppresses the callback; the lookup
// itself still completes and is cached.
func (r *Resolver) SubscribeVisible(ctx context.Context, key string, el visibility.Element, onResolved func(Status)) (unsubscribe func()) {
	if st, ok := r.cache.Peek(key, 0); ok {
		if onResolved != nil {
			onResolved(st)
		}
		return func() {}
	}
	if ctx == nil {
		ctx = context.Background()
	}

	sub := &subscription{}
	if el == nil {
		// Nothing to observe; resolve now so the caller still settles.
		r.log.Warn("subscribe without element; resolving immediately", logx.String("key", key))
		go r.resolve(ctx, key, sub, onResolved)
		return func() { sub.cancelled.Store(true) }
	}
	unwatch := r.obs.Subscribe(el, func() {
		if sub.cancelled.Load() {
			return
		}
		go r.resolve(ctx, key, sub, onResolved)
	})
	sub.unwatch = unwatch

	return func() {
		if sub.cancelled.Swap(true) {
			return
		}
		if sub.unwatch != nil {
			sub.unwatch()
		}
	}
}

func (r *Resolver) resolve(ctx context.Context, key string, sub *subscription, onResolved func(Status)) {
	st, err := r.cache.GetOrFetch(ctx, key, r.loader(key), 0, false)
	if err != nil {
		// Only the caller's own context can end up here; the loader never fails.
		r.log.Debug("resolve abandoned", logx.String("key", key), logx.Err(err))
		return
	}
	if sub.cancelled.Load() || onResolved == nil {
		return
	}
	onResolved(st)
}

func (r *Resolver) loader(key string) cache.Loader[Status] {
	return func(ctx context.Context) (Status, error) {
		if r.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, r.timeout)
			defer cancel()
		}
		rows, err := r.lookup.LookupBlocks(ctx, key, true)
		if err != nil {
			if errors.Is(err, remote.ErrNotConfigured) {
				r.log.Warn("status lookup skipped: remote not configured", logx.String("key", key))
			} else {
				r.log.Warn("status lookup failed; key stays unknown for this session", logx.String("key", key), logx.Err(err))
			}
			return Unknown, nil
		}
		if len(rows) > 0 {
			return Positive, nil
		}
		return Negative, nil
	}
}

// Status returns the cached status for key, if any.
func (r *Resolver) Status(key string) (Status, bool) {
	return r.cache.Peek(key, 0)
}

// Reset forgets every resolved key, including cached Unknowns.
func (r *Resolver) Reset() {
	r.cache.InvalidateAll()
}

// Len returns how many keys are resolved.
func (r *Resolver) Len() int { return r.cache.Len() }

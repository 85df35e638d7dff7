package app

import (
	"context"
	"fmt"
	"time"

	"sessionhub/internal/cache"
	"sessionhub/internal/notify"
	"sessionhub/internal/poller"
	"sessionhub/internal/resolver"
	"sessionhub/internal/visibility"
)

// GetOrFetch reads key from the shared data cache, running loader when the
// entry is missing, older than ttl, or forceRefresh is set. Concurrent
// callers for one key share a single loader run.
func (a *App) GetOrFetch(ctx context.Context, key string, loader cache.Loader[any], ttl time.Duration, forceRefresh bool) (any, error) {
	return a.data.GetOrFetch(ctx, key, loader, ttl, forceRefresh)
}

// Refresh reloads key unconditionally.
func (a *App) Refresh(ctx context.Context, key string, loader cache.Loader[any]) (any, error) {
	return a.data.Refresh(ctx, key, loader, a.defaultTTL)
}

func (a *App) Invalidate(key string) { a.data.Invalidate(key) }

func (a *App) InvalidateByPrefix(prefix string) int { return a.data.InvalidateByPrefix(prefix) }

func (a *App) InvalidateAll() { a.data.InvalidateAll() }

// CacheStats reports the data cache counters.
func (a *App) CacheStats() cache.Stats { return a.data.Stats() }

// DefaultTTL is cache.default_ttl, used by Fetch and Refresh.
func (a *App) DefaultTTL() time.Duration { return a.defaultTTL }

// Fetch is the typed form of GetOrFetch with the configured default TTL.
// A cached value of another type under the same key is an error.
func Fetch[V any](ctx context.Context, a *App, key string, loader func(context.Context) (V, error)) (V, error) {
	v, err := a.data.GetOrFetch(ctx, key, func(c context.Context) (any, error) {
		return loader(c)
	}, a.defaultTTL, false)
	if err != nil {
		var zero V
		return zero, err
	}
	out, ok := v.(V)
	if !ok {
		var zero V
		return zero, fmt.Errorf("cache key %q holds %T", key, v)
	}
	return out, nil
}

// SubscribeVisible resolves the block status for key once el becomes
// visible. See resolver.Resolver.SubscribeVisible.
func (a *App) SubscribeVisible(ctx context.Context, key string, el visibility.Element, onResolved func(resolver.Status)) func() {
	return a.resolver.SubscribeVisible(ctx, key, el, onResolved)
}

// Status peeks at a resolved status without triggering a lookup.
func (a *App) Status(key string) (resolver.Status, bool) { return a.resolver.Status(key) }

// ResetStatuses forgets every resolved status, including cached unknowns.
func (a *App) ResetStatuses() { a.resolver.Reset() }

// Viewport is the built-in observer, or nil when WithObserver was used.
// Hosts drive it with Scroll and Resize.
func (a *App) Viewport() *visibility.Viewport { return a.viewport }

// Poll runs one feed cycle now. It returns poller.ErrBusy while another
// cycle is in flight.
func (a *App) Poll(ctx context.Context) (poller.Result, error) { return a.poller.Poll(ctx) }

// Checkpoint is the start time of the last successful poll.
func (a *App) Checkpoint() time.Time { return a.poller.Checkpoint() }

func (a *App) Notifications() []notify.Notification { return a.inbox.List() }

func (a *App) Unread() int { return a.inbox.Unread() }

func (a *App) MarkRead(ctx context.Context, id string) bool { return a.inbox.MarkRead(ctx, id) }

func (a *App) MarkAllRead(ctx context.Context) { a.inbox.MarkAllRead(ctx) }

func (a *App) ClearNotification(ctx context.Context, id string) bool { return a.inbox.Clear(ctx, id) }

func (a *App) ClearAll(ctx context.Context) { a.inbox.ClearAll(ctx) }

// SubscribeNotifications streams list snapshots, current list first.
func (a *App) SubscribeNotifications(buffer int) (<-chan []notify.Notification, func()) {
	return a.inbox.Subscribe(buffer)
}

package notify

import (
	"context"
	"sync"
	"time"

	"sessionhub/internal/eventbus"
	"sessionhub/internal/storage"
	logx "sessionhub/pkg/logx"

	"github.com/google/uuid"
)

const (
	DefaultCapacity    = 50
	DefaultDedupWindow = 5 * time.Minute
)

type Config struct {
	Capacity    int           // retained items; default 50
	DedupWindow time.Duration // default 5m; negative disables dedup
}

type Option func(*Inbox)

func WithClock(now func() time.Time) Option {
	return func(in *Inbox) {
		if now != nil {
			in.now = now
		}
	}
}

// Inbox is the session's retained notification list. It is safe for
// concurrent use; every mutation persists the list and publishes
// notifications.changed.
type Inbox struct {
	// pmu orders persist and broadcast: it is taken before mu and held
	// until the snapshot taken under mu is stored and fanned out.
	pmu sync.Mutex

	mu    sync.Mutex
	items []Notification // newest first

	capacity int
	window   time.Duration
	now      func() time.Time

	store storage.Store
	bus   eventbus.Bus
	log   logx.Logger

	smu  sync.Mutex
	subs map[uint64]chan []Notification
	seq  uint64
}

func New(cfg Config, store storage.Store, bus eventbus.Bus, log logx.Logger, opts ...Option) *Inbox {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.DedupWindow == 0 {
		cfg.DedupWindow = DefaultDedupWindow
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	in := &Inbox{
		capacity: cfg.Capacity,
		window:   cfg.DedupWindow,
		now:      time.Now,
		store:    store,
		bus:      bus,
		log:      log,
		subs:     map[uint64]chan []Notification{},
	}
	for _, fn := range opts {
		fn(in)
	}
	return in
}

// Load replaces the in-memory list with the persisted one, if any.
func (in *Inbox) Load(ctx context.Context) error {
	if in.store == nil {
		return nil
	}
	var items []Notification
	ok, err := storage.GetJSON(ctx, in.store, storage.KeyNotifications, &items)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	in.pmu.Lock()
	defer in.pmu.Unlock()
	in.mu.Lock()
	if len(items) > in.capacity {
		items = items[:in.capacity]
	}
	in.items = items
	snap := in.snapshotLocked()
	in.mu.Unlock()

	in.log.Debug("notifications restored", logx.Int("count", len(snap)))
	in.broadcast(snap)
	return nil
}

// Admit runs each candidate through ShouldAdmit against the current list and
// prepends the ones that pass. Candidates are processed in order, so a batch
// passed oldest first ends newest first. Returns the admitted items.
func (in *Inbox) Admit(ctx context.Context, candidates []Notification) []Notification {
	if len(candidates) == 0 {
		return nil
	}
	now := in.now()

	in.pmu.Lock()
	defer in.pmu.Unlock()
	in.mu.Lock()
	var admitted []Notification
	for _, c := range candidates {
		if !ShouldAdmit(c, in.items, now, in.window) {
			in.log.Trace("notification deduplicated",
				logx.String("entity", c.Entity.ID),
				logx.String("category", string(c.Category)))
			continue
		}
		if c.ID == "" {
			c.ID = uuid.NewString()
		}
		if c.Timestamp.IsZero() {
			c.Timestamp = now
		}
		in.items = append([]Notification{c}, in.items...)
		admitted = append(admitted, c)
	}
	if len(admitted) == 0 {
		in.mu.Unlock()
		return nil
	}
	if len(in.items) > in.capacity {
		in.items = in.items[:in.capacity]
	}
	snap := in.snapshotLocked()
	in.mu.Unlock()

	in.persist(ctx, snap)
	in.publish(eventbus.TopicNotificationsAdmitted, admitted)
	in.changed(snap)
	return admitted
}

// List returns a copy of the retained list, newest first.
func (in *Inbox) List() []Notification {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.snapshotLocked()
}

// Unread counts items not yet marked read.
func (in *Inbox) Unread() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	n := 0
	for _, it := range in.items {
		if !it.Read {
			n++
		}
	}
	return n
}

// MarkRead marks one item read. It reports false when id is unknown.
func (in *Inbox) MarkRead(ctx context.Context, id string) bool {
	return in.mutate(ctx, func(items []Notification) ([]Notification, bool) {
		for i := range items {
			if items[i].ID == id {
				if items[i].Read {
					return items, false
				}
				items[i].Read = true
				return items, true
			}
		}
		return items, false
	})
}

func (in *Inbox) MarkAllRead(ctx context.Context) {
	in.mutate(ctx, func(items []Notification) ([]Notification, bool) {
		changed := false
		for i := range items {
			if !items[i].Read {
				items[i].Read = true
				changed = true
			}
		}
		return items, changed
	})
}

// Clear removes one item. It reports false when id is unknown.
func (in *Inbox) Clear(ctx context.Context, id string) bool {
	return in.mutate(ctx, func(items []Notification) ([]Notification, bool) {
		for i := range items {
			if items[i].ID == id {
				return append(items[:i:i], items[i+1:]...), true
			}
		}
		return items, false
	})
}

func (in *Inbox) ClearAll(ctx context.Context) {
	in.mutate(ctx, func(items []Notification) ([]Notification, bool) {
		return nil, len(items) > 0
	})
}

func (in *Inbox) mutate(ctx context.Context, fn func([]Notification) ([]Notification, bool)) bool {
	in.pmu.Lock()
	defer in.pmu.Unlock()
	in.mu.Lock()
	items, changed := fn(in.items)
	if !changed {
		in.mu.Unlock()
		return false
	}
	in.items = items
	snap := in.snapshotLocked()
	in.mu.Unlock()

	in.persist(ctx, snap)
	in.changed(snap)
	return true
}

// Subscribe streams list snapshots. The current list is delivered first. A
// slow reader skips intermediate snapshots but always receives the latest.
func (in *Inbox) Subscribe(buffer int) (<-chan []Notification, func()) {
	if buffer <= 0 {
		buffer = 1
	}
	ch := make(chan []Notification, buffer)

	in.smu.Lock()
	in.seq++
	id := in.seq
	in.subs[id] = ch
	ch <- in.List()
	in.smu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			in.smu.Lock()
			delete(in.subs, id)
			close(ch)
			in.smu.Unlock()
		})
	}
}

func (in *Inbox) snapshotLocked() []Notification {
	out := make([]Notification, len(in.items))
	copy(out, in.items)
	return out
}

// persist failures are logged and leave the in-memory list as is.
func (in *Inbox) persist(ctx context.Context, snap []Notification) {
	if in.store == nil {
		return
	}
	if err := storage.PutJSON(ctx, in.store, storage.KeyNotifications, snap); err != nil {
		in.log.Warn("persist notifications failed", logx.Err(err))
	}
}

func (in *Inbox) changed(snap []Notification) {
	in.publish(eventbus.TopicNotificationsChanged, snap)
	in.broadcast(snap)
}

func (in *Inbox) publish(topic string, data []Notification) {
	if in.bus == nil {
		return
	}
	in.bus.Publish(eventbus.Event{Type: topic, Time: in.now(), Data: data})
}

func (in *Inbox) broadcast(snap []Notification) {
	in.smu.Lock()
	defer in.smu.Unlock()
	for _, ch := range in.subs {
		for {
			select {
			case ch <- snap:
			default:
				// Full: drop the oldest pending snapshot and retry.
				select {
				case <-ch:
				default:
				}
				continue
			}
			break
		}
	}
}

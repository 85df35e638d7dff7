package forward

import (
	"context"
	"errors"
	"fmt"
	"html"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"sessionhub/internal/eventbus"
	"sessionhub/internal/feed"
	"sessionhub/internal/notify"
	rtsup "sessionhub/internal/runtime/supervisor"
	logx "sessionhub/pkg/logx"

	"golang.org/x/time/rate"
)

var (
	ErrDisabled  = errors.New("forward disabled")
	ErrQueueFull = errors.New("forward queue full")
	ErrStopped   = errors.New("forward stopped")
)

type Config struct {
	Enabled    bool
	Target     Target
	Categories []feed.Category // empty forwards every category

	QueueSize     int
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	SendTimeout   time.Duration
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = 128
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 1
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 10 * time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	return c
}

func (c Config) wants(cat feed.Category) bool {
	if len(c.Categories) == 0 {
		return true
	}
	for _, x := range c.Categories {
		if x == cat {
			return true
		}
	}
	return false
}

// Stats are cumulative counters.
type Stats struct {
	Sent    uint64 `json:"sent"`
	Failed  uint64 `json:"failed"`
	Dropped uint64 `json:"dropped"`
}

// Forwarder is safe for concurrent use. Apply and SetSender may run while it
// is started.
type Forwarder struct {
	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
	sender  Sender

	bus eventbus.Bus
	log logx.Logger

	queue chan notify.Notification
	sup   *rtsup.Supervisor
	unsub func()

	sent, failed, dropped atomic.Uint64
}

func New(cfg Config, sender Sender, bus eventbus.Bus, log logx.Logger) *Forwarder {
	if log.IsZero() {
		log = logx.Nop()
	}
	f := &Forwarder{sender: sender, bus: bus, log: log}
	f.applyLocked(cfg)
	return f
}

func (f *Forwarder) Apply(cfg Config) {
	f.mu.Lock()
	f.applyLocked(cfg)
	f.mu.Unlock()
}

func (f *Forwarder) applyLocked(cfg Config) {
	cfg = cfg.withDefaults()
	f.cfg = cfg
	// Burst equals the per-second rate so short spikes pass.
	f.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

func (f *Forwarder) SetSender(s Sender) {
	f.mu.Lock()
	f.sender = s
	f.mu.Unlock()
}

func (f *Forwarder) Enabled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cfg.Enabled && f.sender != nil
}

func (f *Forwarder) Stats() Stats {
	return Stats{Sent: f.sent.Load(), Failed: f.failed.Load(), Dropped: f.dropped.Load()}
}

// Start subscribes to admitted notifications and starts the worker. It is
// idempotent. The queue is sized from the config at first start.
func (f *Forwarder) Start(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.queue != nil {
		return
	}
	f.queue = make(chan notify.Notification, f.cfg.QueueSize)
	f.sup = rtsup.New(ctx, rtsup.WithLogger(f.log))

	q := f.queue
	f.sup.GoRestart("forward.worker", func(c context.Context) error {
		f.workerLoop(c, q)
		return c.Err()
	})

	if f.bus != nil {
		events, unsub := f.bus.Subscribe(64, eventbus.TopicNotificationsAdmitted)
		f.unsub = unsub
		f.sup.Go0("forward.pump", func(c context.Context) {
			for {
				select {
				case <-c.Done():
					return
				case ev, ok := <-events:
					if !ok {
						return
					}
					items, _ := ev.Data.([]notify.Notification)
					for _, n := range items {
						if err := f.Enqueue(n); err != nil && !errors.Is(err, ErrDisabled) {
							f.log.Debug("forward enqueue failed", logx.String("id", n.ID), logx.Err(err))
						}
					}
				}
			}
		})
	}
}

// Stop unsubscribes and stops the worker, bounded by ctx. Queued messages
// that were not sent yet are dropped.
func (f *Forwarder) Stop(ctx context.Context) error {
	f.mu.Lock()
	sup, unsub := f.sup, f.unsub
	f.sup, f.unsub, f.queue = nil, nil, nil
	f.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if sup == nil {
		return nil
	}
	return sup.Stop(ctx)
}

// Enqueue queues n for delivery if forwarding is enabled and its category is
// selected.
func (f *Forwarder) Enqueue(n notify.Notification) error {
	f.mu.Lock()
	cfg, q, sender := f.cfg, f.queue, f.sender
	f.mu.Unlock()

	if !cfg.Enabled || sender == nil {
		return ErrDisabled
	}
	if q == nil {
		return ErrStopped
	}
	if !cfg.wants(n.Category) {
		return nil
	}
	select {
	case q <- n:
		return nil
	default:
		f.dropped.Add(1)
		return ErrQueueFull
	}
}

func (f *Forwarder) workerLoop(ctx context.Context, q <-chan notify.Notification) {
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-q:
			f.sendWithRetry(ctx, n)
		}
	}
}

func (f *Forwarder) sendWithRetry(ctx context.Context, n notify.Notification) {
	f.mu.Lock()
	cfg, lim, sender := f.cfg, f.limiter, f.sender
	f.mu.Unlock()
	if sender == nil {
		return
	}

	text := Format(n)
	attempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return
		}
		callCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		err := sender.Send(callCtx, cfg.Target, text)
		cancel()
		if err == nil {
			f.sent.Add(1)
			f.publish(eventbus.TopicForwardSent, n.ID, nil)
			return
		}
		lastErr = err
		f.log.Debug("forward send failed", logx.String("id", n.ID), logx.Int("attempt", attempt), logx.Err(err))
		if attempt == attempts {
			break
		}
		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
	f.failed.Add(1)
	f.log.Warn("forward gave up", logx.String("id", n.ID), logx.Int("attempts", attempts), logx.Err(lastErr))
	f.publish(eventbus.TopicForwardFailed, n.ID, lastErr)
}

// Event is the payload of forward.sent and forward.failed.
type Event struct {
	ID    string `json:"id"`
	Error string `json:"error,omitempty"`
}

func (f *Forwarder) publish(topic, id string, err error) {
	if f.bus == nil {
		return
	}
	ev := Event{ID: id}
	if err != nil {
		ev.Error = err.Error()
	}
	f.bus.Publish(eventbus.Event{Type: topic, Time: time.Now(), Data: ev})
}

// retryDelay is base*2^(attempt-1) with 0.7..1.3 jitter, capped at RetryMaxDelay.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt && d < cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	return d
}

// Format renders n as Telegram HTML.
func Format(n notify.Notification) string {
	var b strings.Builder
	switch n.Category {
	case feed.CategoryError:
		b.WriteString("⚠️ ")
	case feed.CategoryNewEntity:
		b.WriteString("🆕 ")
	}
	fmt.Fprintf(&b, "<b>%s</b>", html.EscapeString(n.Title))
	if n.Message != "" && n.Message != n.Title {
		b.WriteString("\n")
		b.WriteString(html.EscapeString(n.Message))
	}
	if n.Entity.ID != "" {
		name := n.Entity.Name
		if name == "" {
			name = n.Entity.ID
		}
		fmt.Fprintf(&b, "\n<i>%s</i> (<code>%s</code>)", html.EscapeString(name), html.EscapeString(n.Entity.ID))
	}
	if !n.Timestamp.IsZero() {
		fmt.Fprintf(&b, "\n%s", n.Timestamp.Format("02/01/2006 15:04"))
	}
	return b.String()
}

// Package poller pulls the remote event feed on a schedule, classifies each
// event and admits the resulting notifications into the inbox.
//
// Cycles never overlap: a tick that arrives while a cycle is running returns
// ErrBusy without side effects. The feed checkpoint (lastPolledAt) only
// advances after the fetch and envelope parse succeeded.
package poller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"sessionhub/internal/eventbus"
	"sessionhub/internal/feed"
	"sessionhub/internal/notify"
	"sessionhub/internal/remote"
	"sessionhub/internal/schedule"
	"sessionhub/internal/storage"
	logx "sessionhub/pkg/logx"

	"github.com/hashicorp/go-multierror"
)

// ErrBusy is returned by Poll while another cycle is running.
var ErrBusy = errors.New("poller: cycle already running")

const DefaultInterval = 60 * time.Second

type State int32

const (
	Idle State = iota
	Polling
)

func (s State) String() string {
	if s == Polling {
		return "polling"
	}
	return "idle"
}

// FeedSource is the remote event feed.
type FeedSource interface {
	FetchEvents(ctx context.Context, since time.Time) ([]json.RawMessage, error)
}

type Config struct {
	// Interval is the initial lookback when no checkpoint exists and the
	// default cadence when Schedule is empty.
	Interval time.Duration
	// Schedule overrides the cadence ("@every 30s", "*/2 * * * *", "00:05").
	Schedule string
	Timezone string
}

// Result summarizes one cycle.
type Result struct {
	Fetched    int `json:"fetched"`
	Malformed  int `json:"malformed"`
	Suppressed int `json:"suppressed"`
	Ignored    int `json:"ignored"`
	Duplicates int `json:"duplicates"`
	Admitted   int `json:"admitted"`

	Since      time.Time `json:"since"`
	Checkpoint time.Time `json:"checkpoint"`
}

type Option func(*Poller)

func WithClock(now func() time.Time) Option {
	return func(p *Poller) {
		if now != nil {
			p.now = now
		}
	}
}

func WithClassifier(c *feed.Classifier) Option {
	return func(p *Poller) {
		if c != nil {
			p.classifier.Store(c)
		}
	}
}

type Poller struct {
	src   FeedSource
	inbox *notify.Inbox
	store storage.Store
	bus   eventbus.Bus
	log   logx.Logger
	now   func() time.Time

	interval time.Duration
	spec     schedule.Spec
	loc      *time.Location

	classifier atomic.Pointer[feed.Classifier]
	state      atomic.Int32

	cmu        sync.Mutex
	checkpoint time.Time
}

func New(cfg Config, src FeedSource, inbox *notify.Inbox, store storage.Store, bus eventbus.Bus, log logx.Logger, opts ...Option) (*Poller, error) {
	if src == nil || inbox == nil {
		return nil, fmt.Errorf("poller: feed source and inbox are required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	raw := cfg.Schedule
	if raw == "" {
		raw = "@every " + cfg.Interval.String()
	}
	spec, err := schedule.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("poller.schedule: %w", err)
	}
	loc := time.Local
	if cfg.Timezone != "" {
		l, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, fmt.Errorf("poller.timezone: %w", err)
		}
		loc = l
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	p := &Poller{
		src:      src,
		inbox:    inbox,
		store:    store,
		bus:      bus,
		log:      log,
		now:      time.Now,
		interval: cfg.Interval,
		spec:     spec,
		loc:      loc,
	}
	p.classifier.Store(feed.Default())
	for _, fn := range opts {
		fn(p)
	}
	return p, nil
}

// SetClassifier swaps the rule set used by subsequent cycles.
func (p *Poller) SetClassifier(c *feed.Classifier) {
	if c != nil {
		p.classifier.Store(c)
	}
}

func (p *Poller) State() State { return State(p.state.Load()) }

// Checkpoint returns lastPolledAt, zero if none.
func (p *Poller) Checkpoint() time.Time {
	p.cmu.Lock()
	defer p.cmu.Unlock()
	return p.checkpoint
}

// LoadCheckpoint restores lastPolledAt from storage.
func (p *Poller) LoadCheckpoint(ctx context.Context) error {
	if p.store == nil {
		return nil
	}
	t, ok, err := storage.GetTime(ctx, p.store, storage.KeyLastPolledAt)
	if err != nil {
		return err
	}
	if ok {
		p.cmu.Lock()
		p.checkpoint = t
		p.cmu.Unlock()
		p.log.Debug("checkpoint restored", logx.Time("lastPolledAt", t))
	}
	return nil
}

// Run polls once immediately and then on every activation of the schedule
// until ctx is done.
func (p *Poller) Run(ctx context.Context) error {
	p.log.Info("poller started", logx.String("schedule", p.spec.String()))
	return schedule.Run(ctx, p.spec, func(ctx context.Context) {
		if _, err := p.Poll(ctx); errors.Is(err, ErrBusy) {
			p.log.Debug("tick skipped: previous cycle still running")
		}
	}, schedule.Immediately(), schedule.WithLocation(p.loc), schedule.WithLogger(p.log))
}

// Poll runs one cycle now. Fetch and envelope errors are returned after the
// failure was logged and published; they leave the inbox and the checkpoint
// untouched.
func (p *Poller) Poll(ctx context.Context) (Result, error) {
	if !p.state.CompareAndSwap(int32(Idle), int32(Polling)) {
		return Result{}, ErrBusy
	}
	defer p.state.Store(int32(Idle))

	start := p.now()
	since := p.Checkpoint()
	if since.IsZero() {
		since = start.Add(-p.interval)
	}
	res := Result{Since: since}

	items, err := p.src.FetchEvents(ctx, since)
	if err != nil {
		p.fail(start, since, err)
		return res, err
	}
	res.Fetched = len(items)

	var decodeErr *multierror.Error
	classifier := p.classifier.Load()
	batch := make([]notify.Notification, 0, len(items))
	for i, raw := range items {
		ev, err := feed.Decode(raw)
		if err != nil {
			res.Malformed++
			decodeErr = multierror.Append(decodeErr, fmt.Errorf("item %d: %w", i, err))
			continue
		}
		cl := classifier.Classify(ev)
		switch cl.Kind {
		case feed.KindSuppressed:
			res.Suppressed++
		case feed.KindIgnored:
			res.Ignored++
		case feed.KindNotify:
			batch = append(batch, notify.FromEvent(ev, cl))
		}
	}
	if decodeErr != nil {
		p.log.Debug("malformed feed items skipped", logx.Int("count", res.Malformed), logx.Err(decodeErr.ErrorOrNil()))
	}

	// Oldest first, so the newest event ends up at the head of the list.
	sort.SliceStable(batch, func(i, j int) bool {
		return batch[i].Timestamp.Before(batch[j].Timestamp)
	})
	admitted := p.inbox.Admit(ctx, batch)
	res.Admitted = len(admitted)
	res.Duplicates = len(batch) - len(admitted)

	p.cmu.Lock()
	p.checkpoint = start
	p.cmu.Unlock()
	res.Checkpoint = start
	if p.store != nil {
		if err := storage.PutTime(ctx, p.store, storage.KeyLastPolledAt, start); err != nil {
			p.log.Warn("persist checkpoint failed", logx.Err(err))
		}
	}

	p.log.Debug("poll cycle done",
		logx.Int("fetched", res.Fetched),
		logx.Int("admitted", res.Admitted),
		logx.Int("duplicates", res.Duplicates),
		logx.Int("suppressed", res.Suppressed),
		logx.Int("ignored", res.Ignored),
		logx.Int("malformed", res.Malformed))
	p.publish(eventbus.TopicPollCompleted, start, res)
	return res, nil
}

func (p *Poller) fail(start, since time.Time, err error) {
	switch {
	case errors.Is(err, remote.ErrNotConfigured):
		p.log.Warn("poll skipped: remote not configured")
	case errors.Is(err, context.Canceled):
		p.log.Debug("poll cancelled")
	default:
		p.log.Warn("poll failed", logx.Time("since", since), logx.Bool("transient", remote.IsTransient(err)), logx.Err(err))
	}
	p.publish(eventbus.TopicPollFailed, start, err)
}

func (p *Poller) publish(topic string, at time.Time, data any) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(eventbus.Event{Type: topic, Time: at, Data: data})
}

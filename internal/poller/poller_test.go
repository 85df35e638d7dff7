package poller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"sessionhub/internal/eventbus"
	"sessionhub/internal/feed"
	"sessionhub/internal/notify"
	"sessionhub/internal/remote"
	"sessionhub/internal/storage"
	logx "sessionhub/pkg/logx"

	"github.com/google/go-cmp/cmp"
)

var t0 = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type fakeFeed struct {
	mu     sync.Mutex
	items  []json.RawMessage
	err    error
	sinces []time.Time

	block   chan struct{}
	entered chan struct{}
	calls   atomic.Int32
}

func (f *fakeFeed) FetchEvents(ctx context.Context, since time.Time) ([]json.RawMessage, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.sinces = append(f.sinces, since)
	items, err, block := f.items, f.err, f.block
	f.mu.Unlock()
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return items, err
}

func (f *fakeFeed) set(items []json.RawMessage, err error) {
	f.mu.Lock()
	f.items, f.err = items, err
	f.mu.Unlock()
}

func (f *fakeFeed) lastSince() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sinces[len(f.sinces)-1]
}

func event(ts time.Time, title, code, entity string) json.RawMessage {
	b, _ := json.Marshal(map[string]string{
		"timestamp": ts.Format(time.RFC3339),
		"title":     title,
		"action":    "",
		"code":      code,
		"entity_id": entity,
		"ignored":   "extra field",
	})
	return b
}

type fixture struct {
	clk   *clock
	feed  *fakeFeed
	store storage.Store
	bus   eventbus.Bus
	inbox *notify.Inbox
	p     *Poller
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		clk:   &clock{now: t0},
		feed:  &fakeFeed{},
		store: storage.NewMemory(),
		bus:   eventbus.New(),
	}
	f.inbox = notify.New(notify.Config{}, f.store, f.bus, logx.Nop(), notify.WithClock(f.clk.Now))
	p, err := New(Config{Interval: time.Minute}, f.feed, f.inbox, f.store, f.bus, logx.Nop(), WithClock(f.clk.Now))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	f.p = p
	return f
}

func TestPollClassifiesAndAdvancesCheckpoint(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.feed.set([]json.RawMessage{
		event(t0.Add(-10*time.Second), "Falha ao emitir fatura", "erro", "E2"),
		event(t0.Add(-30*time.Second), "Cliente cadastrado", "success", "E1"),
		event(t0.Add(-20*time.Second), "Cliente já está cadastrado", "success", "E3"),
		event(t0.Add(-5*time.Second), "Login realizado", "info", "E4"),
		json.RawMessage(`{"title":"no timestamp"}`),
		json.RawMessage(`"oops"`),
	}, nil)

	res, err := f.p.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	want := Result{
		Fetched: 6, Malformed: 2, Suppressed: 1, Ignored: 1, Duplicates: 0, Admitted: 2,
		Since: t0.Add(-time.Minute), Checkpoint: t0,
	}
	if diff := cmp.Diff(want, res); diff != "" {
		t.Fatalf("result (-want +got):\n%s", diff)
	}

	list := f.inbox.List()
	got := make([]string, len(list))
	for i, n := range list {
		got[i] = fmt.Sprintf("%s/%s", n.Entity.ID, n.Category)
	}
	wantList := []string{"E2/" + string(feed.CategoryError), "E1/" + string(feed.CategoryNewEntity)}
	if diff := cmp.Diff(wantList, got); diff != "" {
		t.Fatalf("inbox (-want +got):\n%s", diff)
	}

	if !f.p.Checkpoint().Equal(t0) {
		t.Fatalf("checkpoint=%v want %v", f.p.Checkpoint(), t0)
	}
	persisted, ok, err := storage.GetTime(context.Background(), f.store, storage.KeyLastPolledAt)
	if err != nil || !ok || !persisted.Equal(t0) {
		t.Fatalf("persisted checkpoint=%v ok=%v err=%v", persisted, ok, err)
	}
	if f.p.State() != Idle {
		t.Fatalf("state=%v after cycle", f.p.State())
	}
}

func TestFailedCycleKeepsCheckpoint(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	failed, unsub := f.bus.Subscribe(4, eventbus.TopicPollFailed)
	defer unsub()
	ctx := context.Background()

	f.feed.set(nil, nil)
	if _, err := f.p.Poll(ctx); err != nil {
		t.Fatalf("first Poll: %v", err)
	}

	// The feed is down for the next cycle.
	f.clk.Set(t0.Add(time.Minute))
	fetchErr := &remote.TransientError{Op: "feed", Status: 503, Retryable: true}
	f.feed.set([]json.RawMessage{event(t0.Add(30*time.Second), "Cliente cadastrado", "success", "E1")}, fetchErr)
	if _, err := f.p.Poll(ctx); !errors.Is(err, fetchErr) {
		t.Fatalf("err=%v want fetch error", err)
	}
	if !f.p.Checkpoint().Equal(t0) {
		t.Fatalf("checkpoint moved to %v", f.p.Checkpoint())
	}
	if n := len(f.inbox.List()); n != 0 {
		t.Fatalf("inbox changed on failure: %d items", n)
	}
	select {
	case ev := <-failed:
		if !errors.Is(ev.Data.(error), fetchErr) {
			t.Fatalf("failed event data=%v", ev.Data)
		}
	case <-time.After(time.Second):
		t.Fatalf("no poller.failed event")
	}

	// Recovery re-scans from the old checkpoint and picks up the missed event.
	f.clk.Set(t0.Add(2 * time.Minute))
	f.feed.set([]json.RawMessage{event(t0.Add(30*time.Second), "Cliente cadastrado", "success", "E1")}, nil)
	res, err := f.p.Poll(ctx)
	if err != nil {
		t.Fatalf("recovery Poll: %v", err)
	}
	if !f.feed.lastSince().Equal(t0) {
		t.Fatalf("since=%v want %v", f.feed.lastSince(), t0)
	}
	if res.Admitted != 1 {
		t.Fatalf("admitted=%d want 1", res.Admitted)
	}
	if !f.p.Checkpoint().Equal(t0.Add(2 * time.Minute)) {
		t.Fatalf("checkpoint=%v", f.p.Checkpoint())
	}
}

func TestEnvelopeParseErrorKeepsCheckpoint(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.feed.set(nil, fmt.Errorf("%w: feed: unexpected body", remote.ErrParse))
	if _, err := f.p.Poll(context.Background()); !errors.Is(err, remote.ErrParse) {
		t.Fatalf("err=%v want ErrParse", err)
	}
	if !f.p.Checkpoint().IsZero() {
		t.Fatalf("checkpoint set after parse failure")
	}
	if _, ok, _ := storage.GetTime(context.Background(), f.store, storage.KeyLastPolledAt); ok {
		t.Fatalf("checkpoint persisted after parse failure")
	}
}

func TestOverlappingPollIsBusy(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.feed.block = make(chan struct{})
	f.feed.entered = make(chan struct{}, 1)

	done := make(chan error, 1)
	go func() {
		_, err := f.p.Poll(context.Background())
		done <- err
	}()
	<-f.feed.entered

	if f.p.State() != Polling {
		t.Fatalf("state=%v want polling", f.p.State())
	}
	if _, err := f.p.Poll(context.Background()); !errors.Is(err, ErrBusy) {
		t.Fatalf("err=%v want ErrBusy", err)
	}
	if got := f.feed.calls.Load(); got != 1 {
		t.Fatalf("feed calls=%d want 1", got)
	}

	close(f.feed.block)
	if err := <-done; err != nil {
		t.Fatalf("first Poll: %v", err)
	}
	if f.p.State() != Idle {
		t.Fatalf("state=%v want idle", f.p.State())
	}
}

func TestDedupAcrossCycles(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	steps := []struct {
		at       time.Duration
		admitted int
	}{
		{0, 1},
		{2 * time.Minute, 0},
		{6 * time.Minute, 1},
	}
	for _, st := range steps {
		now := t0.Add(st.at)
		f.clk.Set(now)
		f.feed.set([]json.RawMessage{event(now, "Novo cliente cadastrado", "success", "E1")}, nil)
		res, err := f.p.Poll(ctx)
		if err != nil {
			t.Fatalf("Poll at +%v: %v", st.at, err)
		}
		if res.Admitted != st.admitted {
			t.Fatalf("at +%v admitted=%d want %d", st.at, res.Admitted, st.admitted)
		}
	}
	if n := len(f.inbox.List()); n != 2 {
		t.Fatalf("retained=%d want 2", n)
	}
}

func TestLoadCheckpoint(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	last := t0.Add(-17 * time.Minute)
	if err := storage.PutTime(ctx, f.store, storage.KeyLastPolledAt, last); err != nil {
		t.Fatal(err)
	}
	if err := f.p.LoadCheckpoint(ctx); err != nil {
		t.Fatalf("LoadCheckpoint: %v", err)
	}
	if _, err := f.p.Poll(ctx); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if !f.feed.lastSince().Equal(last) {
		t.Fatalf("since=%v want %v", f.feed.lastSince(), last)
	}
}

func TestSetClassifier(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	c, err := feed.NewClassifier(feed.Rules{Created: []string{`(?i)onboarded`}})
	if err != nil {
		t.Fatal(err)
	}
	f.p.SetClassifier(c)
	f.feed.set([]json.RawMessage{
		event(t0, "Customer onboarded", "", "E9"),
		event(t0, "Cliente cadastrado", "", "E8"),
	}, nil)
	res, err := f.p.Poll(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Admitted != 1 || res.Ignored != 1 {
		t.Fatalf("result=%+v", res)
	}
}

func TestRunPollsUntilCancelled(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	p, err := New(Config{Interval: time.Minute, Schedule: "@every 20ms"}, f.feed, f.inbox, f.store, f.bus, logx.Nop(), WithClock(f.clk.Now))
	if err != nil {
		t.Fatal(err)
	}
	cycles, unsub := f.bus.Subscribe(16, eventbus.TopicPollCompleted)
	defer unsub()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	for i := 0; i < 2; i++ {
		select {
		case <-cycles:
		case <-time.After(2 * time.Second):
			t.Fatalf("cycle %d not observed", i+1)
		}
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not stop")
	}
}

func TestNewRejectsBadSchedule(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Schedule: "whenever"}, &fakeFeed{}, notify.New(notify.Config{}, nil, nil, logx.Nop()), nil, nil, logx.Nop())
	if err == nil {
		t.Fatalf("expected error")
	}
}

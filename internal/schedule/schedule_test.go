package schedule

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	logx "sessionhub/pkg/logx"
)

func TestParse(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in      string
		kind    Kind
		every   time.Duration
		cron    string
		source  string
		wantErr bool
	}{
		{in: "*/5 * * * *", kind: KindCron, cron: "*/5 * * * *", source: "cron"},
		{in: "0 */2 * * * *", kind: KindCron, cron: "0 */2 * * * *", source: "cron"},
		{in: "@hourly", kind: KindCron, cron: "@hourly", source: "cron"},
		{in: "@every 30s", kind: KindInterval, every: 30 * time.Second, source: "duration"},
		{in: "@every 250ms", kind: KindInterval, every: 250 * time.Millisecond, source: "duration"},
		{in: "30s", kind: KindInterval, every: 30 * time.Second, source: "duration"},
		{in: "00:05", kind: KindInterval, every: 5 * time.Minute, source: "hhmm"},
		{in: "02:30", kind: KindInterval, every: 2*time.Hour + 30*time.Minute, source: "hhmm"},
		{in: "cron: 15 * * * *", kind: KindCron, cron: "15 * * * *", source: "cron"},
		{in: "every: 1m", kind: KindInterval, every: time.Minute, source: "duration"},
		{in: "interval:01:00", kind: KindInterval, every: time.Hour, source: "hhmm"},
		{in: "", wantErr: true},
		{in: "cron:", wantErr: true},
		{in: "cron: not a cron", wantErr: true},
		{in: "61 * * * *", wantErr: true},
		{in: "00:00", wantErr: true},
		{in: "01:75", wantErr: true},
		{in: "-5m", wantErr: true},
		{in: "soon", wantErr: true},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.in, func(t *testing.T) {
			t.Parallel()
			got, err := Parse(tc.in)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("Parse(%q) = %+v, want error", tc.in, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse(%q): %v", tc.in, err)
			}
			if got.Kind != tc.kind || got.Every != tc.every || got.Cron != tc.cron || got.Source != tc.source {
				t.Fatalf("Parse(%q) = %+v", tc.in, got)
			}
			if _, err := got.Schedule(); err != nil {
				t.Fatalf("Schedule: %v", err)
			}
		})
	}
}

func TestIntervalScheduleKeepsSubSecond(t *testing.T) {
	t.Parallel()

	sp, err := Parse("@every 250ms")
	if err != nil {
		t.Fatal(err)
	}
	s, err := sp.Schedule()
	if err != nil {
		t.Fatal(err)
	}
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if got := s.Next(base); !got.Equal(base.Add(250 * time.Millisecond)) {
		t.Fatalf("Next=%v", got)
	}
}

func TestRunImmediateAndTicks(t *testing.T) {
	t.Parallel()

	sp, _ := Parse("20ms")
	var runs atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, sp, func(context.Context) { runs.Add(1) }, Immediately(), WithLogger(logx.Nop()))
	}()

	deadline := time.Now().Add(2 * time.Second)
	for runs.Load() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("runs=%d want >=3", runs.Load())
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after cancel")
	}
}

func TestRunSkipsOverlap(t *testing.T) {
	t.Parallel()

	sp, _ := Parse("5ms")
	var running, overlaps, runs atomic.Int32
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	err := Run(ctx, sp, func(context.Context) {
		if running.Add(1) > 1 {
			overlaps.Add(1)
		}
		runs.Add(1)
		time.Sleep(30 * time.Millisecond)
		running.Add(-1)
	}, Immediately())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if overlaps.Load() != 0 {
		t.Fatalf("overlapping runs: %d", overlaps.Load())
	}
	if runs.Load() == 0 {
		t.Fatalf("job never ran")
	}
}

func TestRunRecoversPanic(t *testing.T) {
	t.Parallel()

	sp, _ := Parse("10ms")
	var runs atomic.Int32
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := Run(ctx, sp, func(context.Context) {
		runs.Add(1)
		panic("boom")
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if runs.Load() < 2 {
		t.Fatalf("runs=%d, panic stopped the schedule", runs.Load())
	}
}

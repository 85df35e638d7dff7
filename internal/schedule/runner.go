package schedule

import (
	"context"
	"sync"
	"time"

	logx "sessionhub/pkg/logx"

	"github.com/robfig/cron/v3"
)

type runOptions struct {
	loc       *time.Location
	log       logx.Logger
	immediate bool
}

type RunOption func(*runOptions)

func WithLocation(loc *time.Location) RunOption {
	return func(o *runOptions) { o.loc = loc }
}

func WithLogger(log logx.Logger) RunOption {
	return func(o *runOptions) { o.log = log }
}

// Immediately runs the job once before the first scheduled activation.
func Immediately() RunOption {
	return func(o *runOptions) { o.immediate = true }
}

// Run calls job on every activation of spec until ctx is done, then waits for
// a running job to return. An activation that arrives while the previous job
// is still running is skipped. Panics in job are recovered and logged.
func Run(ctx context.Context, spec Spec, job func(context.Context), opts ...RunOption) error {
	o := runOptions{loc: time.Local}
	for _, fn := range opts {
		fn(&o)
	}
	if o.loc == nil {
		o.loc = time.Local
	}
	if o.log.IsZero() {
		o.log = logx.Nop()
	}
	sched, err := spec.Schedule()
	if err != nil {
		return err
	}

	cl := logx.Cron{L: o.log}
	c := cron.New(
		cron.WithLocation(o.loc),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	id := c.Schedule(sched, cron.FuncJob(func() { job(ctx) }))

	var first sync.WaitGroup
	if o.immediate {
		// Through the chain so the skip guard sees it.
		wrapped := c.Entry(id).WrappedJob
		first.Add(1)
		go func() {
			defer first.Done()
			wrapped.Run()
		}()
	}
	c.Start()
	o.log.Debug("schedule started", logx.String("spec", spec.String()))

	<-ctx.Done()
	<-c.Stop().Done()
	first.Wait()
	return nil
}

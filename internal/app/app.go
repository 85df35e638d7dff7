// Package app is the session root: it builds the cache, resolver, inbox,
// poller and forwarder from one config file and owns their lifetimes.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"

	"sessionhub/internal/cache"
	"sessionhub/internal/config"
	"sessionhub/internal/eventbus"
	"sessionhub/internal/feed"
	"sessionhub/internal/notify"
	"sessionhub/internal/notify/forward"
	"sessionhub/internal/poller"
	"sessionhub/internal/remote"
	"sessionhub/internal/resolver"
	rtsup "sessionhub/internal/runtime/supervisor"
	"sessionhub/internal/storage"
	"sessionhub/internal/visibility"
	logx "sessionhub/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	remote     *remote.Client
	data       *cache.Cache[any]
	defaultTTL time.Duration

	viewport *visibility.Viewport // nil when an external observer is used
	resolver *resolver.Resolver
	inbox    *notify.Inbox
	poller   *poller.Poller
	fwd      *forward.Forwarder

	pollerEnabled bool
	senderKey     string
	senderFixed   bool
}

type options struct {
	observer visibility.Observer
	sender   forward.Sender
}

type Option func(*options)

// WithObserver replaces the built-in viewport observer, for hosts that
// track visibility themselves.
func WithObserver(o visibility.Observer) Option {
	return func(opts *options) { opts.observer = o }
}

// WithSender replaces the Telegram client used by the forwarder.
func WithSender(s forward.Sender) Option {
	return func(opts *options) { opts.sender = s }
}

// NewApp loads cfgPath and builds every component. Nothing runs until Start.
func NewApp(cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogging(cfg))
	log = log.With(logx.String("comp", "app"))
	bus := eventbus.New()

	store, err := storage.Open(mapStorage(cfg), log.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}

	rc, err := remote.New(mapRemote(cfg), log.With(logx.String("comp", "remote")))
	if err != nil {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}
	if !rc.Configured() {
		log.Warn("remote api not configured; lookups resolve to unknown and polls fail")
	}

	a := &App{
		cfgm:       cfgm,
		log:        log,
		logs:       logSvc,
		bus:        bus,
		store:      store,
		remote:     rc,
		defaultTTL: config.DurationOr(cfg.Cache.DefaultTTL, defaultCacheTTL),
		data:       cache.New[any](cache.WithLogger(log.With(logx.String("comp", "cache")))),
	}

	obs := o.observer
	if obs == nil {
		a.viewport = visibility.NewViewport(mapViewport(cfg))
		obs = a.viewport
	}
	a.resolver = resolver.New(rc, obs,
		resolver.WithLookupTimeout(config.DurationOr(cfg.Resolver.LookupTimeout, 10*time.Second)),
		resolver.WithLogger(log.With(logx.String("comp", "resolver"))),
	)

	a.inbox = notify.New(mapInbox(cfg), store, bus, log.With(logx.String("comp", "inbox")))

	classifier, err := feed.NewClassifier(cfg.Rules())
	if err != nil {
		a.closeResources()
		return nil, err
	}
	a.poller, err = poller.New(mapPoller(cfg), rc, a.inbox, store, bus,
		log.With(logx.String("comp", "poller")), poller.WithClassifier(classifier))
	if err != nil {
		a.closeResources()
		return nil, err
	}
	a.pollerEnabled = cfg.PollerEnabled()

	a.fwd = forward.New(mapForward(cfg), nil, bus, log.With(logx.String("comp", "forward")))
	if o.sender != nil {
		a.fwd.SetSender(o.sender)
		a.senderFixed = true
	} else if err := a.refreshSender(cfg); err != nil {
		a.closeResources()
		return nil, err
	}

	return a, nil
}

// refreshSender rebuilds the Telegram client when the forward credentials
// changed. A disabled section clears it.
func (a *App) refreshSender(cfg *config.Config) error {
	if a.senderFixed {
		return nil
	}
	key := forwardSenderKey(cfg)
	if key == a.senderKey {
		return nil
	}
	if key == "" {
		a.fwd.SetSender(nil)
		a.senderKey = ""
		return nil
	}
	f := cfg.Forward
	tg, err := forward.NewTelegram(config.Secret(f.Token, f.TokenEnv),
		config.DurationOr(f.SendTimeout, 10*time.Second), f.Offline)
	if err != nil {
		return fmt.Errorf("forward: %w", err)
	}
	a.fwd.SetSender(tg)
	a.senderKey = key
	return nil
}

// Done is closed when the session is stopping (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error seen by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Logger() logx.Logger { return a.log }

// Restore reloads the persisted notification list and poll checkpoint.
// Failures are logged and leave the session empty.
func (a *App) Restore(ctx context.Context) {
	if err := a.inbox.Load(ctx); err != nil {
		a.log.Warn("notifications restore failed; starting empty", logx.Err(err))
	}
	if err := a.poller.LoadCheckpoint(ctx); err != nil {
		a.log.Warn("checkpoint restore failed; using lookback", logx.Err(err))
	}
}

// Start restores persisted state and launches the background loops.
func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))

	a.Restore(ctx)

	if a.fwd.Enabled() {
		a.fwd.Start(a.sup.Context())
	}
	if a.pollerEnabled {
		a.sup.GoRestart("poller", a.poller.Run, rtsup.WithRestartBackoff(time.Second, time.Minute))
	} else {
		a.log.Info("poller disabled via config")
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	last := a.cfgm.Get()
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				a.applyConfig(c, last, next)
				last = next
			}
		}
	})

	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("session started", logx.Bool("poller", a.pollerEnabled), logx.Bool("forward", a.fwd.Enabled()))
	return nil
}

// applyConfig hot-applies logging, classifier rules and forward settings.
// Other sections are logged and take effect on restart.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, fields := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Debug("config reload received without effective changes")
		return
	}

	var restart []string
	for _, s := range sections {
		switch s {
		case "logging":
			a.logs.Apply(mapLogging(next))
		case "classifier":
			c, err := feed.NewClassifier(next.Rules())
			if err != nil {
				a.log.Warn("invalid classifier rules; keeping previous", logx.Err(err))
				continue
			}
			a.poller.SetClassifier(c)
		case "forward":
			a.applyForward(ctx, next)
		default:
			restart = append(restart, s)
		}
	}
	if len(restart) > 0 {
		a.log.Warn("config sections changed; restart required for them to take effect",
			logx.String("sections", strings.Join(restart, ",")))
	}

	fs := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, fields...)
	a.log.Info("config reloaded", fs...)
	a.bus.Publish(eventbus.Event{Type: eventbus.TopicConfigReloaded, Data: sections})
}

func (a *App) applyForward(ctx context.Context, next *config.Config) {
	wasEnabled := a.fwd.Enabled()
	if err := a.refreshSender(next); err != nil {
		a.log.Warn("forward sender rebuild failed; keeping previous", logx.Err(err))
	}
	a.fwd.Apply(mapForward(next))

	switch enabled := a.fwd.Enabled(); {
	case wasEnabled && !enabled:
		a.log.Info("forward disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		_ = a.fwd.Stop(stopCtx)
		cancel()
	case !wasEnabled && enabled:
		a.log.Info("forward enabled via config")
		a.fwd.Start(ctx)
	}
}

// Stop tears the session down in dependency order, each step bounded by
// its own timeout. Without Start it only releases storage and log files.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.closeResources()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	var errs *multierror.Error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				errs = multierror.Append(errs, fmt.Errorf("%s: %w", name, err))
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", name, stepCtx.Err()))
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("forward", 2*time.Second, a.fwd.Stop)
	step("supervisor", 3*time.Second, func(c context.Context) error {
		err := a.sup.Stop(c)
		if err != nil && err == a.sup.Err() {
			// already reported as the fatal cause
			return nil
		}
		return err
	})
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return errs.ErrorOrNil()
}

// closeResources releases what NewApp opened, for paths where Start never ran.
func (a *App) closeResources() error {
	var errs *multierror.Error
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("storage: %w", err))
		}
	}
	if a.logs != nil {
		if err := a.logs.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("logging: %w", err))
		}
	}
	return errs.ErrorOrNil()
}

package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"

	"sessionhub/internal/feed"
	"sessionhub/internal/schedule"
)

// Duration parses a duration field. Empty input yields def.
func Duration(field, raw string, def time.Duration) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", field, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: must not be negative", field)
	}
	return d, nil
}

// DurationOr is Duration for values already validated; errors yield def.
func DurationOr(raw string, def time.Duration) time.Duration {
	d, err := Duration("", raw, def)
	if err != nil {
		return def
	}
	return d
}

// Secret returns the inline value, or the named environment variable when
// the inline value is empty.
func Secret(inline, env string) string {
	if s := strings.TrimSpace(inline); s != "" {
		return s
	}
	if env = strings.TrimSpace(env); env != "" {
		return strings.TrimSpace(os.Getenv(env))
	}
	return ""
}

// Validate reports every problem in cfg at once.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	var errs *multierror.Error
	add := func(err error) {
		if err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	dur := func(field, raw string) {
		_, err := Duration(field, raw, 0)
		add(err)
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Logging.Level)) {
	case "", "trace", "debug", "info", "warn", "warning", "error", "fatal", "panic", "disabled":
	default:
		add(fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level))
	}
	if cfg.Logging.File.Enabled && strings.TrimSpace(cfg.Logging.File.Path) == "" {
		add(fmt.Errorf("logging.file.path: required when file logging is enabled"))
	}

	if st := cfg.Storage; st != nil {
		switch strings.ToLower(strings.TrimSpace(st.Driver)) {
		case "", "memory":
		case "file", "sqlite":
			if strings.TrimSpace(st.Path) == "" {
				add(fmt.Errorf("storage.path: required for driver %q", st.Driver))
			}
		default:
			add(fmt.Errorf("storage.driver: unknown driver %q", st.Driver))
		}
		dur("storage.busy_timeout", st.BusyTimeout)
	}

	if raw := strings.TrimSpace(cfg.Remote.BaseURL); raw != "" {
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			add(fmt.Errorf("remote.base_url: want an absolute http(s) URL, got %q", raw))
		}
	}
	dur("remote.timeout", cfg.Remote.Timeout)
	dur("remote.retry_wait_min", cfg.Remote.RetryWaitMin)
	dur("remote.retry_wait_max", cfg.Remote.RetryWaitMax)
	if cfg.Remote.RetryMax != nil && *cfg.Remote.RetryMax < 0 {
		add(fmt.Errorf("remote.retry_max: must not be negative"))
	}
	if cfg.Remote.RatePerSec < 0 {
		add(fmt.Errorf("remote.rate_per_sec: must not be negative"))
	}

	dur("cache.default_ttl", cfg.Cache.DefaultTTL)
	dur("resolver.lookup_timeout", cfg.Resolver.LookupTimeout)
	if cfg.Resolver.ViewportHeight < 0 || cfg.Resolver.Margin < 0 {
		add(fmt.Errorf("resolver: viewport_height and margin must not be negative"))
	}

	dur("poller.interval", cfg.Poller.Interval)
	dur("poller.dedup_window", cfg.Poller.DedupWindow)
	if s := strings.TrimSpace(cfg.Poller.Schedule); s != "" {
		if _, err := schedule.Parse(s); err != nil {
			add(fmt.Errorf("poller.schedule: %w", err))
		}
	}
	if tz := strings.TrimSpace(cfg.Poller.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add(fmt.Errorf("poller.timezone: %w", err))
		}
	}
	if cfg.Poller.MaxRetained < 0 {
		add(fmt.Errorf("poller.max_retained: must not be negative"))
	}

	if cfg.Classifier != nil {
		if _, err := feed.NewClassifier(cfg.Rules()); err != nil {
			add(err)
		}
	}

	if fw := cfg.Forward; fw != nil && fw.Enabled {
		if fw.ChatID == 0 {
			add(fmt.Errorf("forward.chat_id: required when forwarding is enabled"))
		}
		if Secret(fw.Token, fw.TokenEnv) == "" {
			add(fmt.Errorf("forward.token: required when forwarding is enabled (inline or token_env)"))
		}
		for _, c := range fw.Categories {
			switch feed.Category(strings.TrimSpace(c)) {
			case feed.CategoryNewEntity, feed.CategoryError, feed.CategoryInfo:
			default:
				add(fmt.Errorf("forward.categories: unknown category %q", c))
			}
		}
		dur("forward.retry_base", fw.RetryBase)
		dur("forward.retry_max_delay", fw.RetryMaxDelay)
		dur("forward.send_timeout", fw.SendTimeout)
	}

	return errs.ErrorOrNil()
}

// Rules merges the classifier overrides over the built-in defaults.
func (c *Config) Rules() feed.Rules {
	r := feed.DefaultRules()
	if c == nil || c.Classifier == nil {
		return r
	}
	if len(c.Classifier.Omit) > 0 {
		r.Omit = c.Classifier.Omit
	}
	if len(c.Classifier.Created) > 0 {
		r.Created = c.Classifier.Created
	}
	if len(c.Classifier.SuccessCodes) > 0 {
		r.SuccessCodes = c.Classifier.SuccessCodes
	}
	if len(c.Classifier.ErrorCodes) > 0 {
		r.ErrorCodes = c.Classifier.ErrorCodes
	}
	return r
}

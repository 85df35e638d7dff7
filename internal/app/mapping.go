package app

import (
	"strings"
	"time"

	"sessionhub/internal/config"
	"sessionhub/internal/feed"
	"sessionhub/internal/notify"
	"sessionhub/internal/notify/forward"
	"sessionhub/internal/poller"
	"sessionhub/internal/remote"
	"sessionhub/internal/storage"
	logx "sessionhub/pkg/logx"
)

const (
	defaultCacheTTL       = 5 * time.Minute
	defaultViewportHeight = 800
	defaultViewportMargin = 200
)

// The map* helpers assume cfg passed config.Validate; malformed durations
// fall back to their defaults.

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorage(cfg *config.Config) storage.Config {
	if cfg.Storage == nil {
		return storage.Config{Driver: "memory"}
	}
	return storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)),
		Path:        strings.TrimSpace(cfg.Storage.Path),
		BusyTimeout: config.DurationOr(cfg.Storage.BusyTimeout, time.Second),
	}
}

func mapRemote(cfg *config.Config) remote.Config {
	r := cfg.Remote
	rc := remote.Config{
		BaseURL:      strings.TrimSpace(r.BaseURL),
		Token:        config.Secret(r.Token, r.TokenEnv),
		StatusPath:   r.StatusPath,
		FeedPath:     r.FeedPath,
		Timeout:      config.DurationOr(r.Timeout, 10*time.Second),
		RetryMax:     2,
		RetryWaitMin: config.DurationOr(r.RetryWaitMin, 200*time.Millisecond),
		RetryWaitMax: config.DurationOr(r.RetryWaitMax, 2*time.Second),
		RatePerSec:   r.RatePerSec,
	}
	if r.RetryMax != nil {
		rc.RetryMax = *r.RetryMax
	}
	return rc
}

func mapInbox(cfg *config.Config) notify.Config {
	return notify.Config{
		Capacity:    cfg.Poller.MaxRetained,
		DedupWindow: config.DurationOr(cfg.Poller.DedupWindow, notify.DefaultDedupWindow),
	}
}

func mapPoller(cfg *config.Config) poller.Config {
	return poller.Config{
		Interval: config.DurationOr(cfg.Poller.Interval, poller.DefaultInterval),
		Schedule: strings.TrimSpace(cfg.Poller.Schedule),
		Timezone: strings.TrimSpace(cfg.Poller.Timezone),
	}
}

func mapViewport(cfg *config.Config) (height, margin float64) {
	height, margin = cfg.Resolver.ViewportHeight, cfg.Resolver.Margin
	if height <= 0 {
		height = defaultViewportHeight
	}
	if margin <= 0 {
		margin = defaultViewportMargin
	}
	return height, margin
}

func mapForward(cfg *config.Config) forward.Config {
	f := cfg.Forward
	if f == nil {
		return forward.Config{}
	}
	cats := make([]feed.Category, 0, len(f.Categories))
	for _, c := range f.Categories {
		if c = strings.TrimSpace(c); c != "" {
			cats = append(cats, feed.Category(c))
		}
	}
	return forward.Config{
		Enabled:       f.Enabled,
		Target:        forward.Target{ChatID: f.ChatID, ThreadID: f.ThreadID},
		Categories:    cats,
		QueueSize:     f.QueueSize,
		RatePerSec:    f.RatePerSec,
		RetryMax:      f.RetryMax,
		RetryBase:     config.DurationOr(f.RetryBase, 0),
		RetryMaxDelay: config.DurationOr(f.RetryMaxDelay, 0),
		SendTimeout:   config.DurationOr(f.SendTimeout, 0),
	}
}

// forwardSenderKey identifies the sender a forward section needs, so a
// reload only rebuilds the bot client when the token or mode changed.
func forwardSenderKey(cfg *config.Config) string {
	if cfg.Forward == nil || !cfg.Forward.Enabled {
		return ""
	}
	tok := config.Secret(cfg.Forward.Token, cfg.Forward.TokenEnv)
	if tok == "" {
		return ""
	}
	mode := "online"
	if cfg.Forward.Offline {
		mode = "offline"
	}
	return mode + ":" + tok
}

package config

import (
	"reflect"
	"strings"

	logx "sessionhub/pkg/logx"
)

// SummarizeConfigChange lists the sections that differ between two configs
// and returns log fields describing the new values. Tokens are reported
// only as *_set flags.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var (
		changed []string
		fields  []logx.Field
	)
	section := func(name string, differs bool, fs ...logx.Field) {
		if !differs {
			return
		}
		changed = append(changed, name)
		fields = append(fields, fs...)
	}

	section("logging", !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging),
		logx.String("logging.level", newCfg.Logging.Level),
		logx.Bool("logging.console", newCfg.Logging.Console),
		logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
	)

	oldSt, newSt := storageOrZero(oldCfg.Storage), storageOrZero(newCfg.Storage)
	section("storage", oldSt != newSt,
		logx.String("storage.driver", newSt.Driver),
		logx.String("storage.path", newSt.Path),
	)

	oldR, newR := oldCfg.Remote, newCfg.Remote
	oldTok, newTok := Secret(oldR.Token, oldR.TokenEnv), Secret(newR.Token, newR.TokenEnv)
	oldR.Token, newR.Token = "", ""
	section("remote", oldTok != newTok || !reflect.DeepEqual(oldR, newR),
		logx.String("remote.base_url", strings.TrimSpace(newR.BaseURL)),
		logx.Bool("remote.token_set", newTok != ""),
		logx.String("remote.timeout", newR.Timeout),
		logx.Int("remote.rate_per_sec", newR.RatePerSec),
	)

	section("cache", oldCfg.Cache != newCfg.Cache,
		logx.String("cache.default_ttl", newCfg.Cache.DefaultTTL),
	)
	section("resolver", oldCfg.Resolver != newCfg.Resolver,
		logx.String("resolver.lookup_timeout", newCfg.Resolver.LookupTimeout),
	)
	section("poller", !reflect.DeepEqual(oldCfg.Poller, newCfg.Poller),
		logx.Bool("poller.enabled", newCfg.PollerEnabled()),
		logx.String("poller.interval", newCfg.Poller.Interval),
		logx.String("poller.schedule", newCfg.Poller.Schedule),
		logx.String("poller.dedup_window", newCfg.Poller.DedupWindow),
	)
	section("classifier", !reflect.DeepEqual(oldCfg.Rules(), newCfg.Rules()),
		logx.Int("classifier.omit_count", len(newCfg.Rules().Omit)),
		logx.Int("classifier.created_count", len(newCfg.Rules().Created)),
	)

	oldF, newF := forwardOrZero(oldCfg.Forward), forwardOrZero(newCfg.Forward)
	oldFTok, newFTok := Secret(oldF.Token, oldF.TokenEnv), Secret(newF.Token, newF.TokenEnv)
	oldF.Token, newF.Token = "", ""
	section("forward", oldFTok != newFTok || !reflect.DeepEqual(oldF, newF),
		logx.Bool("forward.enabled", newF.Enabled),
		logx.Bool("forward.token_set", newFTok != ""),
		logx.Int64("forward.chat_id", newF.ChatID),
		logx.Int("forward.thread_id", newF.ThreadID),
	)

	return changed, fields
}

func storageOrZero(s *StorageConfig) StorageConfig {
	if s == nil {
		return StorageConfig{}
	}
	return *s
}

func forwardOrZero(f *ForwardConfig) ForwardConfig {
	if f == nil {
		return ForwardConfig{}
	}
	return *f
}

package config

// Config is the on-disk configuration (JSON, or YAML when the file ends in
// .yaml/.yml). Unknown keys are rejected.
//
// Durations are Go duration strings ("500ms", "10s", "5m"); an empty string
// selects the default.
type Config struct {
	Logging    LoggingConfig     `json:"logging"`
	Storage    *StorageConfig    `json:"storage,omitempty"`
	Remote     RemoteConfig      `json:"remote"`
	Cache      CacheConfig       `json:"cache,omitempty"`
	Resolver   ResolverConfig    `json:"resolver,omitempty"`
	Poller     PollerConfig      `json:"poller"`
	Classifier *ClassifierConfig `json:"classifier,omitempty"`
	Forward    *ForwardConfig    `json:"forward,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the persistence driver. Omitted or "memory" keeps
// state for the session only.
//
//	"storage": { "driver": "sqlite", "path": "./sessionhub.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// RemoteConfig describes the back-office API. The token may be given inline
// or read from the environment variable named by token_env.
type RemoteConfig struct {
	BaseURL    string `json:"base_url"`
	Token      string `json:"token,omitempty"`
	TokenEnv   string `json:"token_env,omitempty"`
	StatusPath string `json:"status_path,omitempty"`
	FeedPath   string `json:"feed_path,omitempty"`

	Timeout      string `json:"timeout,omitempty"`        // default 10s
	RetryMax     *int   `json:"retry_max,omitempty"`      // default 2
	RetryWaitMin string `json:"retry_wait_min,omitempty"` // default 200ms
	RetryWaitMax string `json:"retry_wait_max,omitempty"` // default 2s
	RatePerSec   int    `json:"rate_per_sec,omitempty"`   // 0 disables limiting
}

type CacheConfig struct {
	// DefaultTTL is used by App.Fetch. Default 5m.
	DefaultTTL string `json:"default_ttl,omitempty"`
}

type ResolverConfig struct {
	LookupTimeout string `json:"lookup_timeout,omitempty"` // default 10s
	// Viewport geometry for the built-in observer, in layout units.
	ViewportHeight float64 `json:"viewport_height,omitempty"`
	Margin         float64 `json:"margin,omitempty"`
}

type PollerConfig struct {
	// Enabled is a pointer so an omitted key means true.
	Enabled     *bool  `json:"enabled,omitempty"`
	Interval    string `json:"interval,omitempty"` // default 60s
	Schedule    string `json:"schedule,omitempty"` // default "@every <interval>"
	Timezone    string `json:"timezone,omitempty"`
	DedupWindow string `json:"dedup_window,omitempty"` // default 5m
	MaxRetained int    `json:"max_retained,omitempty"` // default 50
}

// ClassifierConfig overrides the built-in rule lists. A list left empty
// keeps its default.
type ClassifierConfig struct {
	Omit         []string `json:"omit,omitempty"`
	Created      []string `json:"created,omitempty"`
	SuccessCodes []string `json:"success_codes,omitempty"`
	ErrorCodes   []string `json:"error_codes,omitempty"`
}

// ForwardConfig mirrors admitted notifications to Telegram.
type ForwardConfig struct {
	Enabled    bool     `json:"enabled"`
	Token      string   `json:"token,omitempty"`
	TokenEnv   string   `json:"token_env,omitempty"`
	ChatID     int64    `json:"chat_id"`
	ThreadID   int      `json:"thread_id,omitempty"`
	Categories []string `json:"categories,omitempty"`

	QueueSize     int    `json:"queue_size,omitempty"`
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
	SendTimeout   string `json:"send_timeout,omitempty"`
	// Offline skips the token check against the Bot API at startup.
	Offline bool `json:"offline,omitempty"`
}

// PollerEnabled reports the effective poller.enabled flag.
func (c *Config) PollerEnabled() bool {
	return c.Poller.Enabled == nil || *c.Poller.Enabled
}

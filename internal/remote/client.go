// Package remote talks to the back-office HTTP API: the block-status lookup
// used by the lazy resolver and the event feed used by the poller.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	logx "sessionhub/pkg/logx"

	cleanhttp "github.com/hashicorp/go-cleanhttp"
	retryablehttp "github.com/hashicorp/go-retryablehttp"
	"golang.org/x/time/rate"
)

// Config describes the remote API.
type Config struct {
	BaseURL    string
	Token      string
	StatusPath string // default "/contracts/blocks"
	FeedPath   string // default "/events"

	Timeout      time.Duration // per request; default 10s
	RetryMax     int           // retries after the first attempt
	RetryWaitMin time.Duration // default 200ms
	RetryWaitMax time.Duration // default 2s
	RatePerSec   int           // 0 disables client-side limiting
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.StatusPath) == "" {
		c.StatusPath = "/contracts/blocks"
	}
	if strings.TrimSpace(c.FeedPath) == "" {
		c.FeedPath = "/events"
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryWaitMin <= 0 {
		c.RetryWaitMin = 200 * time.Millisecond
	}
	if c.RetryWaitMax < c.RetryWaitMin {
		c.RetryWaitMax = 2 * time.Second
	}
	return c
}

// Configured reports whether requests can be attempted at all.
func (c Config) Configured() bool {
	return strings.TrimSpace(c.BaseURL) != "" && strings.TrimSpace(c.Token) != ""
}

// Client is safe for concurrent use.
type Client struct {
	cfg     Config
	base    *url.URL
	http    *retryablehttp.Client
	limiter *rate.Limiter
	log     logx.Logger
}

// New builds a client. A missing base URL or token is not an error here:
// every call then fails fast with ErrNotConfigured, so the session can run
// with lookups degraded.
func New(cfg Config, log logx.Logger) (*Client, error) {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Client{cfg: cfg, log: log}

	if s := strings.TrimSpace(cfg.BaseURL); s != "" {
		u, err := url.Parse(strings.TrimRight(s, "/"))
		if err != nil {
			return nil, fmt.Errorf("remote.base_url: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return nil, fmt.Errorf("remote.base_url: unsupported scheme %q", u.Scheme)
		}
		c.base = u
	}

	hc := retryablehttp.NewClient()
	hc.HTTPClient = cleanhttp.DefaultPooledClient()
	hc.HTTPClient.Timeout = cfg.Timeout
	hc.RetryMax = cfg.RetryMax
	hc.RetryWaitMin = cfg.RetryWaitMin
	hc.RetryWaitMax = cfg.RetryWaitMax
	hc.Logger = logx.Leveled{L: log}
	// Hand the last response back instead of a generic "giving up" error,
	// so status codes can be classified.
	hc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	c.http = hc

	if cfg.RatePerSec > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	}
	return c, nil
}

func (c *Client) Configured() bool {
	return c != nil && c.base != nil && strings.TrimSpace(c.cfg.Token) != ""
}

// LookupBlocks returns the block records for entityID. Only the length of the
// result is meaningful to callers; records are passed through undecoded.
func (c *Client) LookupBlocks(ctx context.Context, entityID string, activeOnly bool) ([]json.RawMessage, error) {
	q := url.Values{}
	q.Set("entity_id", entityID)
	if activeOnly {
		q.Set("active", "true")
	}
	return c.getList(ctx, "status", c.cfg.StatusPath, q)
}

// FetchEvents returns feed items newer than since, in feed order.
func (c *Client) FetchEvents(ctx context.Context, since time.Time) ([]json.RawMessage, error) {
	q := url.Values{}
	if !since.IsZero() {
		q.Set("since", since.UTC().Format(time.RFC3339))
	}
	return c.getList(ctx, "feed", c.cfg.FeedPath, q)
}

func (c *Client) getList(ctx context.Context, op, path string, q url.Values) ([]json.RawMessage, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.TrimLeft(path, "/")
	u.RawQuery = q.Encode()

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, transportError(op, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("remote: %s: read body: %w", op, err)
	}
	c.log.Trace("remote request", logx.String("op", op), logx.Int("status", resp.StatusCode), logx.Duration("took", time.Since(start)))

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: %s: http %d", ErrUnauthorized, op, resp.StatusCode)
	case resp.StatusCode == http.StatusNoContent:
		return []json.RawMessage{}, nil
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, statusError(op, resp.StatusCode)
	}

	items, err := decodeList(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrParse, op, err)
	}
	return items, nil
}

// decodeList accepts a bare JSON array or an object wrapping one under
// "data" or "items". An empty body or null is an empty list.
func decodeList(body []byte) ([]json.RawMessage, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 || bytes.Equal(body, []byte("null")) {
		return []json.RawMessage{}, nil
	}
	switch body[0] {
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(body, &items); err != nil {
			return nil, err
		}
		return items, nil
	case '{':
		var env struct {
			Data  json.RawMessage `json:"data"`
			Items json.RawMessage `json:"items"`
		}
		if err := json.Unmarshal(body, &env); err != nil {
			return nil, err
		}
		inner := bytes.TrimSpace(env.Data)
		if isAbsent(inner) {
			inner = bytes.TrimSpace(env.Items)
		}
		if isAbsent(inner) {
			return []json.RawMessage{}, nil
		}
		if inner[0] != '[' {
			return nil, fmt.Errorf("envelope does not hold a list")
		}
		return decodeList(inner)
	default:
		return nil, fmt.Errorf("unexpected body starting with %q", body[0])
	}
}

// isAbsent treats a missing key and a literal null alike.
func isAbsent(raw []byte) bool {
	return len(raw) == 0 || bytes.Equal(raw, []byte("null"))
}

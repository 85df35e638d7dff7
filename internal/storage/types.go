package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrClosed = errors.New("storage closed")
	ErrKey    = errors.New("storage key required")
)

// Well-known keys.
const (
	KeyNotifications = "notifications"
	KeyLastPolledAt  = "lastPolledAt"
)

// Config configures storage.
//
// Driver values:
//   - "memory": in-process map, lost on exit (default)
//   - "file":   JSON snapshot plus an append-only journal, compacted periodically
//   - "sqlite": SQLite database file
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the persistence API used by the notification inbox and the poller.
type Store interface {
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}

func normKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", ErrKey
	}
	return key, nil
}

// GetJSON decodes the value stored under key into out.
// It reports ok=false (and leaves out untouched) when the key is absent.
func GetJSON(ctx context.Context, st Store, key string, out any) (bool, error) {
	b, ok, err := st.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(b, out); err != nil {
		return false, fmt.Errorf("storage: decode %s: %w", key, err)
	}
	return true, nil
}

func PutJSON(ctx context.Context, st Store, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("storage: encode %s: %w", key, err)
	}
	return st.Put(ctx, key, b)
}

// GetTime reads an RFC3339 timestamp stored under key.
func GetTime(ctx context.Context, st Store, key string) (time.Time, bool, error) {
	b, ok, err := st.Get(ctx, key)
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	t, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(string(b)))
	if err != nil {
		return time.Time{}, false, fmt.Errorf("storage: decode %s: %w", key, err)
	}
	return t, true, nil
}

func PutTime(ctx context.Context, st Store, key string, t time.Time) error {
	return st.Put(ctx, key, []byte(t.UTC().Format(time.RFC3339Nano)))
}

package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	logx "sessionhub/pkg/logx"
)

func openDriver(t *testing.T, driver, path string) Store {
	t.Helper()
	st, err := Open(Config{Driver: driver, Path: path, BusyTimeout: time.Second}, logx.Nop())
	if err != nil {
		t.Fatalf("Open(%s) error: %v", driver, err)
	}
	return st
}

func TestStoreDrivers(t *testing.T) {
	t.Parallel()
	drivers := []string{"memory", "file", "sqlite"}
	for _, driver := range drivers {
		driver := driver
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			st := openDriver(t, driver, filepath.Join(t.TempDir(), "state.db"))
			defer st.Close()

			if _, ok, err := st.Get(ctx, "missing"); err != nil || ok {
				t.Fatalf("Get(missing) = ok %v, err %v; want miss", ok, err)
			}
			if err := st.Put(ctx, "a", []byte("one")); err != nil {
				t.Fatalf("Put error: %v", err)
			}
			if err := st.Put(ctx, "a", []byte("two")); err != nil {
				t.Fatalf("Put overwrite error: %v", err)
			}
			v, ok, err := st.Get(ctx, "a")
			if err != nil || !ok || string(v) != "two" {
				t.Fatalf("Get(a) = %q, %v, %v; want two", v, ok, err)
			}
			if err := st.Delete(ctx, "a"); err != nil {
				t.Fatalf("Delete error: %v", err)
			}
			if _, ok, _ := st.Get(ctx, "a"); ok {
				t.Fatal("expected key deleted")
			}
			if err := st.Put(ctx, "  ", []byte("x")); !errors.Is(err, ErrKey) {
				t.Fatalf("Put(blank) err = %v, want ErrKey", err)
			}
		})
	}
}

func TestStoreSurvivesReopen(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"file", "sqlite"} {
		driver := driver
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			path := filepath.Join(t.TempDir(), "state.db")

			st := openDriver(t, driver, path)
			at := time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)
			if err := PutTime(ctx, st, KeyLastPolledAt, at); err != nil {
				t.Fatalf("PutTime error: %v", err)
			}
			if err := PutJSON(ctx, st, KeyNotifications, []string{"x", "y"}); err != nil {
				t.Fatalf("PutJSON error: %v", err)
			}
			if err := st.Put(ctx, "gone", []byte("1")); err != nil {
				t.Fatal(err)
			}
			if err := st.Delete(ctx, "gone"); err != nil {
				t.Fatal(err)
			}
			if err := st.Close(); err != nil {
				t.Fatalf("Close error: %v", err)
			}

			st = openDriver(t, driver, path)
			defer st.Close()
			got, ok, err := GetTime(ctx, st, KeyLastPolledAt)
			if err != nil || !ok || !got.Equal(at) {
				t.Fatalf("GetTime = %v, %v, %v; want %v", got, ok, err, at)
			}
			var list []string
			if ok, err := GetJSON(ctx, st, KeyNotifications, &list); err != nil || !ok || len(list) != 2 {
				t.Fatalf("GetJSON = %v, %v, %v", list, ok, err)
			}
			if _, ok, _ := st.Get(ctx, "gone"); ok {
				t.Fatal("deleted key came back after reopen")
			}
		})
	}
}

func TestFileStoreReplaysJournalWithoutClose(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.json")

	st := openDriver(t, "file", path)
	if err := st.Put(ctx, "k", []byte("v")); err != nil {
		t.Fatal(err)
	}
	// Simulate a crash: no Close, so no compaction.
	st2 := openDriver(t, "file", path)
	defer st2.Close()
	v, ok, err := st2.Get(ctx, "k")
	if err != nil || !ok || string(v) != "v" {
		t.Fatalf("Get after replay = %q, %v, %v", v, ok, err)
	}
	_ = st.Close()
}

func TestClosedMemoryStore(t *testing.T) {
	t.Parallel()
	st := NewMemory()
	_ = st.Close()
	if _, _, err := st.Get(context.Background(), "k"); !errors.Is(err, ErrClosed) {
		t.Fatalf("Get after Close err = %v, want ErrClosed", err)
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{Driver: "redis"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

package main

import (
	"bytes"
	"context"
	"database/sql"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/spf13/cobra"

	"github.com/airsend/airsend-core/v1/config"
	"github.com/airsend/airsend-core/v1/dispatch"
	"github.com/airsend/airsend-core/v1/pathlock"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	return runApp(t, newApp(), args...)
}

func runApp(t *testing.T, a *app, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand(a)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := execute(context.Background(), a, cmd)
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if strings.TrimSpace(out) != version {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestMigrateSQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "locks.db")
	out, err := run(t, "migrate", "--dialect", "sqlite3", "--database-url", path)
	if err != nil {
		t.Fatalf("migrate: %v\n%s", err, out)
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()
	var n int
	if err := db.QueryRow("SELECT COUNT(*) FROM path_locks").Scan(&n); err != nil {
		t.Fatalf("path_locks missing: %v", err)
	}
}

func TestMigrateRequiresDatabaseURL(t *testing.T) {
	if _, err := run(t, "migrate"); err == nil {
		t.Fatal("expected error without database url")
	}
}

func TestInvalidConfigFails(t *testing.T) {
	if _, err := run(t, "migrate", "--transport", "smoke-signals"); err == nil {
		t.Fatal("expected config validation error")
	}
}

func TestFailingRunReleasesResources(t *testing.T) {
	a := newApp()
	closed := false
	a.onClose(func() error { closed = true; return nil })
	if _, err := runApp(t, a, "migrate"); err == nil {
		t.Fatal("expected error without database url")
	}
	if !closed {
		t.Fatal("resources must be released when the command fails")
	}
}

func TestSerializeAllSkipsSynchronousDelivery(t *testing.T) {
	for _, tc := range []struct {
		args []string
		sync int
	}{
		{args: []string{"--transport", "memory", "--log-level", "error"}, sync: 1},
		{args: []string{"--transport", "memory", "--log-level", "error", "--serialize-all"}, sync: 0},
	} {
		a := newTestApp(t, tc.args...)
		events := dispatch.NewBus()
		got := 0
		events.Subscribe(pathlock.EventLockReleased, func(context.Context, dispatch.Delivery) error {
			got++
			return nil
		})
		d, err := a.dispatcher(events)
		if err != nil {
			t.Fatalf("dispatcher: %v", err)
		}
		if err := d.Dispatch(context.Background(), pathlock.LockReleased{Path: "/a"}, false); err != nil {
			t.Fatalf("dispatch: %v", err)
		}
		if got != tc.sync {
			t.Fatalf("%v: expected %d synchronous deliveries, got %d", tc.args, tc.sync, got)
		}
		if n := a.memoryQueue().Len(a.cfg.LowTopic); n != 1 {
			t.Fatalf("%v: expected the event on the low topic, got %d", tc.args, n)
		}
	}
}

func newTestApp(t *testing.T, args ...string) *app {
	t.Helper()
	cmd := &cobra.Command{Use: "test"}
	config.RegisterFlags(cmd.Flags())
	if err := cmd.ParseFlags(args); err != nil {
		t.Fatalf("parse: %v", err)
	}
	a := newApp()
	if err := a.init(cmd); err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(func() { _ = a.close() })
	return a
}

func TestRoutes(t *testing.T) {
	a := newTestApp(t, "--transport", "memory", "--bridge-secret", "s3cret", "--log-level", "error")
	ctx := context.Background()
	watch, err := a.watchBus(ctx)
	if err != nil {
		t.Fatalf("watch bus: %v", err)
	}
	consumer, err := a.eventConsumer(ctx, watch)
	if err != nil {
		t.Fatalf("consumer: %v", err)
	}
	tokens, err := a.tokens(ctx)
	if err != nil {
		t.Fatalf("tokens: %v", err)
	}
	srv := httptest.NewServer(a.routes(consumer, watch, tokens))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz: %v %v", resp, err)
	}
	resp.Body.Close()

	resp, err = http.Get(srv.URL + "/token/public-key")
	if err != nil {
		t.Fatalf("public key: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), "BEGIN PUBLIC KEY") {
		t.Fatalf("unexpected public key body %q", body)
	}

	resp, err = http.PostForm(srv.URL+"/internal/queue", url.Values{"auth_token": {"wrong"}, "message": {"{}"}})
	if err != nil {
		t.Fatalf("bridge: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), "airsend_token_key_rotations_total") {
		t.Fatal("core metrics not exposed")
	}
}

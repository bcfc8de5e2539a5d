package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hillplain/clocksync/internal/clocksync"
)

func envFrom(values map[string]string) func(string) string {
	return func(key string) string { return values[key] }
}

func execute(t *testing.T, env map[string]string, args ...string) (string, error) {
	t.Helper()
	if env == nil {
		env = map[string]string{}
	}
	if _, ok := env["CLOCKSYNC_TIMEZONE"]; !ok {
		env["CLOCKSYNC_TIMEZONE"] = "UTC"
	}
	cmd := NewRootCommand(envFrom(env))
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), err
}

func TestCalendarCommandJSON(t *testing.T) {
	out, err := execute(t, nil, "calendar", "2024", "--format", "json")
	require.NoError(t, err)

	var summaries []clocksync.BackfillSummary
	require.NoError(t, json.Unmarshal([]byte(out), &summaries))
	require.Len(t, summaries, 1)
	require.Equal(t, 366, summaries[0].Created)
}

func TestCalendarCommandRejectsBadYear(t *testing.T) {
	_, err := execute(t, nil, "calendar", "next")
	require.Error(t, err)
}

func TestInvalidFormat(t *testing.T) {
	_, err := execute(t, nil, "calendar", "2024", "--format", "xml")
	require.Error(t, err)
}

func TestMigrateUpAndVersion(t *testing.T) {
	env := map[string]string{
		"CLOCKSYNC_STORE_DSN":    "sqlite://" + filepath.Join(t.TempDir(), "clocksync.db"),
		"CLOCKSYNC_AUTO_MIGRATE": "false",
	}
	out, err := execute(t, env, "migrate", "up")
	require.NoError(t, err)
	require.Equal(t, "schema version 1\n", out)

	out, err = execute(t, env, "migrate", "version", "--format", "json")
	require.NoError(t, err)
	require.JSONEq(t, `{"version":1,"dirty":false}`, out)
}

func TestBackfillRejectsUnknownKind(t *testing.T) {
	_, err := execute(t, nil, "backfill", "invoices")
	require.ErrorIs(t, err, clocksync.ErrInvalidInput)
}

func TestBackfillWithoutRemoteFails(t *testing.T) {
	_, err := execute(t, map[string]string{"CLOCKSYNC_WORKSPACE_ID": "W1"}, "backfill", "projects")
	require.Error(t, err)
}

func emptyRemote(t *testing.T) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte("[]"))
	}))
	t.Cleanup(server.Close)
	return server
}

func TestBackfillWithOffsetRunsKindsInOrder(t *testing.T) {
	remote := emptyRemote(t)
	out, err := execute(t, map[string]string{
		"CLOCKSYNC_WORKSPACE_ID":      "W1",
		"CLOCKSYNC_CLOCKIFY_API_KEY":  "test-key",
		"CLOCKSYNC_CLOCKIFY_BASE_URL": remote.URL,
	}, "backfill", "clients", "projects", "--offset", "2", "--page-cap", "1")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	require.True(t, strings.HasPrefix(lines[0], "clients"))
	require.True(t, strings.HasPrefix(lines[1], "projects"))
}

func TestScheduleOnce(t *testing.T) {
	remote := emptyRemote(t)
	out, err := execute(t, map[string]string{
		"CLOCKSYNC_WORKSPACE_ID":      "W1",
		"CLOCKSYNC_CLOCKIFY_API_KEY":  "test-key",
		"CLOCKSYNC_CLOCKIFY_BASE_URL": remote.URL,
	}, "schedule", "--once", "--kinds", "clients,users")
	require.NoError(t, err)
	require.Contains(t, out, "clients")
	require.Contains(t, out, "users")
}

func TestClampJitterRatio(t *testing.T) {
	if got := clampJitterRatio(-0.1); got != 0 {
		t.Fatalf("expected clamp to 0, got %f", got)
	}
	if got := clampJitterRatio(1.5); got != 1 {
		t.Fatalf("expected clamp to 1, got %f", got)
	}
	if got := clampJitterRatio(0.4); got != 0.4 {
		t.Fatalf("expected passthrough 0.4, got %f", got)
	}
}

func TestJitteredIntervalWithSample(t *testing.T) {
	base := 10 * time.Second
	if got := jitteredIntervalWithSample(base, 0, 0.2); got != base {
		t.Fatalf("expected no jitter interval %s, got %s", base, got)
	}
	if got := jitteredIntervalWithSample(base, 0.2, 0); got != 8*time.Second {
		t.Fatalf("expected min jitter interval 8s, got %s", got)
	}
	if got := jitteredIntervalWithSample(base, 0.2, 1); got != 12*time.Second {
		t.Fatalf("expected max jitter interval 12s, got %s", got)
	}
}

package main

import (
	"bytes"
	"context"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func envFrom(values map[string]string) func(string) string {
	return func(key string) string { return values[key] }
}

func TestRunRejectsMissingConfigFile(t *testing.T) {
	var stderr bytes.Buffer
	err := run(context.Background(), []string{"--config", filepath.Join(t.TempDir(), "missing.toml")}, envFrom(nil), &stderr)
	if err == nil {
		t.Fatalf("expected an error for a missing config file")
	}
}

func TestRunRejectsInvalidProfile(t *testing.T) {
	var stderr bytes.Buffer
	err := run(context.Background(), nil, envFrom(map[string]string{"CLOCKSYNC_BACKEND_PROFILE": "cloud"}), &stderr)
	if err == nil {
		t.Fatalf("expected an error for an unknown profile")
	}
}

func TestRunRejectsUnknownFlagAndArguments(t *testing.T) {
	if err := run(context.Background(), []string{"--listen", ":9090"}, envFrom(nil), io.Discard); err == nil {
		t.Fatalf("expected an error for an unknown flag")
	}
	if err := run(context.Background(), []string{"serve"}, envFrom(nil), io.Discard); err == nil {
		t.Fatalf("expected an error for a positional argument")
	}
}

func TestConfigFlagDefaultsToEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "from-env.toml")
	cmd := newRootCommand(envFrom(map[string]string{"CLOCKSYNC_CONFIG": path}), io.Discard)
	flag := cmd.PersistentFlags().Lookup("config")
	if flag == nil || flag.DefValue != path {
		t.Fatalf("expected --config to default to %s, got %+v", path, flag)
	}

	err := run(context.Background(), nil, envFrom(map[string]string{"CLOCKSYNC_CONFIG": path}), io.Discard)
	if err == nil || !strings.Contains(err.Error(), "from-env.toml") {
		t.Fatalf("expected the env config path to be loaded, got %v", err)
	}
}

func TestRunStopsWhenContextEnds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- run(ctx, nil, envFrom(map[string]string{
			"CLOCKSYNC_ADDR":     "127.0.0.1:0",
			"CLOCKSYNC_TIMEZONE": "UTC",
		}), io.Discard)
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean shutdown, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("server did not stop after cancel")
	}
}

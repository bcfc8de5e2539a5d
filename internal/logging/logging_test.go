package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestNewWritesJSONWithServiceFields(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: "debug", Service: "clocksync", Version: "test"}, &buf)
	logger.Debug().Str("component", "engine").Msg("hello")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("expected a JSON line, got %q: %v", buf.String(), err)
	}
	if line["service"] != "clocksync" || line["version"] != "test" || line["component"] != "engine" || line["message"] != "hello" {
		t.Fatalf("unexpected fields %v", line)
	}
}

func TestNewFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: "chatty"}, &buf)
	logger.Debug().Msg("hidden")
	if buf.Len() != 0 {
		t.Fatalf("expected debug to be filtered, got %q", buf.String())
	}
	logger.Info().Msg("shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Fatalf("expected info line, got %q", buf.String())
	}
}

func TestNewConsoleFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Format: "console"}, &buf)
	logger.Info().Msg("plain")
	if strings.HasPrefix(strings.TrimSpace(buf.String()), "{") {
		t.Fatalf("expected console output, got %q", buf.String())
	}
}

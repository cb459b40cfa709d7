package telemetry

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func lastEntry(t *testing.T, dir string) map[string]any {
	t.Helper()
	raw, err := os.ReadFile(filepath.Join(dir, LogFileName))
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) == "" {
		t.Fatalf("expected at least one log line")
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &entry); err != nil {
		t.Fatalf("unmarshal log json: %v", err)
	}
	return entry
}

func TestNewLogger_EmitsStructuredSchema(t *testing.T) {
	dir := t.TempDir()
	logger, closer, err := NewLogger(dir, "debug", true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closer.Close()

	logger.Info("task released", "task", "sensor", "tick", 4)

	entry := lastEntry(t, dir)
	for _, key := range []string{"timestamp", "level", "msg", "component"} {
		if _, ok := entry[key]; !ok {
			t.Fatalf("missing required key %q in log entry: %#v", key, entry)
		}
	}
	if entry["component"] != "tman" {
		t.Fatalf("expected component=tman, got %#v", entry["component"])
	}
	if entry["task"] != "sensor" {
		t.Fatalf("expected task propagation, got %#v", entry["task"])
	}
}

func TestNewLogger_RedactsSensitiveFields(t *testing.T) {
	dir := t.TempDir()
	logger, closer, err := NewLogger(dir, "info", true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closer.Close()

	logger.Info("gateway configured",
		"auth_token", "abc123",
		"header", "Authorization: Bearer super-secret-token",
	)

	entry := lastEntry(t, dir)
	if entry["auth_token"] != "[REDACTED]" {
		t.Fatalf("expected auth_token redaction, got %#v", entry["auth_token"])
	}
	if entry["header"] != "[REDACTED]" {
		t.Fatalf("expected header redaction, got %#v", entry["header"])
	}
}

func TestNewLogger_FiltersBelowLevel(t *testing.T) {
	dir := t.TempDir()
	logger, closer, err := NewLogger(dir, "warn", true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closer.Close()

	logger.Info("dropped")
	logger.Warn("kept")

	if entry := lastEntry(t, dir); entry["msg"] != "kept" {
		t.Fatalf("expected only the warning, got %#v", entry)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" WARN ":  slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

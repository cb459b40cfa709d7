// Package telemetry builds the process logger.
package telemetry

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// LogFileName is the name of the JSON lines log inside the log directory.
const LogFileName = "tman.jsonl"

// NewLogger returns a JSON logger that appends to <logDir>/tman.jsonl and,
// unless quiet, mirrors every line to stderr. Attributes whose key looks like
// a credential are redacted. The returned closer closes the log file.
func NewLogger(logDir, level string, quiet bool) (*slog.Logger, io.Closer, error) {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, nil, err
	}
	file, err := os.OpenFile(filepath.Join(logDir, LogFileName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}

	var w io.Writer = file
	if !quiet {
		w = io.MultiWriter(os.Stderr, file)
	}
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:       ParseLevel(level),
		ReplaceAttr: replaceAttr,
	})
	return slog.New(handler).With("component", "tman"), file, nil
}

func replaceAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey {
		a.Key = "timestamp"
	}
	if shouldRedactKey(a.Key) {
		return slog.String(a.Key, "[REDACTED]")
	}
	if a.Value.Kind() == slog.KindString && strings.Contains(strings.ToLower(a.Value.String()), "bearer ") {
		return slog.String(a.Key, "[REDACTED]")
	}
	return a
}

func shouldRedactKey(key string) bool {
	lower := strings.ToLower(strings.TrimSpace(key))
	if lower == "" {
		return false
	}
	for _, token := range []string{"token", "secret", "password", "authorization"} {
		if strings.Contains(lower, token) {
			return true
		}
	}
	return false
}

// ParseLevel maps a config log level onto slog. Unknown values mean info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

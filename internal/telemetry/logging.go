// Package telemetry builds the process-wide structured logger that
// cmd/lughd hands to each subsystem. Subsystems that accept a nil
// logger fall back to slog.Default, which is what most tests pass.
package telemetry

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/streetsdigital/lugh/internal/shared"
)

// NewLogger builds a JSON-lines slog.Logger under homeDir/logs/orchestrator.jsonl.
// When quiet is false, log lines are also tee'd to stdout. The returned
// io.Closer must be closed on shutdown to flush the log file.
func NewLogger(homeDir, level string, quiet bool) (*slog.Logger, io.Closer, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, nil, err
	}

	logPath := filepath.Join(logDir, "orchestrator.jsonl")
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}

	var w io.Writer = file
	if !quiet {
		w = io.MultiWriter(os.Stdout, file)
	}

	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:       parseLevel(level),
		ReplaceAttr: redactAttr,
	})
	return slog.New(handler).With("component", "orchestrator"), file, nil
}

// redactAttr strips credentials from both attribute keys that look
// secret-bearing and string values that contain a secret pattern,
// before the JSON handler serializes the line.
func redactAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey {
		a.Key = "timestamp"
	}
	if looksSecretKey(a.Key) {
		return slog.String(a.Key, "[REDACTED]")
	}
	if a.Value.Kind() == slog.KindString {
		if redacted := shared.Redact(a.Value.String()); redacted != a.Value.String() {
			return slog.String(a.Key, redacted)
		}
	}
	return a
}

func looksSecretKey(key string) bool {
	lower := strings.ToLower(strings.TrimSpace(key))
	if lower == "" {
		return false
	}
	for _, token := range []string{"token", "secret", "password", "authorization", "api_key", "apikey", "bearer"} {
		if strings.Contains(lower, token) {
			return true
		}
	}
	return false
}

func parseLevel(level string) slog.Level {
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

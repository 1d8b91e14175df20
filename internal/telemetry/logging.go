// Package telemetry builds the process logger.
package telemetry

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/mattn/go-isatty"

	"github.com/basket/turnbridge/internal/shared"
)

// LogFileName is the JSON-lines log written under <home>/logs.
const LogFileName = "bridge.jsonl"

// Logger bundles the root logger with the level variable so the level can
// be changed after a config reload.
type Logger struct {
	*slog.Logger
	Level  *slog.LevelVar
	closer io.Closer
}

func (l *Logger) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

// SetLevel applies a textual level; unknown values fall back to info.
func (l *Logger) SetLevel(level string) {
	l.Level.Set(ParseLevel(level))
}

// NewLogger writes JSON lines to <home>/logs/bridge.jsonl. Unless quiet, the
// same lines are mirrored to stderr, as text when stderr is a terminal.
func NewLogger(homeDir, level string, quiet bool) (*Logger, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, err
	}

	file, err := os.OpenFile(filepath.Join(logDir, LogFileName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}

	lvl := new(slog.LevelVar)
	lvl.Set(ParseLevel(level))
	opts := &slog.HandlerOptions{Level: lvl, ReplaceAttr: replaceAttr}

	var handler slog.Handler = slog.NewJSONHandler(file, opts)
	if !quiet {
		var console slog.Handler
		if isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()) {
			console = slog.NewTextHandler(os.Stderr, opts)
		} else {
			console = slog.NewJSONHandler(os.Stderr, opts)
		}
		handler = fanout{handler, console}
	}
	logger := slog.New(handler).With("component", "runtime", "trace_id", "-")
	return &Logger{Logger: logger, Level: lvl, closer: file}, nil
}

func replaceAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey {
		a.Key = "timestamp"
	}
	if shouldRedactKey(a.Key) {
		return slog.String(a.Key, "[REDACTED]")
	}
	if a.Value.Kind() == slog.KindString {
		if redacted, ok := redactStringValue(a.Value.String()); ok {
			return slog.String(a.Key, redacted)
		}
	}
	if a.Value.Kind() == slog.KindAny {
		if err, ok := a.Value.Any().(error); ok {
			if redacted, changed := redactStringValue(err.Error()); changed {
				return slog.String(a.Key, redacted)
			}
		}
	}
	return a
}

func shouldRedactKey(key string) bool {
	lower := strings.ToLower(strings.TrimSpace(key))
	if lower == "" {
		return false
	}
	// Counters such as "max_tokens" are not secrets.
	if strings.HasSuffix(lower, "_count") || strings.HasPrefix(lower, "max_") {
		return false
	}
	return shared.IsSensitiveKey(lower) || strings.Contains(lower, "bearer")
}

func redactStringValue(v string) (string, bool) {
	lower := strings.ToLower(v)
	if strings.Contains(lower, "authorization:") {
		return "[REDACTED]", true
	}
	redacted := shared.Redact(v)
	if redacted != v {
		return redacted, true
	}
	return v, false
}

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

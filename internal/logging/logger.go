package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Attribute keys shared by every subsystem so session-scoped log lines
// can be correlated across the scheduler, coordinator and store.
const (
	KeySession  = "session"
	KeyInstance = "instance"
)

type Options struct {
	Level     string
	Writer    io.Writer
	Component string
}

// NewLogger builds the JSON logger used by the daemon and its subsystems.
// Unknown level strings fall back to info.
func NewLogger(opts Options) *slog.Logger {
	writer := opts.Writer
	if writer == nil {
		writer = os.Stderr
	}
	h := slog.NewJSONHandler(writer, &slog.HandlerOptions{Level: parseLevel(opts.Level)})
	lg := slog.New(h)
	if strings.TrimSpace(opts.Component) != "" {
		lg = lg.With("component", strings.TrimSpace(opts.Component))
	}
	return lg
}

// WithSession returns a child logger carrying the session id.
func WithSession(lg *slog.Logger, sessionID string) *slog.Logger {
	return lg.With(KeySession, sessionID)
}

// WithInstance returns a child logger carrying the session id and the
// per-session instance ordinal.
func WithInstance(lg *slog.Logger, sessionID string, instanceID int) *slog.Logger {
	return lg.With(KeySession, sessionID, KeyInstance, instanceID)
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

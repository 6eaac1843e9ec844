// Package logging builds the process-wide structured logger. Components
// receive a *slog.Logger explicitly; there are no package-level loggers.
package logging

import (
	"log/slog"
	"os"
	"strings"
)

// New returns a text-handler slog logger at the given level. Unknown or
// empty levels fall back to info.
func New(level string) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: ParseLevel(level),
	}))
}

// ParseLevel maps a config string to a slog level.
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

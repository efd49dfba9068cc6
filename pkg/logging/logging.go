// Package logging configures the process-wide structured logger.
// Initialised once in main and injected by reference everywhere else.
package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

// New returns a logger at the given level writing to
// <logsDir>/<name>.log, falling back to stderr if the file cannot be
// opened.
func New(level, logsDir, name string) *slog.Logger {
	var w io.Writer = os.Stderr
	if logsDir != "" {
		if err := os.MkdirAll(logsDir, 0o755); err == nil {
			path := filepath.Join(logsDir, name+".log")
			if f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644); err == nil {
				w = f
			}
		}
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: parseLevel(level)}))
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

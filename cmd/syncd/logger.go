package main

import (
	"log/slog"
	"os"
)

// newLogger builds the process-wide *slog.Logger, the only place in syncd
// that chooses a handler. Every other package accepts a *slog.Logger (or a
// small adapter over one) rather than constructing its own.
func newLogger(levelName string) *slog.Logger {
	level := slog.LevelInfo
	switch levelName {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	return slog.New(handler)
}

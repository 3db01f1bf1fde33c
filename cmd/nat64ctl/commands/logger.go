package commands

import (
	"log/slog"
	"os"

	"github.com/vitlabuda/tundra-nat64-sub000/internal/config"
)

// newLogger builds a structured logger against a dynamic level, matching
// the teacher's newLoggerWithLevel.
func newLogger(cfg config.LogConfig, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

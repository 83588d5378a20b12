// Package observability configures Kiso's global structured logger.
package observability

import (
	"log/slog"
	"os"
)

// Setup configures the global slog logger according to level and format
// (e.g. level="info", format="json"). Trace ids are attached per log line
// by the callers that hold a context, not here; see common/trace.
func Setup(level, format string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

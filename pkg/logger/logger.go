package logger

import (
	"log/slog"
	"os"
)

// Setup installs the process-wide slog default logger with the given level
// and output format ("json" or "text").
func Setup(level string, format string) {
	var handler slog.Handler
	opts := &slog.HandlerOptions{
		Level: parseLevel(level),
	}
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// WithComponent returns a logger tagged with the component name.
func WithComponent(component string) *slog.Logger {
	return slog.Default().With("component", component)
}

// WithLayer returns a logger tagged with the component name and the layer a
// pipeline is working on.
func WithLayer(component, layer string) *slog.Logger {
	return slog.Default().With("component", component, "layer", layer)
}

func parseLevel(level string) slog.Level {
	switch level {
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

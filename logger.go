package loom

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
)

// logLevel backs the global logger so the level can be raised and
// lowered at runtime through the admin command set.
var logLevel slog.LevelVar

// InitLogger configures the global slog logger to output structured
// JSON to stderr. Call once at program startup before creating a
// server. The level controls the minimum log level.
func InitLogger(level slog.Level) {
	logLevel.Set(level)
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: &logLevel,
	})
	slog.SetDefault(slog.New(handler))
}

// SetLogLevel adjusts the global level by name: debug, info, warn,
// error.
func SetLogLevel(name string) error {
	switch strings.ToLower(name) {
	case "debug":
		logLevel.Set(slog.LevelDebug)
	case "info":
		logLevel.Set(slog.LevelInfo)
	case "warn", "warning":
		logLevel.Set(slog.LevelWarn)
	case "error":
		logLevel.Set(slog.LevelError)
	default:
		return fmt.Errorf("unknown log level %q", name)
	}
	return nil
}

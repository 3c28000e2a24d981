package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/angeruPpb/esp-manager/internal/infrastructure/config"
)

// serviceName is attached to every record.
const serviceName = "espmanager"

// secretVisiblePrefix is how much of a device secret Secret leaves readable.
const secretVisiblePrefix = 10

// Logger wraps slog.Logger with the server's default attributes.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Logger struct {
	*slog.Logger
}

// New creates a new Logger with the specified configuration.
//
// It configures:
//   - Output format (JSON for production, text for development)
//   - Log level filtering
//   - Default fields (service name, version)
func New(cfg config.LoggingConfig, version string) *Logger {
	var output io.Writer
	switch strings.ToLower(cfg.Output) {
	case "stderr":
		output = os.Stderr
	default:
		output = os.Stdout
	}
	return NewWithWriter(cfg, version, output)
}

// NewWithWriter is New with an explicit destination.
func NewWithWriter(cfg config.LoggingConfig, version string, output io.Writer) *Logger {
	opts := &slog.HandlerOptions{
		Level: parseLevel(cfg.Level),
	}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "text":
		handler = slog.NewTextHandler(output, opts)
	default:
		handler = slog.NewJSONHandler(output, opts)
	}

	handler = handler.WithAttrs([]slog.Attr{
		slog.String("service", serviceName),
		slog.String("version", version),
	})

	return &Logger{
		Logger: slog.New(handler),
	}
}

// parseLevel converts a string log level to slog.Level.
//
// Supported levels: debug, info, warn, error
// Defaults to info if unrecognised.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

// With returns a new Logger with additional default attributes.
//
// Example:
//
//	bridgeLog := logger.With("component", "bridge")
//	bridgeLog.Info("subscribed") // Includes component=bridge
func (l *Logger) With(args ...any) *Logger {
	return &Logger{
		Logger: l.Logger.With(args...),
	}
}

// Component returns a child logger tagged with a component name.
func (l *Logger) Component(name string) *Logger {
	return l.With("component", name)
}

// Secret shortens a device secret for log output. Enough of the token
// survives to correlate log lines, never enough to authenticate.
func Secret(secret string) string {
	if len(secret) <= secretVisiblePrefix {
		return strings.Repeat("*", len(secret))
	}
	return secret[:secretVisiblePrefix] + "..."
}

// Default creates a default logger for use before configuration is loaded.
func Default() *Logger {
	return New(config.LoggingConfig{
		Level:  "info",
		Format: "json",
		Output: "stdout",
	}, "dev")
}

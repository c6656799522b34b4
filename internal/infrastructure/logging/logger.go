package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/offene-werkstatt/maco-core/internal/infrastructure/config"
)

// Logger is the structured logger shared by macoterm and macoauthd.
// It embeds slog.Logger, so the full slog surface is available.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Logger struct {
	*slog.Logger
}

// New builds a Logger from the logging section of config.yaml.
//
// Format "text" is meant for a shell attached during bring-up;
// everything else emits JSON for the journal. Every record carries
// service and version attributes so the two binaries can be told apart
// once their logs are aggregated.
func New(cfg config.LoggingConfig, version string) *Logger {
	handler := buildHandler(cfg).WithAttrs([]slog.Attr{
		slog.String("service", "maco"),
		slog.String("version", version),
	})
	return &Logger{Logger: slog.New(handler)}
}

// buildHandler selects the output writer and record format.
func buildHandler(cfg config.LoggingConfig) slog.Handler {
	var out io.Writer = os.Stdout
	if strings.ToLower(cfg.Output) == "stderr" {
		out = os.Stderr
	}

	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	if strings.ToLower(cfg.Format) == "text" {
		return slog.NewTextHandler(out, opts)
	}
	return slog.NewJSONHandler(out, opts)
}

// parseLevel maps the configured level name to a slog.Level.
// Unrecognised names fall back to info.
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

// With returns a Logger carrying additional default attributes.
//
// Example:
//
//	readerLog := log.With("component", "nfc")
//	readerLog.Info("tag authenticated") // includes component=nfc
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...)}
}

// Default returns a JSON stdout logger at info level, for the window
// between process start and config load.
func Default() *Logger {
	return New(config.LoggingConfig{
		Level:  "info",
		Format: "json",
		Output: "stdout",
	}, "dev")
}

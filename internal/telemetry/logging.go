// Package telemetry sets up logging, tracing and metrics for the theflow
// binaries from the environment.
package telemetry

import (
	"log/slog"
	"os"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	sdklog "go.opentelemetry.io/otel/sdk/log"
)

// LogLevel reads LOG_LEVEL: DEBUG, INFO, WARN or ERROR. Default INFO.
func LogLevel() slog.Level {
	switch os.Getenv("LOG_LEVEL") {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SetupLogger builds the process logger and makes it the slog default.
//
// With a log provider, records go to OpenTelemetry through the otelslog
// bridge. Otherwise LOG_FORMAT picks the stdout format:
//   - "json" (default)
//   - "text" for development
func SetupLogger(lp *sdklog.LoggerProvider) *slog.Logger {
	var handler slog.Handler

	if lp != nil {
		handler = otelslog.NewHandler(instrumentationName, otelslog.WithLoggerProvider(lp))
	} else {
		opts := &slog.HandlerOptions{
			Level:     LogLevel(),
			AddSource: LogLevel() == slog.LevelDebug,
		}
		if os.Getenv("LOG_FORMAT") == "text" {
			handler = slog.NewTextHandler(os.Stdout, opts)
		} else {
			handler = slog.NewJSONHandler(os.Stdout, opts)
		}
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

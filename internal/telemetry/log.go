// Package telemetry wires the structured logging and Prometheus metrics
// every shardkv service binary exposes: a zerolog logger configured once at
// startup, and a set of per-service metric collectors served over /metrics.
package telemetry

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Level is a zerolog verbosity level, exposed without pulling the zerolog
// import into cmd packages that only need a string flag value.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// LogConfig configures the global logger.
type LogConfig struct {
	Level  Level
	Pretty bool // human-readable console output instead of JSON
	Output io.Writer
}

// InitLogging configures the package-level Logger for the process. Call it
// once, early in main, before any component logger is derived from it.
func InitLogging(cfg LogConfig) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}
	if cfg.Pretty {
		Logger = zerolog.New(zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	}
}

// Logger is the process-wide logger, configured by InitLogging. It defaults
// to a console logger with no level of its own (zerolog's global level,
// debug until InitLogging sets it, applies) so packages that log before main
// calls InitLogging (tests, for instance) still produce readable output.
var Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).With().Timestamp().Logger()

// WithComponent returns a child logger tagging every entry with component,
// e.g. "shardmaster", "shardmanager.heartbeat", "shardworker.reconcile".
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

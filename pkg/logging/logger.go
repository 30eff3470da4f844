// Package logging provides structured logging configuration using zerolog.
package logging

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/Sternrassler/catalog-harvester/pkg/model"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Field names shared by every component.
const (
	FieldComponent = "component"
	FieldRunID     = "run_id"
	FieldID        = "id"
	FieldAspect    = "aspect"
)

// LogLevel represents the logging level.
type LogLevel string

const (
	// LevelDebug logs debug messages and above.
	LevelDebug LogLevel = "debug"

	// LevelInfo logs info messages and above.
	LevelInfo LogLevel = "info"

	// LevelWarn logs warning messages and above.
	LevelWarn LogLevel = "warn"

	// LevelError logs error messages only.
	LevelError LogLevel = "error"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level LogLevel

	// Pretty enables human-readable console output (default: false for JSON).
	Pretty bool

	// Output is the writer to output logs to (default: os.Stderr).
	Output io.Writer

	// Service is added to every entry when set.
	Service string
}

// DefaultConfig returns a default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:   LevelInfo,
		Output:  os.Stderr,
		Service: "harvester",
	}
}

// Setup configures the global zerolog logger and returns it.
func Setup(cfg Config) zerolog.Logger {
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}
	}

	ctx := zerolog.New(output).With().Timestamp()
	if cfg.Service != "" {
		ctx = ctx.Str("service", cfg.Service)
	}
	logger := ctx.Logger()

	log.Logger = logger
	return logger
}

// parseLevel converts LogLevel to zerolog.Level.
func parseLevel(level LogLevel) zerolog.Level {
	switch strings.ToLower(string(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// NewLogger creates a new logger with the given component name.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str(FieldComponent, component).Logger()
}

// WithRun tags logger with a harvest run identifier.
func WithRun(logger zerolog.Logger, runID string) zerolog.Logger {
	return logger.With().Str(FieldRunID, runID).Logger()
}

// ForIdentifier tags logger with the identifier being processed.
func ForIdentifier(logger zerolog.Logger, id model.ID) zerolog.Logger {
	return logger.With().Str(FieldID, string(id)).Logger()
}

// ForAspect tags logger with the identifier and aspect being fetched.
func ForAspect(logger zerolog.Logger, id model.ID, aspect model.Aspect) zerolog.Logger {
	return logger.With().Str(FieldID, string(id)).Str(FieldAspect, string(aspect)).Logger()
}

type ctxKey struct{}

// WithContext returns a copy of ctx carrying logger.
func WithContext(ctx context.Context, logger zerolog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, logger)
}

// FromContext returns the logger stored by WithContext, or fallback.
func FromContext(ctx context.Context, fallback zerolog.Logger) zerolog.Logger {
	if logger, ok := ctx.Value(ctxKey{}).(zerolog.Logger); ok {
		return logger
	}
	return fallback
}

// Log Level Guidelines:
//
// Debug: Detailed information for debugging
//   - Individual attempts and their classification
//   - Empty answers and why they were judged empty
//   - Limiter waits
//
// Info: Normal operation events
//   - Run start and finish with totals
//   - Catalog refresh results
//   - Batch composition per tier
//   - Process startup/shutdown
//
// Warn: Warning conditions that don't prevent operation
//   - Throttle cooldowns (429, 5xx)
//   - Transport retries
//   - Run lock held elsewhere
//   - Catalog refresh failures
//
// Error: Error conditions requiring attention
//   - Aspects failed after retries
//   - Store writes that failed
//   - Store or Redis unavailable
//   - Configuration errors
//
// Context Fields:
//   - run_id: Identifier of the harvest run
//   - id: Upstream identifier being harvested
//   - aspect: Aspect name (detail, tags, reviews, ...)
//   - attempt: 1-based attempt number
//   - status_code: HTTP status code
//   - error_class: Error classification (client, server, rate_limit, network)
//   - tier: Scheduler tier of the identifier
//   - duration: Elapsed time

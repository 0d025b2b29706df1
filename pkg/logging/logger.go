// Package logging provides structured logging configuration using zerolog.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
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
}

// DefaultConfig returns a default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Pretty: false,
		Output: os.Stderr,
	}
}

// Setup configures the global zerolog logger.
func Setup(cfg Config) zerolog.Logger {
	level := ParseLevel(string(cfg.Level))
	zerolog.SetGlobalLevel(level)

	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}

	var output io.Writer = cfg.Output
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: cfg.Output}
	}

	logger := zerolog.New(output).With().Timestamp().Logger()

	// Set as global logger
	log.Logger = logger

	return logger
}

// ParseLevel converts a level name to zerolog.Level. Unknown names map to info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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
	return log.With().Str("component", component).Logger()
}

// Redact returns the loggable form of a secret: its last four characters.
// Secrets of four characters or less are fully masked.
func Redact(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 4 {
		return "****"
	}
	return "..." + secret[len(secret)-4:]
}

// Log Level Guidelines:
//
// Debug: Detailed information for debugging
//   - Request flow (credential, attempt, conditional requests)
//   - Cache operations (hit/miss, key, ETag)
//   - Rate limit header updates
//
// Info: Normal operation events
//   - Page progress and items fetched
//   - Checkpoint flushes and resume statistics
//   - Run summary
//
// Warn: Warning conditions that don't prevent operation
//   - Rate limit waits
//   - Retry attempts
//   - Circuit breaker opening/closing
//   - Credential revocation
//   - Malformed lines skipped on resume
//
// Error: Error conditions requiring attention
//   - Requests that exhausted their retries
//   - Failed checkpoint or emergency saves
//   - Configuration errors
//
// Context Fields:
//   - component: Subsystem emitting the event
//   - credential: Redacted token identity ("...abcd" or "anonymous")
//   - url: Request URL
//   - status_code: HTTP status code
//   - error_class: Error classification (network, rate_limit, unauthorized, server, ...)
//   - attempt: Attempt number within one request
//   - wait: Duration slept before the next attempt
//   - page: Page number within a stream
//   - run_id: Identifier of a scrape run

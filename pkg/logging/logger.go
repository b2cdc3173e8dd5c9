// Package logging configures zerolog for the orchestrator process and hands
// out component loggers.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Level is a textual log level as it appears in configuration.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum level written.
	Level Level

	// Pretty switches from JSON lines to the zerolog console writer.
	Pretty bool

	// Output defaults to os.Stderr.
	Output io.Writer

	// Service and Environment are attached to every log line when set.
	Service     string
	Environment string
}

// DefaultConfig returns JSON logging at info level on stderr.
func DefaultConfig() Config {
	return Config{
		Level:   LevelInfo,
		Output:  os.Stderr,
		Service: "platform-orchestrator",
	}
}

// Setup configures the global zerolog logger and returns it.
func Setup(cfg Config) zerolog.Logger {
	zerolog.SetGlobalLevel(ParseLevel(string(cfg.Level)))

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: out}
	}

	ctx := zerolog.New(out).With().Timestamp()
	if cfg.Service != "" {
		ctx = ctx.Str("service", cfg.Service)
	}
	if cfg.Environment != "" {
		ctx = ctx.Str("env", cfg.Environment)
	}
	logger := ctx.Logger()

	log.Logger = logger
	return logger
}

// ParseLevel maps a configuration string to a zerolog level. Unknown values
// fall back to info.
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

// NewLogger derives a logger for one component from the global logger.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// Nop returns a logger that discards everything. Used by tests and by
// components constructed without an explicit logger.
func Nop() zerolog.Logger {
	return zerolog.Nop()
}

// Level guidelines:
//
// Debug: per-request detail
//   - cache hit/miss with layer and key
//   - claimed request ids, rate limit decrements
//
// Info: normal operation
//   - flush summaries (processed, succeeded, failed, skipped)
//   - asset refreshes from the platform API
//   - server and scheduler startup/shutdown
//
// Warn: degraded but continuing
//   - rate limit exhausted for a connection, group skipped
//   - cache backend errors (request served without cache)
//   - stale assets served after a fetch failure
//   - more successes than remaining budget in one batch
//
// Error: needs attention
//   - whole-batch failures (error, panic, timeout)
//   - audit record writes that failed
//   - configuration or startup errors
//
// Context fields:
//   - platform, connection_id, organization_id
//   - batch_id, batch_type, request_count
//   - request_id, request_type
//   - remaining, reset_at
//   - cache_key, layer, pattern
//   - duration, error_class, status_code

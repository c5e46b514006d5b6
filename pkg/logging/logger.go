// Package logging configures zerolog for the worker and its HTTP front.
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

	// Pretty switches to zerolog's console writer instead of JSON lines.
	Pretty bool

	// Output defaults to os.Stderr.
	Output io.Writer
}

// DefaultConfig returns JSON logging at info level on stderr.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Output: os.Stderr,
	}
}

// FromSettings builds a Config from the loaded logging section.
func FromSettings(level string, pretty bool) Config {
	cfg := DefaultConfig()
	if level != "" {
		cfg.Level = Level(level)
	}
	cfg.Pretty = pretty
	return cfg
}

// Setup installs the global zerolog logger and returns it.
func Setup(cfg Config) zerolog.Logger {
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: out}
	}

	logger := zerolog.New(out).With().Timestamp().Logger()
	log.Logger = logger
	return logger
}

func parseLevel(level Level) zerolog.Level {
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

// NewLogger returns a child of the global logger tagged with component.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// ForGeneration tags a component logger with the cache generation it serves.
func ForGeneration(component, version string) zerolog.Logger {
	return log.With().Str("component", component).Str("version", version).Logger()
}

// Levels used across the worker:
//
// Debug: per-request detail
//   - route classification, cache hit/miss, background refresh start
//
// Info: lifecycle and control events
//   - install, activate, claim, generation rollout
//   - control messages handled, cleanup pass totals
//
// Warn: degraded but served
//   - network failure answered from cache or fallback
//   - background refresh dropped or failed
//   - config reload rejected
//
// Error: operator attention
//   - install failed, storage unavailable
//
// Common fields: component, version, route, url, cache, source, status, error_class.

// Package logging builds the broker's structured logger.
package logging

import (
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
)

// Format selects the logger's output encoding.
type Format string

const (
	FormatJSON    Format = "json"
	FormatConsole Format = "console"
)

// Config holds the parameters taken from the broker's properties file.
type Config struct {
	Level  string
	Format Format
}

// New builds a component-tagged zerolog.Logger per the broker's logging
// conventions: JSON by default, a pretty console writer when explicitly
// requested (interactive foreground runs), timestamp + component field
// always present.
func New(cfg Config, component string) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var output io.Writer = os.Stdout
	if cfg.Format == FormatConsole {
		output = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	return zerolog.New(output).Level(level).With().
		Timestamp().
		Str("component", component).
		Logger()
}

// LogRecovered logs a panic recovered at the reactor boundary (§7: no
// exceptions cross the reactor) along with its stack trace, and is the only
// place in the broker that captures a full goroutine stack.
func LogRecovered(logger zerolog.Logger, recovered interface{}, sessionID uint32) {
	logger.Error().
		Interface("panic", recovered).
		Uint32("session", sessionID).
		Str("stack", string(debug.Stack())).
		Msg("recovered panic in connection handler")
}

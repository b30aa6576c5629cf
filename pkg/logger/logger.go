// Package logger provides the structured logging setup shared by every
// long-running component of the fabric. It wraps zerolog with the
// conventions the rest of the codebase relies on: a base logger built once
// in main, contextualised per component via .With().Str("component", ...).
package logger

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config controls how the base logger is constructed.
type Config struct {
	// Level is one of: trace, debug, info, warn, error, fatal, panic, disabled.
	Level string
	// Pretty enables a human-readable console writer instead of JSON.
	// Production deployments should leave this false.
	Pretty bool
}

// New builds the base zerolog.Logger used by cmd/fabricd and threaded into
// every component constructor. Unknown levels fall back to info.
func New(cfg Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.Level)))
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339

	var writer = os.Stdout
	if cfg.Pretty {
		return zerolog.New(zerolog.ConsoleWriter{Out: writer, TimeFormat: time.Kitchen}).
			With().Timestamp().Logger()
	}
	return zerolog.New(writer).With().Timestamp().Logger()
}

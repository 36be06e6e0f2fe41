// Package logging provides structured, component-scoped logging for the
// rest of the module, built on zerolog.
package logging

import (
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Config controls global logger setup.
type Config struct {
	// Level is one of "debug", "info", "warn", "error". Defaults to "info".
	Level string
	// Console, when true, writes human-readable colorized output instead
	// of JSON lines. Useful for cmd/autocryptctl; disabled by default.
	Console bool
}

var (
	mu     sync.Mutex
	base   = zerolog.New(os.Stderr).With().Timestamp().Logger()
	inited bool
)

// Init configures the package-level base logger. Safe to call once at
// process startup; later calls replace the configuration.
func Init(cfg Config) {
	mu.Lock()
	defer mu.Unlock()

	level := parseLevel(cfg.Level)

	var writer zerolog.Logger
	if cfg.Console {
		writer = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	} else {
		writer = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}

	base = writer.Level(level)
	inited = true
}

func parseLevel(s string) zerolog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "":
		return zerolog.InfoLevel
	default:
		return zerolog.InfoLevel
	}
}

// WithComponent returns a child logger tagged with the given component
// name, e.g. logging.WithComponent("peerstate").
func WithComponent(name string) zerolog.Logger {
	mu.Lock()
	defer mu.Unlock()
	return base.With().Str("component", name).Logger()
}

// Initialized reports whether Init has been called.
func Initialized() bool {
	mu.Lock()
	defer mu.Unlock()
	return inited
}

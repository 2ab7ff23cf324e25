// Package logging provides the shared zerolog setup for boxsync.
package logging

import (
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	mu   sync.Mutex
	root = zerolog.New(os.Stderr).Level(zerolog.InfoLevel).With().Timestamp().Logger()
)

// Init configures the root logger. Call once from main before any
// WithComponent caller runs. Safe to call more than once in tests.
func Init(verbose bool) {
	mu.Lock()
	defer mu.Unlock()

	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}

	if isTerminal(os.Stderr) {
		root = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
			Level(level).With().Timestamp().Logger()
	} else {
		root = zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()
	}
}

// WithComponent returns a logger tagged with the given component name.
// Safe to call before Init (falls back to an Info-level stderr writer).
func WithComponent(name string) zerolog.Logger {
	mu.Lock()
	defer mu.Unlock()
	return root.With().Str("component", name).Logger()
}

func isTerminal(f *os.File) bool {
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}

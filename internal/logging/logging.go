// Package logging builds the zerolog logger shared by the binaries.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New returns a logger at the given level. In the dev environment output is
// human-readable console text; elsewhere it is JSON lines on stderr.
func New(level, env, component string) zerolog.Logger {
	return NewWithWriter(os.Stderr, level, env, component)
}

// NewWithWriter is New with an explicit destination.
func NewWithWriter(w io.Writer, level, env, component string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}

	out := w
	if env == "dev" {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}

	logger := zerolog.New(out).Level(lvl).With().Timestamp().Logger()
	if component != "" {
		logger = logger.With().Str("component", component).Logger()
	}
	return logger
}

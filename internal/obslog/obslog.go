// Package obslog builds the process-wide structured logger. Components never
// reach for a package-level global logger (see SPEC_FULL.md's ambient-stack
// note); main() constructs one Logger and injects it into every
// constructor, the same "no singletons" posture the teacher applies to
// cluster/coordinator state.
package obslog

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is a thin handle around zerolog.Logger plus convenience
// constructors for component-scoped sub-loggers.
type Logger struct {
	zerolog.Logger
}

// Options controls how New builds the root logger.
type Options struct {
	// Level is one of "debug", "info", "warn", "error". Defaults to "info".
	Level string
	// Pretty enables the human-readable console writer instead of JSON.
	// Intended for local development, never for production deployments.
	Pretty bool
	// Output overrides the destination writer; defaults to os.Stderr.
	Output io.Writer
}

// New constructs the root logger for the process.
func New(opts Options) Logger {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	if opts.Pretty {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	level, err := zerolog.ParseLevel(opts.Level)
	if err != nil || opts.Level == "" {
		level = zerolog.InfoLevel
	}

	base := zerolog.New(out).With().Timestamp().Logger().Level(level)
	return Logger{Logger: base}
}

// Component returns a sub-logger tagged with the owning component's name,
// e.g. logger.Component("hotstore").With().Int("shard_id", id).Logger().
func (l Logger) Component(name string) zerolog.Logger {
	return l.Logger.With().Str("component", name).Logger()
}

// Package log provides structured logging for the maintenance engine using zerolog.
//
// It wraps a single global zerolog.Logger initialized once via Init, and
// exposes component- and context-scoped child loggers (WithComponent,
// WithDatabase, WithShard, WithActionID) so every package tags its log lines
// with the coordinates the reconcile loop and SynchronizeShard protocol
// operate on.
package log

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Level is a logging severity understood by Init.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Config controls global logger initialization.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

var global zerolog.Logger

func init() {
	// Sane default so packages can log before Init runs (e.g. in tests).
	global = zerolog.New(os.Stderr).With().Timestamp().Logger().Level(zerolog.InfoLevel)
}

// Init configures the package-level global logger. Call once at process
// startup, before any component logger is used.
func Init(cfg Config) {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	if !cfg.JSONOutput {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	lvl := parseLevel(cfg.Level)
	global = zerolog.New(out).With().Timestamp().Logger().Level(lvl)
}

func parseLevel(l Level) zerolog.Level {
	switch Level(strings.ToLower(string(l))) {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Logger returns the global logger.
func Logger() zerolog.Logger {
	return global
}

// WithComponent returns a child logger tagged with the given component name,
// e.g. "feature", "worker", "synchronize-shard", "driver".
func WithComponent(component string) zerolog.Logger {
	return global.With().Str("component", component).Logger()
}

// WithDatabase adds a database field to an existing logger.
func WithDatabase(l zerolog.Logger, database string) zerolog.Logger {
	return l.With().Str("database", database).Logger()
}

// WithShard adds shard/collection fields to an existing logger.
func WithShard(l zerolog.Logger, database, collection, shard string) zerolog.Logger {
	return l.With().
		Str("database", database).
		Str("collection", collection).
		Str("shard", shard).
		Logger()
}

// WithActionID adds the numeric action id to an existing logger.
func WithActionID(l zerolog.Logger, id uint64) zerolog.Logger {
	return l.With().Uint64("action_id", id).Logger()
}

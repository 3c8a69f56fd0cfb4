// Package logging wraps zerolog the way cuemby-warren/pkg/log does:
// a global base Logger configured once at startup, and small
// With*-style helpers that attach the fields every subsystem in this
// server tags its lines with (component, node, shard, peer).
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Level is the subset of zerolog levels this server's config exposes.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config controls how the global logger is built.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Logger is the process-wide base logger. Setup must run before any
// subsystem constructor requests a With* child logger.
var Logger zerolog.Logger

// Setup initializes the global Logger from cfg.
func Setup(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

// Component returns a child logger tagged with the owning subsystem,
// e.g. logging.Component("shard.pool").
func Component(name string) zerolog.Logger {
	return Logger.With().Str("component", name).Logger()
}

// WithNode tags a child logger with the local node name.
func WithNode(l zerolog.Logger, node string) zerolog.Logger {
	return l.With().Str("node", node).Logger()
}

// WithShard tags a child logger with a shard hash/path.
func WithShard(l zerolog.Logger, shard string) zerolog.Logger {
	return l.With().Str("shard", shard).Logger()
}

// WithPeer tags a child logger with a remote peer address.
func WithPeer(l zerolog.Logger, peer string) zerolog.Logger {
	return l.With().Str("peer", peer).Logger()
}

func init() {
	// Sane default so packages used from tests without Setup still emit
	// something readable instead of panicking on a zero Logger.
	Setup(Config{Level: InfoLevel})
}

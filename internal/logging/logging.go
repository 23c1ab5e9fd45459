// Package logging builds the zerolog loggers used by the faa-sync commands.
//
// Components never log through a global; they receive a zerolog.Logger in
// their constructor and add their own fields:
//
//	logger := logging.New(logging.Config{Level: "debug", Format: "console"})
//	f := fetch.New(cfg, logger)
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Formats accepted by Config.Format.
const (
	FormatJSON    = "json"
	FormatConsole = "console"
)

// Config holds logging configuration.
type Config struct {
	// Level is the minimum level: trace, debug, info, warn, error or disabled.
	Level string

	// Format is json or console.
	Format string

	// Caller adds file:line to every event.
	Caller bool

	// Timestamp adds the event time.
	Timestamp bool

	// Output defaults to os.Stderr.
	Output io.Writer
}

// DefaultConfig returns info-level JSON logging to stderr.
func DefaultConfig() Config {
	return Config{
		Level:     "info",
		Format:    FormatJSON,
		Timestamp: true,
		Output:    os.Stderr,
	}
}

// New builds a logger from cfg. Unknown levels fall back to info.
func New(cfg Config) zerolog.Logger {
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}

	out := cfg.Output
	if strings.EqualFold(cfg.Format, FormatConsole) {
		out = zerolog.ConsoleWriter{Out: cfg.Output, TimeFormat: "15:04:05"}
	}

	zerolog.TimeFieldFormat = time.RFC3339

	ctx := zerolog.New(out).Level(ParseLevel(cfg.Level)).With()
	if cfg.Timestamp {
		ctx = ctx.Timestamp()
	}
	if cfg.Caller {
		ctx = ctx.Caller()
	}
	return ctx.Logger()
}

// ParseLevel converts a level name to a zerolog.Level, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "warning":
		return zerolog.WarnLevel
	case "":
		return zerolog.InfoLevel
	}
	l, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return zerolog.InfoLevel
	}
	return l
}

// ValidateFormat reports an error for an unknown output format.
func ValidateFormat(format string) error {
	switch strings.ToLower(format) {
	case "", FormatJSON, FormatConsole:
		return nil
	}
	return fmt.Errorf("unknown log format %q (want %s or %s)", format, FormatJSON, FormatConsole)
}

package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// Logger is zerolog's logger, used directly across the codebase.
type Logger = zerolog.Logger

// Field names shared by every component.
const (
	FieldComponent = "component"
	FieldDomain    = "domain"
	FieldChain     = "chain"
	FieldUpstream  = "upstream"
)

// Config contains logging configuration options.
type Config struct {
	// Level is one of "debug", "info", "warn", "error". Default: "info".
	Level string `yaml:"level"`

	// Format is "json" or "text". Default: "json".
	Format string `yaml:"format"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Level:  "info",
		Format: "json",
	}
}

// NewLogger creates a logger writing to stderr.
func NewLogger(config Config) Logger {
	return NewLoggerWithWriter(config, os.Stderr)
}

// NewLoggerWithWriter creates a logger writing to out.
func NewLoggerWithWriter(config Config, out io.Writer) Logger {
	if strings.ToLower(config.Format) == "text" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05"}
	}
	return zerolog.New(out).Level(parseLevel(config.Level)).With().Timestamp().Logger()
}

// parseLevel returns InfoLevel for anything it doesn't recognize.
func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// ForComponent returns a child logger tagged with the component name.
func ForComponent(logger Logger, component string) Logger {
	return logger.With().Str(FieldComponent, component).Logger()
}

// ForDomain returns a child logger tagged with a domain and its chain.
func ForDomain(logger Logger, domain, chain string) Logger {
	return logger.With().
		Str(FieldDomain, domain).
		Str(FieldChain, chain).
		Logger()
}

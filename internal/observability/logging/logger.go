// Package logging provides structured logging with zerolog.
//
// Loggers are built once at startup and handed to components at
// construction; nothing reads or mutates zerolog's global state, so
// two engines in one process can log at different levels.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Config holds logging configuration.
type Config struct {
	Level      string `yaml:"level" env:"LOG_LEVEL"`             // debug, info, warn, error
	Format     string `yaml:"format" env:"LOG_FORMAT"`           // json, console
	TimeFormat string `yaml:"time_format" env:"LOG_TIME_FORMAT"` // RFC3339, Unix, etc.
}

// DefaultConfig returns sensible default logging configuration.
func DefaultConfig() Config {
	return Config{
		Level:      "info",
		Format:     "json",
		TimeFormat: time.RFC3339,
	}
}

// New builds the root logger for the process.
func New(cfg Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	timeFormat := cfg.TimeFormat
	if timeFormat == "" {
		timeFormat = time.RFC3339
	}

	var output io.Writer = os.Stdout
	if cfg.Format == "console" {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.Kitchen,
		}
	}

	return zerolog.New(output).
		Level(level).
		With().
		Timestamp().
		Logger()
}

// WithComponent returns a child logger with a component tag.
func WithComponent(log zerolog.Logger, component string) zerolog.Logger {
	return log.With().
		Str("component", component).
		Logger()
}

// WithSession returns a child logger with recognition session context.
func WithSession(log zerolog.Logger, sessionID, modelName string) zerolog.Logger {
	return log.With().
		Str("sessionId", sessionID).
		Str("model", modelName).
		Logger()
}

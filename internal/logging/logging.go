// Package logging builds the process logger from configuration.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// New returns a logger writing to w at level. Format "console" gives
// human-readable output; anything else writes JSON lines.
func New(w io.Writer, level, format, service string) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("log level: %w", err)
	}
	if lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	if strings.EqualFold(format, "console") {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).
		Level(lvl).
		With().
		Timestamp().
		Str("service", service).
		Logger(), nil
}

// Must is New writing to stderr; an invalid level falls back to info.
func Must(level, format, service string) zerolog.Logger {
	logger, err := New(os.Stderr, level, format, service)
	if err != nil {
		logger, _ = New(os.Stderr, "info", format, service)
		logger.Warn().Err(err).Msg("invalid log level, using info")
	}
	return logger
}

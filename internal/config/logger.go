package config

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Log formats accepted by app.log_format.
const (
	LogFormatJSON    = "json"
	LogFormatConsole = "console"
)

// InitLogger points the global logger at stderr; stdout carries the run
// output.
func InitLogger(level, format string) {
	log.Logger = NewRootLogger(os.Stderr, level, format)
	log.Debug().
		Str("level", zerolog.GlobalLevel().String()).
		Str("format", format).
		Msg("Logger initialized")
}

// NewRootLogger builds the process logger and sets the global level. An
// unknown level falls back to info and an unknown format to JSON. Every
// entry carries the service name and version.
func NewRootLogger(out io.Writer, level, format string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	zerolog.TimeFieldFormat = time.RFC3339Nano

	w := out
	if strings.EqualFold(format, LogFormatConsole) {
		w = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	return zerolog.New(w).With().
		Timestamp().
		Str("service", "quantfunk").
		Str("version", Version).
		Logger()
}

// ComponentLogger derives a logger tagged with component from the global one.
func ComponentLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

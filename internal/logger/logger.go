package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New builds the process logger. Format is "json" or "console"; level follows
// zerolog's numeric levels (-1 trace .. 5 panic). Debug lowers the level to
// debug when the configured level is quieter.
func New(level int, format string, debug bool) zerolog.Logger {
	lvl := zerolog.Level(level)
	if debug && lvl > zerolog.DebugLevel {
		lvl = zerolog.DebugLevel
	}

	var writer io.Writer = os.Stdout
	if format != "json" {
		writer = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}

	return zerolog.New(writer).
		Level(lvl).
		With().
		Timestamp().
		Logger()
}

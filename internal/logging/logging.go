package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// New builds the root logger for the process. Level comes from LOG_LEVEL
// (debug, info, warn, error); anything unknown falls back to info.
func New() zerolog.Logger {
	return NewWithWriter(os.Stderr)
}

// NewWithWriter is New with an explicit output, used by tests.
func NewWithWriter(w io.Writer) zerolog.Logger {
	cw := zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: "15:04:05.000",
	}
	lvl := parseLevel(os.Getenv("LOG_LEVEL"))
	return zerolog.New(cw).Level(lvl).With().Timestamp().Logger()
}

func parseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Nop returns a disabled logger for components that were constructed
// without one.
func Nop() zerolog.Logger { return zerolog.Nop() }

func init() {
	zerolog.DurationFieldUnit = time.Millisecond
}

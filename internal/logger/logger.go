package logger

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

var Log zerolog.Logger

func init() {
	// Configure ZeroLog in text mode with colors
	Log = zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stderr,
		NoColor:    false,
		TimeFormat: time.RFC3339,
	}).With().Timestamp().Logger()

	// Default to Info; PALAVER_LOG overrides it
	level := zerolog.InfoLevel
	if s := os.Getenv("PALAVER_LOG"); s != "" {
		if parsed, err := zerolog.ParseLevel(s); err == nil {
			level = parsed
		}
	}
	zerolog.SetGlobalLevel(level)
}

// SetLevel sets the global log level
func SetLevel(level zerolog.Level) {
	zerolog.SetGlobalLevel(level)
}

// With returns a logger tagged with the given component name
func With(component string) zerolog.Logger {
	return Log.With().Str("component", component).Logger()
}

package log

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger создаёт логгер с форматом под окружение: в dev — цветная
// консоль с debug-уровнем, иначе — JSON с info.
func NewLogger(appEnv string) zerolog.Logger {
	if appEnv == "dev" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
			Level(zerolog.DebugLevel).
			With().Timestamp().Logger()
	}

	return zerolog.New(os.Stderr).
		Level(zerolog.InfoLevel).
		With().Timestamp().Logger()
}

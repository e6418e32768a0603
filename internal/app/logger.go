package app

import (
	"io"
	"log/slog"
)

// newLogger builds the application logger. It does not set the global
// logger, so every App owns an isolated instance. levelStr and formatStr
// are validated by the CLI; an unknown level falls back to info.
func newLogger(levelStr, formatStr string, outW io.Writer) *slog.Logger {
	level := slog.LevelInfo
	_ = level.UnmarshalText([]byte(levelStr))

	handlerOpts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}
	var handler slog.Handler
	if formatStr == "json" {
		// Simulation and engine times read better as "1.5s" than as
		// nanosecond integers.
		handlerOpts.ReplaceAttr = func(_ []string, a slog.Attr) slog.Attr {
			if a.Value.Kind() == slog.KindDuration {
				return slog.String(a.Key, a.Value.Duration().String())
			}
			return a
		}
		handler = slog.NewJSONHandler(outW, handlerOpts)
	} else {
		handler = slog.NewTextHandler(outW, handlerOpts)
	}

	return slog.New(handler).With("service", "lockstep")
}

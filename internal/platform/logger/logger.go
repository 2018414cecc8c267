package logger

import (
	"log/slog"
	"os"
)

// New returns the root structured logger. Services receive it via options so
// tests can pass a discarding logger instead.
func New(level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}

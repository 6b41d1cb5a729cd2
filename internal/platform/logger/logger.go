package logger

import (
	"log/slog"
	"os"
)

// New returns the process logger. Level comes from config so operators can
// turn on debug logging without a rebuild.
func New(level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}

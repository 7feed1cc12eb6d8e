package logger

import (
	"io"
	"log/slog"
	"os"
)

// New returns a JSON slog.Logger tagged with the service name. All gateway
// binaries log through this so log lines share a shape.
func New(service string, level slog.Level) *slog.Logger {
	return NewWithOutput(os.Stdout, service, level)
}

// NewWithOutput is New with an explicit sink; tests pass io.Discard.
func NewWithOutput(w io.Writer, service string, level slog.Level) *slog.Logger {
	h := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	return slog.New(h).With("service", service)
}

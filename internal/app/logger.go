package app

import (
	"io"
	"log/slog"
	"os"

	"fusionlink/go-backend/internal/platform/privacylog"
)

// DefaultLogger writes sanitized JSON records to stderr, leaving stdout to the chat UI.
func DefaultLogger(level slog.Level) *slog.Logger {
	return NewLogger(os.Stderr, level)
}

func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(privacylog.WrapHandler(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})))
}

package config

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// SetupLogger installs the process-wide slog logger on stderr.
func SetupLogger(cfg LogConfig) *slog.Logger {
	logger := slog.New(NewHandler(os.Stderr, cfg))
	slog.SetDefault(logger)
	return logger
}

// NewHandler builds a text or JSON handler at the configured level.
// Unknown levels fall back to info.
func NewHandler(w io.Writer, cfg LogConfig) slog.Handler {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}

package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Options configures the root logger.
type Options struct {
	Level  string // "debug", "info", "warn", "error"
	Format string // "text" (default) or "json"
	Output string // "stdout", "stderr" (default), or a file path
}

// New creates a configured *slog.Logger.
// The returned closer function should be deferred to flush/close file handles.
func New(opts Options) (*slog.Logger, func() error, error) {
	writer, closer, err := openOutput(opts.Output)
	if err != nil {
		return nil, nil, fmt.Errorf("open log output: %w", err)
	}

	level := parseLevel(opts.Level)
	hopts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch strings.ToLower(opts.Format) {
	case "json":
		handler = slog.NewJSONHandler(writer, hopts)
	default:
		handler = slog.NewTextHandler(writer, hopts)
	}

	return slog.New(handler), closer, nil
}

// Discard returns a logger that drops everything. Used in tests and as the
// default for components constructed without a logger.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func openOutput(output string) (io.Writer, func() error, error) {
	noop := func() error { return nil }

	switch strings.ToLower(output) {
	case "stdout":
		return os.Stdout, noop, nil
	case "stderr", "":
		return os.Stderr, noop, nil
	default:
		f, err := os.OpenFile(output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
		if err != nil {
			return nil, nil, err
		}
		return f, f.Close, nil
	}
}

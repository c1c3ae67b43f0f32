package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// FileName is the run log written under <work_dir>/logs.
const FileName = "evalflow.log"

// NewLogger creates a configured slog.Logger writing to stderr.
//
// format: "text" (human-readable) or "json" (structured)
func NewLogger(level slog.Level, format string) *slog.Logger {
	return NewLoggerWithWriter(level, format, os.Stderr)
}

// NewLoggerWithWriter creates a logger writing to the given writer.
func NewLoggerWithWriter(level slog.Level, format string, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}

// ParseLevel converts a string log level to slog.Level.
// Returns slog.LevelInfo for unrecognized values.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// OpenLogFile opens <workDir>/logs/evalflow.log for appending.
//
// With rotate set, an existing log is first renamed with a timestamp suffix
// so each top-level run starts a fresh file. Worker processes share the
// parent's file and must never rotate it.
func OpenLogFile(workDir string, rotate bool) (*os.File, error) {
	dir := filepath.Join(workDir, "logs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	path := filepath.Join(dir, FileName)

	if rotate {
		if info, err := os.Stat(path); err == nil && info.Size() > 0 {
			stamp := info.ModTime().Format("20060102-150405")
			rotated := filepath.Join(dir, strings.TrimSuffix(FileName, ".log")+"-"+stamp+".log")
			if err := os.Rename(path, rotated); err != nil {
				return nil, fmt.Errorf("rotate log: %w", err)
			}
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log: %w", err)
	}
	return f, nil
}

// NewRunLogger returns a logger that writes to stderr and to the run log of
// workDir. The returned close function releases the log file.
func NewRunLogger(level slog.Level, format, workDir string, rotate bool) (*slog.Logger, func() error, error) {
	f, err := OpenLogFile(workDir, rotate)
	if err != nil {
		return nil, nil, err
	}
	logger := NewLoggerWithWriter(level, format, io.MultiWriter(os.Stderr, f))
	return logger.With("pid", os.Getpid()), f.Close, nil
}

// Discard returns a logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

// since formats a duration for log fields.
func since(start time.Time) string {
	return time.Since(start).Round(time.Millisecond).String()
}

// Elapsed returns a slog attribute holding the time since start.
func Elapsed(start time.Time) slog.Attr {
	return slog.String("elapsed", since(start))
}

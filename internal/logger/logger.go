package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

var log *slog.Logger
var logLevel slog.Level

func init() {
	logLevel = ParseLevel(os.Getenv("LOG_LEVEL"))
	log = newJSONLogger(os.Stdout, logLevel)
	slog.SetDefault(log)
}

// ParseLevel maps a LOG_LEVEL value (debug, info, warn, error; case-insensitive)
// to a slog level. Unknown or empty values fall back to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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

func newJSONLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

// IsDebug returns true if debug logging is enabled
func IsDebug() bool {
	return logLevel == slog.LevelDebug
}

// Debug logs a debug message with structured fields
func Debug(msg string, args ...any) {
	log.Debug(msg, args...)
}

// Info logs an informational message with structured fields
func Info(msg string, args ...any) {
	log.Info(msg, args...)
}

// Warn logs a warning message with structured fields
func Warn(msg string, args ...any) {
	log.Warn(msg, args...)
}

// Error logs an error message with structured fields
func Error(msg string, args ...any) {
	log.Error(msg, args...)
}

// Fatal logs an error message and exits with status 1
func Fatal(msg string, args ...any) {
	log.Error(msg, args...)
	os.Exit(1)
}

// SetOutputForTest redirects log output to w at debug level.
// Returns a cleanup function that restores the original logger.
// This should only be used in tests.
func SetOutputForTest(w io.Writer) func() {
	original := log
	originalLevel := logLevel
	logLevel = slog.LevelDebug
	log = newJSONLogger(w, logLevel)
	slog.SetDefault(log)
	return func() {
		log = original
		logLevel = originalLevel
		slog.SetDefault(log)
	}
}

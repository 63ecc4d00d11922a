package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Logger is the logging surface shared by the training, generation and
// serving paths. Components pull it from the context.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	With(args ...any) Logger
	WithGroup(name string) Logger
}

// SlogLogger is a Logger implementation that wraps slog.Logger.
type SlogLogger struct {
	logger *slog.Logger
}

// New creates a new Logger with the given handler.
func New(handler slog.Handler) Logger {
	return &SlogLogger{
		logger: slog.New(handler),
	}
}

// Default is the info-level pretty logger on stderr used when nothing was
// placed in the context.
func Default() Logger {
	return Pretty(os.Stderr, slog.LevelInfo)
}

// JSON creates a Logger with JSON handler for production use.
func JSON(w io.Writer, level slog.Level) Logger {
	return New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		AddSource: true,
		Level:     level,
	}))
}

// Pretty creates a Logger with colored pretty output for CLI use.
func Pretty(w io.Writer, level slog.Level) Logger {
	return New(NewPrettyHandler(w, &slog.HandlerOptions{
		AddSource: true,
		Level:     level,
	}))
}

// Text creates a Logger with the plain slog text handler.
func Text(w io.Writer, level slog.Level) Logger {
	return New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// Setup builds the CLI logger for a format name (pretty, json or text).
// Unknown formats fall back to pretty.
func Setup(w io.Writer, level, format string) Logger {
	lvl := ParseLevel(level)
	switch strings.ToLower(format) {
	case "json":
		return JSON(w, lvl)
	case "text":
		return Text(w, lvl)
	default:
		return Pretty(w, lvl)
	}
}

// FromContext retrieves a Logger from the context.
// If no logger is found, returns a default logger.
func FromContext(ctx context.Context) Logger {
	if logger, ok := ctx.Value(loggerKey{}).(Logger); ok {
		return logger
	}
	return Default()
}

// WithContext adds the logger to the context.
func WithContext(ctx context.Context, logger Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

type loggerKey struct{}

// Implementation of Logger interface

func (l *SlogLogger) Debug(msg string, args ...any) {
	l.logger.Debug(msg, args...)
}

func (l *SlogLogger) Info(msg string, args ...any) {
	l.logger.Info(msg, args...)
}

func (l *SlogLogger) Warn(msg string, args ...any) {
	l.logger.Warn(msg, args...)
}

func (l *SlogLogger) Error(msg string, args ...any) {
	l.logger.Error(msg, args...)
}

func (l *SlogLogger) With(args ...any) Logger {
	return &SlogLogger{
		logger: l.logger.With(args...),
	}
}

func (l *SlogLogger) WithGroup(name string) Logger {
	return &SlogLogger{
		logger: l.logger.WithGroup(name),
	}
}

// ParseLevel converts a string level to slog.Level.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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

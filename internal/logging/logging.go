// Package logging wraps slog with the contextual helpers the engine uses to
// tag log lines with case, work-item, and transaction identifiers.
package logging

import (
	"context"
	"log/slog"
	"os"
	"runtime/debug"
	"time"

	"github.com/lmittmann/tint"
)

// Logger wraps slog.Logger with engine-specific contextual fields.
type Logger struct {
	*slog.Logger
}

// New creates a Logger for the given level ("debug"|"info"|"warn"|"error")
// and format ("json"|"text").
func New(level, format string) *Logger {
	logLevel := parseLevel(level)

	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	default:
		handler = tint.NewHandler(os.Stdout, &tint.Options{
			Level:      logLevel,
			TimeFormat: time.TimeOnly,
		})
	}

	return &Logger{Logger: slog.New(handler)}
}

// Nop returns a Logger that discards everything, for tests.
func Nop() *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(discard{}, &slog.HandlerOptions{Level: slog.LevelError + 1}))}
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

// WithCase returns a logger tagged with case_id.
func (l *Logger) WithCase(caseID string) *Logger {
	return &Logger{Logger: l.With("case_id", caseID)}
}

// WithWorkItem returns a logger tagged with work_item_id.
func (l *Logger) WithWorkItem(workItemID string) *Logger {
	return &Logger{Logger: l.With("work_item_id", workItemID)}
}

// WithTx returns a logger tagged with tx_id.
func (l *Logger) WithTx(txID string) *Logger {
	return &Logger{Logger: l.With("tx_id", txID)}
}

// Error logs an error with a captured stack trace, matching the teacher's
// convention of always attaching a stack to Error-level lines.
func (l *Logger) Error(msg string, args ...any) {
	args = append(args, "stack", string(debug.Stack()))
	l.Logger.Error(msg, args...)
}

// ErrorContext is the context-aware counterpart to Error.
func (l *Logger) ErrorContext(ctx context.Context, msg string, args ...any) {
	args = append(args, "stack", string(debug.Stack()))
	l.Logger.ErrorContext(ctx, msg, args...)
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Package events provides structured logging for the key lifecycle events
// of a check run.
package events

import (
	"io"
	"log/slog"
	"os"
)

// Logger emits JSON event records with run-scoped attributes.
type Logger struct {
	logger *slog.Logger
	runID  string
}

// NewLogger creates a Logger writing JSON to stderr with a run_id base
// attribute.
func NewLogger(runID string) *Logger {
	return NewLoggerWithWriter(runID, os.Stderr, slog.LevelInfo)
}

// NewLoggerWithWriter creates a Logger with a custom writer and level;
// useful for tests and quiet runs.
func NewLoggerWithWriter(runID string, w io.Writer, level slog.Level) *Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	return &Logger{
		logger: slog.New(handler).With("run_id", runID),
		runID:  runID,
	}
}

// Slog exposes the underlying logger for components that take a
// *slog.Logger directly.
func (l *Logger) Slog() *slog.Logger {
	return l.logger
}

// ForSuite returns a child logger carrying the suite name.
func (l *Logger) ForSuite(name string) *slog.Logger {
	return l.logger.With("suite", name)
}

// LogRunStarted logs the start of a run.
func (l *Logger) LogRunStarted(targetType string, suites []string) {
	l.logger.Info("run_started", "target_type", targetType, "suites", suites)
}

// LogSuiteStarted logs a suite entering execution.
func (l *Logger) LogSuiteStarted(name string) {
	l.logger.Info("suite_started", "suite", name)
}

// LogSuiteCompleted logs a suite result.
func (l *Logger) LogSuiteCompleted(name, status string, durationMs int64, cases int) {
	l.logger.Info("suite_completed",
		"suite", name,
		"status", status,
		"duration_ms", durationMs,
		"cases", cases,
	)
}

// LogRunCompleted logs the aggregate outcome.
func (l *Logger) LogRunCompleted(total, passed, failed, skipped, warnings int, durationMs int64) {
	l.logger.Info("run_completed",
		"total", total,
		"passed", passed,
		"failed", failed,
		"skipped", skipped,
		"warnings", warnings,
		"duration_ms", durationMs,
	)
}

// LogChaosEnabled logs the chaos gate opening with its seed, the key to
// replaying the run.
func (l *Logger) LogChaosEnabled(seed int64, intensity float64) {
	l.logger.Info("chaos_enabled", "seed", seed, "intensity", intensity)
}

// LogTransportError logs a transport error observed mid-run, together with
// whether it was fatal.
func (l *Logger) LogTransportError(err error, fatal bool) {
	l.logger.Warn("transport_error", "error", err.Error(), "fatal", fatal)
}

// Noop returns a logger that discards all events.
func Noop() *Logger {
	return NewLoggerWithWriter("", io.Discard, slog.LevelInfo)
}

// Package logger is the structured logging facade shared by engines, workers
// and the CLI. Messages take alternating key/value pairs.
package logger

import "context"

// Logger is implemented by ZapLogger, AsyncLogger and test fakes.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	// With returns a child logger that adds args to every entry.
	With(args ...any) Logger
	// WithContext returns a child logger carrying the trace and span ids of
	// the span active in ctx, if any.
	WithContext(ctx context.Context) Logger
}

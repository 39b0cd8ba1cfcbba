package jobs

import (
	"context"
	"strings"
	"time"
)

// Job is an application workload that can be dispatched and later executed
// by a worker. Name identifies the handler across processes and is what
// engines persist.
type Job interface {
	Name() string
	Handle(ctx context.Context, payload Payload) error
}

// QueueNamer lets a job pick its default queue.
type QueueNamer interface {
	Queue() string
}

// Delayer lets a job declare a default dispatch delay.
type Delayer interface {
	Delay() time.Duration
}

// AttemptLimiter overrides the worker's default maximum attempts.
type AttemptLimiter interface {
	MaxAttempts() int
}

// RetryDelayer overrides the retry delay. attempt is the number of executions
// already done, starting at 1.
type RetryDelayer interface {
	RetryAfter(attempt int) time.Duration
}

// Throttled jobs are rate limited before execution. A nil limit disables it.
type Throttled interface {
	RateLimit() *RateLimit
}

// SuccessCallback runs after a successful execution.
type SuccessCallback interface {
	OnSuccess(ctx context.Context)
}

// FailureCallback runs once a job reaches the failed state.
type FailureCallback interface {
	OnFailure(ctx context.Context, err error)
}

// ErrorCarrier receives the error of the last execution.
type ErrorCarrier interface {
	SetError(err error)
}

// RecordAware receives the claimed record before execution.
type RecordAware interface {
	SetRecord(rec *Record)
}

// Base can be embedded in job types to keep the claimed record and the last
// execution error around.
type Base struct {
	record  *Record
	lastErr error
}

// SetRecord implements RecordAware.
func (b *Base) SetRecord(rec *Record) { b.record = rec }

// SetError implements ErrorCarrier.
func (b *Base) SetError(err error) { b.lastErr = err }

// Record returns the claimed record, nil for synchronous dispatch.
func (b *Base) Record() *Record { return b.record }

// LastError returns the error of the last execution.
func (b *Base) LastError() error { return b.lastErr }

// Attempts returns the number of executions including the current one.
func (b *Base) Attempts() int {
	if b.record == nil {
		return 1
	}
	return b.record.Attempts
}

// HandlerFunc is the function form of Job.Handle.
type HandlerFunc func(ctx context.Context, payload Payload) error

// JobFunc adapts a function to the Job interface.
type JobFunc struct {
	name    string
	handler HandlerFunc
}

// NewJobFunc builds a named job from a function.
func NewJobFunc(name string, handler HandlerFunc) *JobFunc {
	return &JobFunc{name: strings.TrimSpace(name), handler: handler}
}

// Name implements Job.
func (j *JobFunc) Name() string { return j.name }

// Handle implements Job.
func (j *JobFunc) Handle(ctx context.Context, payload Payload) error {
	if j.handler == nil {
		return jobsError(ErrNotInitialized, "job function is nil")
	}
	return j.handler(ctx, payload)
}

func jobMaxAttempts(job Job, fallback int) int {
	if limiter, ok := job.(AttemptLimiter); ok && limiter.MaxAttempts() > 0 {
		return limiter.MaxAttempts()
	}
	if fallback <= 0 {
		return 1
	}
	return fallback
}

func jobRetryAfter(job Job, attempt int, fallback time.Duration) time.Duration {
	if delayer, ok := job.(RetryDelayer); ok {
		if delay := delayer.RetryAfter(attempt); delay >= 0 {
			return delay
		}
	}
	if fallback < 0 {
		return 0
	}
	return fallback
}

func jobRateLimit(job Job) *RateLimit {
	throttled, ok := job.(Throttled)
	if !ok {
		return nil
	}
	return throttled.RateLimit()
}

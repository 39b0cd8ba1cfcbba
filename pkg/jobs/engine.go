package jobs

import (
	"context"
	"time"
)

// Backend names understood by the factory.
const (
	BackendSync     = "sync"
	BackendNull     = "null"
	BackendMemory   = "memory"
	BackendDatabase = "database"
	BackendRedis    = "redis"
	BackendMongoDB  = "mongodb"
	BackendSQS      = "sqs"
	BackendRabbitMQ = "rabbitmq"
)

// Engine stores job records and hands them out to workers.
//
// FetchNextJob must claim atomically: two concurrent callers never receive the
// same record. It returns (nil, nil) when nothing is due. An empty queue name
// means any queue.
type Engine interface {
	AddJob(ctx context.Context, handler string, payload []byte, delay time.Duration, queue string) error
	FetchNextJob(ctx context.Context, queue string) (*Record, error)
	DeleteJob(ctx context.Context, rec *Record) error
	MarkFailedJob(ctx context.Context, rec *Record, cause error) error
	// Release puts a claimed record back to new after a failed execution.
	Release(ctx context.Context, rec *Record, delay time.Duration) error
	// ReleaseWithoutIncrement puts a claimed record back without counting the
	// claim as an attempt. Used when the job was never executed.
	ReleaseWithoutIncrement(ctx context.Context, rec *Record, delay time.Duration) error
	Name() string
	HealthCheck(ctx context.Context) error
	Close() error
}

// FailedJobStore is implemented by engines that keep failed records around
// for inspection.
type FailedJobStore interface {
	ListFailed(ctx context.Context, limit int) ([]*Record, error)
	// RetryFailed moves a failed record back to new with a fresh attempt count.
	RetryFailed(ctx context.Context, id string) error
	ForgetFailed(ctx context.Context, id string) error
}

// AsFailedJobStore finds the failed-job store behind engine, looking through
// wrappers that expose Unwrap() Engine.
func AsFailedJobStore(engine Engine) (FailedJobStore, bool) {
	for engine != nil {
		if store, ok := engine.(FailedJobStore); ok {
			return store, true
		}
		wrapper, ok := engine.(interface{ Unwrap() Engine })
		if !ok {
			return nil, false
		}
		engine = wrapper.Unwrap()
	}
	return nil, false
}

// Clock returns the current time. Engines accept one so tests can simulate time.
type Clock func() time.Time

func (c Clock) now() time.Time {
	if c == nil {
		return time.Now().UTC()
	}
	return c().UTC()
}

func normalizeDelay(delay time.Duration) time.Duration {
	if delay < 0 {
		return 0
	}
	return delay
}

func operationContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

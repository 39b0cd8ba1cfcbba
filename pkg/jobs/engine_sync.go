package jobs

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/nimburion/jobqueue/pkg/observability/logger"
)

// SyncEngine executes jobs inline when they are added. Nothing is stored,
// so delays and queues are ignored and there is never anything to fetch.
type SyncEngine struct {
	resolver Resolver
	log      logger.Logger
}

// NewSyncEngine creates an engine that runs handlers in the caller goroutine.
func NewSyncEngine(resolver Resolver, log logger.Logger) (*SyncEngine, error) {
	if resolver == nil {
		return nil, errors.New("resolver is required")
	}
	if log == nil {
		return nil, errors.New("logger is required")
	}
	return &SyncEngine{resolver: resolver, log: log}, nil
}

// AddJob resolves the handler and runs it, returning the handler error.
func (e *SyncEngine) AddJob(ctx context.Context, handler string, payload []byte, _ time.Duration, queue string) error {
	if err := validateNewRecord(handler, payload); err != nil {
		return err
	}
	job, err := e.resolver.Resolve(handler)
	if err != nil {
		return err
	}
	decoded, err := NewPayload(payload)
	if err != nil {
		return err
	}

	e.log.Debug("jobs sync execution", "handler", handler, "queue", normalizeQueue(queue))
	return executeInline(ctx, job, decoded)
}

// executeInline runs a job in the caller goroutine and fires its callbacks.
func executeInline(ctx context.Context, job Job, payload Payload) error {
	err := runSync(ctx, job, payload)
	if err != nil {
		if carrier, ok := job.(ErrorCarrier); ok {
			carrier.SetError(err)
		}
		if callback, ok := job.(FailureCallback); ok {
			callback.OnFailure(ctx, err)
		}
		return err
	}
	if callback, ok := job.(SuccessCallback); ok {
		callback.OnSuccess(ctx)
	}
	return nil
}

func runSync(ctx context.Context, job Job, payload Payload) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic while handling job: %v; stack=%s", rec, string(debug.Stack()))
		}
	}()
	return job.Handle(ctx, payload)
}

func (e *SyncEngine) FetchNextJob(context.Context, string) (*Record, error) { return nil, nil }

func (e *SyncEngine) DeleteJob(context.Context, *Record) error { return nil }

func (e *SyncEngine) MarkFailedJob(context.Context, *Record, error) error { return nil }

func (e *SyncEngine) Release(context.Context, *Record, time.Duration) error { return nil }

func (e *SyncEngine) ReleaseWithoutIncrement(context.Context, *Record, time.Duration) error {
	return nil
}

func (e *SyncEngine) Name() string { return BackendSync }

func (e *SyncEngine) HealthCheck(context.Context) error { return nil }

func (e *SyncEngine) Close() error { return nil }

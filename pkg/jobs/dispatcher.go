package jobs

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/nimburion/jobqueue/pkg/observability/logger"
	"github.com/nimburion/jobqueue/pkg/observability/tracing"
)

// DispatchOption overrides per-dispatch settings.
type DispatchOption func(*dispatchOptions)

type dispatchOptions struct {
	queue    string
	delay    time.Duration
	delaySet bool
	at       time.Time
}

// OnQueue sends the job to the named queue.
func OnQueue(name string) DispatchOption {
	return func(o *dispatchOptions) {
		o.queue = strings.TrimSpace(name)
	}
}

// WithDelay postpones execution by d.
func WithDelay(d time.Duration) DispatchOption {
	return func(o *dispatchOptions) {
		o.delay = normalizeDelay(d)
		o.delaySet = true
		o.at = time.Time{}
	}
}

// At postpones execution until t. Past instants run as soon as possible.
func At(t time.Time) DispatchOption {
	return func(o *dispatchOptions) {
		o.at = t
		o.delaySet = false
	}
}

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	// DefaultQueue is used when neither the option nor the job names a queue.
	DefaultQueue string
	Clock        Clock
}

// Dispatcher turns jobs into persisted records.
type Dispatcher struct {
	engine Engine
	log    logger.Logger
	config DispatcherConfig
}

// NewDispatcher creates a dispatcher writing to engine.
func NewDispatcher(engine Engine, cfg DispatcherConfig, log logger.Logger) (*Dispatcher, error) {
	if engine == nil {
		return nil, errors.New("engine is required")
	}
	if log == nil {
		return nil, errors.New("logger is required")
	}
	cfg.DefaultQueue = normalizeQueue(cfg.DefaultQueue)
	return &Dispatcher{engine: engine, log: log, config: cfg}, nil
}

// Dispatch encodes payload and stores it for job. It returns once the engine
// has persisted the record; on the sync engine it returns the handler result.
func (d *Dispatcher) Dispatch(ctx context.Context, job Job, payload any, opts ...DispatchOption) error {
	if job == nil {
		return jobsError(ErrInvalidArgument, "job is required")
	}
	name := strings.TrimSpace(job.Name())
	if name == "" {
		return jobsError(ErrValidation, "job name is required")
	}
	encoded, err := EncodePayload(payload)
	if err != nil {
		return err
	}

	options := dispatchOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	queue := d.resolveQueue(job, options.queue)
	delay := d.resolveDelay(job, options)

	ctx, span := tracing.Start(ctx, tracing.OperationDispatch,
		tracing.WithBackend(d.engine.Name()),
		tracing.WithQueue(queue),
		tracing.WithHandler(name),
		tracing.WithPayloadSize(len(encoded)),
	)
	err = d.engine.AddJob(ctx, name, encoded, delay, queue)
	tracing.Finish(span, err)
	if err != nil {
		return err
	}
	recordJobEnqueued(d.engine.Name(), queue, name)
	d.log.Debug("job dispatched", "handler", name, "queue", queue, "delay", delay)
	return nil
}

// DispatchSync runs job in the calling goroutine without touching the
// engine. The payload still goes through its persisted form.
func (d *Dispatcher) DispatchSync(ctx context.Context, job Job, payload any) error {
	return DispatchSync(ctx, job, payload)
}

// DispatchSync runs job inline and returns the handler result.
func DispatchSync(ctx context.Context, job Job, payload any) error {
	if job == nil {
		return jobsError(ErrInvalidArgument, "job is required")
	}
	encoded, err := EncodePayload(payload)
	if err != nil {
		return err
	}
	decoded, err := NewPayload(encoded)
	if err != nil {
		return err
	}
	return executeInline(ctx, job, decoded)
}

func (d *Dispatcher) resolveQueue(job Job, override string) string {
	if override != "" {
		return override
	}
	if namer, ok := job.(QueueNamer); ok && strings.TrimSpace(namer.Queue()) != "" {
		return strings.TrimSpace(namer.Queue())
	}
	return d.config.DefaultQueue
}

func (d *Dispatcher) resolveDelay(job Job, options dispatchOptions) time.Duration {
	switch {
	case options.delaySet:
		return options.delay
	case !options.at.IsZero():
		return normalizeDelay(options.at.Sub(d.config.Clock.now()))
	}
	if delayer, ok := job.(Delayer); ok {
		return normalizeDelay(delayer.Delay())
	}
	return 0
}

package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nimburion/jobqueue/pkg/observability/logger"
	"github.com/nimburion/jobqueue/pkg/observability/tracing"
	"golang.org/x/time/rate"
)

const (
	DefaultWorkerSleep       = 3 * time.Second
	DefaultWorkerMaxAttempts = 3
	DefaultWorkerRetryAfter  = 10 * time.Second

	idleLogInterval = time.Minute
)

// WorkerConfig configures the polling loop and the default retry policy.
type WorkerConfig struct {
	Queues []string
	// Sleep is the pause after a pass found every queue empty.
	Sleep time.Duration
	// Cooldown stops the worker once it has been running this long. Zero
	// means no limit.
	Cooldown    time.Duration
	MaxAttempts int
	RetryAfter  time.Duration
	Clock       Clock
}

func (c *WorkerConfig) normalize() {
	queues := make([]string, 0, len(c.Queues))
	for _, queue := range c.Queues {
		if trimmed := strings.TrimSpace(queue); trimmed != "" {
			queues = append(queues, trimmed)
		}
	}
	if len(queues) == 0 {
		queues = []string{DefaultQueue}
	}
	c.Queues = queues
	if c.Sleep <= 0 {
		c.Sleep = DefaultWorkerSleep
	}
	if c.Cooldown < 0 {
		c.Cooldown = 0
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultWorkerMaxAttempts
	}
	if c.RetryAfter < 0 {
		c.RetryAfter = DefaultWorkerRetryAfter
	}
}

// Worker polls an engine and runs the claimed jobs one at a time.
type Worker struct {
	id       string
	engine   Engine
	resolver Resolver
	limiter  Limiter
	log      logger.Logger
	config   WorkerConfig
	idleLog  rate.Sometimes

	mu        sync.Mutex
	running   bool
	stopped   chan struct{}
	startedAt time.Time
}

// NewWorker creates a worker. A nil limiter falls back to an in-process one,
// which only throttles within this worker.
func NewWorker(engine Engine, resolver Resolver, limiter Limiter, cfg WorkerConfig, log logger.Logger) (*Worker, error) {
	if engine == nil {
		return nil, errors.New("engine is required")
	}
	if resolver == nil {
		return nil, errors.New("resolver is required")
	}
	if log == nil {
		return nil, errors.New("logger is required")
	}
	cfg.normalize()
	if limiter == nil {
		limiter = NewMemoryLimiter(cfg.Clock)
	}
	id := uuid.NewString()
	return &Worker{
		id:       id,
		engine:   engine,
		resolver: resolver,
		limiter:  limiter,
		log:      log.With("worker_id", id, "backend", engine.Name()),
		config:   cfg,
		idleLog:  rate.Sometimes{First: 1, Interval: idleLogInterval},
	}, nil
}

// ID returns the identifier used in the worker's log lines.
func (w *Worker) ID() string { return w.id }

// Run polls the configured queues until Stop is called, ctx is cancelled or
// the cooldown elapses. Cancellation lets the in-flight job finish. Engine
// errors end the loop and are returned.
func (w *Worker) Run(ctx context.Context) error {
	if ctx == nil {
		return errors.New("context is required")
	}
	stopped, err := w.start()
	if err != nil {
		return err
	}
	defer w.Stop()
	unwatch := context.AfterFunc(ctx, w.Stop)
	defer unwatch()

	// engine calls and handlers outlive shutdown cancellation
	workCtx := context.WithoutCancel(ctx)

	w.log.Info("jobs worker started",
		"queues", w.config.Queues,
		"sleep", w.config.Sleep,
		"cooldown", w.config.Cooldown,
	)
	for w.Running() {
		processed, err := w.drain(workCtx, w.Running)
		if err != nil {
			w.log.Error("jobs worker stopped on engine error", "error", err)
			return err
		}
		if !w.Running() {
			break
		}
		if processed == 0 {
			w.idleLog.Do(func() {
				w.log.Debug("jobs worker idle", "queues", w.config.Queues)
			})
		}
		w.sleep(stopped)
	}
	w.log.Info("jobs worker stopped")
	return nil
}

// RunOnce makes a single pass over the configured queues, processing every
// due job, and returns how many were handled. Cancelling ctx ends the pass
// after the job in flight.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	if ctx == nil {
		return 0, errors.New("context is required")
	}
	return w.drain(context.WithoutCancel(ctx), func() bool { return ctx.Err() == nil })
}

// Stop asks a running worker to exit after the job it is processing.
func (w *Worker) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return
	}
	w.running = false
	close(w.stopped)
}

// Running reports whether Run is looping.
func (w *Worker) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *Worker) start() (<-chan struct{}, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil, errors.New("worker already running")
	}
	w.running = true
	w.stopped = make(chan struct{})
	w.startedAt = w.config.Clock.now()
	return w.stopped, nil
}

func (w *Worker) drain(ctx context.Context, keepGoing func() bool) (int, error) {
	processed := 0
	for _, queue := range w.config.Queues {
		for keepGoing() {
			rec, err := w.engine.FetchNextJob(ctx, queue)
			if err != nil {
				return processed, fmt.Errorf("fetch next job from %q: %w", queue, err)
			}
			if rec == nil {
				break
			}
			if err := w.Process(ctx, rec); err != nil {
				return processed, err
			}
			processed++
			if w.cooledDown() {
				w.log.Info("jobs worker cooldown reached", "cooldown", w.config.Cooldown)
				w.Stop()
			}
		}
	}
	return processed, nil
}

func (w *Worker) cooledDown() bool {
	if w.config.Cooldown <= 0 {
		return false
	}
	w.mu.Lock()
	startedAt := w.startedAt
	w.mu.Unlock()
	if startedAt.IsZero() {
		return false
	}
	return w.config.Clock.now().Sub(startedAt) >= w.config.Cooldown
}

func (w *Worker) sleep(stopped <-chan struct{}) {
	timer := time.NewTimer(w.config.Sleep)
	defer timer.Stop()
	select {
	case <-stopped:
	case <-timer.C:
	}
}

// Process runs one claimed record to completion: deleted on success, released
// for a retry, postponed by a rate limit or marked failed. Only engine and
// limiter errors are returned; handler errors are recorded on the job.
func (w *Worker) Process(ctx context.Context, rec *Record) error {
	if err := requireClaimed(rec); err != nil {
		return err
	}
	ctx, span := tracing.Start(ctx, tracing.OperationProcess,
		tracing.WithBackend(w.engine.Name()),
		tracing.WithQueue(rec.Queue),
		tracing.WithHandler(rec.Handler),
		tracing.WithJobID(rec.ID),
		tracing.WithAttempts(rec.Attempts),
		tracing.WithPayloadSize(len(rec.Payload)),
	)
	defer span.End()

	incrementJobInFlight(rec.Queue)
	defer decrementJobInFlight(rec.Queue)

	log := w.log.WithContext(ctx).With("handler", rec.Handler, "job_id", rec.ID, "queue", rec.Queue, "attempts", rec.Attempts)

	job, err := w.resolver.Resolve(rec.Handler)
	if err != nil {
		tracing.RecordError(span, err)
		return w.fail(ctx, log, rec, nil, fmt.Errorf("resolve handler: %w", err))
	}
	payload, err := NewPayload(rec.Payload)
	if err != nil {
		tracing.RecordError(span, err)
		return w.fail(ctx, log, rec, job, err)
	}
	if aware, ok := job.(RecordAware); ok {
		aware.SetRecord(rec.Clone())
	}

	if limit := jobRateLimit(job); limit != nil {
		wait, allowed, err := w.throttle(ctx, job, limit)
		if errors.Is(err, ErrValidation) {
			tracing.RecordError(span, err)
			return w.fail(ctx, log, rec, job, err)
		}
		if err != nil {
			return err
		}
		if !allowed {
			if err := w.engine.ReleaseWithoutIncrement(ctx, rec, wait); err != nil {
				return fmt.Errorf("release rate limited job %s: %w", rec.ID, err)
			}
			recordJobOutcome(rec, outcomeRateLimited)
			log.Info("job rate limited", "available_in", wait)
			return nil
		}
	}

	log.Info("job processing")
	execErr := runSync(ctx, job, payload)
	if execErr == nil {
		if err := w.engine.DeleteJob(ctx, rec); err != nil {
			return fmt.Errorf("delete job %s: %w", rec.ID, err)
		}
		if callback, ok := job.(SuccessCallback); ok {
			w.callback(log, "on_success", func() { callback.OnSuccess(ctx) })
		}
		recordJobOutcome(rec, outcomeProcessed)
		tracing.RecordSuccess(span)
		log.Info("job processed")
		return nil
	}

	tracing.RecordError(span, execErr)
	if carrier, ok := job.(ErrorCarrier); ok {
		carrier.SetError(execErr)
	}
	if !IsPermanent(execErr) && rec.Attempts < jobMaxAttempts(job, w.config.MaxAttempts) {
		delay := jobRetryAfter(job, rec.Attempts, w.config.RetryAfter)
		if err := w.engine.Release(ctx, rec, delay); err != nil {
			return fmt.Errorf("release job %s: %w", rec.ID, err)
		}
		recordJobOutcome(rec, outcomeReleased)
		log.Warn("job released", "delay", delay, "error", execErr)
		return nil
	}
	return w.fail(ctx, log, rec, job, execErr)
}

func (w *Worker) throttle(ctx context.Context, job Job, limit *RateLimit) (time.Duration, bool, error) {
	window, err := limit.Window()
	if err != nil {
		return 0, false, err
	}
	key := limit.ResolveKey(job.Name())
	allowed, err := w.limiter.Attempt(ctx, key, limit.Limit, window)
	if err != nil {
		return 0, false, fmt.Errorf("rate limit %q: %w", key, err)
	}
	if allowed {
		return 0, true, nil
	}
	wait, err := w.limiter.AvailableIn(ctx, key)
	if err != nil {
		return 0, false, fmt.Errorf("rate limit %q: %w", key, err)
	}
	return wait, false, nil
}

// fail is terminal. job is nil when the handler could not be resolved.
func (w *Worker) fail(ctx context.Context, log logger.Logger, rec *Record, job Job, cause error) error {
	if err := w.engine.MarkFailedJob(ctx, rec, cause); err != nil {
		return fmt.Errorf("mark job %s failed: %w", rec.ID, err)
	}
	if callback, ok := job.(FailureCallback); ok {
		w.callback(log, "on_failure", func() { callback.OnFailure(ctx, cause) })
	}
	recordJobOutcome(rec, outcomeFailed)
	log.Error("job failed", "error", cause, "permanent", IsPermanent(cause))
	return nil
}

func (w *Worker) callback(log logger.Logger, name string, fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error("job callback panicked", "callback", name, "panic", fmt.Sprint(rec))
		}
	}()
	fn()
}

package jobs

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nimburion/jobqueue/pkg/observability/logger"
)

type testLogger struct{}

func (l *testLogger) Debug(msg string, args ...any) {}
func (l *testLogger) Info(msg string, args ...any)  {}
func (l *testLogger) Warn(msg string, args ...any)  {}
func (l *testLogger) Error(msg string, args ...any) {}
func (l *testLogger) With(args ...any) logger.Logger {
	return l
}
func (l *testLogger) WithContext(ctx context.Context) logger.Logger {
	return l
}

// fakeClock is a settable clock shared by engines, limiters and workers.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, time.March, 14, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// callLog collects what every instance of a recordingJob observed. The registry
// builds a fresh job per execution, so state lives here.
type callLog struct {
	mu        sync.Mutex
	calls     int
	payloads  []string
	attempts  []int
	errs      []error
	successes int
	failures  []error
}

func (p *callLog) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *callLog) Successes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.successes
}

func (p *callLog) Failures() []error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]error(nil), p.failures...)
}

func (p *callLog) Attempts() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int(nil), p.attempts...)
}

func (p *callLog) Payloads() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.payloads...)
}

type recordingJob struct {
	Base
	name        string
	callLog     *callLog
	handle      func(call int, payload Payload) error
	queue       string
	delay       time.Duration
	maxAttempts int
	retryAfter  time.Duration
	rateLimit   *RateLimit
}

func (j *recordingJob) Name() string { return j.name }

func (j *recordingJob) Handle(_ context.Context, payload Payload) error {
	j.callLog.mu.Lock()
	j.callLog.calls++
	call := j.callLog.calls
	j.callLog.payloads = append(j.callLog.payloads, payload.String())
	j.callLog.attempts = append(j.callLog.attempts, j.Attempts())
	j.callLog.mu.Unlock()
	if j.handle == nil {
		return nil
	}
	return j.handle(call, payload)
}

func (j *recordingJob) Queue() string { return j.queue }

func (j *recordingJob) Delay() time.Duration { return j.delay }

func (j *recordingJob) MaxAttempts() int { return j.maxAttempts }

func (j *recordingJob) RetryAfter(int) time.Duration { return j.retryAfter }

func (j *recordingJob) RateLimit() *RateLimit { return j.rateLimit }

func (j *recordingJob) SetError(err error) {
	j.Base.SetError(err)
	j.callLog.mu.Lock()
	j.callLog.errs = append(j.callLog.errs, err)
	j.callLog.mu.Unlock()
}

func (j *recordingJob) OnSuccess(context.Context) {
	j.callLog.mu.Lock()
	j.callLog.successes++
	j.callLog.mu.Unlock()
}

func (j *recordingJob) OnFailure(_ context.Context, err error) {
	j.callLog.mu.Lock()
	j.callLog.failures = append(j.callLog.failures, err)
	j.callLog.mu.Unlock()
}

// register adds template to a registry; each resolve copies the template.
func register(t *testing.T, registry *Registry, template recordingJob) *recordingJob {
	t.Helper()
	if template.callLog == nil {
		template.callLog = &callLog{}
	}
	err := registry.Register(func() Job {
		job := template
		return &job
	})
	if err != nil {
		t.Fatalf("register %s: %v", template.name, err)
	}
	return &template
}

// harness wires a memory engine, dispatcher, limiter and worker on one clock.
type harness struct {
	clock      *fakeClock
	engine     *MemoryEngine
	registry   *Registry
	dispatcher *Dispatcher
	worker     *Worker
}

func newHarness(t *testing.T, cfg WorkerConfig) *harness {
	t.Helper()
	clock := newFakeClock()
	engine := NewMemoryEngine(clock.Now)
	registry := NewRegistry()
	dispatcher, err := NewDispatcher(engine, DispatcherConfig{Clock: clock.Now}, &testLogger{})
	if err != nil {
		t.Fatalf("NewDispatcher() error = %v", err)
	}
	cfg.Clock = clock.Now
	worker, err := NewWorker(engine, registry, NewMemoryLimiter(clock.Now), cfg, &testLogger{})
	if err != nil {
		t.Fatalf("NewWorker() error = %v", err)
	}
	return &harness{clock: clock, engine: engine, registry: registry, dispatcher: dispatcher, worker: worker}
}

func (h *harness) dispatch(t *testing.T, job Job, payload any, opts ...DispatchOption) {
	t.Helper()
	if err := h.dispatcher.Dispatch(context.Background(), job, payload, opts...); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
}

func (h *harness) runOnce(t *testing.T) int {
	t.Helper()
	processed, err := h.worker.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	return processed
}

func waitFor(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

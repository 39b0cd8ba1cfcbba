package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestNewWorker_Validation(t *testing.T) {
	engine := NewMemoryEngine(nil)
	registry := NewRegistry()
	if _, err := NewWorker(nil, registry, nil, WorkerConfig{}, &testLogger{}); err == nil {
		t.Fatal("expected engine error")
	}
	if _, err := NewWorker(engine, nil, nil, WorkerConfig{}, &testLogger{}); err == nil {
		t.Fatal("expected resolver error")
	}
	if _, err := NewWorker(engine, registry, nil, WorkerConfig{}, nil); err == nil {
		t.Fatal("expected logger error")
	}
}

func TestWorkerConfig_Defaults(t *testing.T) {
	cfg := WorkerConfig{Queues: []string{" ", ""}, Cooldown: -time.Second, RetryAfter: -time.Second}
	cfg.normalize()
	if len(cfg.Queues) != 1 || cfg.Queues[0] != DefaultQueue {
		t.Errorf("expected default queue, got %v", cfg.Queues)
	}
	if cfg.Sleep != DefaultWorkerSleep {
		t.Errorf("expected sleep %v, got %v", DefaultWorkerSleep, cfg.Sleep)
	}
	if cfg.MaxAttempts != DefaultWorkerMaxAttempts {
		t.Errorf("expected %d attempts, got %d", DefaultWorkerMaxAttempts, cfg.MaxAttempts)
	}
	if cfg.RetryAfter != DefaultWorkerRetryAfter {
		t.Errorf("expected retry after %v, got %v", DefaultWorkerRetryAfter, cfg.RetryAfter)
	}
	if cfg.Cooldown != 0 {
		t.Errorf("expected cooldown disabled, got %v", cfg.Cooldown)
	}
}

func TestWorker_ProcessesAndDeletesJob(t *testing.T) {
	h := newHarness(t, WorkerConfig{})
	job := register(t, h.registry, recordingJob{name: "reports.build"})

	h.dispatch(t, job, map[string]any{"a": 1, "b": "x"})
	if h.engine.Len() != 1 {
		t.Fatalf("expected one stored record, got %d", h.engine.Len())
	}

	if processed := h.runOnce(t); processed != 1 {
		t.Fatalf("expected 1 processed job, got %d", processed)
	}
	if h.engine.Len() != 0 {
		t.Fatalf("expected record deleted after success, %d left", h.engine.Len())
	}
	if job.callLog.Successes() != 1 {
		t.Fatalf("expected one success callback, got %d", job.callLog.Successes())
	}

	var decoded struct {
		A int    `json:"a"`
		B string `json:"b"`
	}
	payloads := job.callLog.Payloads()
	if len(payloads) != 1 {
		t.Fatalf("expected one execution, got %d", len(payloads))
	}
	if err := json.Unmarshal([]byte(payloads[0]), &decoded); err != nil {
		t.Fatalf("payload is not json: %v", err)
	}
	if decoded.A != 1 || decoded.B != "x" {
		t.Fatalf("payload did not round trip: %+v", decoded)
	}
}

func TestWorker_RetriesUntilMaxAttempts(t *testing.T) {
	h := newHarness(t, WorkerConfig{MaxAttempts: 3})
	boom := errors.New("smtp unavailable")
	job := register(t, h.registry, recordingJob{
		name:   "mail.send",
		handle: func(int, Payload) error { return boom },
	})
	h.dispatch(t, job, nil)

	h.runOnce(t)

	if calls := job.callLog.Calls(); calls != 3 {
		t.Fatalf("expected 3 executions, got %d", calls)
	}
	if attempts := job.callLog.Attempts(); len(attempts) != 3 || attempts[0] != 1 || attempts[2] != 3 {
		t.Fatalf("expected attempts 1..3 seen by the handler, got %v", attempts)
	}
	rec, ok := h.engine.Find("1")
	if !ok {
		t.Fatal("expected failed record to be kept")
	}
	if rec.Status != StatusFailed {
		t.Fatalf("expected failed status, got %s", rec.Status)
	}
	if rec.Attempts != 3 {
		t.Fatalf("expected 3 recorded attempts, got %d", rec.Attempts)
	}
	if !strings.Contains(rec.Exception, "smtp unavailable") {
		t.Fatalf("expected exception text, got %q", rec.Exception)
	}
	if failures := job.callLog.Failures(); len(failures) != 1 || !errors.Is(failures[0], boom) {
		t.Fatalf("expected a single failure callback with the handler error, got %v", failures)
	}
	if job.callLog.Successes() != 0 {
		t.Fatal("success callback must not run")
	}
}

func TestWorker_JobMaxAttemptsOverridesDefault(t *testing.T) {
	h := newHarness(t, WorkerConfig{MaxAttempts: 5})
	job := register(t, h.registry, recordingJob{
		name:        "mail.send",
		maxAttempts: 2,
		handle:      func(int, Payload) error { return errors.New("nope") },
	})
	h.dispatch(t, job, nil)

	h.runOnce(t)

	if calls := job.callLog.Calls(); calls != 2 {
		t.Fatalf("expected 2 executions, got %d", calls)
	}
}

func TestWorker_SucceedsAfterTransientFailure(t *testing.T) {
	h := newHarness(t, WorkerConfig{MaxAttempts: 3})
	job := register(t, h.registry, recordingJob{
		name: "mail.send",
		handle: func(call int, _ Payload) error {
			if call == 1 {
				return errors.New("timeout")
			}
			return nil
		},
	})
	h.dispatch(t, job, nil)

	h.runOnce(t)

	if calls := job.callLog.Calls(); calls != 2 {
		t.Fatalf("expected 2 executions, got %d", calls)
	}
	if h.engine.Len() != 0 {
		t.Fatal("expected record deleted after eventual success")
	}
	if len(job.callLog.Failures()) != 0 {
		t.Fatal("failure callback must not run for a retried job")
	}
}

func TestWorker_PermanentFailureSkipsRetries(t *testing.T) {
	h := newHarness(t, WorkerConfig{MaxAttempts: 5})
	job := register(t, h.registry, recordingJob{
		name:   "invoice.charge",
		handle: func(int, Payload) error { return FailPermanently("card declined") },
	})
	h.dispatch(t, job, nil)

	h.runOnce(t)

	if calls := job.callLog.Calls(); calls != 1 {
		t.Fatalf("expected a single execution, got %d", calls)
	}
	rec, _ := h.engine.Find("1")
	if rec.Status != StatusFailed || rec.Attempts != 1 {
		t.Fatalf("expected failed after 1 attempt, got %s/%d", rec.Status, rec.Attempts)
	}
	if rec.Exception != "card declined" {
		t.Fatalf("expected permanent reason as exception, got %q", rec.Exception)
	}
}

func TestWorker_RetryDelayFollowsClock(t *testing.T) {
	h := newHarness(t, WorkerConfig{MaxAttempts: 3})
	job := register(t, h.registry, recordingJob{
		name:       "mail.send",
		retryAfter: time.Minute,
		handle:     func(int, Payload) error { return errors.New("try later") },
	})
	h.dispatch(t, job, nil)

	h.runOnce(t)
	if calls := job.callLog.Calls(); calls != 1 {
		t.Fatalf("expected 1 execution before the retry delay, got %d", calls)
	}
	rec, _ := h.engine.Find("1")
	if rec.Status != StatusNew || rec.Attempts != 1 {
		t.Fatalf("expected released record with 1 attempt, got %s/%d", rec.Status, rec.Attempts)
	}

	h.clock.Advance(59 * time.Second)
	if processed := h.runOnce(t); processed != 0 {
		t.Fatalf("expected nothing due after 59s, processed %d", processed)
	}

	h.clock.Advance(time.Second)
	if processed := h.runOnce(t); processed != 1 {
		t.Fatalf("expected the retry to be due after 60s, processed %d", processed)
	}
	if calls := job.callLog.Calls(); calls != 2 {
		t.Fatalf("expected 2 executions, got %d", calls)
	}
}

func TestWorker_DelayedDispatch(t *testing.T) {
	h := newHarness(t, WorkerConfig{})
	job := register(t, h.registry, recordingJob{name: "reminder.send"})
	h.dispatch(t, job, nil, WithDelay(60*time.Second))

	if processed := h.runOnce(t); processed != 0 {
		t.Fatalf("expected delayed job to wait, processed %d", processed)
	}
	h.clock.Advance(60 * time.Second)
	if processed := h.runOnce(t); processed != 1 {
		t.Fatalf("expected delayed job to run after 60s, processed %d", processed)
	}
}

func TestWorker_RateLimitPostponesWithoutSpendingAttempts(t *testing.T) {
	h := newHarness(t, WorkerConfig{MaxAttempts: 1})
	job := register(t, h.registry, recordingJob{
		name:      "api.sync",
		rateLimit: &RateLimit{Limit: 1, Seconds: 10},
	})
	h.dispatch(t, job, map[string]any{"n": 1})
	h.dispatch(t, job, map[string]any{"n": 2})

	h.runOnce(t)

	if calls := job.callLog.Calls(); calls != 1 {
		t.Fatalf("expected only one execution inside the window, got %d", calls)
	}
	rec, ok := h.engine.Find("2")
	if !ok {
		t.Fatal("expected throttled record to be kept")
	}
	if rec.Status != StatusNew || rec.Attempts != 0 {
		t.Fatalf("expected throttled record back to new with 0 attempts, got %s/%d", rec.Status, rec.Attempts)
	}
	if want := h.clock.Now().Add(10 * time.Second); !rec.ScheduledAt.Equal(want) {
		t.Fatalf("expected throttled record scheduled at %v, got %v", want, rec.ScheduledAt)
	}

	h.clock.Advance(10 * time.Second)
	h.runOnce(t)
	if calls := job.callLog.Calls(); calls != 2 {
		t.Fatalf("expected the throttled job to run in the next window, got %d calls", calls)
	}
	if h.engine.Len() != 0 {
		t.Fatalf("expected both records deleted, %d left", h.engine.Len())
	}
}

func TestWorker_InvalidRateLimitFailsJob(t *testing.T) {
	h := newHarness(t, WorkerConfig{})
	limit := &RateLimit{Limit: 1}
	job := &recordingJob{name: "api.sync", callLog: &callLog{}}
	// registered through a factory whose first instance has no limit, so the
	// broken configuration only surfaces at execution time
	first := true
	if err := h.registry.Register(func() Job {
		copyJob := *job
		if !first {
			copyJob.rateLimit = limit
		}
		first = false
		return &copyJob
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	h.dispatch(t, job, nil)

	h.runOnce(t)

	if job.callLog.Calls() != 0 {
		t.Fatal("handler must not run with an invalid rate limit")
	}
	rec, _ := h.engine.Find("1")
	if rec.Status != StatusFailed || !strings.Contains(rec.Exception, "time unit") {
		t.Fatalf("expected failed record mentioning the window, got %s %q", rec.Status, rec.Exception)
	}
}

func TestWorker_UnknownHandlerFails(t *testing.T) {
	h := newHarness(t, WorkerConfig{})
	if err := h.engine.AddJob(context.Background(), "ghost.job", []byte(`{}`), 0, ""); err != nil {
		t.Fatalf("AddJob() error = %v", err)
	}

	h.runOnce(t)

	rec, _ := h.engine.Find("1")
	if rec.Status != StatusFailed {
		t.Fatalf("expected failed status, got %s", rec.Status)
	}
	if !strings.Contains(rec.Exception, `no job registered as "ghost.job"`) {
		t.Fatalf("unexpected exception %q", rec.Exception)
	}
}

func TestWorker_CorruptPayloadFails(t *testing.T) {
	h := newHarness(t, WorkerConfig{})
	job := register(t, h.registry, recordingJob{name: "reports.build"})
	if err := h.engine.AddJob(context.Background(), job.name, []byte(`{"a":`), 0, ""); err != nil {
		t.Fatalf("AddJob() error = %v", err)
	}

	h.runOnce(t)

	if job.callLog.Calls() != 0 {
		t.Fatal("handler must not run with a corrupt payload")
	}
	rec, _ := h.engine.Find("1")
	if rec.Status != StatusFailed {
		t.Fatalf("expected failed status, got %s", rec.Status)
	}
	if len(job.callLog.Failures()) != 1 {
		t.Fatal("expected failure callback for a corrupt payload")
	}
}

func TestWorker_HandlerPanicIsRecorded(t *testing.T) {
	h := newHarness(t, WorkerConfig{MaxAttempts: 1})
	job := register(t, h.registry, recordingJob{
		name:   "reports.build",
		handle: func(int, Payload) error { panic("nil map") },
	})
	h.dispatch(t, job, nil)

	h.runOnce(t)

	rec, _ := h.engine.Find("1")
	if rec.Status != StatusFailed || !strings.Contains(rec.Exception, "panic while handling job: nil map") {
		t.Fatalf("expected panic recorded as failure, got %s %q", rec.Status, rec.Exception)
	}
}

func TestWorker_CallbackPanicDoesNotStopWorker(t *testing.T) {
	h := newHarness(t, WorkerConfig{})
	registry := h.registry
	if err := registry.Register(func() Job { return &panickyCallbackJob{} }); err != nil {
		t.Fatalf("register: %v", err)
	}
	h.dispatch(t, &panickyCallbackJob{}, nil)

	if processed := h.runOnce(t); processed != 1 {
		t.Fatalf("expected 1 processed job, got %d", processed)
	}
	if h.engine.Len() != 0 {
		t.Fatal("expected record deleted despite the callback panic")
	}
}

type panickyCallbackJob struct{}

func (panickyCallbackJob) Name() string                          { return "callback.panics" }
func (panickyCallbackJob) Handle(context.Context, Payload) error { return nil }
func (panickyCallbackJob) OnSuccess(context.Context)             { panic("callback bug") }

func TestWorker_OnlyWatchesConfiguredQueues(t *testing.T) {
	h := newHarness(t, WorkerConfig{Queues: []string{"emails"}})
	mail := register(t, h.registry, recordingJob{name: "mail.send", queue: "emails"})
	report := register(t, h.registry, recordingJob{name: "reports.build"})

	h.dispatch(t, mail, map[string]any{"to": "ops@example.com"})
	h.dispatch(t, report, nil)

	if processed := h.runOnce(t); processed != 1 {
		t.Fatalf("expected only the emails job, processed %d", processed)
	}
	if mail.callLog.Calls() != 1 || report.callLog.Calls() != 0 {
		t.Fatalf("expected mail=1 report=0, got mail=%d report=%d", mail.callLog.Calls(), report.callLog.Calls())
	}
	rec, ok := h.engine.Find("2")
	if !ok || rec.Queue != DefaultQueue || rec.Status != StatusNew {
		t.Fatalf("expected default queue job untouched, got %+v", rec)
	}
}

func TestWorker_ProcessRejectsUnclaimedRecord(t *testing.T) {
	h := newHarness(t, WorkerConfig{})
	if err := h.worker.Process(context.Background(), nil); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
	if err := h.worker.Process(context.Background(), &Record{}); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestWorker_RunStopsOnCancel(t *testing.T) {
	engine := NewMemoryEngine(nil)
	registry := NewRegistry()
	job := register(t, registry, recordingJob{name: "mail.send"})
	worker, err := NewWorker(engine, registry, nil, WorkerConfig{Sleep: 10 * time.Millisecond}, &testLogger{})
	if err != nil {
		t.Fatalf("NewWorker() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- worker.Run(ctx) }()

	waitFor(t, time.Second, worker.Running)
	if err := engine.AddJob(context.Background(), job.name, []byte(`{}`), 0, ""); err != nil {
		t.Fatalf("AddJob() error = %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return job.callLog.Calls() == 1 })

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after cancel")
	}
	if worker.Running() {
		t.Fatal("worker still reports running")
	}
}

func TestWorker_RunOnceCancelLetsJobFinish(t *testing.T) {
	h := newHarness(t, WorkerConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var handlerErr error
	h.registry.MustRegister(func() Job {
		return NewJobFunc("report.build", func(jobCtx context.Context, _ Payload) error {
			cancel()
			handlerErr = jobCtx.Err()
			return handlerErr
		})
	})
	for i := 0; i < 2; i++ {
		if err := h.engine.AddJob(context.Background(), "report.build", []byte(`{}`), 0, ""); err != nil {
			t.Fatalf("AddJob() error = %v", err)
		}
	}

	processed, err := h.worker.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if handlerErr != nil {
		t.Fatalf("handler context cancelled mid-execution: %v", handlerErr)
	}
	if processed != 1 || h.engine.Len() != 1 {
		t.Fatalf("expected one job finished and one left, processed=%d stored=%d", processed, h.engine.Len())
	}
	rec := fetch(t, h.engine, "")
	if rec == nil || rec.Attempts != 1 {
		t.Fatalf("the untouched job must keep its attempts, got %+v", rec)
	}
}

func TestWorker_RunTwiceIsRejected(t *testing.T) {
	worker, err := NewWorker(NewMemoryEngine(nil), NewRegistry(), nil, WorkerConfig{Sleep: 10 * time.Millisecond}, &testLogger{})
	if err != nil {
		t.Fatalf("NewWorker() error = %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- worker.Run(context.Background()) }()
	waitFor(t, time.Second, worker.Running)

	if err := worker.Run(context.Background()); err == nil {
		t.Fatal("expected error for a second Run")
	}

	worker.Stop()
	if err := <-done; err != nil {
		t.Fatalf("Run() error = %v", err)
	}
}

func TestWorker_CooldownEndsRun(t *testing.T) {
	clock := newFakeClock()
	engine := NewMemoryEngine(clock.Now)
	registry := NewRegistry()
	job := register(t, registry, recordingJob{
		name: "reports.build",
		handle: func(int, Payload) error {
			clock.Advance(2 * time.Second)
			return nil
		},
	})
	for i := 0; i < 3; i++ {
		if err := engine.AddJob(context.Background(), job.name, []byte(`{}`), 0, ""); err != nil {
			t.Fatalf("AddJob() error = %v", err)
		}
	}
	worker, err := NewWorker(engine, registry, nil, WorkerConfig{Cooldown: time.Second, Clock: clock.Now}, &testLogger{})
	if err != nil {
		t.Fatalf("NewWorker() error = %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- worker.Run(context.Background()) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		worker.Stop()
		t.Fatal("cooldown did not stop the worker")
	}
	if calls := job.callLog.Calls(); calls != 1 {
		t.Fatalf("expected the worker to stop after the first job, ran %d", calls)
	}
	if engine.Len() != 2 {
		t.Fatalf("expected 2 jobs left, got %d", engine.Len())
	}
}

type failingFetchEngine struct {
	*MemoryEngine
}

func (failingFetchEngine) FetchNextJob(context.Context, string) (*Record, error) {
	return nil, errors.New("connection reset")
}

func TestWorker_RunReturnsEngineErrors(t *testing.T) {
	worker, err := NewWorker(failingFetchEngine{NewMemoryEngine(nil)}, NewRegistry(), nil, WorkerConfig{}, &testLogger{})
	if err != nil {
		t.Fatalf("NewWorker() error = %v", err)
	}
	err = worker.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), `fetch next job from "default": connection reset`) {
		t.Fatalf("expected wrapped fetch error, got %v", err)
	}
	if worker.Running() {
		t.Fatal("worker must not be running after an engine error")
	}
}

func TestProperty_AttemptsNeverExceedMax(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("an always failing job runs exactly max attempts times", prop.ForAll(
		func(maxAttempts int) bool {
			h := newHarness(t, WorkerConfig{MaxAttempts: maxAttempts})
			job := register(t, h.registry, recordingJob{
				name:   "always.fails",
				handle: func(int, Payload) error { return errors.New("down") },
			})
			h.dispatch(t, job, nil)
			h.runOnce(t)

			rec, ok := h.engine.Find("1")
			return ok &&
				job.callLog.Calls() == maxAttempts &&
				rec.Status == StatusFailed &&
				rec.Attempts == maxAttempts &&
				len(job.callLog.Failures()) == 1
		},
		gen.IntRange(1, 8),
	))

	properties.TestingRun(t, gopter.ConsoleReporter(false))
}

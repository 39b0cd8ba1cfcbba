package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func addJob(t *testing.T, engine Engine, handler string, delay time.Duration, queue string) {
	t.Helper()
	if err := engine.AddJob(context.Background(), handler, []byte(`{}`), delay, queue); err != nil {
		t.Fatalf("AddJob(%s) error = %v", handler, err)
	}
}

func fetch(t *testing.T, engine Engine, queue string) *Record {
	t.Helper()
	rec, err := engine.FetchNextJob(context.Background(), queue)
	if err != nil {
		t.Fatalf("FetchNextJob(%q) error = %v", queue, err)
	}
	return rec
}

func TestMemoryEngine_AddJobValidation(t *testing.T) {
	engine := NewMemoryEngine(nil)
	if err := engine.AddJob(context.Background(), " ", []byte(`{}`), 0, ""); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for blank handler, got %v", err)
	}
	if err := engine.AddJob(context.Background(), "x", nil, 0, ""); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for empty payload, got %v", err)
	}
}

func TestMemoryEngine_FetchOrdersByScheduleThenID(t *testing.T) {
	clock := newFakeClock()
	engine := NewMemoryEngine(clock.Now)
	addJob(t, engine, "later", 2*time.Second, "")
	addJob(t, engine, "first", 0, "")
	addJob(t, engine, "second", 0, "")

	if rec := fetch(t, engine, ""); rec == nil || rec.Handler != "first" {
		t.Fatalf("expected first, got %+v", rec)
	}
	if rec := fetch(t, engine, ""); rec == nil || rec.Handler != "second" {
		t.Fatalf("expected second, got %+v", rec)
	}
	if rec := fetch(t, engine, ""); rec != nil {
		t.Fatalf("expected nothing due yet, got %+v", rec)
	}

	clock.Advance(2 * time.Second)
	rec := fetch(t, engine, "")
	if rec == nil || rec.Handler != "later" {
		t.Fatalf("expected delayed job once due, got %+v", rec)
	}
	if rec.Status != StatusQueued || rec.Attempts != 1 {
		t.Fatalf("expected claimed record, got %s/%d", rec.Status, rec.Attempts)
	}
	if !rec.CreatedAt.Equal(clock.Now().Add(-2 * time.Second)) {
		t.Fatalf("unexpected created at %v", rec.CreatedAt)
	}
}

func TestMemoryEngine_QueueFilter(t *testing.T) {
	engine := NewMemoryEngine(nil)
	addJob(t, engine, "mail", 0, "emails")
	addJob(t, engine, "report", 0, "")

	if rec := fetch(t, engine, "reports"); rec != nil {
		t.Fatalf("expected empty queue, got %+v", rec)
	}
	if rec := fetch(t, engine, DefaultQueue); rec == nil || rec.Handler != "report" {
		t.Fatalf("expected default queue job, got %+v", rec)
	}
	if rec := fetch(t, engine, ""); rec == nil || rec.Handler != "mail" {
		t.Fatalf("expected any-queue fetch to find emails job, got %+v", rec)
	}
}

func TestMemoryEngine_ReleaseAccounting(t *testing.T) {
	clock := newFakeClock()
	engine := NewMemoryEngine(clock.Now)
	ctx := context.Background()
	addJob(t, engine, "mail", 0, "")

	rec := fetch(t, engine, "")
	if err := engine.Release(ctx, rec, 30*time.Second); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	stored, _ := engine.Find(rec.ID)
	if stored.Status != StatusNew || stored.Attempts != 1 {
		t.Fatalf("release keeps attempts: got %s/%d", stored.Status, stored.Attempts)
	}
	if !stored.ScheduledAt.Equal(clock.Now().Add(30 * time.Second)) {
		t.Fatalf("unexpected schedule %v", stored.ScheduledAt)
	}

	clock.Advance(30 * time.Second)
	rec = fetch(t, engine, "")
	if rec.Attempts != 2 {
		t.Fatalf("expected second claim to count 2 attempts, got %d", rec.Attempts)
	}
	if err := engine.ReleaseWithoutIncrement(ctx, rec, 0); err != nil {
		t.Fatalf("ReleaseWithoutIncrement() error = %v", err)
	}
	stored, _ = engine.Find(rec.ID)
	if stored.Attempts != 1 {
		t.Fatalf("release without increment restores attempts, got %d", stored.Attempts)
	}

	if err := engine.Release(ctx, rec, 0); !errors.Is(err, ErrConflict) {
		t.Fatalf("releasing an unclaimed record must conflict, got %v", err)
	}
	if err := engine.Release(ctx, &Record{ID: "404"}, 0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := engine.Release(ctx, nil, 0); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestMemoryEngine_ReturnedRecordsAreCopies(t *testing.T) {
	engine := NewMemoryEngine(nil)
	addJob(t, engine, "mail", 0, "")
	rec := fetch(t, engine, "")
	rec.Payload[0] = 'X'
	rec.Status = StatusNew

	stored, _ := engine.Find(rec.ID)
	if string(stored.Payload) != "{}" || stored.Status != StatusQueued {
		t.Fatalf("engine state leaked through returned record: %+v", stored)
	}
}

func TestMemoryEngine_FailedJobs(t *testing.T) {
	clock := newFakeClock()
	engine := NewMemoryEngine(clock.Now)
	ctx := context.Background()
	for _, handler := range []string{"a", "b", "c"} {
		addJob(t, engine, handler, 0, "")
	}
	for i := 0; i < 3; i++ {
		rec := fetch(t, engine, "")
		if err := engine.MarkFailedJob(ctx, rec, errors.New("boom "+rec.Handler)); err != nil {
			t.Fatalf("MarkFailedJob() error = %v", err)
		}
		clock.Advance(time.Second)
	}
	if rec := fetch(t, engine, ""); rec != nil {
		t.Fatalf("failed records must not be claimed, got %+v", rec)
	}

	failed, err := engine.ListFailed(ctx, 2)
	if err != nil {
		t.Fatalf("ListFailed() error = %v", err)
	}
	if len(failed) != 2 || failed[0].Handler != "c" || failed[1].Handler != "b" {
		t.Fatalf("expected newest failures first, got %+v", failed)
	}
	if failed[0].Exception != "boom c" || failed[0].FailedAt == nil {
		t.Fatalf("expected exception and failed_at, got %+v", failed[0])
	}

	if err := engine.RetryFailed(ctx, failed[0].ID); err != nil {
		t.Fatalf("RetryFailed() error = %v", err)
	}
	retried := fetch(t, engine, "")
	if retried == nil || retried.Handler != "c" || retried.Attempts != 1 || retried.Exception != "" {
		t.Fatalf("expected retried record with fresh attempts, got %+v", retried)
	}
	if err := engine.RetryFailed(ctx, retried.ID); !errors.Is(err, ErrConflict) {
		t.Fatalf("retrying a queued record must conflict, got %v", err)
	}

	if err := engine.ForgetFailed(ctx, failed[1].ID); err != nil {
		t.Fatalf("ForgetFailed() error = %v", err)
	}
	if _, ok := engine.Find(failed[1].ID); ok {
		t.Fatal("forgotten record still stored")
	}
	if err := engine.ForgetFailed(ctx, failed[1].ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMemoryEngine_Closed(t *testing.T) {
	engine := NewMemoryEngine(nil)
	if err := engine.HealthCheck(context.Background()); err != nil {
		t.Fatalf("HealthCheck() error = %v", err)
	}
	_ = engine.Close()
	if err := engine.AddJob(context.Background(), "x", []byte(`{}`), 0, ""); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected closed error, got %v", err)
	}
	if _, err := engine.FetchNextJob(context.Background(), ""); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected closed error, got %v", err)
	}
	if err := engine.HealthCheck(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected closed health check, got %v", err)
	}
}

func TestNullEngine(t *testing.T) {
	engine := NewNullEngine()
	addJob(t, engine, "x", 0, "")
	if rec := fetch(t, engine, ""); rec != nil {
		t.Fatalf("null engine never returns records, got %+v", rec)
	}
	if engine.Name() != BackendNull {
		t.Fatalf("unexpected name %s", engine.Name())
	}
}

func TestSyncEngine_RunsOnAdd(t *testing.T) {
	registry := NewRegistry()
	job := register(t, registry, recordingJob{name: "inline"})
	engine, err := NewSyncEngine(registry, &testLogger{})
	if err != nil {
		t.Fatalf("NewSyncEngine() error = %v", err)
	}
	dispatcher, err := NewDispatcher(engine, DispatcherConfig{}, &testLogger{})
	if err != nil {
		t.Fatalf("NewDispatcher() error = %v", err)
	}

	if err := dispatcher.Dispatch(context.Background(), job, map[string]int{"n": 3}, WithDelay(time.Hour)); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if job.callLog.Calls() != 1 {
		t.Fatal("sync engine must run the handler during dispatch, ignoring the delay")
	}
	if rec := fetch(t, engine, ""); rec != nil {
		t.Fatalf("sync engine stores nothing, got %+v", rec)
	}

	if err := engine.AddJob(context.Background(), "missing", []byte(`{}`), 0, ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected unknown handler error, got %v", err)
	}
}

func TestProperty_ConcurrentClaimsAreExclusive(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("every record is claimed by exactly one worker", prop.ForAll(
		func(records, workers int) bool {
			engine := NewMemoryEngine(nil)
			for i := 0; i < records; i++ {
				if err := engine.AddJob(context.Background(), "job", []byte(`{}`), 0, ""); err != nil {
					return false
				}
			}

			var (
				mu      sync.Mutex
				claimed = map[string]int{}
				wg      sync.WaitGroup
			)
			for w := 0; w < workers; w++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for {
						rec, err := engine.FetchNextJob(context.Background(), "")
						if err != nil || rec == nil {
							return
						}
						mu.Lock()
						claimed[rec.ID]++
						mu.Unlock()
					}
				}()
			}
			wg.Wait()

			if len(claimed) != records {
				return false
			}
			for _, count := range claimed {
				if count != 1 {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 60),
		gen.IntRange(1, 8),
	))

	properties.TestingRun(t, gopter.ConsoleReporter(false))
}

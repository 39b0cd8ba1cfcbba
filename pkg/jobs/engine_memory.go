package jobs

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

var (
	_ Engine         = (*MemoryEngine)(nil)
	_ FailedJobStore = (*MemoryEngine)(nil)
)

// MemoryEngine keeps records in process memory. Safe for concurrent access.
// Intended for development and tests; records do not survive a restart.
type MemoryEngine struct {
	clock Clock

	mu      sync.Mutex
	nextID  int64
	records map[string]*Record
	closed  bool
}

// NewMemoryEngine creates an empty engine. A nil clock uses wall time.
func NewMemoryEngine(clock Clock) *MemoryEngine {
	return &MemoryEngine{clock: clock, records: map[string]*Record{}}
}

func (e *MemoryEngine) AddJob(_ context.Context, handler string, payload []byte, delay time.Duration, queue string) error {
	if err := validateNewRecord(handler, payload); err != nil {
		return err
	}
	now := e.clock.now()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return jobsError(ErrClosed, "memory engine is closed")
	}
	e.nextID++
	id := strconv.FormatInt(e.nextID, 10)
	e.records[id] = &Record{
		ID:          id,
		Handler:     strings.TrimSpace(handler),
		Payload:     append([]byte(nil), payload...),
		Queue:       normalizeQueue(queue),
		Status:      StatusNew,
		CreatedAt:   now,
		ScheduledAt: now.Add(normalizeDelay(delay)),
	}
	return nil
}

func (e *MemoryEngine) FetchNextJob(_ context.Context, queue string) (*Record, error) {
	now := e.clock.now()
	queue = strings.TrimSpace(queue)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, jobsError(ErrClosed, "memory engine is closed")
	}

	var next *Record
	for _, rec := range e.records {
		if !rec.Due(now) || (queue != "" && rec.Queue != queue) {
			continue
		}
		if next == nil || claimsBefore(rec, next) {
			next = rec
		}
	}
	if next == nil {
		return nil, nil
	}
	next.Status = StatusQueued
	next.Attempts++
	return next.Clone(), nil
}

func claimsBefore(a, b *Record) bool {
	if !a.ScheduledAt.Equal(b.ScheduledAt) {
		return a.ScheduledAt.Before(b.ScheduledAt)
	}
	ai, _ := strconv.ParseInt(a.ID, 10, 64)
	bi, _ := strconv.ParseInt(b.ID, 10, 64)
	return ai < bi
}

func (e *MemoryEngine) DeleteJob(_ context.Context, rec *Record) error {
	if err := requireClaimed(rec); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.records, rec.ID)
	return nil
}

func (e *MemoryEngine) MarkFailedJob(_ context.Context, rec *Record, cause error) error {
	if err := requireClaimed(rec); err != nil {
		return err
	}
	failedAt := e.clock.now()

	e.mu.Lock()
	defer e.mu.Unlock()
	stored, err := e.lookup(rec.ID)
	if err != nil {
		return err
	}
	stored.Status = StatusFailed
	stored.Exception = exceptionText(cause)
	stored.FailedAt = &failedAt
	return nil
}

func (e *MemoryEngine) Release(_ context.Context, rec *Record, delay time.Duration) error {
	return e.release(rec, delay, 0)
}

func (e *MemoryEngine) ReleaseWithoutIncrement(_ context.Context, rec *Record, delay time.Duration) error {
	return e.release(rec, delay, -1)
}

func (e *MemoryEngine) release(rec *Record, delay time.Duration, attemptsDelta int) error {
	if err := requireClaimed(rec); err != nil {
		return err
	}
	now := e.clock.now()

	e.mu.Lock()
	defer e.mu.Unlock()
	stored, err := e.lookup(rec.ID)
	if err != nil {
		return err
	}
	if stored.Status != StatusQueued {
		return fmt.Errorf("%w: job %s is %s, not queued", ErrConflict, rec.ID, stored.Status)
	}
	stored.Status = StatusNew
	stored.ScheduledAt = now.Add(normalizeDelay(delay))
	stored.Attempts = max(stored.Attempts+attemptsDelta, 0)
	return nil
}

func (e *MemoryEngine) lookup(id string) (*Record, error) {
	stored, ok := e.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: job %s", ErrNotFound, id)
	}
	return stored, nil
}

// Find returns a copy of a stored record.
func (e *MemoryEngine) Find(id string) (*Record, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	stored, ok := e.records[id]
	if !ok {
		return nil, false
	}
	return stored.Clone(), true
}

// Len returns the number of stored records, failed ones included.
func (e *MemoryEngine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.records)
}

func (e *MemoryEngine) ListFailed(_ context.Context, limit int) ([]*Record, error) {
	e.mu.Lock()
	failed := make([]*Record, 0)
	for _, rec := range e.records {
		if rec.Status == StatusFailed {
			failed = append(failed, rec.Clone())
		}
	}
	e.mu.Unlock()

	sort.Slice(failed, func(i, j int) bool {
		return failed[i].FailedAt.After(*failed[j].FailedAt)
	})
	if limit > 0 && len(failed) > limit {
		failed = failed[:limit]
	}
	return failed, nil
}

func (e *MemoryEngine) RetryFailed(_ context.Context, id string) error {
	now := e.clock.now()
	e.mu.Lock()
	defer e.mu.Unlock()
	stored, err := e.lookup(id)
	if err != nil {
		return err
	}
	if stored.Status != StatusFailed {
		return fmt.Errorf("%w: job %s is not failed", ErrConflict, id)
	}
	stored.Status = StatusNew
	stored.Attempts = 0
	stored.Exception = ""
	stored.FailedAt = nil
	stored.ScheduledAt = now
	return nil
}

func (e *MemoryEngine) ForgetFailed(_ context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	stored, err := e.lookup(id)
	if err != nil {
		return err
	}
	if stored.Status != StatusFailed {
		return fmt.Errorf("%w: job %s is not failed", ErrConflict, id)
	}
	delete(e.records, id)
	return nil
}

func (e *MemoryEngine) Name() string { return BackendMemory }

func (e *MemoryEngine) HealthCheck(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return jobsError(ErrClosed, "memory engine is closed")
	}
	return nil
}

func (e *MemoryEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

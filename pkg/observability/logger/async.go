package logger

import (
	"context"
	"sync"
	"sync/atomic"
)

// AsyncConfig configures WrapAsync.
type AsyncConfig struct {
	Enabled     bool
	QueueSize   int
	WorkerCount int
	// DropWhenFull discards entries instead of blocking the caller when the
	// queue is full. Dropped entries are counted.
	DropWhenFull bool
}

type asyncEntry struct {
	write func(msg string, args ...any)
	msg   string
	args  []any
}

type asyncQueue struct {
	entries      chan asyncEntry
	dropWhenFull bool
	dropped      atomic.Uint64
	closed       atomic.Bool
	mu           sync.RWMutex
	workers      sync.WaitGroup
}

func (q *asyncQueue) run() {
	defer q.workers.Done()
	for entry := range q.entries {
		entry.write(entry.msg, entry.args...)
	}
}

// push reports false once the queue is closed; the caller then writes inline.
func (q *asyncQueue) push(entry asyncEntry) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed.Load() {
		return false
	}
	if !q.dropWhenFull {
		q.entries <- entry
		return true
	}
	select {
	case q.entries <- entry:
	default:
		q.dropped.Add(1)
	}
	return true
}

func (q *asyncQueue) close() {
	q.mu.Lock()
	if q.closed.Swap(true) {
		q.mu.Unlock()
		return
	}
	close(q.entries)
	q.mu.Unlock()
	q.workers.Wait()
}

// AsyncLogger hands entries to background writers so a slow sink does not
// stall the worker loop. Children created with With share the queue.
type AsyncLogger struct {
	base  Logger
	queue *asyncQueue
}

// WrapAsync returns base unchanged when cfg is disabled.
func WrapAsync(base Logger, cfg AsyncConfig) Logger {
	if !cfg.Enabled {
		return base
	}
	size := cfg.QueueSize
	if size <= 0 {
		size = 1024
	}
	workers := cfg.WorkerCount
	if workers <= 0 {
		workers = 1
	}
	q := &asyncQueue{entries: make(chan asyncEntry, size), dropWhenFull: cfg.DropWhenFull}
	q.workers.Add(workers)
	for i := 0; i < workers; i++ {
		go q.run()
	}
	return &AsyncLogger{base: base, queue: q}
}

func (l *AsyncLogger) Debug(msg string, args ...any) { l.enqueue(l.base.Debug, msg, args) }
func (l *AsyncLogger) Info(msg string, args ...any)  { l.enqueue(l.base.Info, msg, args) }
func (l *AsyncLogger) Warn(msg string, args ...any)  { l.enqueue(l.base.Warn, msg, args) }
func (l *AsyncLogger) Error(msg string, args ...any) { l.enqueue(l.base.Error, msg, args) }

func (l *AsyncLogger) With(args ...any) Logger {
	return &AsyncLogger{base: l.base.With(args...), queue: l.queue}
}

func (l *AsyncLogger) WithContext(ctx context.Context) Logger {
	return &AsyncLogger{base: l.base.WithContext(ctx), queue: l.queue}
}

// Dropped is the number of entries discarded because the queue was full.
func (l *AsyncLogger) Dropped() uint64 {
	return l.queue.dropped.Load()
}

// Close drains queued entries and stops the writers. Later entries are
// written synchronously.
func (l *AsyncLogger) Close() {
	l.queue.close()
}

// Sync forwards to the wrapped logger when it buffers.
func (l *AsyncLogger) Sync() error {
	if syncer, ok := l.base.(interface{ Sync() error }); ok {
		return syncer.Sync()
	}
	return nil
}

func (l *AsyncLogger) enqueue(write func(string, ...any), msg string, args []any) {
	if !l.queue.push(asyncEntry{write: write, msg: msg, args: args}) {
		write(msg, args...)
	}
}

package jobs

import (
	"context"
	"strings"
	"sync"
	"time"
)

var _ Limiter = (*MemoryLimiter)(nil)

type memoryWindow struct {
	count   int
	resetAt time.Time
}

// MemoryLimiter keeps fixed windows in process memory. Counts are not shared
// between processes.
type MemoryLimiter struct {
	mu      sync.Mutex
	clock   Clock
	windows map[string]*memoryWindow
}

// NewMemoryLimiter creates an in-process limiter. A nil clock uses time.Now.
func NewMemoryLimiter(clock Clock) *MemoryLimiter {
	return &MemoryLimiter{clock: clock, windows: map[string]*memoryWindow{}}
}

func (l *MemoryLimiter) Attempt(_ context.Context, key string, limit int, window time.Duration) (bool, error) {
	if err := validateLimiterArgs(key, limit, window); err != nil {
		return false, err
	}
	key = strings.TrimSpace(key)
	now := l.clock.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	current, ok := l.windows[key]
	if !ok || !now.Before(current.resetAt) {
		current = &memoryWindow{resetAt: now.Add(window)}
		l.windows[key] = current
	}
	if current.count >= limit {
		return false, nil
	}
	current.count++
	return true, nil
}

func (l *MemoryLimiter) AvailableIn(_ context.Context, key string) (time.Duration, error) {
	key = strings.TrimSpace(key)
	now := l.clock.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	current, ok := l.windows[key]
	if !ok || !now.Before(current.resetAt) {
		delete(l.windows, key)
		return 0, nil
	}
	return current.resetAt.Sub(now), nil
}

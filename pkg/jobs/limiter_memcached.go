package jobs

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nimburion/jobqueue/pkg/observability/logger"
	"github.com/nimburion/jobqueue/pkg/observability/tracing"
	"github.com/nimburion/jobqueue/pkg/store/memcached"
)

const defaultMemcachedLimiterPrefix = "jobqueue:jobs:limiter"

var _ Limiter = (*MemcachedLimiter)(nil)

type memcachedCounter interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Add(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Incr(ctx context.Context, key string, delta uint64) (uint64, error)
	Decr(ctx context.Context, key string, delta uint64) (uint64, error)
}

// MemcachedLimiterConfig configures the Memcached limiter.
type MemcachedLimiterConfig struct {
	Prefix string
	Clock  Clock
}

// MemcachedLimiter keeps two entries per key: a counter and a timer holding
// the window reset time in epoch milliseconds. Both expire with the window.
type MemcachedLimiter struct {
	client memcachedCounter
	log    logger.Logger
	config MemcachedLimiterConfig
}

// NewMemcachedLimiter wraps a memcached client such as *memcached.Adapter.
func NewMemcachedLimiter(client memcachedCounter, cfg MemcachedLimiterConfig, log logger.Logger) (*MemcachedLimiter, error) {
	if client == nil {
		return nil, errors.New("memcached client is required")
	}
	if log == nil {
		return nil, errors.New("logger is required")
	}
	cfg.Prefix = strings.TrimSpace(cfg.Prefix)
	if cfg.Prefix == "" {
		cfg.Prefix = defaultMemcachedLimiterPrefix
	}
	return &MemcachedLimiter{client: client, log: log, config: cfg}, nil
}

func (l *MemcachedLimiter) Attempt(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	if err := validateLimiterArgs(key, limit, window); err != nil {
		return false, err
	}
	counterKey, timerKey := l.keys(key)
	ctx, span := tracing.Start(ctx, tracing.OperationThrottle,
		tracing.WithBackend("memcached"),
		tracing.WithLimiterKey(counterKey),
	)
	defer span.End()

	resetAt := l.config.Clock.now().Add(window).UnixMilli()
	if _, err := l.client.Add(ctx, timerKey, []byte(strconv.FormatInt(resetAt, 10)), window); err != nil {
		return false, fmt.Errorf("memcached rate limit timer: %w", err)
	}
	if _, err := l.client.Add(ctx, counterKey, []byte("0"), window); err != nil {
		return false, fmt.Errorf("memcached rate limit counter: %w", err)
	}

	hits, err := l.client.Incr(ctx, counterKey, 1)
	if errors.Is(err, memcached.ErrNotFound) {
		// counter expired between add and incr
		if err := l.client.Set(ctx, counterKey, []byte("1"), window); err != nil {
			return false, fmt.Errorf("memcached rate limit counter: %w", err)
		}
		hits, err = 1, nil
	}
	if err != nil {
		return false, fmt.Errorf("memcached rate limit increment: %w", err)
	}
	if hits <= uint64(limit) {
		return true, nil
	}

	if _, err := l.client.Decr(ctx, counterKey, 1); err != nil && !errors.Is(err, memcached.ErrNotFound) {
		l.log.Warn("memcached rate limiter failed to roll back denied attempt", "key", key, "error", err)
	}
	return false, nil
}

func (l *MemcachedLimiter) AvailableIn(ctx context.Context, key string) (time.Duration, error) {
	_, timerKey := l.keys(key)
	raw, err := l.client.Get(ctx, timerKey)
	if errors.Is(err, memcached.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("memcached rate limit timer: %w", err)
	}
	resetAt, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("memcached rate limit timer %q: %w", raw, err)
	}
	remaining := time.UnixMilli(resetAt).Sub(l.config.Clock.now())
	if remaining < 0 {
		return 0, nil
	}
	return remaining, nil
}

func (l *MemcachedLimiter) keys(key string) (counter, timer string) {
	counter = l.config.Prefix + ":" + strings.TrimSpace(key)
	return counter, counter + ":timer"
}

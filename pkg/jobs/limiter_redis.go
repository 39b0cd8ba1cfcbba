package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nimburion/jobqueue/pkg/observability/logger"
	"github.com/nimburion/jobqueue/pkg/observability/tracing"
	"github.com/redis/go-redis/v9"
)

const defaultRedisLimiterPrefix = "jobqueue:jobs:limiter"

var _ Limiter = (*RedisLimiter)(nil)

// attemptScript consumes one unit unless the window is full. The first hit of
// a window starts its expiry.
const attemptScript = `
local current = tonumber(redis.call("GET", KEYS[1]) or "0")
if current >= tonumber(ARGV[1]) then
  return 0
end
current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 1
`

type redisLimiterClient interface {
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
	PTTL(ctx context.Context, key string) *redis.DurationCmd
}

// RedisLimiterConfig configures the Redis limiter.
type RedisLimiterConfig struct {
	Prefix           string
	OperationTimeout time.Duration
}

func (c *RedisLimiterConfig) normalize() {
	c.Prefix = strings.TrimSpace(c.Prefix)
	if c.Prefix == "" {
		c.Prefix = defaultRedisLimiterPrefix
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = defaultRedisOperationTimeout
	}
}

// RedisLimiter shares fixed windows across workers through Redis.
type RedisLimiter struct {
	client redisLimiterClient
	log    logger.Logger
	config RedisLimiterConfig
}

// NewRedisLimiter wraps an existing client; the caller owns it.
func NewRedisLimiter(client redisLimiterClient, cfg RedisLimiterConfig, log logger.Logger) (*RedisLimiter, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if log == nil {
		return nil, errors.New("logger is required")
	}
	cfg.normalize()
	return &RedisLimiter{client: client, log: log, config: cfg}, nil
}

func (l *RedisLimiter) Attempt(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	if err := validateLimiterArgs(key, limit, window); err != nil {
		return false, err
	}
	ctx, span := tracing.Start(ctx, tracing.OperationThrottle,
		tracing.WithBackend("redis"),
		tracing.WithLimiterKey(l.key(key)),
	)
	defer span.End()
	opCtx, cancel := operationContext(ctx, l.config.OperationTimeout)
	defer cancel()

	allowed, err := l.client.Eval(opCtx, attemptScript, []string{l.key(key)}, limit, window.Milliseconds()).Int64()
	if err != nil {
		tracing.RecordError(span, err)
		return false, fmt.Errorf("redis rate limit attempt: %w", err)
	}
	return allowed == 1, nil
}

func (l *RedisLimiter) AvailableIn(ctx context.Context, key string) (time.Duration, error) {
	opCtx, cancel := operationContext(ctx, l.config.OperationTimeout)
	defer cancel()

	ttl, err := l.client.PTTL(opCtx, l.key(key)).Result()
	if err != nil {
		return 0, fmt.Errorf("redis rate limit ttl: %w", err)
	}
	// -2 missing key, -1 no expiry
	if ttl < 0 {
		return 0, nil
	}
	return ttl, nil
}

func (l *RedisLimiter) key(key string) string {
	return l.config.Prefix + ":" + strings.TrimSpace(key)
}

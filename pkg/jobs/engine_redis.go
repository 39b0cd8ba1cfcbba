package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nimburion/jobqueue/pkg/observability/logger"
	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisPrefix           = "jobqueue:jobs"
	defaultRedisOperationTimeout = 5 * time.Second
	defaultRedisClaimRetries     = 16
)

var (
	_ Engine         = (*RedisEngine)(nil)
	_ FailedJobStore = (*RedisEngine)(nil)

	errRedisOrphanEntry = errors.New("queue entry without job hash")
)

// RedisEngineConfig configures the Redis engine.
type RedisEngineConfig struct {
	URL              string
	Prefix           string
	OperationTimeout time.Duration
	// ClaimRetries bounds how many lost races a single fetch tolerates
	// before reporting an empty queue.
	ClaimRetries int
	Clock        Clock
}

func (c *RedisEngineConfig) normalize() {
	if strings.TrimSpace(c.Prefix) == "" {
		c.Prefix = defaultRedisPrefix
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = defaultRedisOperationTimeout
	}
	if c.ClaimRetries <= 0 {
		c.ClaimRetries = defaultRedisClaimRetries
	}
}

// RedisEngine keeps each job in a hash and indexes due times per queue in a
// sorted set. Claims use optimistic locking: WATCH the queue index, read the
// earliest due id, then remove it inside MULTI. A concurrent claim aborts the
// transaction and the loop moves on to the next candidate.
type RedisEngine struct {
	client     redis.UniversalClient
	ownsClient bool
	log        logger.Logger
	config     RedisEngineConfig

	mu     sync.RWMutex
	closed bool
}

// NewRedisEngine connects to cfg.URL and owns the resulting client.
func NewRedisEngine(cfg RedisEngineConfig, log logger.Logger) (*RedisEngine, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("redis url is required")
	}
	cfg.normalize()

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url failed: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.OperationTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis failed: %w", err)
	}

	return &RedisEngine{client: client, ownsClient: true, log: log, config: cfg}, nil
}

// NewRedisEngineWithClient shares an existing client. Close leaves it open.
func NewRedisEngineWithClient(client redis.UniversalClient, cfg RedisEngineConfig, log logger.Logger) (*RedisEngine, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if log == nil {
		return nil, errors.New("logger is required")
	}
	cfg.normalize()
	return &RedisEngine{client: client, log: log, config: cfg}, nil
}

func (e *RedisEngine) AddJob(ctx context.Context, handler string, payload []byte, delay time.Duration, queue string) error {
	if err := validateNewRecord(handler, payload); err != nil {
		return err
	}
	if err := e.ensureOpen(); err != nil {
		return err
	}
	opCtx, cancel := operationContext(ctx, e.config.OperationTimeout)
	defer cancel()

	now := e.config.Clock.now()
	queue = normalizeQueue(queue)
	scheduledAt := now.Add(normalizeDelay(delay))

	seq, err := e.client.Incr(opCtx, e.idsKey()).Result()
	if err != nil {
		return fmt.Errorf("allocate job id: %w", err)
	}
	id := strconv.FormatInt(seq, 10)

	_, err = e.client.TxPipelined(opCtx, func(pipe redis.Pipeliner) error {
		pipe.HSet(opCtx, e.jobKey(id), map[string]any{
			"handler":      strings.TrimSpace(handler),
			"payload":      string(payload),
			"queue":        queue,
			"status":       string(StatusNew),
			"attempts":     0,
			"exception":    "",
			"created_at":   now.UnixMilli(),
			"scheduled_at": scheduledAt.UnixMilli(),
			"failed_at":    "",
		})
		pipe.ZAdd(opCtx, e.queueKey(queue), redis.Z{Score: float64(scheduledAt.UnixMilli()), Member: redisMember(id)})
		pipe.SAdd(opCtx, e.queuesKey(), queue)
		return nil
	})
	if err != nil {
		return fmt.Errorf("store job %s: %w", id, err)
	}
	return nil
}

func (e *RedisEngine) FetchNextJob(ctx context.Context, queue string) (*Record, error) {
	if err := e.ensureOpen(); err != nil {
		return nil, err
	}
	opCtx, cancel := operationContext(ctx, e.config.OperationTimeout)
	defer cancel()

	queues := []string{strings.TrimSpace(queue)}
	if queues[0] == "" {
		known, err := e.client.SMembers(opCtx, e.queuesKey()).Result()
		if err != nil {
			return nil, fmt.Errorf("list queues: %w", err)
		}
		sort.Strings(known)
		queues = known
	}

	for _, name := range queues {
		rec, err := e.claimFrom(opCtx, name)
		if err != nil || rec != nil {
			return rec, err
		}
	}
	return nil, nil
}

func (e *RedisEngine) claimFrom(ctx context.Context, queue string) (*Record, error) {
	queueKey := e.queueKey(queue)
	for attempt := 0; attempt < e.config.ClaimRetries; attempt++ {
		var claimed *Record
		err := e.client.Watch(ctx, func(tx *redis.Tx) error {
			nowMs := e.config.Clock.now().UnixMilli()
			members, err := tx.ZRangeByScore(ctx, queueKey, &redis.ZRangeBy{
				Min:   "-inf",
				Max:   strconv.FormatInt(nowMs, 10),
				Count: 1,
			}).Result()
			if err != nil || len(members) == 0 {
				return err
			}
			member := members[0]
			id := redisMemberID(member)

			fields, err := tx.HGetAll(ctx, e.jobKey(id)).Result()
			if err != nil {
				return err
			}
			if len(fields) == 0 {
				if _, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.ZRem(ctx, queueKey, member)
					return nil
				}); err != nil {
					return err
				}
				return errRedisOrphanEntry
			}
			rec, err := decodeRedisRecord(id, fields)
			if err != nil {
				return err
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.ZRem(ctx, queueKey, member)
				pipe.HSet(ctx, e.jobKey(id), "status", string(StatusQueued))
				pipe.HIncrBy(ctx, e.jobKey(id), "attempts", 1)
				return nil
			})
			if err != nil {
				return err
			}
			rec.Status = StatusQueued
			rec.Attempts++
			claimed = rec
			return nil
		}, queueKey)

		switch {
		case errors.Is(err, redis.TxFailedErr), errors.Is(err, errRedisOrphanEntry):
			continue
		case err != nil:
			return nil, fmt.Errorf("claim job from %s: %w", queue, err)
		default:
			return claimed, nil
		}
	}
	e.log.Debug("jobs redis claim contention", "queue", queue, "retries", e.config.ClaimRetries)
	return nil, nil
}

func (e *RedisEngine) DeleteJob(ctx context.Context, rec *Record) error {
	if err := requireClaimed(rec); err != nil {
		return err
	}
	if err := e.ensureOpen(); err != nil {
		return err
	}
	opCtx, cancel := operationContext(ctx, e.config.OperationTimeout)
	defer cancel()
	_, err := e.client.TxPipelined(opCtx, func(pipe redis.Pipeliner) error {
		pipe.Del(opCtx, e.jobKey(rec.ID))
		pipe.ZRem(opCtx, e.queueKey(normalizeQueue(rec.Queue)), redisMember(rec.ID))
		pipe.ZRem(opCtx, e.failedKey(), redisMember(rec.ID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete job %s: %w", rec.ID, err)
	}
	return nil
}

func (e *RedisEngine) MarkFailedJob(ctx context.Context, rec *Record, cause error) error {
	if err := requireClaimed(rec); err != nil {
		return err
	}
	if err := e.ensureOpen(); err != nil {
		return err
	}
	opCtx, cancel := operationContext(ctx, e.config.OperationTimeout)
	defer cancel()
	failedAt := e.config.Clock.now()
	_, err := e.client.TxPipelined(opCtx, func(pipe redis.Pipeliner) error {
		pipe.HSet(opCtx, e.jobKey(rec.ID), map[string]any{
			"status":    string(StatusFailed),
			"exception": exceptionText(cause),
			"failed_at": failedAt.UnixMilli(),
		})
		pipe.ZAdd(opCtx, e.failedKey(), redis.Z{Score: float64(failedAt.UnixMilli()), Member: redisMember(rec.ID)})
		return nil
	})
	if err != nil {
		return fmt.Errorf("mark job %s failed: %w", rec.ID, err)
	}
	return nil
}

func (e *RedisEngine) Release(ctx context.Context, rec *Record, delay time.Duration) error {
	if rec == nil {
		return requireClaimed(rec)
	}
	return e.release(ctx, rec, delay, rec.Attempts)
}

func (e *RedisEngine) ReleaseWithoutIncrement(ctx context.Context, rec *Record, delay time.Duration) error {
	if rec == nil {
		return requireClaimed(rec)
	}
	return e.release(ctx, rec, delay, max(rec.Attempts-1, 0))
}

func (e *RedisEngine) release(ctx context.Context, rec *Record, delay time.Duration, attempts int) error {
	if err := requireClaimed(rec); err != nil {
		return err
	}
	if err := e.ensureOpen(); err != nil {
		return err
	}
	opCtx, cancel := operationContext(ctx, e.config.OperationTimeout)
	defer cancel()

	queue := normalizeQueue(rec.Queue)
	scheduledAt := e.config.Clock.now().Add(normalizeDelay(delay))
	_, err := e.client.TxPipelined(opCtx, func(pipe redis.Pipeliner) error {
		pipe.HSet(opCtx, e.jobKey(rec.ID), map[string]any{
			"status":       string(StatusNew),
			"attempts":     attempts,
			"scheduled_at": scheduledAt.UnixMilli(),
		})
		pipe.ZAdd(opCtx, e.queueKey(queue), redis.Z{Score: float64(scheduledAt.UnixMilli()), Member: redisMember(rec.ID)})
		return nil
	})
	if err != nil {
		return fmt.Errorf("release job %s: %w", rec.ID, err)
	}
	return nil
}

func (e *RedisEngine) ListFailed(ctx context.Context, limit int) ([]*Record, error) {
	if err := e.ensureOpen(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	opCtx, cancel := operationContext(ctx, e.config.OperationTimeout)
	defer cancel()

	members, err := e.client.ZRevRange(opCtx, e.failedKey(), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("list failed jobs: %w", err)
	}
	if len(members) == 0 {
		return []*Record{}, nil
	}
	ids := make([]string, len(members))
	for idx, member := range members {
		ids[idx] = redisMemberID(member)
	}

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = e.client.Pipelined(opCtx, func(pipe redis.Pipeliner) error {
		for idx, id := range ids {
			cmds[idx] = pipe.HGetAll(opCtx, e.jobKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load failed jobs: %w", err)
	}

	records := make([]*Record, 0, len(ids))
	for idx, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		rec, err := decodeRedisRecord(ids[idx], fields)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

func (e *RedisEngine) RetryFailed(ctx context.Context, id string) error {
	if err := e.ensureOpen(); err != nil {
		return err
	}
	opCtx, cancel := operationContext(ctx, e.config.OperationTimeout)
	defer cancel()

	failedKey := e.failedKey()
	member := redisMember(id)
	return e.client.Watch(opCtx, func(tx *redis.Tx) error {
		if err := tx.ZScore(opCtx, failedKey, member).Err(); err != nil {
			if errors.Is(err, redis.Nil) {
				return fmt.Errorf("%w: failed job %s", ErrNotFound, id)
			}
			return err
		}
		queue, err := tx.HGet(opCtx, e.jobKey(id), "queue").Result()
		if err != nil {
			return fmt.Errorf("load failed job %s: %w", id, err)
		}
		nowMs := e.config.Clock.now().UnixMilli()
		_, err = tx.TxPipelined(opCtx, func(pipe redis.Pipeliner) error {
			pipe.ZRem(opCtx, failedKey, member)
			pipe.HSet(opCtx, e.jobKey(id), map[string]any{
				"status":       string(StatusNew),
				"attempts":     0,
				"exception":    "",
				"failed_at":    "",
				"scheduled_at": nowMs,
			})
			pipe.ZAdd(opCtx, e.queueKey(queue), redis.Z{Score: float64(nowMs), Member: member})
			return nil
		})
		return err
	}, failedKey)
}

func (e *RedisEngine) ForgetFailed(ctx context.Context, id string) error {
	if err := e.ensureOpen(); err != nil {
		return err
	}
	opCtx, cancel := operationContext(ctx, e.config.OperationTimeout)
	defer cancel()

	removed, err := e.client.ZRem(opCtx, e.failedKey(), redisMember(id)).Result()
	if err != nil {
		return fmt.Errorf("forget failed job %s: %w", id, err)
	}
	if removed == 0 {
		return fmt.Errorf("%w: failed job %s", ErrNotFound, id)
	}
	return e.client.Del(opCtx, e.jobKey(id)).Err()
}

func (e *RedisEngine) Name() string { return BackendRedis }

// HealthCheck verifies Redis connectivity.
func (e *RedisEngine) HealthCheck(ctx context.Context) error {
	if err := e.ensureOpen(); err != nil {
		return err
	}
	opCtx, cancel := operationContext(ctx, e.config.OperationTimeout)
	defer cancel()
	return e.client.Ping(opCtx).Err()
}

// Close closes the client when the engine created it.
func (e *RedisEngine) Close() error {
	if e == nil {
		return nil
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()
	if !e.ownsClient {
		return nil
	}
	return e.client.Close()
}

func (e *RedisEngine) ensureOpen() error {
	if e == nil || e.client == nil {
		return jobsError(ErrNotInitialized, "redis engine is not initialized")
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return jobsError(ErrClosed, "redis engine is closed")
	}
	return nil
}

func decodeRedisRecord(id string, fields map[string]string) (*Record, error) {
	attempts, err := strconv.Atoi(fields["attempts"])
	if err != nil {
		return nil, fmt.Errorf("decode job %s attempts: %w", id, err)
	}
	createdAt, err := parseRedisMillis(fields["created_at"])
	if err != nil {
		return nil, fmt.Errorf("decode job %s created_at: %w", id, err)
	}
	scheduledAt, err := parseRedisMillis(fields["scheduled_at"])
	if err != nil {
		return nil, fmt.Errorf("decode job %s scheduled_at: %w", id, err)
	}
	rec := &Record{
		ID:          id,
		Handler:     fields["handler"],
		Payload:     []byte(fields["payload"]),
		Queue:       fields["queue"],
		Status:      Status(fields["status"]),
		Attempts:    attempts,
		Exception:   fields["exception"],
		CreatedAt:   createdAt,
		ScheduledAt: scheduledAt,
	}
	if raw := fields["failed_at"]; raw != "" {
		failedAt, err := parseRedisMillis(raw)
		if err != nil {
			return nil, fmt.Errorf("decode job %s failed_at: %w", id, err)
		}
		rec.FailedAt = &failedAt
	}
	return rec, nil
}

// redisMember pads numeric ids so equal-score members sort by id.
func redisMember(id string) string {
	id = strings.TrimSpace(id)
	seq, err := strconv.ParseUint(id, 10, 64)
	if err != nil {
		return id
	}
	return fmt.Sprintf("%020d", seq)
}

func redisMemberID(member string) string {
	seq, err := strconv.ParseUint(member, 10, 64)
	if err != nil {
		return member
	}
	return strconv.FormatUint(seq, 10)
}

func parseRedisMillis(raw string) (time.Time, error) {
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}

func (e *RedisEngine) jobKey(id string) string {
	return e.prefix() + ":job:" + strings.TrimSpace(id)
}

func (e *RedisEngine) queueKey(queue string) string {
	return e.prefix() + ":queue:" + strings.TrimSpace(queue)
}

func (e *RedisEngine) queuesKey() string {
	return e.prefix() + ":queues"
}

func (e *RedisEngine) failedKey() string {
	return e.prefix() + ":failed"
}

func (e *RedisEngine) idsKey() string {
	return e.prefix() + ":ids"
}

func (e *RedisEngine) prefix() string {
	return strings.TrimRight(strings.TrimSpace(e.config.Prefix), ":")
}

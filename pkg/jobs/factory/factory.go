package factory

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/nimburion/jobqueue/pkg/config"
	"github.com/nimburion/jobqueue/pkg/jobs"
	"github.com/nimburion/jobqueue/pkg/observability/logger"
	"github.com/nimburion/jobqueue/pkg/store"
)

var supportedBackends = []string{
	jobs.BackendSync,
	jobs.BackendNull,
	jobs.BackendMemory,
	jobs.BackendDatabase,
	jobs.BackendRedis,
	jobs.BackendMongoDB,
	jobs.BackendSQS,
	jobs.BackendRabbitMQ,
}

// Engine is an engine together with the store connection the factory opened
// for it. Close releases both.
type Engine struct {
	jobs.Engine
	adapter store.Adapter
}

// Unwrap returns the backend engine.
func (e *Engine) Unwrap() jobs.Engine { return e.Engine }

// Close closes the engine, then the connection it was built on.
func (e *Engine) Close() error {
	err := e.Engine.Close()
	if e.adapter != nil {
		err = errors.Join(err, e.adapter.Close())
	}
	return err
}

// NewEngine builds the engine selected by cfg.Backend. The resolver is only
// used by the sync backend, which runs jobs inline.
func NewEngine(ctx context.Context, cfg config.JobsConfig, resolver jobs.Resolver, log logger.Logger) (jobs.Engine, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	backend := strings.ToLower(strings.TrimSpace(cfg.Backend))
	if backend == "" {
		backend = jobs.BackendMemory
	}
	log = log.With("backend", backend)

	switch backend {
	case jobs.BackendSync:
		engine, err := jobs.NewSyncEngine(resolver, log)
		if err != nil {
			return nil, err
		}
		return engine, nil
	case jobs.BackendNull:
		return jobs.NewNullEngine(), nil
	case jobs.BackendMemory:
		log.Warn("memory jobs backend keeps jobs in this process only")
		return jobs.NewMemoryEngine(nil), nil
	case jobs.BackendDatabase:
		return newDatabaseEngine(ctx, cfg.Database, log)
	case jobs.BackendRedis:
		return newRedisEngine(cfg.Redis, log)
	case jobs.BackendMongoDB:
		return newMongoEngine(ctx, cfg.MongoDB, log)
	case jobs.BackendSQS:
		engine, err := jobs.NewSQSEngine(jobs.SQSEngineConfig{
			Region:            cfg.SQS.Region,
			Endpoint:          cfg.SQS.Endpoint,
			AccessKeyID:       cfg.SQS.AccessKeyID,
			SecretAccessKey:   cfg.SQS.SecretAccessKey,
			SessionToken:      cfg.SQS.SessionToken,
			QueuePrefix:       cfg.SQS.QueuePrefix,
			VisibilityTimeout: cfg.SQS.VisibilityTimeout,
			FailedQueue:       cfg.SQS.FailedQueue,
			OperationTimeout:  cfg.SQS.OperationTimeout,
		}, log)
		if err != nil {
			return nil, err
		}
		return engine, nil
	case jobs.BackendRabbitMQ:
		engine, err := jobs.NewRabbitMQEngine(jobs.RabbitMQEngineConfig{
			URL:              cfg.RabbitMQ.URL,
			FailedQueue:      cfg.RabbitMQ.FailedQueue,
			OperationTimeout: cfg.RabbitMQ.OperationTimeout,
		}, log)
		if err != nil {
			return nil, err
		}
		return engine, nil
	default:
		return nil, fmt.Errorf("unsupported jobs.backend %q (supported: %s)", cfg.Backend, strings.Join(supportedBackends, ", "))
	}
}

func newDatabaseEngine(ctx context.Context, cfg config.JobsDatabaseConfig, log logger.Logger) (jobs.Engine, error) {
	adapter, err := store.NewSQLAdapter(cfg, log)
	if err != nil {
		return nil, err
	}
	if cfg.AutoMigrate {
		if err := migrateJobsTable(ctx, adapter, cfg.Table, log); err != nil {
			_ = adapter.Close()
			return nil, err
		}
	}
	engine, err := jobs.NewDatabaseEngine(adapter.DB(), jobs.DatabaseEngineConfig{
		Dialect:          adapter.Dialect(),
		Table:            cfg.Table,
		OperationTimeout: cfg.OperationTimeout,
	}, log)
	if err != nil {
		_ = adapter.Close()
		return nil, err
	}
	return &Engine{Engine: engine, adapter: adapter}, nil
}

func migrateJobsTable(ctx context.Context, adapter store.SQLAdapter, table string, log logger.Logger) error {
	migrator, err := jobs.NewMigrator(adapter.DB(), adapter.Dialect(), table)
	if err != nil {
		return err
	}
	applied, err := migrator.Up(ctx)
	if err != nil {
		return fmt.Errorf("migrate jobs table: %w", err)
	}
	if applied > 0 {
		log.Info("jobs table migrated", "table", table, "applied", applied)
	}
	return nil
}

func newRedisEngine(cfg config.JobsRedisConfig, log logger.Logger) (jobs.Engine, error) {
	adapter, err := store.NewRedisAdapter(cfg, log)
	if err != nil {
		return nil, err
	}
	engine, err := jobs.NewRedisEngineWithClient(adapter.Client(), jobs.RedisEngineConfig{
		Prefix:           cfg.Prefix,
		OperationTimeout: cfg.OperationTimeout,
		ClaimRetries:     cfg.ClaimRetries,
	}, log)
	if err != nil {
		_ = adapter.Close()
		return nil, err
	}
	return &Engine{Engine: engine, adapter: adapter}, nil
}

func newMongoEngine(ctx context.Context, cfg config.JobsMongoDBConfig, log logger.Logger) (jobs.Engine, error) {
	adapter, err := store.NewMongoAdapter(cfg, log)
	if err != nil {
		return nil, err
	}
	engine, err := jobs.NewMongoEngine(adapter.Collection(), jobs.MongoEngineConfig{
		OperationTimeout: cfg.OperationTimeout,
	}, log)
	if err != nil {
		_ = adapter.Close()
		return nil, err
	}
	if err := engine.EnsureIndexes(ctx); err != nil {
		_ = adapter.Close()
		return nil, err
	}
	return &Engine{Engine: engine, adapter: adapter}, nil
}

// Limiter is a rate limiter plus the connection it owns, if any.
type Limiter struct {
	jobs.Limiter
	adapter store.Adapter
}

// Close releases the limiter's connection.
func (l *Limiter) Close() error {
	if l == nil || l.adapter == nil {
		return nil
	}
	return l.adapter.Close()
}

// HealthCheck pings the limiter store. In-process limiters have nothing to
// ping.
func (l *Limiter) HealthCheck(ctx context.Context) error {
	if l == nil || l.adapter == nil {
		return nil
	}
	return l.adapter.HealthCheck(ctx)
}

// NewLimiter builds the rate limiter store selected by cfg.Type. The redis
// store falls back to jobsRedis.URL when it has no URL of its own.
func NewLimiter(cfg config.JobsRateLimiterConfig, jobsRedis config.JobsRedisConfig, log logger.Logger) (*Limiter, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Type)) {
	case "", config.RateLimiterMemory:
		return &Limiter{Limiter: jobs.NewMemoryLimiter(nil)}, nil
	case config.RateLimiterRedis:
		redisCfg := jobsRedis
		if url := strings.TrimSpace(cfg.Redis.URL); url != "" {
			redisCfg.URL = url
		}
		if cfg.Redis.OperationTimeout > 0 {
			redisCfg.OperationTimeout = cfg.Redis.OperationTimeout
		}
		adapter, err := store.NewRedisAdapter(redisCfg, log)
		if err != nil {
			return nil, err
		}
		limiter, err := jobs.NewRedisLimiter(adapter.Client(), jobs.RedisLimiterConfig{
			Prefix:           cfg.Prefix,
			OperationTimeout: cfg.Redis.OperationTimeout,
		}, log)
		if err != nil {
			_ = adapter.Close()
			return nil, err
		}
		return &Limiter{Limiter: limiter, adapter: adapter}, nil
	case config.RateLimiterMemcached:
		adapter, err := store.NewMemcachedAdapter(cfg.Memcached)
		if err != nil {
			return nil, err
		}
		limiter, err := jobs.NewMemcachedLimiter(adapter, jobs.MemcachedLimiterConfig{Prefix: cfg.Prefix}, log)
		if err != nil {
			return nil, err
		}
		return &Limiter{Limiter: limiter, adapter: adapter}, nil
	default:
		return nil, fmt.Errorf("unsupported jobs.rate_limiter.type %q (supported: %s, %s, %s)",
			cfg.Type, config.RateLimiterMemory, config.RateLimiterRedis, config.RateLimiterMemcached)
	}
}

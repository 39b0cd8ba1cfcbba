// Package store opens the connections job engines and rate limiters run on.
// Each subpackage wraps one driver; this package maps the jobs configuration
// onto them.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/nimburion/jobqueue/pkg/config"
	"github.com/nimburion/jobqueue/pkg/observability/logger"
	"github.com/nimburion/jobqueue/pkg/store/memcached"
	"github.com/nimburion/jobqueue/pkg/store/mongodb"
	"github.com/nimburion/jobqueue/pkg/store/mysql"
	"github.com/nimburion/jobqueue/pkg/store/postgres"
	"github.com/nimburion/jobqueue/pkg/store/redis"
)

// Adapter is what every connection wrapper provides: a health check for
// readiness checks and Close for shutdown.
type Adapter interface {
	HealthCheck(ctx context.Context) error
	Close() error
}

// SQLAdapter is a relational adapter holding the jobs table.
type SQLAdapter interface {
	Adapter
	DB() *sql.DB
	Dialect() string
}

var (
	_ SQLAdapter = (*postgres.Adapter)(nil)
	_ SQLAdapter = (*mysql.Adapter)(nil)
	_ Adapter    = (*mongodb.Adapter)(nil)
	_ Adapter    = (*redis.Adapter)(nil)
	_ Adapter    = (*memcached.Adapter)(nil)
)

// NewSQLAdapter opens the pool selected by jobs.database.driver.
func NewSQLAdapter(cfg config.JobsDatabaseConfig, log logger.Logger) (SQLAdapter, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case config.DatabaseDriverPostgres, "postgresql":
		return postgres.NewAdapter(postgres.Config{
			URL:             cfg.URL,
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: cfg.ConnMaxLifetime,
			ConnMaxIdleTime: cfg.ConnMaxIdleTime,
			PingTimeout:     cfg.OperationTimeout,
		}, log)
	case config.DatabaseDriverMySQL:
		return mysql.NewAdapter(mysql.Config{
			URL:             cfg.URL,
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: cfg.ConnMaxLifetime,
			ConnMaxIdleTime: cfg.ConnMaxIdleTime,
			PingTimeout:     cfg.OperationTimeout,
		}, log)
	default:
		return nil, fmt.Errorf("unsupported jobs.database.driver %q (supported: %s, %s)",
			cfg.Driver, config.DatabaseDriverPostgres, config.DatabaseDriverMySQL)
	}
}

// NewRedisAdapter connects to the Redis server named by cfg.URL.
func NewRedisAdapter(cfg config.JobsRedisConfig, log logger.Logger) (*redis.Adapter, error) {
	return redis.NewAdapter(redis.Config{
		URL:              cfg.URL,
		MaxConns:         cfg.MaxConns,
		OperationTimeout: cfg.OperationTimeout,
	}, log)
}

// NewMongoAdapter connects to the configured jobs collection.
func NewMongoAdapter(cfg config.JobsMongoDBConfig, log logger.Logger) (*mongodb.Adapter, error) {
	return mongodb.NewAdapter(mongodb.Config{
		URL:            cfg.URL,
		Database:       cfg.Database,
		Collection:     cfg.Collection,
		ConnectTimeout: cfg.ConnectTimeout,
	}, log)
}

// NewMemcachedAdapter builds a client for the rate limiter store.
func NewMemcachedAdapter(cfg config.RateLimiterMemcachedConfig) (*memcached.Adapter, error) {
	return memcached.NewMemcachedAdapter(cfg.Addresses, cfg.Timeout)
}

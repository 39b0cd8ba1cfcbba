package config

import "time"

// Jobs backend constants
const (
	JobsBackendSync     = "sync"
	JobsBackendNull     = "null"
	JobsBackendMemory   = "memory"
	JobsBackendDatabase = "database"
	JobsBackendRedis    = "redis"
	JobsBackendMongoDB  = "mongodb"
	JobsBackendSQS      = "sqs"
	JobsBackendRabbitMQ = "rabbitmq"
)

// Database driver constants
const (
	// DatabaseDriverPostgres represents PostgreSQL through lib/pq
	DatabaseDriverPostgres = "postgres"
	// DatabaseDriverMySQL represents MySQL through go-sql-driver/mysql
	DatabaseDriverMySQL = "mysql"
)

// Rate limiter store constants
const (
	RateLimiterMemory    = "memory"
	RateLimiterRedis     = "redis"
	RateLimiterMemcached = "memcached"
)

// Config is the root configuration of a jobs process.
type Config struct {
	Service       ServiceConfig       `mapstructure:"service" yaml:"service"`
	Jobs          JobsConfig          `mapstructure:"jobs" yaml:"jobs"`
	Observability ObservabilityConfig `mapstructure:"observability" yaml:"observability"`
}

// ServiceConfig configures service identity metadata.
type ServiceConfig struct {
	Name        string `mapstructure:"name" yaml:"name"`
	Environment string `mapstructure:"environment" yaml:"environment"`
}

// JobsConfig selects the queue backend and the worker defaults.
type JobsConfig struct {
	Backend      string                `mapstructure:"backend" yaml:"backend"` // sync, null, memory, database, redis, mongodb, sqs, rabbitmq
	Queues       []string              `mapstructure:"queues" yaml:"queues"`
	DefaultQueue string                `mapstructure:"default_queue" yaml:"default_queue"`
	Worker       JobsWorkerConfig      `mapstructure:"worker" yaml:"worker"`
	Retry        JobsRetryConfig       `mapstructure:"retry" yaml:"retry"`
	Database     JobsDatabaseConfig    `mapstructure:"database" yaml:"database"`
	Redis        JobsRedisConfig       `mapstructure:"redis" yaml:"redis"`
	MongoDB      JobsMongoDBConfig     `mapstructure:"mongodb" yaml:"mongodb"`
	SQS          JobsSQSConfig         `mapstructure:"sqs" yaml:"sqs"`
	RabbitMQ     JobsRabbitMQConfig    `mapstructure:"rabbitmq" yaml:"rabbitmq"`
	RateLimiter  JobsRateLimiterConfig `mapstructure:"rate_limiter" yaml:"rate_limiter"`
}

// JobsWorkerConfig configures the polling loop.
type JobsWorkerConfig struct {
	Sleep    time.Duration `mapstructure:"sleep" yaml:"sleep"`
	Cooldown time.Duration `mapstructure:"cooldown" yaml:"cooldown"` // 0 = run until stopped
}

// JobsRetryConfig configures the default retry policy.
type JobsRetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	RetryAfter  time.Duration `mapstructure:"retry_after" yaml:"retry_after"`
}

// JobsDatabaseConfig configures the relational backend.
type JobsDatabaseConfig struct {
	Driver           string        `mapstructure:"driver" yaml:"driver"` // postgres, mysql
	URL              string        `mapstructure:"url" yaml:"url"`
	Table            string        `mapstructure:"table" yaml:"table"`
	MaxOpenConns     int           `mapstructure:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns     int           `mapstructure:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime  time.Duration `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime"`
	ConnMaxIdleTime  time.Duration `mapstructure:"conn_max_idle_time" yaml:"conn_max_idle_time"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout" yaml:"operation_timeout"`
	AutoMigrate      bool          `mapstructure:"auto_migrate" yaml:"auto_migrate"`
}

// JobsRedisConfig configures the Redis backend.
type JobsRedisConfig struct {
	URL              string        `mapstructure:"url" yaml:"url"`
	Prefix           string        `mapstructure:"prefix" yaml:"prefix"`
	MaxConns         int           `mapstructure:"max_conns" yaml:"max_conns"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout" yaml:"operation_timeout"`
	ClaimRetries     int           `mapstructure:"claim_retries" yaml:"claim_retries"`
}

// JobsMongoDBConfig configures the MongoDB backend.
type JobsMongoDBConfig struct {
	URL              string        `mapstructure:"url" yaml:"url"`
	Database         string        `mapstructure:"database" yaml:"database"`
	Collection       string        `mapstructure:"collection" yaml:"collection"`
	ConnectTimeout   time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout" yaml:"operation_timeout"`
}

// JobsSQSConfig configures the Amazon SQS backend.
type JobsSQSConfig struct {
	Region            string        `mapstructure:"region" yaml:"region"`
	Endpoint          string        `mapstructure:"endpoint" yaml:"endpoint"`
	AccessKeyID       string        `mapstructure:"access_key_id" yaml:"access_key_id"`
	SecretAccessKey   string        `mapstructure:"secret_access_key" yaml:"secret_access_key"`
	SessionToken      string        `mapstructure:"session_token" yaml:"session_token"`
	QueuePrefix       string        `mapstructure:"queue_prefix" yaml:"queue_prefix"`
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout" yaml:"visibility_timeout"`
	FailedQueue       string        `mapstructure:"failed_queue" yaml:"failed_queue"`
	OperationTimeout  time.Duration `mapstructure:"operation_timeout" yaml:"operation_timeout"`
}

// JobsRabbitMQConfig configures the RabbitMQ backend.
type JobsRabbitMQConfig struct {
	URL              string        `mapstructure:"url" yaml:"url"`
	FailedQueue      string        `mapstructure:"failed_queue" yaml:"failed_queue"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout" yaml:"operation_timeout"`
}

// JobsRateLimiterConfig selects where rate limit windows are counted.
type JobsRateLimiterConfig struct {
	Type      string                     `mapstructure:"type" yaml:"type"` // memory, redis, memcached
	Prefix    string                     `mapstructure:"prefix" yaml:"prefix"`
	Redis     RateLimiterRedisConfig     `mapstructure:"redis" yaml:"redis"`
	Memcached RateLimiterMemcachedConfig `mapstructure:"memcached" yaml:"memcached"`
}

// RateLimiterRedisConfig configures the Redis limiter store. An empty URL
// reuses jobs.redis.url.
type RateLimiterRedisConfig struct {
	URL              string        `mapstructure:"url" yaml:"url"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout" yaml:"operation_timeout"`
}

// RateLimiterMemcachedConfig configures the Memcached limiter store.
type RateLimiterMemcachedConfig struct {
	Addresses []string      `mapstructure:"addresses" yaml:"addresses"`
	Timeout   time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// ObservabilityConfig configures logging, metrics, and tracing
type ObservabilityConfig struct {
	LogLevel          string             `mapstructure:"log_level" yaml:"log_level"`
	LogFormat         string             `mapstructure:"log_format" yaml:"log_format"` // json, text
	ServiceName       string             `mapstructure:"service_name" yaml:"service_name"`
	TracingEnabled    bool               `mapstructure:"tracing_enabled" yaml:"tracing_enabled"`
	TracingSampleRate float64            `mapstructure:"tracing_sample_rate" yaml:"tracing_sample_rate"`
	TracingEndpoint   string             `mapstructure:"tracing_endpoint" yaml:"tracing_endpoint"`
	TracingInsecure   bool               `mapstructure:"tracing_insecure" yaml:"tracing_insecure"`
	MetricsAddress    string             `mapstructure:"metrics_address" yaml:"metrics_address"` // empty disables /metrics
	AsyncLogging      AsyncLoggingConfig `mapstructure:"async_logging" yaml:"async_logging"`
}

// AsyncLoggingConfig configures optional asynchronous logger dispatching.
type AsyncLoggingConfig struct {
	Enabled      bool `mapstructure:"enabled" yaml:"enabled"`
	QueueSize    int  `mapstructure:"queue_size" yaml:"queue_size"`
	WorkerCount  int  `mapstructure:"worker_count" yaml:"worker_count"`
	DropWhenFull bool `mapstructure:"drop_when_full" yaml:"drop_when_full"`
}

// DefaultConfig returns the configuration used when nothing overrides it.
func DefaultConfig() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:        "jobqueue",
			Environment: "development",
		},
		Jobs: JobsConfig{
			Backend:      JobsBackendMemory,
			Queues:       []string{"default"},
			DefaultQueue: "default",
			Worker: JobsWorkerConfig{
				Sleep: 3 * time.Second,
			},
			Retry: JobsRetryConfig{
				MaxAttempts: 3,
				RetryAfter:  10 * time.Second,
			},
			Database: JobsDatabaseConfig{
				Driver:           DatabaseDriverPostgres,
				Table:            "jobs",
				MaxOpenConns:     10,
				MaxIdleConns:     5,
				ConnMaxLifetime:  5 * time.Minute,
				ConnMaxIdleTime:  5 * time.Minute,
				OperationTimeout: 5 * time.Second,
			},
			Redis: JobsRedisConfig{
				Prefix:           "jobqueue:jobs",
				MaxConns:         10,
				OperationTimeout: 5 * time.Second,
				ClaimRetries:     16,
			},
			MongoDB: JobsMongoDBConfig{
				Database:         "jobqueue",
				Collection:       "jobs",
				ConnectTimeout:   10 * time.Second,
				OperationTimeout: 5 * time.Second,
			},
			SQS: JobsSQSConfig{
				VisibilityTimeout: 30 * time.Second,
				FailedQueue:       "jobs.failed",
				OperationTimeout:  30 * time.Second,
			},
			RabbitMQ: JobsRabbitMQConfig{
				FailedQueue:      "jobs.failed",
				OperationTimeout: 30 * time.Second,
			},
			RateLimiter: JobsRateLimiterConfig{
				Type:   RateLimiterMemory,
				Prefix: "jobqueue:jobs:limiter",
				Redis: RateLimiterRedisConfig{
					OperationTimeout: 2 * time.Second,
				},
				Memcached: RateLimiterMemcachedConfig{
					Timeout: 500 * time.Millisecond,
				},
			},
		},
		Observability: ObservabilityConfig{
			LogLevel:          "info",
			LogFormat:         "json",
			ServiceName:       "jobqueue",
			TracingSampleRate: 0.1,
			TracingInsecure:   true,
			AsyncLogging: AsyncLoggingConfig{
				QueueSize:   1024,
				WorkerCount: 1,
			},
		},
	}
}

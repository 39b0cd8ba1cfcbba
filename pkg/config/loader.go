package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var validIdentifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// flagKeys maps command line flags to the configuration keys they override.
var flagKeys = map[string]string{
	"backend":   "jobs.backend",
	"queue":     "jobs.queues",
	"sleep":     "jobs.worker.sleep",
	"cooldown":  "jobs.worker.cooldown",
	"log-level": "observability.log_level",
}

// Loader defines the interface for loading configuration
type Loader interface {
	Load() (*Config, error)
	Validate(*Config) error
}

// ViperLoader implements Loader using Viper for configuration management
type ViperLoader struct {
	configFile         string
	envPrefix          string
	serviceNameDefault string
	flags              *pflag.FlagSet
}

// NewViperLoader creates a new ViperLoader
// configFile: path to configuration file (optional, can be empty)
// envPrefix: prefix for environment variables (e.g., "APP")
func NewViperLoader(configFile, envPrefix string) *ViperLoader {
	return &ViperLoader{
		configFile: configFile,
		envPrefix:  envPrefix,
	}
}

// WithServiceNameDefault sets the default service.name used when no config/env override is provided.
func (l *ViperLoader) WithServiceNameDefault(serviceName string) *ViperLoader {
	if l == nil {
		return l
	}
	l.serviceNameDefault = strings.TrimSpace(serviceName)
	return l
}

// WithFlags lets changed command line flags override every other source.
// Only flags listed in flagKeys are consulted.
func (l *ViperLoader) WithFlags(flags *pflag.FlagSet) *ViperLoader {
	if l == nil {
		return l
	}
	l.flags = flags
	return l
}

// ConfigFile returns the path to the config file, or empty string if none.
func (l *ViperLoader) ConfigFile() string {
	if l == nil {
		return ""
	}
	return l.configFile
}

// Load loads configuration with precedence: flags > ENV > file > defaults
func (l *ViperLoader) Load() (*Config, error) {
	cfg, _, err := l.load(false)
	return cfg, err
}

func (l *ViperLoader) load(withSecrets bool) (*Config, *Config, error) {
	v := viper.New()
	l.setDefaults(v, DefaultConfig())

	if l.configFile != "" {
		v.SetConfigFile(l.configFile)
		if err := v.ReadInConfig(); err != nil {
			// Only return error if file was explicitly specified but couldn't be read
			return nil, nil, fmt.Errorf("failed to read config file %s: %w", l.configFile, err)
		}
	}

	var secrets *Config
	if withSecrets {
		var err error
		if secrets, err = l.mergeSecrets(v); err != nil {
			return nil, nil, err
		}
	}

	v.SetEnvPrefix(l.envPrefix)
	l.bindEnvVars(v)
	if err := l.bindFlags(v); err != nil {
		return nil, nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := l.Validate(&cfg); err != nil {
		return nil, nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, secrets, nil
}

// bindEnvVars explicitly binds environment variables for nested structs
func (l *ViperLoader) bindEnvVars(v *viper.Viper) {
	v.BindEnv("service.name", l.prefixedEnv("SERVICE_NAME"))
	v.BindEnv("service.environment", l.prefixedEnv("SERVICE_ENVIRONMENT"), l.prefixedEnv("ENVIRONMENT"))

	// Jobs
	v.BindEnv("jobs.backend", l.prefixedEnv("JOBS_BACKEND"))
	v.BindEnv("jobs.queues", l.prefixedEnv("JOBS_QUEUES"))
	v.BindEnv("jobs.default_queue", l.prefixedEnv("JOBS_DEFAULT_QUEUE"))
	v.BindEnv("jobs.worker.sleep", l.prefixedEnv("JOBS_WORKER_SLEEP"))
	v.BindEnv("jobs.worker.cooldown", l.prefixedEnv("JOBS_WORKER_COOLDOWN"))
	v.BindEnv("jobs.retry.max_attempts", l.prefixedEnv("JOBS_RETRY_MAX_ATTEMPTS"))
	v.BindEnv("jobs.retry.retry_after", l.prefixedEnv("JOBS_RETRY_RETRY_AFTER"))

	v.BindEnv("jobs.database.driver", l.prefixedEnv("JOBS_DB_DRIVER"))
	v.BindEnv("jobs.database.url", l.prefixedEnv("JOBS_DB_URL"))
	v.BindEnv("jobs.database.table", l.prefixedEnv("JOBS_DB_TABLE"))
	v.BindEnv("jobs.database.max_open_conns", l.prefixedEnv("JOBS_DB_MAX_OPEN_CONNS"))
	v.BindEnv("jobs.database.max_idle_conns", l.prefixedEnv("JOBS_DB_MAX_IDLE_CONNS"))
	v.BindEnv("jobs.database.conn_max_lifetime", l.prefixedEnv("JOBS_DB_CONN_MAX_LIFETIME"))
	v.BindEnv("jobs.database.conn_max_idle_time", l.prefixedEnv("JOBS_DB_CONN_MAX_IDLE_TIME"))
	v.BindEnv("jobs.database.operation_timeout", l.prefixedEnv("JOBS_DB_OPERATION_TIMEOUT"))
	v.BindEnv("jobs.database.auto_migrate", l.prefixedEnv("JOBS_DB_AUTO_MIGRATE"))

	v.BindEnv("jobs.redis.url", l.prefixedEnv("JOBS_REDIS_URL"))
	v.BindEnv("jobs.redis.prefix", l.prefixedEnv("JOBS_REDIS_PREFIX"))
	v.BindEnv("jobs.redis.max_conns", l.prefixedEnv("JOBS_REDIS_MAX_CONNS"))
	v.BindEnv("jobs.redis.operation_timeout", l.prefixedEnv("JOBS_REDIS_OPERATION_TIMEOUT"))
	v.BindEnv("jobs.redis.claim_retries", l.prefixedEnv("JOBS_REDIS_CLAIM_RETRIES"))

	v.BindEnv("jobs.mongodb.url", l.prefixedEnv("JOBS_MONGODB_URL"))
	v.BindEnv("jobs.mongodb.database", l.prefixedEnv("JOBS_MONGODB_DATABASE"))
	v.BindEnv("jobs.mongodb.collection", l.prefixedEnv("JOBS_MONGODB_COLLECTION"))
	v.BindEnv("jobs.mongodb.connect_timeout", l.prefixedEnv("JOBS_MONGODB_CONNECT_TIMEOUT"))
	v.BindEnv("jobs.mongodb.operation_timeout", l.prefixedEnv("JOBS_MONGODB_OPERATION_TIMEOUT"))

	v.BindEnv("jobs.sqs.region", l.prefixedEnv("JOBS_SQS_REGION"), "AWS_REGION")
	v.BindEnv("jobs.sqs.endpoint", l.prefixedEnv("JOBS_SQS_ENDPOINT"))
	v.BindEnv("jobs.sqs.access_key_id", l.prefixedEnv("JOBS_SQS_ACCESS_KEY_ID"))
	v.BindEnv("jobs.sqs.secret_access_key", l.prefixedEnv("JOBS_SQS_SECRET_ACCESS_KEY"))
	v.BindEnv("jobs.sqs.session_token", l.prefixedEnv("JOBS_SQS_SESSION_TOKEN"))
	v.BindEnv("jobs.sqs.queue_prefix", l.prefixedEnv("JOBS_SQS_QUEUE_PREFIX"))
	v.BindEnv("jobs.sqs.visibility_timeout", l.prefixedEnv("JOBS_SQS_VISIBILITY_TIMEOUT"))
	v.BindEnv("jobs.sqs.failed_queue", l.prefixedEnv("JOBS_SQS_FAILED_QUEUE"))
	v.BindEnv("jobs.sqs.operation_timeout", l.prefixedEnv("JOBS_SQS_OPERATION_TIMEOUT"))

	v.BindEnv("jobs.rabbitmq.url", l.prefixedEnv("JOBS_RABBITMQ_URL"))
	v.BindEnv("jobs.rabbitmq.failed_queue", l.prefixedEnv("JOBS_RABBITMQ_FAILED_QUEUE"))
	v.BindEnv("jobs.rabbitmq.operation_timeout", l.prefixedEnv("JOBS_RABBITMQ_OPERATION_TIMEOUT"))

	v.BindEnv("jobs.rate_limiter.type", l.prefixedEnv("JOBS_RATE_LIMITER_TYPE"))
	v.BindEnv("jobs.rate_limiter.prefix", l.prefixedEnv("JOBS_RATE_LIMITER_PREFIX"))
	v.BindEnv("jobs.rate_limiter.redis.url", l.prefixedEnv("JOBS_RATE_LIMITER_REDIS_URL"))
	v.BindEnv("jobs.rate_limiter.redis.operation_timeout", l.prefixedEnv("JOBS_RATE_LIMITER_REDIS_OPERATION_TIMEOUT"))
	v.BindEnv("jobs.rate_limiter.memcached.addresses", l.prefixedEnv("JOBS_RATE_LIMITER_MEMCACHED_ADDRESSES"))
	v.BindEnv("jobs.rate_limiter.memcached.timeout", l.prefixedEnv("JOBS_RATE_LIMITER_MEMCACHED_TIMEOUT"))

	// Observability
	v.BindEnv("observability.log_level", l.prefixedEnv("LOG_LEVEL"))
	v.BindEnv("observability.log_format", l.prefixedEnv("LOG_FORMAT"))
	v.BindEnv("observability.service_name", l.prefixedEnv("SERVICE_NAME"))
	v.BindEnv("observability.tracing_enabled", l.prefixedEnv("TRACING_ENABLED"))
	v.BindEnv("observability.tracing_sample_rate", l.prefixedEnv("TRACING_SAMPLE_RATE"))
	v.BindEnv("observability.tracing_endpoint", l.prefixedEnv("TRACING_ENDPOINT"))
	v.BindEnv("observability.tracing_insecure", l.prefixedEnv("TRACING_INSECURE"))
	v.BindEnv("observability.metrics_address", l.prefixedEnv("METRICS_ADDRESS"))
	v.BindEnv("observability.async_logging.enabled", l.prefixedEnv("ASYNC_LOGGING_ENABLED"))
	v.BindEnv("observability.async_logging.queue_size", l.prefixedEnv("ASYNC_LOGGING_QUEUE_SIZE"))
	v.BindEnv("observability.async_logging.worker_count", l.prefixedEnv("ASYNC_LOGGING_WORKER_COUNT"))
	v.BindEnv("observability.async_logging.drop_when_full", l.prefixedEnv("ASYNC_LOGGING_DROP_WHEN_FULL"))
}

func (l *ViperLoader) bindFlags(v *viper.Viper) error {
	if l.flags == nil {
		return nil
	}
	for name, key := range flagKeys {
		flag := l.flags.Lookup(name)
		if flag == nil {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return fmt.Errorf("failed to bind flag --%s: %w", name, err)
		}
	}
	return nil
}

func (l *ViperLoader) prefixedEnv(suffix string) string {
	prefix := strings.TrimSpace(l.envPrefix)
	if prefix == "" {
		prefix = "APP"
	}
	return fmt.Sprintf("%s_%s", strings.ToUpper(prefix), suffix)
}

func (l *ViperLoader) defaultServiceName(fallback string) string {
	if l != nil {
		if configured := strings.TrimSpace(l.serviceNameDefault); configured != "" {
			return configured
		}
	}
	return strings.TrimSpace(fallback)
}

// setDefaults sets default values in Viper from the default config
func (l *ViperLoader) setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("service.name", l.defaultServiceName(cfg.Service.Name))
	v.SetDefault("service.environment", cfg.Service.Environment)

	// Jobs defaults
	v.SetDefault("jobs.backend", cfg.Jobs.Backend)
	v.SetDefault("jobs.queues", cfg.Jobs.Queues)
	v.SetDefault("jobs.default_queue", cfg.Jobs.DefaultQueue)
	v.SetDefault("jobs.worker.sleep", cfg.Jobs.Worker.Sleep)
	v.SetDefault("jobs.worker.cooldown", cfg.Jobs.Worker.Cooldown)
	v.SetDefault("jobs.retry.max_attempts", cfg.Jobs.Retry.MaxAttempts)
	v.SetDefault("jobs.retry.retry_after", cfg.Jobs.Retry.RetryAfter)

	v.SetDefault("jobs.database.driver", cfg.Jobs.Database.Driver)
	v.SetDefault("jobs.database.url", cfg.Jobs.Database.URL)
	v.SetDefault("jobs.database.table", cfg.Jobs.Database.Table)
	v.SetDefault("jobs.database.max_open_conns", cfg.Jobs.Database.MaxOpenConns)
	v.SetDefault("jobs.database.max_idle_conns", cfg.Jobs.Database.MaxIdleConns)
	v.SetDefault("jobs.database.conn_max_lifetime", cfg.Jobs.Database.ConnMaxLifetime)
	v.SetDefault("jobs.database.conn_max_idle_time", cfg.Jobs.Database.ConnMaxIdleTime)
	v.SetDefault("jobs.database.operation_timeout", cfg.Jobs.Database.OperationTimeout)
	v.SetDefault("jobs.database.auto_migrate", cfg.Jobs.Database.AutoMigrate)

	v.SetDefault("jobs.redis.url", cfg.Jobs.Redis.URL)
	v.SetDefault("jobs.redis.prefix", cfg.Jobs.Redis.Prefix)
	v.SetDefault("jobs.redis.max_conns", cfg.Jobs.Redis.MaxConns)
	v.SetDefault("jobs.redis.operation_timeout", cfg.Jobs.Redis.OperationTimeout)
	v.SetDefault("jobs.redis.claim_retries", cfg.Jobs.Redis.ClaimRetries)

	v.SetDefault("jobs.mongodb.url", cfg.Jobs.MongoDB.URL)
	v.SetDefault("jobs.mongodb.database", cfg.Jobs.MongoDB.Database)
	v.SetDefault("jobs.mongodb.collection", cfg.Jobs.MongoDB.Collection)
	v.SetDefault("jobs.mongodb.connect_timeout", cfg.Jobs.MongoDB.ConnectTimeout)
	v.SetDefault("jobs.mongodb.operation_timeout", cfg.Jobs.MongoDB.OperationTimeout)

	v.SetDefault("jobs.sqs.region", cfg.Jobs.SQS.Region)
	v.SetDefault("jobs.sqs.endpoint", cfg.Jobs.SQS.Endpoint)
	v.SetDefault("jobs.sqs.access_key_id", cfg.Jobs.SQS.AccessKeyID)
	v.SetDefault("jobs.sqs.secret_access_key", cfg.Jobs.SQS.SecretAccessKey)
	v.SetDefault("jobs.sqs.session_token", cfg.Jobs.SQS.SessionToken)
	v.SetDefault("jobs.sqs.queue_prefix", cfg.Jobs.SQS.QueuePrefix)
	v.SetDefault("jobs.sqs.visibility_timeout", cfg.Jobs.SQS.VisibilityTimeout)
	v.SetDefault("jobs.sqs.failed_queue", cfg.Jobs.SQS.FailedQueue)
	v.SetDefault("jobs.sqs.operation_timeout", cfg.Jobs.SQS.OperationTimeout)

	v.SetDefault("jobs.rabbitmq.url", cfg.Jobs.RabbitMQ.URL)
	v.SetDefault("jobs.rabbitmq.failed_queue", cfg.Jobs.RabbitMQ.FailedQueue)
	v.SetDefault("jobs.rabbitmq.operation_timeout", cfg.Jobs.RabbitMQ.OperationTimeout)

	v.SetDefault("jobs.rate_limiter.type", cfg.Jobs.RateLimiter.Type)
	v.SetDefault("jobs.rate_limiter.prefix", cfg.Jobs.RateLimiter.Prefix)
	v.SetDefault("jobs.rate_limiter.redis.url", cfg.Jobs.RateLimiter.Redis.URL)
	v.SetDefault("jobs.rate_limiter.redis.operation_timeout", cfg.Jobs.RateLimiter.Redis.OperationTimeout)
	v.SetDefault("jobs.rate_limiter.memcached.addresses", cfg.Jobs.RateLimiter.Memcached.Addresses)
	v.SetDefault("jobs.rate_limiter.memcached.timeout", cfg.Jobs.RateLimiter.Memcached.Timeout)

	// Observability defaults
	v.SetDefault("observability.log_level", cfg.Observability.LogLevel)
	v.SetDefault("observability.log_format", cfg.Observability.LogFormat)
	v.SetDefault("observability.service_name", l.defaultServiceName(cfg.Observability.ServiceName))
	v.SetDefault("observability.tracing_enabled", cfg.Observability.TracingEnabled)
	v.SetDefault("observability.tracing_sample_rate", cfg.Observability.TracingSampleRate)
	v.SetDefault("observability.tracing_endpoint", cfg.Observability.TracingEndpoint)
	v.SetDefault("observability.tracing_insecure", cfg.Observability.TracingInsecure)
	v.SetDefault("observability.metrics_address", cfg.Observability.MetricsAddress)
	v.SetDefault("observability.async_logging.enabled", cfg.Observability.AsyncLogging.Enabled)
	v.SetDefault("observability.async_logging.queue_size", cfg.Observability.AsyncLogging.QueueSize)
	v.SetDefault("observability.async_logging.worker_count", cfg.Observability.AsyncLogging.WorkerCount)
	v.SetDefault("observability.async_logging.drop_when_full", cfg.Observability.AsyncLogging.DropWhenFull)
}

// Validate validates the configuration and returns detailed errors
func (l *ViperLoader) Validate(cfg *Config) error {
	var errs []error

	cfg.Jobs.Backend = strings.ToLower(strings.TrimSpace(cfg.Jobs.Backend))
	cfg.Jobs.Queues = normalizeStringSlice(cfg.Jobs.Queues)
	cfg.Jobs.DefaultQueue = strings.TrimSpace(cfg.Jobs.DefaultQueue)
	cfg.Jobs.RateLimiter.Memcached.Addresses = normalizeStringSlice(cfg.Jobs.RateLimiter.Memcached.Addresses)

	validBackends := []string{
		JobsBackendSync, JobsBackendNull, JobsBackendMemory, JobsBackendDatabase,
		JobsBackendRedis, JobsBackendMongoDB, JobsBackendSQS, JobsBackendRabbitMQ,
	}
	if !contains(validBackends, cfg.Jobs.Backend) {
		errs = append(errs, fmt.Errorf("invalid jobs.backend: %s (must be one of: %v)", cfg.Jobs.Backend, validBackends))
	}
	if len(cfg.Jobs.Queues) == 0 {
		errs = append(errs, errors.New("jobs.queues must contain at least one queue"))
	}
	if cfg.Jobs.DefaultQueue == "" {
		errs = append(errs, errors.New("jobs.default_queue is required"))
	}
	if cfg.Jobs.Worker.Sleep <= 0 {
		errs = append(errs, errors.New("jobs.worker.sleep must be positive"))
	}
	if cfg.Jobs.Worker.Cooldown < 0 {
		errs = append(errs, errors.New("jobs.worker.cooldown cannot be negative"))
	}
	if cfg.Jobs.Retry.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("invalid jobs.retry.max_attempts: %d (must be at least 1)", cfg.Jobs.Retry.MaxAttempts))
	}
	if cfg.Jobs.Retry.RetryAfter < 0 {
		errs = append(errs, errors.New("jobs.retry.retry_after cannot be negative"))
	}

	switch cfg.Jobs.Backend {
	case JobsBackendDatabase:
		validDrivers := []string{DatabaseDriverPostgres, DatabaseDriverMySQL}
		if !contains(validDrivers, strings.ToLower(cfg.Jobs.Database.Driver)) {
			errs = append(errs, fmt.Errorf("invalid jobs.database.driver: %s (must be one of: %v)", cfg.Jobs.Database.Driver, validDrivers))
		}
		if strings.TrimSpace(cfg.Jobs.Database.URL) == "" {
			errs = append(errs, errors.New("jobs.database.url is required for the database backend"))
		}
		if !validIdentifier.MatchString(cfg.Jobs.Database.Table) {
			errs = append(errs, fmt.Errorf("invalid jobs.database.table: %q", cfg.Jobs.Database.Table))
		}
	case JobsBackendRedis:
		if strings.TrimSpace(cfg.Jobs.Redis.URL) == "" {
			errs = append(errs, errors.New("jobs.redis.url is required for the redis backend"))
		}
	case JobsBackendMongoDB:
		if strings.TrimSpace(cfg.Jobs.MongoDB.URL) == "" {
			errs = append(errs, errors.New("jobs.mongodb.url is required for the mongodb backend"))
		}
		if strings.TrimSpace(cfg.Jobs.MongoDB.Database) == "" {
			errs = append(errs, errors.New("jobs.mongodb.database is required for the mongodb backend"))
		}
		if strings.TrimSpace(cfg.Jobs.MongoDB.Collection) == "" {
			errs = append(errs, errors.New("jobs.mongodb.collection is required for the mongodb backend"))
		}
	case JobsBackendSQS:
		if strings.TrimSpace(cfg.Jobs.SQS.Region) == "" {
			errs = append(errs, errors.New("jobs.sqs.region is required for the sqs backend"))
		}
	case JobsBackendRabbitMQ:
		if strings.TrimSpace(cfg.Jobs.RabbitMQ.URL) == "" {
			errs = append(errs, errors.New("jobs.rabbitmq.url is required for the rabbitmq backend"))
		}
	}

	validLimiters := []string{RateLimiterMemory, RateLimiterRedis, RateLimiterMemcached}
	limiterType := strings.ToLower(strings.TrimSpace(cfg.Jobs.RateLimiter.Type))
	if !contains(validLimiters, limiterType) {
		errs = append(errs, fmt.Errorf("invalid jobs.rate_limiter.type: %s (must be one of: %v)", cfg.Jobs.RateLimiter.Type, validLimiters))
	}
	if limiterType == RateLimiterRedis && strings.TrimSpace(cfg.Jobs.RateLimiter.Redis.URL) == "" && strings.TrimSpace(cfg.Jobs.Redis.URL) == "" {
		errs = append(errs, errors.New("jobs.rate_limiter.redis.url or jobs.redis.url is required for the redis rate limiter"))
	}
	if limiterType == RateLimiterMemcached && len(cfg.Jobs.RateLimiter.Memcached.Addresses) == 0 {
		errs = append(errs, errors.New("jobs.rate_limiter.memcached.addresses is required for the memcached rate limiter"))
	}

	// Validate Observability configuration
	validLogLevels := []string{"debug", "info", "warn", "error"}
	if !contains(validLogLevels, cfg.Observability.LogLevel) {
		errs = append(errs, fmt.Errorf("invalid observability.log_level: %s (must be one of: %v)", cfg.Observability.LogLevel, validLogLevels))
	}

	validLogFormats := []string{"json", "text"}
	if !contains(validLogFormats, cfg.Observability.LogFormat) {
		errs = append(errs, fmt.Errorf("invalid observability.log_format: %s (must be one of: %v)", cfg.Observability.LogFormat, validLogFormats))
	}

	if cfg.Observability.TracingEnabled && cfg.Observability.TracingEndpoint == "" {
		errs = append(errs, errors.New("observability.tracing_endpoint is required when tracing is enabled"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	return nil
}

// contains checks if a string slice contains a specific string
func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// normalizeStringSlice removes empty strings and trims whitespace
func normalizeStringSlice(values []string) []string {
	result := make([]string, 0, len(values))
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/nimburion/jobqueue/pkg/observability/logger"
)

const (
	// DriverName is the database/sql driver registered by go-sql-driver/mysql.
	DriverName = "mysql"

	defaultPingTimeout        = 5 * time.Second
	defaultHealthCheckTimeout = 2 * time.Second
)

// Adapter owns a pooled MySQL connection used by the jobs table.
type Adapter struct {
	db     *sql.DB
	logger logger.Logger
	config Config
}

// Config holds MySQL configuration.
type Config struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	PingTimeout     time.Duration
}

// NewAdapter opens the pool and verifies it with a ping. The DSN is
// normalized so DATETIME columns scan into time.Time in UTC.
func NewAdapter(cfg Config, log logger.Logger) (*Adapter, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("database URL is required")
	}
	if log == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = defaultPingTimeout
	}

	dsn, err := NormalizeDSN(cfg.URL)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(DriverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open mysql database: %w", err)
	}
	return newAdapter(db, cfg, log)
}

// NormalizeDSN accepts a go-sql-driver DSN, optionally prefixed with
// mysql://, and forces parseTime with a UTC location.
func NormalizeDSN(raw string) (string, error) {
	dsn := strings.TrimPrefix(strings.TrimSpace(raw), "mysql://")
	parsed, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("invalid mysql DSN: %w", err)
	}
	parsed.ParseTime = true
	parsed.Loc = time.UTC
	return parsed.FormatDSN(), nil
}

func newAdapter(db *sql.DB, cfg Config, log logger.Logger) (*Adapter, error) {
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.PingTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping mysql database: %w", err)
	}

	log.Info("MySQL connection established",
		"max_open_conns", cfg.MaxOpenConns,
		"max_idle_conns", cfg.MaxIdleConns,
		"conn_max_lifetime", cfg.ConnMaxLifetime,
		"conn_max_idle_time", cfg.ConnMaxIdleTime,
	)
	return &Adapter{db: db, logger: log, config: cfg}, nil
}

// DB returns the underlying *sql.DB for the jobs engine and migrations.
func (a *Adapter) DB() *sql.DB {
	return a.db
}

// Dialect names the SQL dialect spoken by this adapter.
func (a *Adapter) Dialect() string {
	return DriverName
}

// HealthCheck pings the server.
func (a *Adapter) HealthCheck(ctx context.Context) error {
	hcCtx, cancel := context.WithTimeout(ctx, defaultHealthCheckTimeout)
	defer cancel()
	if err := a.db.PingContext(hcCtx); err != nil {
		a.logger.Error("MySQL health check failed", "error", err)
		return fmt.Errorf("mysql health check failed: %w", err)
	}
	return nil
}

// Close releases the pool.
func (a *Adapter) Close() error {
	a.logger.Info("closing MySQL connection")
	if err := a.db.Close(); err != nil {
		a.logger.Error("failed to close MySQL connection", "error", err)
		return fmt.Errorf("failed to close mysql connection: %w", err)
	}
	return nil
}

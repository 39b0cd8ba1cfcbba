package mongodb

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/nimburion/jobqueue/pkg/observability/logger"
)

const (
	defaultConnectTimeout     = 5 * time.Second
	defaultHealthCheckTimeout = 2 * time.Second
	disconnectTimeout         = 5 * time.Second
)

// Adapter owns the MongoDB client behind the jobs collection.
type Adapter struct {
	client     *mongo.Client
	database   string
	collection string
	logger     logger.Logger
	mu         sync.RWMutex
	closed     bool
}

// Config holds MongoDB adapter configuration.
type Config struct {
	URL            string
	Database       string
	Collection     string
	ConnectTimeout time.Duration
}

// NewAdapter connects and pings the primary.
func NewAdapter(cfg Config, log logger.Logger) (*Adapter, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("mongodb URL is required")
	}
	if cfg.Database == "" {
		return nil, fmt.Errorf("mongodb database is required")
	}
	if cfg.Collection == "" {
		return nil, fmt.Errorf("mongodb collection is required")
	}
	if log == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URL))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongodb: %w", err)
	}

	log.Info("MongoDB connection established", "database", cfg.Database, "collection", cfg.Collection)
	return &Adapter{
		client:     client,
		database:   cfg.Database,
		collection: cfg.Collection,
		logger:     log,
	}, nil
}

// Collection returns the configured jobs collection.
func (a *Adapter) Collection() *mongo.Collection {
	return a.client.Database(a.database).Collection(a.collection)
}

func (a *Adapter) Ping(ctx context.Context) error {
	a.mu.RLock()
	closed := a.closed
	a.mu.RUnlock()
	if closed {
		return fmt.Errorf("mongodb adapter is closed")
	}
	return a.client.Ping(ctx, readpref.Primary())
}

func (a *Adapter) HealthCheck(ctx context.Context) error {
	hcCtx, cancel := context.WithTimeout(ctx, defaultHealthCheckTimeout)
	defer cancel()
	if err := a.Ping(hcCtx); err != nil {
		a.logger.Error("MongoDB health check failed", "error", err)
		return fmt.Errorf("mongodb health check failed: %w", err)
	}
	return nil
}

// Close disconnects once; later calls are no-ops.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
	defer cancel()
	if err := a.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("failed to close mongodb connection: %w", err)
	}
	return nil
}

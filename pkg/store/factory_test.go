package store

import (
	"context"
	"strings"
	"testing"

	"github.com/nimburion/jobqueue/pkg/config"
	"github.com/nimburion/jobqueue/pkg/observability/logger"
)

type mockLogger struct{}

func (m *mockLogger) Debug(string, ...any)                      {}
func (m *mockLogger) Info(string, ...any)                       {}
func (m *mockLogger) Warn(string, ...any)                       {}
func (m *mockLogger) Error(string, ...any)                      {}
func (m *mockLogger) With(...any) logger.Logger                 { return m }
func (m *mockLogger) WithContext(context.Context) logger.Logger { return m }

func TestNewSQLAdapter_UnsupportedDriver(t *testing.T) {
	_, err := NewSQLAdapter(config.JobsDatabaseConfig{Driver: "sqlite", URL: "file::memory:"}, &mockLogger{})
	if err == nil {
		t.Fatal("expected unsupported driver error")
	}
	if !strings.Contains(err.Error(), "postgres") || !strings.Contains(err.Error(), "mysql") {
		t.Fatalf("expected supported drivers in error, got %v", err)
	}
}

func TestNewSQLAdapter_RequiresURL(t *testing.T) {
	for _, driver := range []string{config.DatabaseDriverPostgres, config.DatabaseDriverMySQL} {
		if _, err := NewSQLAdapter(config.JobsDatabaseConfig{Driver: driver}, &mockLogger{}); err == nil {
			t.Fatalf("expected missing url error for %s", driver)
		}
	}
}

func TestNewMongoAdapter_RequiresCollection(t *testing.T) {
	_, err := NewMongoAdapter(config.JobsMongoDBConfig{URL: "mongodb://localhost:27017", Database: "jobqueue"}, &mockLogger{})
	if err == nil {
		t.Fatal("expected missing collection error")
	}
}

func TestNewMemcachedAdapter(t *testing.T) {
	if _, err := NewMemcachedAdapter(config.RateLimiterMemcachedConfig{}); err == nil {
		t.Fatal("expected error without addresses")
	}
	adapter, err := NewMemcachedAdapter(config.RateLimiterMemcachedConfig{Addresses: []string{"localhost:11211"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := adapter.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

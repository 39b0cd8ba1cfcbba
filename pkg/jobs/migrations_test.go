package jobs

import (
	"context"
	"errors"
	"io/fs"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/nimburion/jobqueue/pkg/health"
)

func TestMigrations(t *testing.T) {
	for _, dialect := range []string{"postgres", "PostgreSQL", "mysql"} {
		files, dir, err := Migrations(dialect)
		if err != nil {
			t.Fatalf("Migrations(%q) error = %v", dialect, err)
		}
		up, err := fs.ReadFile(files, dir+"/0001_create_jobs.up.sql")
		if err != nil {
			t.Fatalf("read up migration for %s: %v", dialect, err)
		}
		if !strings.Contains(string(up), "{{table}}") {
			t.Fatalf("migration for %s must be table agnostic", dialect)
		}
		if _, err := fs.ReadFile(files, dir+"/0001_create_jobs.down.sql"); err != nil {
			t.Fatalf("read down migration for %s: %v", dialect, err)
		}
	}
	if _, _, err := Migrations("sqlite"); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected unsupported dialect, got %v", err)
	}
}

func TestNewMigrator(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer db.Close()

	if _, err := NewMigrator(db, DialectPostgres, "jobs; DROP TABLE x"); err == nil {
		t.Fatal("expected invalid table error")
	}
	if _, err := NewMigrator(db, "oracle", "jobs"); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected unsupported dialect, got %v", err)
	}

	migrator, err := NewMigrator(db, DialectPostgres, "")
	if err != nil {
		t.Fatalf("NewMigrator() error = %v", err)
	}

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS jobs_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT version FROM jobs_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"version"}))
	status, err := migrator.Status(context.Background())
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if len(status.Pending) != 1 || status.Pending[0].Version != 1 {
		t.Fatalf("expected the create migration pending, got %+v", status.Pending)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet sql expectations: %v", err)
	}
}

func TestEngineHealthChecker(t *testing.T) {
	engine := NewMemoryEngine(nil)
	checker := NewEngineHealthChecker("", engine, time.Second)
	if checker.Name() != "jobs-engine" {
		t.Fatalf("unexpected checker name %q", checker.Name())
	}
	if result := checker.Check(context.Background()); result.Status != health.StatusHealthy {
		t.Fatalf("expected healthy engine, got %+v", result)
	}
	_ = engine.Close()
	if result := checker.Check(context.Background()); result.Status != health.StatusUnhealthy {
		t.Fatalf("expected unhealthy closed engine, got %+v", result)
	}
}

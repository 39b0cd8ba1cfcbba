package jobs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/nimburion/jobqueue/pkg/observability/logger"
	"github.com/nimburion/jobqueue/pkg/observability/tracing"
)

const (
	// DefaultDatabaseTable is the jobs table used when none is configured.
	DefaultDatabaseTable            = "jobs"
	defaultDatabaseOperationTimeout = 5 * time.Second

	// DialectPostgres selects $n placeholders.
	DialectPostgres = "postgres"
	// DialectMySQL selects ? placeholders.
	DialectMySQL = "mysql"
)

var (
	_ Engine         = (*DatabaseEngine)(nil)
	_ FailedJobStore = (*DatabaseEngine)(nil)

	validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
)

// DatabaseEngineConfig configures the relational engine.
type DatabaseEngineConfig struct {
	Dialect          string
	Table            string
	OperationTimeout time.Duration
	Clock            Clock
}

func (c *DatabaseEngineConfig) normalize() {
	c.Dialect = strings.ToLower(strings.TrimSpace(c.Dialect))
	if c.Dialect == "" || c.Dialect == "postgresql" {
		c.Dialect = DialectPostgres
	}
	if strings.TrimSpace(c.Table) == "" {
		c.Table = DefaultDatabaseTable
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = defaultDatabaseOperationTimeout
	}
}

// DatabaseEngine stores jobs as rows and claims them with row locks that
// concurrent workers skip over (SELECT ... FOR UPDATE SKIP LOCKED).
type DatabaseEngine struct {
	db     *sql.DB
	log    logger.Logger
	config DatabaseEngineConfig
	stmts  databaseStatements
}

// NewDatabaseEngine wraps an open database handle. The jobs table must exist
// (see Migrations).
func NewDatabaseEngine(db *sql.DB, cfg DatabaseEngineConfig, log logger.Logger) (*DatabaseEngine, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	if log == nil {
		return nil, errors.New("logger is required")
	}
	cfg.normalize()
	if !validTableName.MatchString(cfg.Table) {
		return nil, fmt.Errorf("invalid jobs table name %q", cfg.Table)
	}
	if cfg.Dialect != DialectPostgres && cfg.Dialect != DialectMySQL {
		return nil, fmt.Errorf("unsupported jobs database dialect %q", cfg.Dialect)
	}
	return &DatabaseEngine{
		db:     db,
		log:    log,
		config: cfg,
		stmts:  newDatabaseStatements(cfg.Dialect, cfg.Table),
	}, nil
}

const databaseColumns = "id, handler, payload, queue, status, attempts, exception, created_at, scheduled_at, failed_at"

type databaseStatements struct {
	insert       string
	claimAny     string
	claimQueue   string
	markClaimed  string
	delete       string
	markFailed   string
	release      string
	releaseUndo  string
	listFailed   string
	retryFailed  string
	forgetFailed string
}

func newDatabaseStatements(dialect, table string) databaseStatements {
	p := placeholders(dialect)
	claim := "SELECT " + databaseColumns + " FROM " + table +
		" WHERE status = " + p(1) + " AND scheduled_at <= " + p(2) + "%s" +
		" ORDER BY scheduled_at ASC, id ASC LIMIT 1 FOR UPDATE SKIP LOCKED"
	return databaseStatements{
		insert: "INSERT INTO " + table + " (handler, payload, queue, status, attempts, created_at, scheduled_at) VALUES (" +
			p(1) + ", " + p(2) + ", " + p(3) + ", " + p(4) + ", 0, " + p(5) + ", " + p(6) + ")",
		claimAny:    fmt.Sprintf(claim, ""),
		claimQueue:  fmt.Sprintf(claim, " AND queue = "+p(3)),
		markClaimed: "UPDATE " + table + " SET status = " + p(1) + ", attempts = attempts + 1 WHERE id = " + p(2),
		delete:      "DELETE FROM " + table + " WHERE id = " + p(1),
		markFailed: "UPDATE " + table + " SET status = " + p(1) + ", exception = " + p(2) + ", failed_at = " + p(3) +
			" WHERE id = " + p(4),
		release: "UPDATE " + table + " SET status = " + p(1) + ", scheduled_at = " + p(2) +
			" WHERE id = " + p(3) + " AND status = " + p(4),
		releaseUndo: "UPDATE " + table + " SET status = " + p(1) + ", scheduled_at = " + p(2) +
			", attempts = GREATEST(attempts - 1, 0) WHERE id = " + p(3) + " AND status = " + p(4),
		listFailed: "SELECT " + databaseColumns + " FROM " + table + " WHERE status = " + p(1) +
			" ORDER BY failed_at DESC, id DESC LIMIT " + p(2),
		retryFailed: "UPDATE " + table + " SET status = " + p(1) + ", attempts = 0, exception = NULL, failed_at = NULL, scheduled_at = " +
			p(2) + " WHERE id = " + p(3) + " AND status = " + p(4),
		forgetFailed: "DELETE FROM " + table + " WHERE id = " + p(1) + " AND status = " + p(2),
	}
}

func placeholders(dialect string) func(int) string {
	if dialect == DialectMySQL {
		return func(int) string { return "?" }
	}
	return func(n int) string { return "$" + strconv.Itoa(n) }
}

func (e *DatabaseEngine) AddJob(ctx context.Context, handler string, payload []byte, delay time.Duration, queue string) error {
	if err := validateNewRecord(handler, payload); err != nil {
		return err
	}
	now := e.config.Clock.now()
	opCtx, cancel := operationContext(ctx, e.config.OperationTimeout)
	defer cancel()

	_, err := e.db.ExecContext(opCtx, e.stmts.insert,
		strings.TrimSpace(handler),
		string(payload),
		normalizeQueue(queue),
		string(StatusNew),
		now,
		now.Add(normalizeDelay(delay)),
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// FetchNextJob locks the earliest due row, skipping rows locked by other
// transactions, and flips it to queued before committing.
func (e *DatabaseEngine) FetchNextJob(ctx context.Context, queue string) (_ *Record, err error) {
	ctx, span := tracing.Start(ctx, tracing.OperationClaim,
		tracing.WithBackend(e.config.Dialect),
		tracing.WithQueue(queue),
		tracing.WithTable(e.config.Table),
	)
	defer func() { tracing.Finish(span, err) }()

	now := e.config.Clock.now()
	opCtx, cancel := operationContext(ctx, e.config.OperationTimeout)
	defer cancel()

	tx, err := e.db.BeginTx(opCtx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var row *sql.Row
	if queue = strings.TrimSpace(queue); queue == "" {
		row = tx.QueryRowContext(opCtx, e.stmts.claimAny, string(StatusNew), now)
	} else {
		row = tx.QueryRowContext(opCtx, e.stmts.claimQueue, string(StatusNew), now, queue)
	}
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select next job: %w", err)
	}

	if _, err := tx.ExecContext(opCtx, e.stmts.markClaimed, string(StatusQueued), rec.ID); err != nil {
		return nil, fmt.Errorf("claim job %s: %w", rec.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}

	rec.Status = StatusQueued
	rec.Attempts++
	return rec, nil
}

func (e *DatabaseEngine) DeleteJob(ctx context.Context, rec *Record) error {
	if err := requireClaimed(rec); err != nil {
		return err
	}
	opCtx, cancel := operationContext(ctx, e.config.OperationTimeout)
	defer cancel()
	if _, err := e.db.ExecContext(opCtx, e.stmts.delete, rec.ID); err != nil {
		return fmt.Errorf("delete job %s: %w", rec.ID, err)
	}
	return nil
}

func (e *DatabaseEngine) MarkFailedJob(ctx context.Context, rec *Record, cause error) error {
	if err := requireClaimed(rec); err != nil {
		return err
	}
	opCtx, cancel := operationContext(ctx, e.config.OperationTimeout)
	defer cancel()
	failedAt := e.config.Clock.now()
	if _, err := e.db.ExecContext(opCtx, e.stmts.markFailed, string(StatusFailed), exceptionText(cause), failedAt, rec.ID); err != nil {
		return fmt.Errorf("mark job %s failed: %w", rec.ID, err)
	}
	return nil
}

func (e *DatabaseEngine) Release(ctx context.Context, rec *Record, delay time.Duration) error {
	return e.release(ctx, e.stmts.release, rec, delay)
}

func (e *DatabaseEngine) ReleaseWithoutIncrement(ctx context.Context, rec *Record, delay time.Duration) error {
	return e.release(ctx, e.stmts.releaseUndo, rec, delay)
}

func (e *DatabaseEngine) release(ctx context.Context, query string, rec *Record, delay time.Duration) error {
	if err := requireClaimed(rec); err != nil {
		return err
	}
	opCtx, cancel := operationContext(ctx, e.config.OperationTimeout)
	defer cancel()
	scheduledAt := e.config.Clock.now().Add(normalizeDelay(delay))
	result, err := e.db.ExecContext(opCtx, query, string(StatusNew), scheduledAt, rec.ID, string(StatusQueued))
	if err != nil {
		return fmt.Errorf("release job %s: %w", rec.ID, err)
	}
	return expectAffected(result, rec.ID, ErrConflict)
}

func (e *DatabaseEngine) ListFailed(ctx context.Context, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 100
	}
	opCtx, cancel := operationContext(ctx, e.config.OperationTimeout)
	defer cancel()

	rows, err := e.db.QueryContext(opCtx, e.stmts.listFailed, string(StatusFailed), limit)
	if err != nil {
		return nil, fmt.Errorf("list failed jobs: %w", err)
	}
	defer rows.Close()

	records := make([]*Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan failed job: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate failed jobs: %w", err)
	}
	return records, nil
}

func (e *DatabaseEngine) RetryFailed(ctx context.Context, id string) error {
	opCtx, cancel := operationContext(ctx, e.config.OperationTimeout)
	defer cancel()
	result, err := e.db.ExecContext(opCtx, e.stmts.retryFailed, string(StatusNew), e.config.Clock.now(), id, string(StatusFailed))
	if err != nil {
		return fmt.Errorf("retry failed job %s: %w", id, err)
	}
	return expectAffected(result, id, ErrNotFound)
}

func (e *DatabaseEngine) ForgetFailed(ctx context.Context, id string) error {
	opCtx, cancel := operationContext(ctx, e.config.OperationTimeout)
	defer cancel()
	result, err := e.db.ExecContext(opCtx, e.stmts.forgetFailed, id, string(StatusFailed))
	if err != nil {
		return fmt.Errorf("forget failed job %s: %w", id, err)
	}
	return expectAffected(result, id, ErrNotFound)
}

func (e *DatabaseEngine) Name() string { return BackendDatabase }

func (e *DatabaseEngine) HealthCheck(ctx context.Context) error {
	opCtx, cancel := operationContext(ctx, e.config.OperationTimeout)
	defer cancel()
	return e.db.PingContext(opCtx)
}

// Close is a no-op: the handle belongs to the store adapter that opened it.
func (e *DatabaseEngine) Close() error { return nil }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		id        int64
		payload   string
		status    string
		exception sql.NullString
		failedAt  sql.NullTime
		rec       Record
	)
	if err := row.Scan(&id, &rec.Handler, &payload, &rec.Queue, &status, &rec.Attempts, &exception,
		&rec.CreatedAt, &rec.ScheduledAt, &failedAt); err != nil {
		return nil, err
	}
	rec.ID = strconv.FormatInt(id, 10)
	rec.Payload = []byte(payload)
	rec.Status = Status(status)
	rec.Exception = exception.String
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.ScheduledAt = rec.ScheduledAt.UTC()
	if failedAt.Valid {
		t := failedAt.Time.UTC()
		rec.FailedAt = &t
	}
	return &rec, nil
}

func expectAffected(result sql.Result, id string, kind error) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: job %s not in expected state", kind, id)
	}
	return nil
}

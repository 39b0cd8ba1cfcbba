package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

var (
	// 0001_create_jobs.up.sql, 0001_create_jobs.down.sql
	fileNamePattern = regexp.MustCompile(`^(\d+)_([a-zA-Z0-9_\-]+)\.(up|down)\.sql$`)
	identifier      = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
)

// Migration is one versioned pair of scripts. DownSQL may be empty, in which
// case the version cannot be reverted.
type Migration struct {
	Version int64
	Name    string
	UpSQL   string
	DownSQL string
}

const (
	DialectPostgres = "postgres"
	DialectMySQL    = "mysql"
)

const defaultMetadataTable = "schema_migrations"

// SQLManager applies migrations loaded from an fs.FS, one transaction per
// version, and records applied versions in a metadata table.
type SQLManager struct {
	db            *sql.DB
	migrations    []Migration
	dialect       string
	metadataTable string
	vars          map[string]string
}

// Option customizes an SQLManager.
type Option func(*SQLManager)

// WithDialect selects placeholders and the metadata table DDL. Anything but
// mysql means postgres.
func WithDialect(dialect string) Option {
	return func(m *SQLManager) {
		if strings.EqualFold(strings.TrimSpace(dialect), DialectMySQL) {
			m.dialect = DialectMySQL
		} else {
			m.dialect = DialectPostgres
		}
	}
}

// WithVars substitutes {{name}} in every script, e.g. the jobs table name.
func WithVars(vars map[string]string) Option {
	return func(m *SQLManager) {
		for k, v := range vars {
			m.vars[k] = v
		}
	}
}

// WithMetadataTable overrides schema_migrations.
func WithMetadataTable(table string) Option {
	return func(m *SQLManager) {
		if table = strings.TrimSpace(table); table != "" {
			m.metadataTable = table
		}
	}
}

// NewSQLManager loads and expands the scripts under dir.
func NewSQLManager(db *sql.DB, files fs.FS, dir string, opts ...Option) (*SQLManager, error) {
	switch {
	case db == nil:
		return nil, errors.New("database handle is required")
	case files == nil:
		return nil, errors.New("migration files filesystem is required")
	case strings.TrimSpace(dir) == "":
		return nil, errors.New("migration directory is required")
	}

	m := &SQLManager{
		db:            db,
		dialect:       DialectPostgres,
		metadataTable: defaultMetadataTable,
		vars:          map[string]string{},
	}
	for _, opt := range opts {
		opt(m)
	}
	if !identifier.MatchString(m.metadataTable) {
		return nil, fmt.Errorf("invalid migrations table name %q", m.metadataTable)
	}

	migrations, err := loadMigrations(files, dir)
	if err != nil {
		return nil, err
	}
	if len(m.vars) > 0 {
		pairs := make([]string, 0, len(m.vars)*2)
		for k, v := range m.vars {
			pairs = append(pairs, "{{"+k+"}}", v)
		}
		replacer := strings.NewReplacer(pairs...)
		for i := range migrations {
			migrations[i].UpSQL = replacer.Replace(migrations[i].UpSQL)
			migrations[i].DownSQL = replacer.Replace(migrations[i].DownSQL)
		}
	}
	m.migrations = migrations
	return m, nil
}

// Operations adapts the manager for Execute.
func (m *SQLManager) Operations() Operations {
	return Operations{Up: m.Up, Down: m.Down, Status: m.Status}
}

// Up applies every pending migration in version order and returns how many
// were applied before the first failure.
func (m *SQLManager) Up(ctx context.Context) (int, error) {
	applied, err := m.applied(ctx)
	if err != nil {
		return 0, err
	}
	done := make(map[int64]bool, len(applied))
	for _, v := range applied {
		done[v] = true
	}

	count := 0
	for _, mig := range m.migrations {
		if done[mig.Version] {
			continue
		}
		err := m.inTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, mig.UpSQL); err != nil {
				return fmt.Errorf("apply migration %d_%s: %w", mig.Version, mig.Name, err)
			}
			insert := fmt.Sprintf("INSERT INTO %s (version, applied_at) VALUES (%s, CURRENT_TIMESTAMP)", m.metadataTable, m.placeholder())
			if _, err := tx.ExecContext(ctx, insert, mig.Version); err != nil {
				return fmt.Errorf("record migration %d: %w", mig.Version, err)
			}
			return nil
		})
		if err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

// Down reverts the newest steps applied versions. steps <= 0 means one.
func (m *SQLManager) Down(ctx context.Context, steps int) (int, error) {
	if steps <= 0 {
		steps = 1
	}
	applied, err := m.applied(ctx)
	if err != nil {
		return 0, err
	}

	count := 0
	for i := len(applied) - 1; i >= 0 && count < steps; i-- {
		version := applied[i]
		mig, ok := m.byVersion(version)
		if !ok {
			return count, fmt.Errorf("migration definition not found for applied version %d", version)
		}
		if strings.TrimSpace(mig.DownSQL) == "" {
			return count, fmt.Errorf("down migration missing for version %d", version)
		}
		err := m.inTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, mig.DownSQL); err != nil {
				return fmt.Errorf("revert migration %d_%s: %w", mig.Version, mig.Name, err)
			}
			remove := fmt.Sprintf("DELETE FROM %s WHERE version = %s", m.metadataTable, m.placeholder())
			if _, err := tx.ExecContext(ctx, remove, version); err != nil {
				return fmt.Errorf("delete migration record %d: %w", version, err)
			}
			return nil
		})
		if err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

// Status reports applied and pending versions.
func (m *SQLManager) Status(ctx context.Context) (*Status, error) {
	applied, err := m.applied(ctx)
	if err != nil {
		return nil, err
	}
	done := make(map[int64]bool, len(applied))
	for _, v := range applied {
		done[v] = true
	}
	status := &Status{AppliedVersions: applied, Pending: []PendingMigration{}}
	for _, mig := range m.migrations {
		if !done[mig.Version] {
			status.Pending = append(status.Pending, PendingMigration{Version: mig.Version, Name: mig.Name})
		}
	}
	return status, nil
}

func (m *SQLManager) placeholder() string {
	if m.dialect == DialectMySQL {
		return "?"
	}
	return "$1"
}

func (m *SQLManager) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration transaction: %w", err)
	}
	return nil
}

// applied creates the metadata table when missing and returns the recorded
// versions in ascending order.
func (m *SQLManager) applied(ctx context.Context) ([]int64, error) {
	timestamp := "TIMESTAMPTZ"
	if m.dialect == DialectMySQL {
		timestamp = "DATETIME(6)"
	}
	ddl := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (version BIGINT PRIMARY KEY, applied_at %s NOT NULL DEFAULT CURRENT_TIMESTAMP)", m.metadataTable, timestamp)
	if _, err := m.db.ExecContext(ctx, ddl); err != nil {
		return nil, fmt.Errorf("ensure %s table: %w", m.metadataTable, err)
	}

	rows, err := m.db.QueryContext(ctx, "SELECT version FROM "+m.metadataTable+" ORDER BY version")
	if err != nil {
		return nil, fmt.Errorf("load applied migrations: %w", err)
	}
	defer rows.Close()

	versions := []int64{}
	for rows.Next() {
		var v int64
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan applied migration: %w", err)
		}
		versions = append(versions, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate applied migrations: %w", err)
	}
	return versions, nil
}

func (m *SQLManager) byVersion(version int64) (Migration, bool) {
	i := sort.Search(len(m.migrations), func(i int) bool { return m.migrations[i].Version >= version })
	if i < len(m.migrations) && m.migrations[i].Version == version {
		return m.migrations[i], true
	}
	return Migration{}, false
}

// loadMigrations pairs up and down scripts by version. Files not matching the
// naming scheme are ignored; a version without an up script is an error.
func loadMigrations(files fs.FS, dir string) ([]Migration, error) {
	entries, err := fs.ReadDir(files, dir)
	if err != nil {
		return nil, fmt.Errorf("read migration files: %w", err)
	}

	byVersion := map[int64]*Migration{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		match := fileNamePattern.FindStringSubmatch(entry.Name())
		if match == nil {
			continue
		}
		version, err := strconv.ParseInt(match[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse migration version %q: %w", match[1], err)
		}
		script, err := fs.ReadFile(files, path.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read migration file %q: %w", entry.Name(), err)
		}

		mig, ok := byVersion[version]
		if !ok {
			mig = &Migration{Version: version, Name: match[2]}
			byVersion[version] = mig
		}
		if match[3] == "up" {
			mig.UpSQL = string(script)
		} else {
			mig.DownSQL = string(script)
		}
	}

	migrations := make([]Migration, 0, len(byVersion))
	for _, mig := range byVersion {
		if strings.TrimSpace(mig.UpSQL) == "" {
			return nil, fmt.Errorf("missing up migration for version %d", mig.Version)
		}
		migrations = append(migrations, *mig)
	}
	sort.Slice(migrations, func(i, j int) bool { return migrations[i].Version < migrations[j].Version })
	return migrations, nil
}

package jobs

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"strings"

	"github.com/nimburion/jobqueue/pkg/migrate"
)

//go:embed migrations
var migrationFiles embed.FS

// MigrationTableVar is the placeholder the embedded migrations use for the
// jobs table name.
const MigrationTableVar = "table"

// Migrations returns the embedded schema migrations for a dialect together
// with the directory to load them from.
func Migrations(dialect string) (fs.FS, string, error) {
	dialect = strings.ToLower(strings.TrimSpace(dialect))
	if dialect == "postgresql" {
		dialect = DialectPostgres
	}
	switch dialect {
	case DialectPostgres, DialectMySQL:
		return migrationFiles, "migrations/" + dialect, nil
	default:
		return nil, "", fmt.Errorf("%w: no migrations for dialect %q", ErrUnsupported, dialect)
	}
}

// NewMigrator returns a manager applying the embedded migrations to table.
// Applied versions are tracked in <table>_migrations.
func NewMigrator(db *sql.DB, dialect, table string) (*migrate.SQLManager, error) {
	if strings.TrimSpace(table) == "" {
		table = DefaultDatabaseTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid jobs table name %q", table)
	}
	files, dir, err := Migrations(dialect)
	if err != nil {
		return nil, err
	}
	return migrate.NewSQLManager(db, files, dir,
		migrate.WithDialect(dialect),
		migrate.WithVars(map[string]string{MigrationTableVar: table}),
		migrate.WithMetadataTable(table+"_migrations"),
	)
}

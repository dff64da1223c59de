// Package sqlbase provides schema migrations shared by the SQL record stores.
package sqlbase

import (
	"cmp"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"slices"
)

// DefaultTable records applied migration versions.
const DefaultTable = "flowtree_schema_migrations"

// ErrSchemaTooNew is returned when the database was migrated by a newer
// binary than the one running.
var ErrSchemaTooNew = errors.New("database schema is newer than this binary")

// Migration is one forward-only schema change.
type Migration struct {
	Version int
	Name    string
	SQL     string
}

// MigrationManager applies pending migrations in version order, each in its
// own transaction together with its bookkeeping row.
type MigrationManager struct {
	db         *sql.DB
	logger     *slog.Logger
	table      string
	migrations []Migration
}

// NewMigrationManager creates a new migration manager. migrations may be
// given in any order but versions must be unique and positive.
func NewMigrationManager(logger *slog.Logger, db *sql.DB, migrations []Migration) *MigrationManager {
	return &MigrationManager{
		db:         db,
		logger:     logger,
		table:      DefaultTable,
		migrations: Sorted(migrations),
	}
}

// Sorted returns a copy of migrations ordered by version.
func Sorted(migrations []Migration) []Migration {
	sorted := slices.Clone(migrations)
	slices.SortFunc(sorted, func(a, b Migration) int {
		return cmp.Compare(a.Version, b.Version)
	})

	return sorted
}

// Pending returns the migrations above current, in version order.
func Pending(migrations []Migration, current int) []Migration {
	var pending []Migration

	for _, m := range Sorted(migrations) {
		if m.Version > current {
			pending = append(pending, m)
		}
	}

	return pending
}

// Validate rejects duplicate or non-positive versions.
func Validate(migrations []Migration) error {
	seen := make(map[int]string, len(migrations))

	for _, m := range migrations {
		if m.Version <= 0 {
			return fmt.Errorf("migration %q: version must be positive", m.Name)
		}

		if other, ok := seen[m.Version]; ok {
			return fmt.Errorf("migrations %q and %q share version %d", other, m.Name, m.Version)
		}

		seen[m.Version] = m.Name
	}

	return nil
}

// LatestVersion is the highest migration version known to the manager.
func (m *MigrationManager) LatestVersion() int {
	if len(m.migrations) == 0 {
		return 0
	}

	return m.migrations[len(m.migrations)-1].Version
}

// RunMigrations brings the schema up to LatestVersion.
func (m *MigrationManager) RunMigrations(ctx context.Context) error {
	if err := Validate(m.migrations); err != nil {
		return err
	}

	if err := m.createMigrationsTable(ctx); err != nil {
		return err
	}

	current, err := m.CurrentVersion(ctx)
	if err != nil {
		return err
	}

	latest := m.LatestVersion()
	if current > latest {
		return fmt.Errorf("%w: database at version %d, binary knows %d", ErrSchemaTooNew, current, latest)
	}

	pending := Pending(m.migrations, current)
	if len(pending) == 0 {
		m.logger.DebugContext(ctx, "schema up to date", "version", current)

		return nil
	}

	for _, migration := range pending {
		if err := m.apply(ctx, migration); err != nil {
			return err
		}

		m.logger.InfoContext(ctx, "migration applied", "version", migration.Version, "name", migration.Name)
	}

	return nil
}

func (m *MigrationManager) createMigrationsTable(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		)`, m.table))
	if err != nil {
		return fmt.Errorf("failed to create %s table: %w", m.table, err)
	}

	return nil
}

// CurrentVersion returns the highest applied schema version, 0 for a fresh
// database.
func (m *MigrationManager) CurrentVersion(ctx context.Context) (int, error) {
	var version int

	err := m.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COALESCE(MAX(version), 0) FROM %s", m.table)).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to query current schema version: %w", err)
	}

	return version, nil
}

func (m *MigrationManager) apply(ctx context.Context, migration Migration) (err error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("migration %d: begin: %w", migration.Version, err)
	}

	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, migration.SQL); err != nil {
		return fmt.Errorf("migration %d (%s): %w", migration.Version, migration.Name, err)
	}

	record := fmt.Sprintf("INSERT INTO %s (version, name) VALUES ($1, $2)", m.table)
	if _, err = tx.ExecContext(ctx, record, migration.Version, migration.Name); err != nil {
		return fmt.Errorf("migration %d: record: %w", migration.Version, err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("migration %d: commit: %w", migration.Version, err)
	}

	return nil
}

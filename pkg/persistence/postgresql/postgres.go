// Package postgresql provides PostgreSQL persistence implementation for flows and templates.
package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/lib/pq"

	"github.com/dukex/flowtree/pkg/persistence"
	"github.com/dukex/flowtree/pkg/persistence/sqlbase"
)

// querier is the subset of *sql.DB and *sql.Tx the repositories need.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Persistence implements the persistence layer for PostgreSQL.
type Persistence struct {
	db           *sql.DB
	tx           *sql.Tx
	logger       *slog.Logger
	flowRepo     *FlowRepository
	templateRepo *TemplateRepository
}

// NewPersistence creates a new PostgreSQL persistence layer.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (*Persistence, error) {
	database, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	err = database.PingContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	migrationManager := sqlbase.NewMigrationManager(logger, database, migrations())

	err = migrationManager.RunMigrations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return newPersistence(database, nil, logger), nil
}

func newPersistence(db *sql.DB, tx *sql.Tx, logger *slog.Logger) *Persistence {
	var q querier = db
	if tx != nil {
		q = tx
	}

	return &Persistence{
		db:           db,
		tx:           tx,
		logger:       logger,
		flowRepo:     NewFlowRepository(q, logger),
		templateRepo: NewTemplateRepository(q, logger),
	}
}

// FlowRepository returns the flow repository.
func (p *Persistence) FlowRepository() persistence.FlowRepository {
	return p.flowRepo
}

// TemplateRepository returns the template repository.
func (p *Persistence) TemplateRepository() persistence.TemplateRepository {
	return p.templateRepo
}

// Atomic runs fn inside a database transaction. The transaction commits when
// fn returns nil and rolls back otherwise.
func (p *Persistence) Atomic(ctx context.Context, fn func(ctx context.Context, tx persistence.Persistence) error) error {
	if p.tx != nil {
		return fn(ctx, p)
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return persistence.NewStoreError("begin transaction", err)
	}

	err = fn(ctx, newPersistence(p.db, tx, p.logger))
	if err != nil {
		rollbackErr := tx.Rollback()
		if rollbackErr != nil && !errors.Is(rollbackErr, sql.ErrTxDone) {
			p.logger.ErrorContext(ctx, "failed to rollback transaction", "error", rollbackErr)
		}

		return err
	}

	err = tx.Commit()
	if err != nil {
		return persistence.NewStoreError("commit transaction", err)
	}

	return nil
}

// Transactional is always true for PostgreSQL.
func (p *Persistence) Transactional() bool {
	return true
}

// Close closes the database connection.
func (p *Persistence) Close(_ context.Context) error {
	if p.db != nil && p.tx == nil {
		err := p.db.Close()
		if err != nil {
			return fmt.Errorf("failed to close database connection: %w", err)
		}
	}

	return nil
}

// HealthCheck verifies the database connection is healthy.
func (p *Persistence) HealthCheck(ctx context.Context) error {
	err := p.db.PingContext(ctx)
	if err != nil {
		return persistence.NewStoreError("ping database", err)
	}

	return nil
}

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error

	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// likeContains builds an ILIKE pattern matching s anywhere, with wildcards in s escaped.
func likeContains(s string) string {
	return "%" + likeEscaper.Replace(s) + "%"
}

// whereBuilder accumulates positional conditions.
type whereBuilder struct {
	conds []string
	args  []any
}

// add appends a condition; every %[1]d in cond becomes the argument's position.
func (w *whereBuilder) add(cond string, arg any) {
	w.args = append(w.args, arg)
	w.conds = append(w.conds, fmt.Sprintf(cond, len(w.args)))
}

func (w *whereBuilder) clause() string {
	if len(w.conds) == 0 {
		return ""
	}

	return "WHERE " + strings.Join(w.conds, " AND ")
}

func closeRows(ctx context.Context, logger *slog.Logger, rows *sql.Rows) {
	err := rows.Close()
	if err != nil {
		logger.ErrorContext(ctx, "failed to close rows", "error", err)
	}
}

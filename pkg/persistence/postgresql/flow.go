package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/dukex/flowtree/pkg/flowpath"
	"github.com/dukex/flowtree/pkg/models"
	"github.com/dukex/flowtree/pkg/persistence"
)

const flowColumns = `
			id
		  , name
		  , description
		  , flow_type
		  , status
		  , parent_flow_id
		  , root_flow_id
		  , path
		  , depth_level
		  , template_id
		  , user_id
		  , metadata
		  , created_at
		  , updated_at`

const flowOrder = `ORDER BY depth_level, created_at, id`

// FlowRepository handles flow-related database operations.
type FlowRepository struct {
	db     querier
	logger *slog.Logger
}

// NewFlowRepository creates a new flow repository.
func NewFlowRepository(db querier, logger *slog.Logger) *FlowRepository {
	return &FlowRepository{db: db, logger: logger}
}

// Get returns a flow by id.
func (r *FlowRepository) Get(ctx context.Context, id string) (*models.Flow, error) {
	query := `SELECT ` + flowColumns + ` FROM flows WHERE id = $1`

	flow, err := scanFlow(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewFlowError("Get", id, persistence.ErrFlowNotFound)
		}

		return nil, persistence.NewFlowError("Get", id, persistence.NewStoreError("query flow", err))
	}

	return flow, nil
}

// List returns every flow matching filter.
func (r *FlowRepository) List(ctx context.Context, filter models.FlowFilter) ([]*models.Flow, error) {
	where := &whereBuilder{}

	if filter.UserID != "" {
		where.add("user_id = $%[1]d", filter.UserID)
	}

	if len(filter.FlowTypes) > 0 {
		where.add("flow_type = ANY($%[1]d)", pq.Array(filter.FlowTypes))
	}

	if len(filter.Statuses) > 0 {
		statuses := make([]string, 0, len(filter.Statuses))
		for _, s := range filter.Statuses {
			statuses = append(statuses, string(s))
		}

		where.add("status = ANY($%[1]d)", pq.Array(statuses))
	}

	if filter.DepthLevel != nil {
		where.add("depth_level = $%[1]d", *filter.DepthLevel)
	}

	if filter.ParentFlowID != nil {
		where.add("parent_flow_id = $%[1]d", *filter.ParentFlowID)
	}

	if filter.RootFlowID != nil {
		where.add("root_flow_id = $%[1]d", *filter.RootFlowID)
	}

	if filter.CreatedAfter != nil {
		where.add("created_at >= $%[1]d", *filter.CreatedAfter)
	}

	if filter.CreatedBefore != nil {
		where.add("created_at <= $%[1]d", *filter.CreatedBefore)
	}

	if filter.Search != "" {
		where.add("(name ILIKE $%[1]d OR description ILIKE $%[1]d)", likeContains(filter.Search))
	}

	query := `SELECT ` + flowColumns + ` FROM flows ` + where.clause() + ` ` + flowOrder

	flows, err := r.query(ctx, query, where.args...)
	if err != nil {
		return nil, persistence.NewFlowError("List", "", err)
	}

	return flows, nil
}

// Insert stores a new flow.
func (r *FlowRepository) Insert(ctx context.Context, flow *models.Flow) error {
	now := time.Now().UTC()
	if flow.CreatedAt.IsZero() {
		flow.CreatedAt = now
	}

	flow.UpdatedAt = now

	args, err := flowArgs(flow)
	if err != nil {
		return persistence.NewFlowError("Insert", flow.ID, err)
	}

	query := `
		INSERT INTO flows (` + flowColumns + `
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`

	_, err = r.db.ExecContext(ctx, query, args...)
	if err != nil {
		if isUniqueViolation(err) {
			return persistence.NewFlowError("Insert", flow.ID, persistence.ErrFlowAlreadyExists)
		}

		return persistence.NewFlowError("Insert", flow.ID, persistence.NewStoreError("insert flow", err))
	}

	return nil
}

// Update applies patch in a single statement and returns the stored row.
func (r *FlowRepository) Update(ctx context.Context, id string, patch models.FlowPatch) (*models.Flow, error) {
	sets := make([]string, 0, 10)
	args := make([]any, 0, 11)

	set := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if patch.Name != nil {
		set("name", *patch.Name)
	}

	if patch.Description != nil {
		set("description", *patch.Description)
	}

	if patch.FlowType != nil {
		set("flow_type", *patch.FlowType)
	}

	if patch.Status != nil {
		set("status", string(*patch.Status))
	}

	if patch.Metadata != nil {
		metadata, err := json.Marshal(patch.Metadata)
		if err != nil {
			return nil, persistence.NewFlowError("Update", id, fmt.Errorf("failed to marshal metadata: %w", err))
		}

		set("metadata", metadata)
	}

	if patch.Structure != nil {
		set("parent_flow_id", nullString(patch.Structure.ParentFlowID))
		set("root_flow_id", patch.Structure.RootFlowID)
		set("path", patch.Structure.Path)
		set("depth_level", patch.Structure.DepthLevel)
	}

	set("updated_at", time.Now().UTC())

	args = append(args, id)
	query := fmt.Sprintf(`UPDATE flows SET %s WHERE id = $%d RETURNING %s`,
		strings.Join(sets, ", "), len(args), flowColumns)

	flow, err := scanFlow(r.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewFlowError("Update", id, persistence.ErrFlowNotFound)
		}

		return nil, persistence.NewFlowError("Update", id, persistence.NewStoreError("update flow", err))
	}

	return flow, nil
}

// Upsert writes a flow keyed by id. created_at of an existing row is kept.
func (r *FlowRepository) Upsert(ctx context.Context, flow *models.Flow) error {
	now := time.Now().UTC()
	if flow.CreatedAt.IsZero() {
		flow.CreatedAt = now
	}

	if flow.UpdatedAt.IsZero() {
		flow.UpdatedAt = now
	}

	args, err := flowArgs(flow)
	if err != nil {
		return persistence.NewFlowError("Upsert", flow.ID, err)
	}

	query := `
		INSERT INTO flows (` + flowColumns + `
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name
		  , description = EXCLUDED.description
		  , flow_type = EXCLUDED.flow_type
		  , status = EXCLUDED.status
		  , parent_flow_id = EXCLUDED.parent_flow_id
		  , root_flow_id = EXCLUDED.root_flow_id
		  , path = EXCLUDED.path
		  , depth_level = EXCLUDED.depth_level
		  , template_id = EXCLUDED.template_id
		  , user_id = EXCLUDED.user_id
		  , metadata = EXCLUDED.metadata
		  , updated_at = EXCLUDED.updated_at
	`

	_, err = r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return persistence.NewFlowError("Upsert", flow.ID, persistence.NewStoreError("upsert flow", err))
	}

	return nil
}

// DeleteOne removes a single flow row.
func (r *FlowRepository) DeleteOne(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM flows WHERE id = $1`, id)
	if err != nil {
		return persistence.NewFlowError("DeleteOne", id, persistence.NewStoreError("delete flow", err))
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return persistence.NewFlowError("DeleteOne", id, persistence.NewStoreError("delete flow", err))
	}

	if affected == 0 {
		return persistence.NewFlowError("DeleteOne", id, persistence.ErrFlowNotFound)
	}

	return nil
}

// Descendants runs one prefix scan against the path of id.
func (r *FlowRepository) Descendants(ctx context.Context, id string) ([]*models.Flow, error) {
	query := `
		WITH target AS (
			SELECT path FROM flows WHERE id = $1
		)
		SELECT ` + flowColumns + `
		FROM flows, target
		WHERE flows.path LIKE replace(replace(replace(target.path, '\', '\\'), '%', '\%'), '_', '\_') || '/%'
		` + flowOrder

	flows, err := r.query(ctx, query, id)
	if err != nil {
		return nil, persistence.NewFlowError("Descendants", id, err)
	}

	if len(flows) == 0 {
		_, err := r.Get(ctx, id)
		if err != nil {
			return nil, err
		}
	}

	return flows, nil
}

// Ancestors resolves the ids encoded in the path of id, root first.
func (r *FlowRepository) Ancestors(ctx context.Context, id string) ([]*models.Flow, error) {
	flow, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if flow.IsRoot() {
		return []*models.Flow{}, nil
	}

	query := `SELECT ` + flowColumns + ` FROM flows WHERE id = ANY($1) ORDER BY depth_level`

	flows, err := r.query(ctx, query, pq.Array(flowpath.Ancestors(flow.Path)))
	if err != nil {
		return nil, persistence.NewFlowError("Ancestors", id, err)
	}

	return flows, nil
}

func (r *FlowRepository) query(ctx context.Context, query string, args ...any) ([]*models.Flow, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, persistence.NewStoreError("query flows", err)
	}

	defer closeRows(ctx, r.logger, rows)

	flows := make([]*models.Flow, 0)

	for rows.Next() {
		flow, err := scanFlow(rows)
		if err != nil {
			return nil, persistence.NewStoreError("scan flow", err)
		}

		flows = append(flows, flow)
	}

	err = rows.Err()
	if err != nil {
		return nil, persistence.NewStoreError("iterate flows", err)
	}

	return flows, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanFlow(row scanner) (*models.Flow, error) {
	var (
		flow       models.Flow
		status     string
		parentID   sql.NullString
		templateID sql.NullString
		metadata   []byte
	)

	err := row.Scan(
		&flow.ID,
		&flow.Name,
		&flow.Description,
		&flow.FlowType,
		&status,
		&parentID,
		&flow.RootFlowID,
		&flow.Path,
		&flow.DepthLevel,
		&templateID,
		&flow.UserID,
		&metadata,
		&flow.CreatedAt,
		&flow.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	flow.Status = models.FlowStatus(status)

	if parentID.Valid {
		flow.ParentFlowID = &parentID.String
	}

	if templateID.Valid {
		flow.TemplateID = &templateID.String
	}

	if len(metadata) > 0 {
		err = json.Unmarshal(metadata, &flow.Metadata)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}

	flow.CreatedAt = flow.CreatedAt.UTC()
	flow.UpdatedAt = flow.UpdatedAt.UTC()

	return &flow, nil
}

func flowArgs(flow *models.Flow) ([]any, error) {
	var metadata any

	if flow.Metadata != nil {
		encoded, err := json.Marshal(flow.Metadata)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal metadata: %w", err)
		}

		metadata = encoded
	}

	return []any{
		flow.ID,
		flow.Name,
		flow.Description,
		flow.FlowType,
		string(flow.Status),
		nullString(flow.ParentFlowID),
		flow.RootFlowID,
		flow.Path,
		flow.DepthLevel,
		nullString(flow.TemplateID),
		flow.UserID,
		metadata,
		flow.CreatedAt,
		flow.UpdatedAt,
	}, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}

	return sql.NullString{String: *s, Valid: true}
}

package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/dukex/flowtree/pkg/models"
	"github.com/dukex/flowtree/pkg/persistence"
)

const templateColumns = `
			id
		  , name
		  , description
		  , flow_type
		  , category
		  , difficulty
		  , is_public
		  , author_id
		  , usage_count
		  , rating
		  , sub_flows
		  , metadata
		  , created_at
		  , updated_at`

// TemplateRepository handles template-related database operations.
type TemplateRepository struct {
	db     querier
	logger *slog.Logger
}

// NewTemplateRepository creates a new template repository.
func NewTemplateRepository(db querier, logger *slog.Logger) *TemplateRepository {
	return &TemplateRepository{db: db, logger: logger}
}

// Get returns a template by id.
func (r *TemplateRepository) Get(ctx context.Context, id string) (*models.NestedFlowTemplate, error) {
	query := `SELECT ` + templateColumns + ` FROM nested_flow_templates WHERE id = $1`

	template, err := scanTemplate(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewTemplateError("Get", id, persistence.ErrTemplateNotFound)
		}

		return nil, persistence.NewTemplateError("Get", id, persistence.NewStoreError("query template", err))
	}

	return template, nil
}

// List returns templates matching filter, most used first.
func (r *TemplateRepository) List(ctx context.Context, filter models.TemplateFilter) ([]*models.NestedFlowTemplate, error) {
	where := &whereBuilder{}

	if filter.VisibleTo != "" {
		where.add("(is_public OR author_id = $%[1]d)", filter.VisibleTo)
	}

	if filter.AuthorID != "" {
		where.add("author_id = $%[1]d", filter.AuthorID)
	}

	if filter.FlowType != "" {
		where.add("flow_type = $%[1]d", filter.FlowType)
	}

	if filter.Category != "" {
		where.add("category = $%[1]d", filter.Category)
	}

	if filter.Difficulty != "" {
		where.add("difficulty = $%[1]d", string(filter.Difficulty))
	}

	if filter.Search != "" {
		where.add("(name ILIKE $%[1]d OR description ILIKE $%[1]d)", likeContains(filter.Search))
	}

	query := `SELECT ` + templateColumns + ` FROM nested_flow_templates ` + where.clause() +
		` ORDER BY usage_count DESC, name, id`

	rows, err := r.db.QueryContext(ctx, query, where.args...)
	if err != nil {
		return nil, persistence.NewTemplateError("List", "", persistence.NewStoreError("query templates", err))
	}

	defer closeRows(ctx, r.logger, rows)

	templates := make([]*models.NestedFlowTemplate, 0)

	for rows.Next() {
		template, err := scanTemplate(rows)
		if err != nil {
			return nil, persistence.NewTemplateError("List", "", persistence.NewStoreError("scan template", err))
		}

		templates = append(templates, template)
	}

	err = rows.Err()
	if err != nil {
		return nil, persistence.NewTemplateError("List", "", persistence.NewStoreError("iterate templates", err))
	}

	return templates, nil
}

// Upsert writes a template keyed by id.
func (r *TemplateRepository) Upsert(ctx context.Context, template *models.NestedFlowTemplate) error {
	now := time.Now().UTC()
	if template.CreatedAt.IsZero() {
		template.CreatedAt = now
	}

	if template.UpdatedAt.IsZero() {
		template.UpdatedAt = now
	}

	if template.SubFlows == nil {
		template.SubFlows = []string{}
	}

	var metadata any

	if template.Metadata != nil {
		encoded, err := json.Marshal(template.Metadata)
		if err != nil {
			return persistence.NewTemplateError("Upsert", template.ID, fmt.Errorf("failed to marshal metadata: %w", err))
		}

		metadata = encoded
	}

	query := `
		INSERT INTO nested_flow_templates (` + templateColumns + `
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name
		  , description = EXCLUDED.description
		  , flow_type = EXCLUDED.flow_type
		  , category = EXCLUDED.category
		  , difficulty = EXCLUDED.difficulty
		  , is_public = EXCLUDED.is_public
		  , author_id = EXCLUDED.author_id
		  , usage_count = EXCLUDED.usage_count
		  , rating = EXCLUDED.rating
		  , sub_flows = EXCLUDED.sub_flows
		  , metadata = EXCLUDED.metadata
		  , updated_at = EXCLUDED.updated_at
	`

	_, err := r.db.ExecContext(ctx, query,
		template.ID,
		template.Name,
		template.Description,
		template.FlowType,
		template.Category,
		string(template.Difficulty),
		template.IsPublic,
		template.AuthorID,
		template.UsageCount,
		template.Rating,
		pq.Array(template.SubFlows),
		metadata,
		template.CreatedAt,
		template.UpdatedAt,
	)
	if err != nil {
		return persistence.NewTemplateError("Upsert", template.ID, persistence.NewStoreError("upsert template", err))
	}

	return nil
}

// IncrementUsage bumps the usage counter in place.
func (r *TemplateRepository) IncrementUsage(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE nested_flow_templates SET usage_count = usage_count + 1 WHERE id = $1`, id)
	if err != nil {
		return persistence.NewTemplateError("IncrementUsage", id, persistence.NewStoreError("update template", err))
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return persistence.NewTemplateError("IncrementUsage", id, persistence.NewStoreError("update template", err))
	}

	if affected == 0 {
		return persistence.NewTemplateError("IncrementUsage", id, persistence.ErrTemplateNotFound)
	}

	return nil
}

func scanTemplate(row scanner) (*models.NestedFlowTemplate, error) {
	var (
		template   models.NestedFlowTemplate
		difficulty string
		subFlows   []string
		metadata   []byte
	)

	err := row.Scan(
		&template.ID,
		&template.Name,
		&template.Description,
		&template.FlowType,
		&template.Category,
		&difficulty,
		&template.IsPublic,
		&template.AuthorID,
		&template.UsageCount,
		&template.Rating,
		pq.Array(&subFlows),
		&metadata,
		&template.CreatedAt,
		&template.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	template.Difficulty = models.TemplateDifficulty(difficulty)
	template.SubFlows = subFlows

	if template.SubFlows == nil {
		template.SubFlows = []string{}
	}

	if len(metadata) > 0 {
		err = json.Unmarshal(metadata, &template.Metadata)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}

	template.CreatedAt = template.CreatedAt.UTC()
	template.UpdatedAt = template.UpdatedAt.UTC()

	return &template, nil
}

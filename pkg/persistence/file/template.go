package file

import (
	"context"
	"errors"
	"time"

	"github.com/dukex/flowtree/pkg/models"
	"github.com/dukex/flowtree/pkg/persistence"
)

// TemplateRepository handles template-related file operations.
type TemplateRepository struct {
	store *store
}

// Get retrieves a template by its ID.
func (r *TemplateRepository) Get(_ context.Context, id string) (*models.NestedFlowTemplate, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	return r.get("Get", id)
}

func (r *TemplateRepository) get(op, id string) (*models.NestedFlowTemplate, error) {
	template, err := readRecord[models.NestedFlowTemplate](r.store, templatesDir, id)
	if errors.Is(err, errRecordNotFound) {
		return nil, persistence.NewTemplateError(op, id, persistence.ErrTemplateNotFound)
	}

	if err != nil {
		return nil, persistence.NewTemplateError(op, id, err)
	}

	return template, nil
}

// List returns every template matching filter.
func (r *TemplateRepository) List(_ context.Context, filter models.TemplateFilter) ([]*models.NestedFlowTemplate, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	all, err := listRecords[models.NestedFlowTemplate](r.store, templatesDir)
	if err != nil {
		return nil, persistence.NewTemplateError("List", "", err)
	}

	templates := make([]*models.NestedFlowTemplate, 0, len(all))

	for _, template := range all {
		if persistence.MatchTemplate(template, filter) {
			templates = append(templates, template)
		}
	}

	persistence.SortTemplates(templates)

	return templates, nil
}

// Upsert writes a template keyed by id.
func (r *TemplateRepository) Upsert(_ context.Context, template *models.NestedFlowTemplate) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

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

	err := writeRecord(r.store, templatesDir, template.ID, template)
	if err != nil {
		return persistence.NewTemplateError("Upsert", template.ID, err)
	}

	return nil
}

// IncrementUsage bumps the usage counter of a template.
func (r *TemplateRepository) IncrementUsage(_ context.Context, id string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	template, err := r.get("IncrementUsage", id)
	if err != nil {
		return err
	}

	template.UsageCount++

	err = writeRecord(r.store, templatesDir, id, template)
	if err != nil {
		return persistence.NewTemplateError("IncrementUsage", id, err)
	}

	return nil
}

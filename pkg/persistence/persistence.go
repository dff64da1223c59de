// Package persistence provides the data storage abstraction layer for flows and templates.
package persistence

import (
	"context"

	"github.com/dukex/flowtree/pkg/models"
)

// FlowRepository stores flows. Implementations order every multi-flow result
// by depth_level, then created_at, then id, so parents always precede their
// children.
type FlowRepository interface {
	// Get returns ErrFlowNotFound when the id is unknown.
	Get(ctx context.Context, id string) (*models.Flow, error)
	List(ctx context.Context, filter models.FlowFilter) ([]*models.Flow, error)
	// Insert returns ErrFlowAlreadyExists when the id is taken.
	Insert(ctx context.Context, flow *models.Flow) error
	// Update applies a patch and returns the stored result.
	Update(ctx context.Context, id string, patch models.FlowPatch) (*models.Flow, error)
	// Upsert writes the flow as given, keyed by id.
	Upsert(ctx context.Context, flow *models.Flow) error
	DeleteOne(ctx context.Context, id string) error

	// Descendants returns every flow whose path starts with the path of id
	// followed by the separator, evaluated as a single prefix match.
	Descendants(ctx context.Context, id string) ([]*models.Flow, error)
	// Ancestors returns the flows named by the path of id, root first,
	// excluding id itself.
	Ancestors(ctx context.Context, id string) ([]*models.Flow, error)
}

// TemplateRepository stores nested flow templates.
type TemplateRepository interface {
	Get(ctx context.Context, id string) (*models.NestedFlowTemplate, error)
	List(ctx context.Context, filter models.TemplateFilter) ([]*models.NestedFlowTemplate, error)
	Upsert(ctx context.Context, template *models.NestedFlowTemplate) error
	IncrementUsage(ctx context.Context, id string) error
}

// Persistence is the root handle to a record store.
type Persistence interface {
	FlowRepository() FlowRepository
	TemplateRepository() TemplateRepository

	// Atomic runs fn against a handle scoped to one unit of work. On a
	// transactional store every write made through tx commits or rolls back
	// together. Nested calls join the outer unit.
	Atomic(ctx context.Context, fn func(ctx context.Context, tx Persistence) error) error
	// Transactional reports whether Atomic provides rollback.
	Transactional() bool

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

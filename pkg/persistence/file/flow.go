package file

import (
	"context"
	"errors"
	"time"

	"github.com/dukex/flowtree/pkg/flowpath"
	"github.com/dukex/flowtree/pkg/models"
	"github.com/dukex/flowtree/pkg/persistence"
)

// FlowRepository handles flow-related file operations.
type FlowRepository struct {
	store *store
}

// Get retrieves a flow by its ID from the file system.
func (r *FlowRepository) Get(_ context.Context, id string) (*models.Flow, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	return r.get("Get", id)
}

func (r *FlowRepository) get(op, id string) (*models.Flow, error) {
	flow, err := readRecord[models.Flow](r.store, flowsDir, id)
	if errors.Is(err, errRecordNotFound) {
		return nil, persistence.NewFlowError(op, id, persistence.ErrFlowNotFound)
	}

	if err != nil {
		return nil, persistence.NewFlowError(op, id, err)
	}

	return flow, nil
}

// List returns every flow matching filter.
func (r *FlowRepository) List(_ context.Context, filter models.FlowFilter) ([]*models.Flow, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	all, err := listRecords[models.Flow](r.store, flowsDir)
	if err != nil {
		return nil, persistence.NewFlowError("List", "", err)
	}

	flows := make([]*models.Flow, 0, len(all))

	for _, flow := range all {
		if persistence.MatchFlow(flow, filter) {
			flows = append(flows, flow)
		}
	}

	persistence.SortFlows(flows)

	return flows, nil
}

// Insert stores a new flow.
func (r *FlowRepository) Insert(_ context.Context, flow *models.Flow) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	_, err := readRecord[models.Flow](r.store, flowsDir, flow.ID)
	if err == nil {
		return persistence.NewFlowError("Insert", flow.ID, persistence.ErrFlowAlreadyExists)
	}

	if !errors.Is(err, errRecordNotFound) {
		return persistence.NewFlowError("Insert", flow.ID, err)
	}

	now := time.Now().UTC()
	if flow.CreatedAt.IsZero() {
		flow.CreatedAt = now
	}

	flow.UpdatedAt = now

	err = writeRecord(r.store, flowsDir, flow.ID, flow)
	if err != nil {
		return persistence.NewFlowError("Insert", flow.ID, err)
	}

	return nil
}

// Update applies patch to a stored flow.
func (r *FlowRepository) Update(_ context.Context, id string, patch models.FlowPatch) (*models.Flow, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	flow, err := r.get("Update", id)
	if err != nil {
		return nil, err
	}

	patch.Apply(flow)
	flow.UpdatedAt = time.Now().UTC()

	err = writeRecord(r.store, flowsDir, id, flow)
	if err != nil {
		return nil, persistence.NewFlowError("Update", id, err)
	}

	return flow, nil
}

// Upsert writes a flow keyed by id, creating or replacing it.
func (r *FlowRepository) Upsert(_ context.Context, flow *models.Flow) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	now := time.Now().UTC()
	if flow.CreatedAt.IsZero() {
		flow.CreatedAt = now
	}

	if flow.UpdatedAt.IsZero() {
		flow.UpdatedAt = now
	}

	err := writeRecord(r.store, flowsDir, flow.ID, flow)
	if err != nil {
		return persistence.NewFlowError("Upsert", flow.ID, err)
	}

	return nil
}

// DeleteOne removes a single flow. Children are left untouched.
func (r *FlowRepository) DeleteOne(_ context.Context, id string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	err := removeRecord(r.store, flowsDir, id)
	if errors.Is(err, errRecordNotFound) {
		return persistence.NewFlowError("DeleteOne", id, persistence.ErrFlowNotFound)
	}

	if err != nil {
		return persistence.NewFlowError("DeleteOne", id, err)
	}

	return nil
}

// Descendants returns every flow stored below id.
func (r *FlowRepository) Descendants(_ context.Context, id string) ([]*models.Flow, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	flow, err := r.get("Descendants", id)
	if err != nil {
		return nil, err
	}

	all, err := listRecords[models.Flow](r.store, flowsDir)
	if err != nil {
		return nil, persistence.NewFlowError("Descendants", id, err)
	}

	descendants := make([]*models.Flow, 0)

	for _, candidate := range all {
		if flowpath.IsDescendantOf(candidate.Path, flow.Path) {
			descendants = append(descendants, candidate)
		}
	}

	persistence.SortFlows(descendants)

	return descendants, nil
}

// Ancestors returns the flows on the path of id, root first. Ids on the path
// that no longer resolve are skipped.
func (r *FlowRepository) Ancestors(_ context.Context, id string) ([]*models.Flow, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	flow, err := r.get("Ancestors", id)
	if err != nil {
		return nil, err
	}

	ancestors := make([]*models.Flow, 0, flow.DepthLevel)

	for _, ancestorID := range flowpath.Ancestors(flow.Path) {
		ancestor, err := readRecord[models.Flow](r.store, flowsDir, ancestorID)
		if errors.Is(err, errRecordNotFound) {
			continue
		}

		if err != nil {
			return nil, persistence.NewFlowError("Ancestors", id, err)
		}

		ancestors = append(ancestors, ancestor)
	}

	return ancestors, nil
}

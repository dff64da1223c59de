package services

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/dukex/flowtree/pkg/events"
	"github.com/dukex/flowtree/pkg/flowpath"
	"github.com/dukex/flowtree/pkg/lock"
	"github.com/dukex/flowtree/pkg/models"
	"github.com/dukex/flowtree/pkg/otelhelper"
	"github.com/dukex/flowtree/pkg/persistence"
	"github.com/dukex/flowtree/pkg/tree"
)

const (
	opCreate      = "flows.create"
	opGet         = "flows.get"
	opList        = "flows.list"
	opUpdate      = "flows.update"
	opTree        = "flows.tree"
	opDescendants = "flows.descendants"
	opAncestors   = "flows.ancestors"
)

// Flows is the structural mutation service. It owns every write to the
// derived linkage fields of a flow.
type Flows struct {
	runtime

	persistence persistence.Persistence
}

// NewFlows creates a new flow service.
func NewFlows(persistence persistence.Persistence, opts ...Option) *Flows {
	return &Flows{
		runtime:     newRuntime(opts),
		persistence: persistence,
	}
}

// HealthCheck checks the health of the persistence layer.
func (s *Flows) HealthCheck(ctx context.Context) (string, bool) {
	if s.persistence == nil {
		return "Persistence layer not initialized", false
	}

	if err := s.persistence.HealthCheck(ctx); err != nil {
		return "Persistence layer is unhealthy: " + err.Error(), false
	}

	return "Persistence layer is healthy", true
}

// CreateFlowRequest holds the caller supplied fields of a new flow.
type CreateFlowRequest struct {
	Name         string
	Description  string
	FlowType     string
	ParentFlowID *string
	Metadata     map[string]any
}

// Create inserts a draft flow owned by the caller. The parent is read fresh
// under its tree lock and must belong to the caller.
func (s *Flows) Create(ctx context.Context, req CreateFlowRequest) (_ *models.Flow, err error) {
	ctx, finish := s.start(ctx, opCreate)
	defer func() { finish(err) }()

	userID, err := s.caller(ctx, opCreate)
	if err != nil {
		return nil, err
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, NewValidationError(opCreate, "invalid_name", "name is required", ErrInvalidRequest)
	}

	var (
		parent  *models.Flow
		release = lock.Release(func(context.Context) error { return nil })
	)

	if req.ParentFlowID != nil {
		var locked map[string]*models.Flow

		locked, release, err = s.lockFlows(ctx, opCreate, userID, parentTarget(*req.ParentFlowID))
		if err != nil {
			return nil, err
		}

		parent = locked[*req.ParentFlowID]
	}
	defer s.release(ctx, release)

	flow := s.newFlow(userID, parent, name, req.Description, req.FlowType, req.Metadata, nil)
	s.stamp(flow, 0)

	if err := s.persistence.FlowRepository().Insert(ctx, flow); err != nil {
		return nil, mapRepoError(opCreate, err)
	}

	s.logger.InfoContext(ctx, "flow created", "flow_id", flow.ID, "root_flow_id", flow.RootFlowID, "user_id", userID)

	event := events.FlowCreated{
		BaseEvent:    events.NewBaseEvent(events.FlowCreatedEvent, flow.ID, userID),
		ParentFlowID: flow.ParentFlowID,
		RootFlowID:   flow.RootFlowID,
	}
	s.publish(ctx, flow.RootFlowID, event)

	return flow, nil
}

// Get returns a flow owned by the caller.
func (s *Flows) Get(ctx context.Context, id string) (_ *models.Flow, err error) {
	ctx, finish := s.start(ctx, opGet, attribute.String(otelhelper.FlowIDKey, id))
	defer func() { finish(err) }()

	userID, err := s.caller(ctx, opGet)
	if err != nil {
		return nil, err
	}

	return s.getOwned(ctx, s.persistence.FlowRepository(), opGet, userID, id)
}

// List returns the caller's flows matching filter, ordered by depth, creation
// time and id. Any UserID set on filter is replaced by the caller.
func (s *Flows) List(ctx context.Context, filter models.FlowFilter) (_ []*models.Flow, err error) {
	ctx, finish := s.start(ctx, opList)
	defer func() { finish(err) }()

	userID, err := s.caller(ctx, opList)
	if err != nil {
		return nil, err
	}

	for _, status := range filter.Statuses {
		if !status.IsValid() {
			return nil, NewValidationError(opList, "invalid_status", fmt.Sprintf("unknown status %q", status), ErrInvalidStatus)
		}
	}

	filter.UserID = userID

	flows, err := s.persistence.FlowRepository().List(ctx, filter)
	if err != nil {
		return nil, mapRepoError(opList, err)
	}

	return flows, nil
}

// UpdateFlowRequest is a field-level patch. It has no structural fields:
// parent, root, path and depth only change through Move.
type UpdateFlowRequest struct {
	Name        *string
	Description *string
	FlowType    *string
	Status      *models.FlowStatus
	Metadata    map[string]any
}

func (r UpdateFlowRequest) patch() (models.FlowPatch, []string) {
	var (
		patch  models.FlowPatch
		fields []string
	)

	if r.Name != nil {
		name := strings.TrimSpace(*r.Name)
		patch.Name = &name
		fields = append(fields, "name")
	}

	if r.Description != nil {
		patch.Description = r.Description
		fields = append(fields, "description")
	}

	if r.FlowType != nil {
		patch.FlowType = r.FlowType
		fields = append(fields, "flow_type")
	}

	if r.Status != nil {
		patch.Status = r.Status
		fields = append(fields, "status")
	}

	if r.Metadata != nil {
		patch.Metadata = cloneMetadata(r.Metadata)
		fields = append(fields, "metadata")
	}

	return patch, fields
}

// Update applies a field-level patch to a flow owned by the caller.
func (s *Flows) Update(ctx context.Context, id string, req UpdateFlowRequest) (_ *models.Flow, err error) {
	ctx, finish := s.start(ctx, opUpdate, attribute.String(otelhelper.FlowIDKey, id))
	defer func() { finish(err) }()

	userID, err := s.caller(ctx, opUpdate)
	if err != nil {
		return nil, err
	}

	patch, fields := req.patch()

	if patch.Name != nil && *patch.Name == "" {
		return nil, NewValidationError(opUpdate, "invalid_name", "name cannot be empty", ErrInvalidRequest)
	}

	if patch.Status != nil && !patch.Status.IsValid() {
		return nil, NewValidationError(opUpdate, "invalid_status", fmt.Sprintf("unknown status %q", *patch.Status), ErrInvalidStatus)
	}

	repo := s.persistence.FlowRepository()

	current, err := s.getOwned(ctx, repo, opUpdate, userID, id)
	if err != nil {
		return nil, err
	}

	if patch.IsEmpty() {
		return current, nil
	}

	updated, err := repo.Update(ctx, id, patch)
	if err != nil {
		return nil, mapRepoError(opUpdate, err)
	}

	event := events.FlowUpdated{
		BaseEvent: events.NewBaseEvent(events.FlowUpdatedEvent, id, userID),
		Fields:    fields,
	}
	s.publish(ctx, updated.RootFlowID, event)

	return updated, nil
}

// Tree projects the caller's forest, or the subtree under rootID, into tree
// nodes with derived progress.
func (s *Flows) Tree(ctx context.Context, rootID *string) (_ []*models.FlowTreeNode, err error) {
	ctx, finish := s.start(ctx, opTree)
	defer func() { finish(err) }()

	userID, err := s.caller(ctx, opTree)
	if err != nil {
		return nil, err
	}

	repo := s.persistence.FlowRepository()

	var flows []*models.Flow

	if rootID == nil {
		flows, err = repo.List(ctx, models.FlowFilter{UserID: userID})
		if err != nil {
			return nil, mapRepoError(opTree, err)
		}
	} else {
		flows, err = s.subtree(ctx, repo, opTree, userID, *rootID)
		if err != nil {
			return nil, err
		}
	}

	s.metrics.ObserveSubtree(opTree, len(flows))

	return tree.Build(flows), nil
}

// Descendants returns every flow below id, parents before children.
func (s *Flows) Descendants(ctx context.Context, id string) (_ []*models.Flow, err error) {
	ctx, finish := s.start(ctx, opDescendants, attribute.String(otelhelper.FlowIDKey, id))
	defer func() { finish(err) }()

	userID, err := s.caller(ctx, opDescendants)
	if err != nil {
		return nil, err
	}

	flows, err := s.subtree(ctx, s.persistence.FlowRepository(), opDescendants, userID, id)
	if err != nil {
		return nil, err
	}

	return flows[1:], nil
}

// Ancestors returns the chain above id, root first.
func (s *Flows) Ancestors(ctx context.Context, id string) (_ []*models.Flow, err error) {
	ctx, finish := s.start(ctx, opAncestors, attribute.String(otelhelper.FlowIDKey, id))
	defer func() { finish(err) }()

	userID, err := s.caller(ctx, opAncestors)
	if err != nil {
		return nil, err
	}

	repo := s.persistence.FlowRepository()

	if _, err := s.getOwned(ctx, repo, opAncestors, userID, id); err != nil {
		return nil, err
	}

	ancestors, err := repo.Ancestors(ctx, id)
	if err != nil {
		return nil, mapRepoError(opAncestors, err)
	}

	return ancestors, nil
}

// subtree returns id followed by its descendants. Progress, analytics, tree
// and export all read the same set through it.
func (s *Flows) subtree(ctx context.Context, repo persistence.FlowRepository, op, userID, id string) ([]*models.Flow, error) {
	root, err := s.getOwned(ctx, repo, op, userID, id)
	if err != nil {
		return nil, err
	}

	descendants, err := repo.Descendants(ctx, id)
	if err != nil {
		return nil, mapRepoError(op, err)
	}

	return append([]*models.Flow{root}, descendants...), nil
}

func (s *Flows) getOwned(ctx context.Context, repo persistence.FlowRepository, op, userID, id string) (*models.Flow, error) {
	flow, err := repo.Get(ctx, id)
	if err != nil {
		return nil, mapRepoError(op, err)
	}

	if flow.UserID != userID {
		return nil, newUnauthorizedError(op, id)
	}

	return flow, nil
}

// newFlow builds a draft flow attached under parent, or a new root when
// parent is nil.
func (s *Flows) newFlow(
	userID string,
	parent *models.Flow,
	name, description, flowType string,
	metadata map[string]any,
	templateID *string,
) *models.Flow {
	flow := &models.Flow{
		ID:          s.newID(),
		Name:        name,
		Description: description,
		FlowType:    flowType,
		Status:      models.FlowStatusDraft,
		UserID:      userID,
		Metadata:    cloneMetadata(metadata),
	}

	if templateID != nil {
		id := *templateID
		flow.TemplateID = &id
	}

	attach(flow, parent)

	return flow
}

// attach derives the structure of flow from parent.
func attach(flow *models.Flow, parent *models.Flow) {
	structure := structureUnder(flow.ID, parent)
	models.FlowPatch{Structure: &structure}.Apply(flow)
}

func structureUnder(id string, parent *models.Flow) models.FlowStructure {
	if parent == nil {
		return models.FlowStructure{
			RootFlowID: id,
			Path:       flowpath.Compute("", id),
		}
	}

	parentID := parent.ID

	return models.FlowStructure{
		ParentFlowID: &parentID,
		RootFlowID:   parent.RootFlowID,
		Path:         flowpath.Compute(parent.Path, id),
		DepthLevel:   parent.DepthLevel + 1,
	}
}

// lockTarget names a flow whose tree must be locked. A missing parent is a
// structural error, a missing subject is not found.
type lockTarget struct {
	id     string
	parent bool
}

func flowTarget(id string) lockTarget {
	return lockTarget{id: id}
}

func parentTarget(id string) lockTarget {
	return lockTarget{id: id, parent: true}
}

// lockFlows locks the trees containing targets and returns the targets read
// under the lock. When a root changed between the first read and the lock,
// the lock is dropped and the read repeated.
func (s *Flows) lockFlows(ctx context.Context, op, userID string, targets ...lockTarget) (map[string]*models.Flow, lock.Release, error) {
	repo := s.persistence.FlowRepository()

	for range maxLockAttempts {
		before, err := s.readTargets(ctx, repo, op, userID, targets)
		if err != nil {
			return nil, nil, err
		}

		release, err := s.lockTrees(ctx, op, rootsOf(before)...)
		if err != nil {
			return nil, nil, err
		}

		after, err := s.readTargets(ctx, repo, op, userID, targets)
		if err != nil {
			s.release(ctx, release)

			return nil, nil, err
		}

		if sameRoots(before, after) {
			return after, release, nil
		}

		s.release(ctx, release)
	}

	return nil, nil, &ServiceError{
		Op:      op,
		Code:    "store_unavailable",
		Message: "tree changed while waiting for its lock",
		Kind:    ErrStoreUnavailable,
	}
}

func (s *Flows) readTargets(ctx context.Context, repo persistence.FlowRepository, op, userID string, targets []lockTarget) (map[string]*models.Flow, error) {
	flows := make(map[string]*models.Flow, len(targets))

	for _, target := range targets {
		flow, err := s.getOwned(ctx, repo, op, userID, target.id)
		if err != nil {
			if target.parent && IsNotFound(err) {
				return nil, newStructuralError(op, fmt.Sprintf("parent flow %s not found", target.id))
			}

			return nil, err
		}

		flows[target.id] = flow
	}

	return flows, nil
}

func rootsOf(flows map[string]*models.Flow) []string {
	roots := make([]string, 0, len(flows))
	for _, flow := range flows {
		roots = append(roots, flow.RootFlowID)
	}

	return roots
}

func sameRoots(before, after map[string]*models.Flow) bool {
	for id, flow := range before {
		if after[id] == nil || after[id].RootFlowID != flow.RootFlowID {
			return false
		}
	}

	return true
}

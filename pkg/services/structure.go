package services

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/dukex/flowtree/pkg/events"
	"github.com/dukex/flowtree/pkg/flowpath"
	"github.com/dukex/flowtree/pkg/models"
	"github.com/dukex/flowtree/pkg/otelhelper"
	"github.com/dukex/flowtree/pkg/persistence"
)

const (
	opMove      = "flows.move"
	opDuplicate = "flows.duplicate"
	opDelete    = "flows.delete"
)

// Move re-parents a flow, or detaches it into a new root when newParentID is
// nil, and rewrites the structure of every descendant in one unit of work.
// Moving onto the current parent is a no-op.
func (s *Flows) Move(ctx context.Context, id string, newParentID *string) (_ *models.Flow, err error) {
	attrs := []attribute.KeyValue{attribute.String(otelhelper.FlowIDKey, id)}
	if newParentID != nil {
		attrs = append(attrs, attribute.String(otelhelper.ParentFlowIDKey, *newParentID))
	}

	ctx, finish := s.start(ctx, opMove, attrs...)
	defer func() { finish(err) }()

	userID, err := s.caller(ctx, opMove)
	if err != nil {
		return nil, err
	}

	if newParentID != nil && *newParentID == id {
		return nil, newStructuralError(opMove, "a flow cannot be its own parent")
	}

	targets := []lockTarget{flowTarget(id)}
	if newParentID != nil {
		targets = append(targets, parentTarget(*newParentID))
	}

	locked, release, err := s.lockFlows(ctx, opMove, userID, targets...)
	if err != nil {
		return nil, err
	}
	defer s.release(ctx, release)

	flow := locked[id]

	if sameParent(flow.ParentFlowID, newParentID) {
		return flow, nil
	}

	var parent *models.Flow
	if newParentID != nil {
		parent = locked[*newParentID]

		if flowpath.WouldCycle(flow.Path, parent.Path) {
			return nil, newStructuralError(opMove, "cannot move a flow under its own descendant")
		}
	}

	structure := structureUnder(id, parent)

	var (
		moved   *models.Flow
		rebased int
	)

	err = s.persistence.Atomic(ctx, func(ctx context.Context, tx persistence.Persistence) error {
		var w writes

		repo := tx.FlowRepository()

		descendants, err := repo.Descendants(ctx, id)
		if err != nil {
			return mapRepoError(opMove, err)
		}

		moved, err = repo.Update(ctx, id, models.FlowPatch{Structure: &structure})
		if err != nil {
			return s.failed(ctx, tx, opMove, err, w)
		}

		w.updated = append(w.updated, id)

		for _, descendant := range descendants {
			path, err := flowpath.Rebase(descendant.Path, flow.Path, structure.Path)
			if err != nil {
				return s.failed(ctx, tx, opMove, err, w)
			}

			patch := models.FlowPatch{Structure: &models.FlowStructure{
				ParentFlowID: descendant.ParentFlowID,
				RootFlowID:   structure.RootFlowID,
				Path:         path,
				DepthLevel:   flowpath.Depth(path),
			}}

			if _, err := repo.Update(ctx, descendant.ID, patch); err != nil {
				return s.failed(ctx, tx, opMove, err, w)
			}

			w.updated = append(w.updated, descendant.ID)
		}

		rebased = len(descendants)

		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.ObserveSubtree(opMove, rebased+1)
	s.logger.InfoContext(ctx, "flow moved",
		"flow_id", id,
		"old_root_flow_id", flow.RootFlowID,
		"new_root_flow_id", moved.RootFlowID,
		"rebased", rebased,
	)

	event := events.FlowMoved{
		BaseEvent:       events.NewBaseEvent(events.FlowMovedEvent, id, userID),
		OldParentFlowID: flow.ParentFlowID,
		NewParentFlowID: moved.ParentFlowID,
		OldRootFlowID:   flow.RootFlowID,
		NewRootFlowID:   moved.RootFlowID,
		RebasedCount:    rebased,
	}
	s.publish(ctx, moved.RootFlowID, event)

	return moved, nil
}

// DuplicateOptions controls Duplicate. A nil NewParentID keeps the source's
// parent; a nil NewName appends " (copy)" to the source name.
type DuplicateOptions struct {
	NewName         *string
	NewParentID     *string
	IncludeChildren bool
}

// Duplicate copies a flow, and with IncludeChildren its whole subtree, under
// fresh ids. Sibling order is preserved through created_at.
func (s *Flows) Duplicate(ctx context.Context, id string, opts DuplicateOptions) (_ *models.Flow, err error) {
	ctx, finish := s.start(ctx, opDuplicate, attribute.String(otelhelper.FlowIDKey, id))
	defer func() { finish(err) }()

	userID, err := s.caller(ctx, opDuplicate)
	if err != nil {
		return nil, err
	}

	var name string
	if opts.NewName != nil {
		name = strings.TrimSpace(*opts.NewName)
		if name == "" {
			return nil, NewValidationError(opDuplicate, "invalid_name", "new name cannot be empty", ErrInvalidRequest)
		}
	}

	targets := []lockTarget{flowTarget(id)}
	if opts.NewParentID != nil {
		targets = append(targets, parentTarget(*opts.NewParentID))
	}

	locked, release, err := s.lockFlows(ctx, opDuplicate, userID, targets...)
	if err != nil {
		return nil, err
	}
	defer s.release(ctx, release)

	source := locked[id]
	if name == "" {
		name = source.Name + " (copy)"
	}

	var parent *models.Flow

	switch {
	case opts.NewParentID != nil:
		parent = locked[*opts.NewParentID]
	case source.ParentFlowID != nil:
		parent, err = s.getOwned(ctx, s.persistence.FlowRepository(), opDuplicate, userID, *source.ParentFlowID)
		if err != nil {
			return nil, err
		}
	}

	var (
		top     *models.Flow
		created []string
	)

	err = s.persistence.Atomic(ctx, func(ctx context.Context, tx persistence.Persistence) error {
		repo := tx.FlowRepository()
		children := map[string][]*models.Flow{}

		if opts.IncludeChildren {
			descendants, err := repo.Descendants(ctx, id)
			if err != nil {
				return mapRepoError(opDuplicate, err)
			}

			for _, d := range descendants {
				children[*d.ParentFlowID] = append(children[*d.ParentFlowID], d)
			}
		}

		var copyTree func(src, under *models.Flow, name string) (*models.Flow, error)

		copyTree = func(src, under *models.Flow, name string) (*models.Flow, error) {
			dup := s.newFlow(userID, under, name, src.Description, src.FlowType, src.Metadata, src.TemplateID)
			dup.Status = src.Status
			s.stamp(dup, len(created))

			if err := repo.Insert(ctx, dup); err != nil {
				return nil, s.failed(ctx, tx, opDuplicate, err, writes{created: created})
			}

			created = append(created, dup.ID)

			for _, child := range children[src.ID] {
				if _, err := copyTree(child, dup, child.Name); err != nil {
					return nil, err
				}
			}

			return dup, nil
		}

		var err error
		top, err = copyTree(source, parent, name)

		return err
	})
	if err != nil {
		return nil, err
	}

	s.metrics.ObserveSubtree(opDuplicate, len(created))
	s.logger.InfoContext(ctx, "flow duplicated", "source_flow_id", id, "flow_id", top.ID, "created", len(created))

	event := events.FlowDuplicated{
		BaseEvent:    events.NewBaseEvent(events.FlowDuplicatedEvent, top.ID, userID),
		SourceFlowID: id,
		CreatedIDs:   created,
	}
	s.publish(ctx, top.RootFlowID, event)

	return top, nil
}

// Delete removes a flow and every descendant, deepest first. Deleting an
// unknown id succeeds so retries are safe.
func (s *Flows) Delete(ctx context.Context, id string) (err error) {
	ctx, finish := s.start(ctx, opDelete, attribute.String(otelhelper.FlowIDKey, id))
	defer func() { finish(err) }()

	userID, err := s.caller(ctx, opDelete)
	if err != nil {
		return err
	}

	locked, release, err := s.lockFlows(ctx, opDelete, userID, flowTarget(id))
	if err != nil {
		if IsNotFound(err) {
			return nil
		}

		return err
	}
	defer s.release(ctx, release)

	var deleted []string

	err = s.persistence.Atomic(ctx, func(ctx context.Context, tx persistence.Persistence) error {
		var w writes

		repo := tx.FlowRepository()

		descendants, err := repo.Descendants(ctx, id)
		if err != nil {
			return mapRepoError(opDelete, err)
		}

		victims := make([]string, 0, len(descendants)+1)
		for i := len(descendants) - 1; i >= 0; i-- {
			victims = append(victims, descendants[i].ID)
		}

		victims = append(victims, id)

		for _, victim := range victims {
			if err := repo.DeleteOne(ctx, victim); err != nil && !persistence.IsFlowNotFound(err) {
				return s.failed(ctx, tx, opDelete, err, w)
			}

			w.deleted = append(w.deleted, victim)
		}

		deleted = w.deleted

		return nil
	})
	if err != nil {
		return err
	}

	s.metrics.ObserveSubtree(opDelete, len(deleted))
	s.logger.InfoContext(ctx, "flow deleted", "flow_id", id, "deleted", len(deleted))

	event := events.FlowDeleted{
		BaseEvent:  events.NewBaseEvent(events.FlowDeletedEvent, id, userID),
		DeletedIDs: deleted,
	}
	s.publish(ctx, locked[id].RootFlowID, event)

	return nil
}

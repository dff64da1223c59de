package services

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/dukex/flowtree/pkg/events"
	"github.com/dukex/flowtree/pkg/flowpath"
	"github.com/dukex/flowtree/pkg/lock"
	"github.com/dukex/flowtree/pkg/models"
	"github.com/dukex/flowtree/pkg/persistence"
	"github.com/dukex/flowtree/pkg/snapshot"
)

const (
	opExport = "flows.export"
	opImport = "flows.import"
)

// Transfer produces and consumes portable flow snapshots.
type Transfer struct {
	flows *Flows
}

// NewTransfer creates an export/import service sharing the collaborators of flows.
func NewTransfer(flows *Flows) *Transfer {
	return &Transfer{flows: flows}
}

// Export collects each requested flow with its descendants, deduplicated
// across overlapping requests, plus the templates they reference.
func (t *Transfer) Export(ctx context.Context, ids []string) (_ *models.FlowExport, err error) {
	s := t.flows

	ctx, finish := s.start(ctx, opExport)
	defer func() { finish(err) }()

	userID, err := s.caller(ctx, opExport)
	if err != nil {
		return nil, err
	}

	requested := dedupe(ids)
	if len(requested) == 0 {
		return nil, NewValidationError(opExport, "missing_flow_ids", "at least one flow id is required", ErrInvalidRequest)
	}

	repo := s.persistence.FlowRepository()
	seen := map[string]bool{}
	flows := make([]*models.Flow, 0)

	for _, id := range requested {
		if seen[id] {
			continue
		}

		subtree, err := s.subtree(ctx, repo, opExport, userID, id)
		if err != nil {
			return nil, err
		}

		for _, flow := range subtree {
			if !seen[flow.ID] {
				seen[flow.ID] = true
				flows = append(flows, flow)
			}
		}
	}

	persistence.SortFlows(flows)

	templates, err := t.referencedTemplates(ctx, userID, flows)
	if err != nil {
		return nil, err
	}

	scope := models.ExportScopeBranch
	if len(requested) == 1 {
		scope = models.ExportScopeSingle
	}

	s.metrics.ObserveSubtree(opExport, len(flows))

	return &models.FlowExport{
		Version:       models.ExportVersion,
		ExportedAt:    s.now().UTC(),
		Flows:         flows,
		Templates:     templates,
		Relationships: []models.FlowRelationship{},
		Metadata: models.ExportMetadata{
			TotalFlows:     len(flows),
			TotalTemplates: len(templates),
			ExportScope:    scope,
		},
	}, nil
}

func (t *Transfer) referencedTemplates(ctx context.Context, userID string, flows []*models.Flow) ([]*models.NestedFlowTemplate, error) {
	s := t.flows
	repo := s.persistence.TemplateRepository()
	seen := map[string]bool{}
	templates := make([]*models.NestedFlowTemplate, 0)

	for _, flow := range flows {
		if flow.TemplateID == nil || seen[*flow.TemplateID] {
			continue
		}

		id := *flow.TemplateID
		seen[id] = true

		tpl, err := repo.Get(ctx, id)
		if persistence.IsTemplateNotFound(err) {
			s.logger.WarnContext(ctx, "skipping missing template in export", "template_id", id)

			continue
		}

		if err != nil {
			return nil, mapRepoError(opExport, err)
		}

		if !tpl.VisibleTo(userID) {
			s.logger.WarnContext(ctx, "skipping private template in export", "template_id", id)

			continue
		}

		templates = append(templates, tpl)
	}

	return templates, nil
}

// ImportOptions controls Import.
type ImportOptions struct {
	IncludeTemplates bool
}

// ImportResult lists what an import wrote.
type ImportResult struct {
	Flows       []*models.Flow `json:"flows"`
	TemplateIDs []string       `json:"template_ids"`
	// Detached holds flows whose parent was neither in the snapshot nor owned
	// by the caller. They were imported as roots.
	Detached []string `json:"detached_flow_ids"`
}

// Import upserts the snapshot's flows by id, parents first, owned by the
// caller. Structure is recomputed from parent links rather than trusted, so
// importing the same snapshot twice leaves the store unchanged. Ids owned by
// another user are rejected before any write.
func (t *Transfer) Import(ctx context.Context, snap *models.FlowExport, opts ImportOptions) (_ *ImportResult, err error) {
	s := t.flows

	ctx, finish := s.start(ctx, opImport)
	defer func() { finish(err) }()

	userID, err := s.caller(ctx, opImport)
	if err != nil {
		return nil, err
	}

	if snap == nil {
		return nil, NewValidationError(opImport, "missing_snapshot", "snapshot is required", ErrInvalidRequest)
	}

	if err := snapshot.CheckVersion(snap.Version); err != nil {
		return nil, &ServiceError{Op: opImport, Code: "version_mismatch", Message: err.Error(), Kind: ErrVersionMismatch, Err: err}
	}

	if err := validateSnapshotFlows(snap.Flows); err != nil {
		return nil, err
	}

	var templates []*models.NestedFlowTemplate

	if opts.IncludeTemplates {
		templates, err = t.prepareTemplates(ctx, userID, snap.Templates)
		if err != nil {
			return nil, err
		}
	}

	plan, release, err := t.lockPlan(ctx, userID, snap.Flows)
	if err != nil {
		return nil, err
	}
	defer s.release(ctx, release)

	err = s.persistence.Atomic(ctx, func(ctx context.Context, tx persistence.Persistence) error {
		var w writes

		for _, tpl := range templates {
			if err := tx.TemplateRepository().Upsert(ctx, tpl); err != nil {
				return s.failed(ctx, tx, opImport, err, w)
			}

			w.created = append(w.created, tpl.ID)
		}

		repo := tx.FlowRepository()

		for _, flow := range plan.flows {
			if err := repo.Upsert(ctx, flow); err != nil {
				return s.failed(ctx, tx, opImport, err, w)
			}

			w.created = append(w.created, flow.ID)
		}

		for _, orphan := range plan.orphans {
			if _, err := repo.Update(ctx, orphan.id, models.FlowPatch{Structure: &orphan.structure}); err != nil {
				return s.failed(ctx, tx, opImport, err, w)
			}

			w.updated = append(w.updated, orphan.id)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	result := &ImportResult{
		Flows:       plan.flows,
		TemplateIDs: make([]string, 0, len(templates)),
		Detached:    plan.detached,
	}

	for _, tpl := range templates {
		result.TemplateIDs = append(result.TemplateIDs, tpl.ID)
	}

	s.metrics.ObserveSubtree(opImport, len(plan.flows))
	s.logger.InfoContext(ctx, "flows imported",
		"flows", len(plan.flows),
		"templates", len(templates),
		"rebased", len(plan.orphans),
		"detached", len(plan.detached),
	)

	t.publishImported(ctx, userID, plan.flows, result.TemplateIDs)

	return result, nil
}

// publishImported emits one event per tree so consumers keyed by root see it
// in order with the tree's other events.
func (t *Transfer) publishImported(ctx context.Context, userID string, flows []*models.Flow, templateIDs []string) {
	byRoot := map[string][]string{}
	roots := make([]string, 0)

	for _, flow := range flows {
		if _, ok := byRoot[flow.RootFlowID]; !ok {
			roots = append(roots, flow.RootFlowID)
		}

		byRoot[flow.RootFlowID] = append(byRoot[flow.RootFlowID], flow.ID)
	}

	for _, root := range roots {
		event := events.FlowsImported{
			BaseEvent:   events.NewBaseEvent(events.FlowsImportedEvent, root, userID),
			FlowIDs:     byRoot[root],
			TemplateIDs: templateIDs,
		}
		t.flows.publish(ctx, root, event)
	}
}

func validateSnapshotFlows(flows []*models.Flow) error {
	seen := make(map[string]bool, len(flows))

	for i, flow := range flows {
		if flow == nil {
			return NewValidationError(opImport, "invalid_flow", fmt.Sprintf("flow %d is empty", i), ErrInvalidRequest)
		}

		if err := flowpath.ValidateID(flow.ID); err != nil {
			return NewValidationError(opImport, "invalid_flow", fmt.Sprintf("flow %d: %v", i, err), err)
		}

		if seen[flow.ID] {
			return NewValidationError(opImport, "duplicate_flow", "flow "+flow.ID+" appears twice", ErrInvalidRequest)
		}

		seen[flow.ID] = true

		if strings.TrimSpace(flow.Name) == "" {
			return NewValidationError(opImport, "invalid_flow", "flow "+flow.ID+" has no name", ErrInvalidRequest)
		}

		if flow.Status != "" && !flow.Status.IsValid() {
			return NewValidationError(opImport, "invalid_status", fmt.Sprintf("flow %s has unknown status %q", flow.ID, flow.Status), ErrInvalidStatus)
		}
	}

	return nil
}

// prepareTemplates checks ownership of incoming templates and stamps the
// caller as author.
func (t *Transfer) prepareTemplates(ctx context.Context, userID string, incoming []*models.NestedFlowTemplate) ([]*models.NestedFlowTemplate, error) {
	s := t.flows
	repo := s.persistence.TemplateRepository()
	now := s.now().UTC()
	out := make([]*models.NestedFlowTemplate, 0, len(incoming))

	for _, tpl := range incoming {
		if tpl == nil {
			continue
		}

		if err := flowpath.ValidateID(tpl.ID); err != nil {
			return nil, NewValidationError(opImport, "invalid_template", err.Error(), err)
		}

		existing, err := repo.Get(ctx, tpl.ID)

		switch {
		case err == nil:
			if existing.AuthorID != userID {
				return nil, newUnauthorizedError(opImport, tpl.ID)
			}
		case !persistence.IsTemplateNotFound(err):
			return nil, mapRepoError(opImport, err)
		}

		imported := *tpl
		imported.AuthorID = userID
		imported.SubFlows = append([]string{}, tpl.SubFlows...)
		imported.Metadata = cloneMetadata(tpl.Metadata)

		if imported.CreatedAt.IsZero() {
			imported.CreatedAt = now
		}

		if imported.UpdatedAt.IsZero() {
			imported.UpdatedAt = now
		}

		out = append(out, &imported)
	}

	return out, nil
}

type orphanUpdate struct {
	id        string
	structure models.FlowStructure
}

// importPlan is the set of writes an import performs, computed before any
// write happens.
type importPlan struct {
	flows    []*models.Flow
	orphans  []orphanUpdate
	detached []string
	roots    []string
}

// lockPlan plans the import, locks every tree it touches and plans again
// under the lock. The second plan is used when it stays within the locked
// trees.
func (t *Transfer) lockPlan(ctx context.Context, userID string, flows []*models.Flow) (*importPlan, lock.Release, error) {
	s := t.flows

	for range maxLockAttempts {
		before, err := t.plan(ctx, userID, flows)
		if err != nil {
			return nil, nil, err
		}

		release, err := s.lockTrees(ctx, opImport, before.roots...)
		if err != nil {
			return nil, nil, err
		}

		after, err := t.plan(ctx, userID, flows)
		if err != nil {
			s.release(ctx, release)

			return nil, nil, err
		}

		if isSubset(after.roots, before.roots) {
			return after, release, nil
		}

		s.release(ctx, release)
	}

	return nil, nil, &ServiceError{
		Op:      opImport,
		Code:    "store_unavailable",
		Message: "trees changed while waiting for their locks",
		Kind:    ErrStoreUnavailable,
	}
}

type importPlanner struct {
	ctx      context.Context
	repo     persistence.FlowRepository
	userID   string
	incoming map[string]*models.Flow
	placed   map[string]*models.Flow
	visiting map[string]bool
	stored   map[string]*models.Flow
	plan     *importPlan
}

func (t *Transfer) plan(ctx context.Context, userID string, flows []*models.Flow) (*importPlan, error) {
	repo := t.flows.persistence.FlowRepository()

	p := &importPlanner{
		ctx:      ctx,
		repo:     repo,
		userID:   userID,
		incoming: make(map[string]*models.Flow, len(flows)),
		placed:   make(map[string]*models.Flow, len(flows)),
		visiting: map[string]bool{},
		stored:   map[string]*models.Flow{},
		plan:     &importPlan{detached: []string{}},
	}

	for _, flow := range flows {
		p.incoming[flow.ID] = flow
	}

	roots := map[string]bool{}

	// Existing ids must belong to the caller.
	for _, flow := range flows {
		existing, err := p.lookup(flow.ID)
		if err != nil {
			return nil, err
		}

		if existing == nil {
			continue
		}

		if existing.UserID != userID {
			return nil, newUnauthorizedError(opImport, flow.ID)
		}

		roots[existing.RootFlowID] = true
	}

	now := t.flows.now().UTC()

	for _, flow := range flows {
		placed, err := p.place(flow)
		if err != nil {
			return nil, err
		}

		if placed.CreatedAt.IsZero() {
			placed.CreatedAt = now
		}

		if placed.UpdatedAt.IsZero() {
			placed.UpdatedAt = now
		}

		roots[placed.RootFlowID] = true
		p.plan.flows = append(p.plan.flows, placed)
	}

	sort.SliceStable(p.plan.flows, func(i, j int) bool {
		return p.plan.flows[i].DepthLevel < p.plan.flows[j].DepthLevel
	})

	if err := p.planOrphans(); err != nil {
		return nil, err
	}

	p.plan.roots = make([]string, 0, len(roots))
	for root := range roots {
		p.plan.roots = append(p.plan.roots, root)
	}

	slices.Sort(p.plan.roots)

	return p.plan, nil
}

// lookup reads a stored flow once per plan. A missing flow is nil.
func (p *importPlanner) lookup(id string) (*models.Flow, error) {
	if flow, ok := p.stored[id]; ok {
		return flow, nil
	}

	flow, err := p.repo.Get(p.ctx, id)
	if persistence.IsFlowNotFound(err) {
		p.stored[id] = nil

		return nil, nil
	}

	if err != nil {
		return nil, mapRepoError(opImport, err)
	}

	p.stored[id] = flow

	return flow, nil
}

// place computes the imported copy of flow with its structure derived from
// the parent chain.
func (p *importPlanner) place(flow *models.Flow) (*models.Flow, error) {
	if placed, ok := p.placed[flow.ID]; ok {
		return placed, nil
	}

	if p.visiting[flow.ID] {
		return nil, NewValidationError(opImport, "parent_cycle", "parent links form a cycle at "+flow.ID, ErrInvalidRequest)
	}

	p.visiting[flow.ID] = true
	defer delete(p.visiting, flow.ID)

	parent, err := p.parentOf(flow)
	if err != nil {
		return nil, err
	}

	placed := flow.Clone()
	placed.UserID = p.userID

	if placed.Status == "" {
		placed.Status = models.FlowStatusDraft
	}

	attach(placed, parent)
	p.placed[flow.ID] = placed

	return placed, nil
}

func (p *importPlanner) parentOf(flow *models.Flow) (*models.Flow, error) {
	if flow.ParentFlowID == nil || *flow.ParentFlowID == "" {
		return nil, nil
	}

	parentID := *flow.ParentFlowID
	if parentID == flow.ID {
		return nil, NewValidationError(opImport, "parent_cycle", "flow "+flow.ID+" is its own parent", ErrInvalidRequest)
	}

	if incoming, ok := p.incoming[parentID]; ok {
		return p.place(incoming)
	}

	stored, err := p.lookup(parentID)
	if err != nil {
		return nil, err
	}

	if stored == nil || stored.UserID != p.userID {
		p.plan.detached = append(p.plan.detached, flow.ID)

		return nil, nil
	}

	for _, segment := range flowpath.Segments(stored.Path) {
		if _, ok := p.incoming[segment]; ok {
			return nil, newStructuralError(opImport,
				fmt.Sprintf("parent %s of %s lies below imported flow %s and must be part of the snapshot", parentID, flow.ID, segment))
		}
	}

	return stored, nil
}

// planOrphans rewrites stored descendants that are not in the snapshot but
// sit below an imported flow whose path changes.
func (p *importPlanner) planOrphans() error {
	orphans := map[string]*models.Flow{}

	for _, placed := range p.plan.flows {
		existing := p.stored[placed.ID]
		if existing == nil || existing.Path == placed.Path {
			continue
		}

		descendants, err := p.repo.Descendants(p.ctx, placed.ID)
		if err != nil {
			return mapRepoError(opImport, err)
		}

		for _, d := range descendants {
			if _, ok := p.incoming[d.ID]; !ok {
				orphans[d.ID] = d
			}
		}
	}

	ordered := make([]*models.Flow, 0, len(orphans))
	for _, orphan := range orphans {
		ordered = append(ordered, orphan)
	}

	persistence.SortFlows(ordered)

	moved := make(map[string]*models.Flow, len(ordered))

	for _, orphan := range ordered {
		parentID := *orphan.ParentFlowID

		parent := p.placed[parentID]
		if parent == nil {
			parent = moved[parentID]
		}

		if parent == nil {
			continue
		}

		rebased := orphan.Clone()
		attach(rebased, parent)
		moved[orphan.ID] = rebased

		p.plan.orphans = append(p.plan.orphans, orphanUpdate{
			id: orphan.ID,
			structure: models.FlowStructure{
				ParentFlowID: rebased.ParentFlowID,
				RootFlowID:   rebased.RootFlowID,
				Path:         rebased.Path,
				DepthLevel:   rebased.DepthLevel,
			},
		})
	}

	return nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))

	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}

		seen[id] = true
		out = append(out, id)
	}

	return out
}

func isSubset(subset, set []string) bool {
	for _, item := range subset {
		if !slices.Contains(set, item) {
			return false
		}
	}

	return true
}

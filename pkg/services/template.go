package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel/attribute"

	"github.com/dukex/flowtree/pkg/events"
	"github.com/dukex/flowtree/pkg/flowpath"
	"github.com/dukex/flowtree/pkg/lock"
	"github.com/dukex/flowtree/pkg/models"
	"github.com/dukex/flowtree/pkg/otelhelper"
	"github.com/dukex/flowtree/pkg/persistence"
)

const (
	opInstantiate   = "templates.instantiate"
	opListTemplates = "templates.list"
	opGetTemplate   = "templates.get"
	opSaveTemplate  = "templates.save"
)

// Templates expands nested templates into flow subtrees and manages the
// template catalog.
type Templates struct {
	flows    *Flows
	validate *validator.Validate
}

// NewTemplates creates a template service sharing the collaborators of flows.
func NewTemplates(flows *Flows) *Templates {
	return &Templates{
		flows:    flows,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Instantiate creates a flow from the template, then one child subtree per
// sub_flows entry in list order. The template graph is resolved before any
// write, so a template that reaches itself fails with ErrTemplateCycle and
// creates nothing.
func (t *Templates) Instantiate(ctx context.Context, templateID string, parentFlowID *string) (_ *models.Flow, err error) {
	s := t.flows

	ctx, finish := s.start(ctx, opInstantiate, attribute.String(otelhelper.TemplateIDKey, templateID))
	defer func() { finish(err) }()

	userID, err := s.caller(ctx, opInstantiate)
	if err != nil {
		return nil, err
	}

	resolved, err := t.resolve(ctx, opInstantiate, userID, templateID, nil)
	if err != nil {
		return nil, err
	}

	var (
		parent  *models.Flow
		release = lock.Release(func(context.Context) error { return nil })
	)

	if parentFlowID != nil {
		var locked map[string]*models.Flow

		locked, release, err = s.lockFlows(ctx, opInstantiate, userID, parentTarget(*parentFlowID))
		if err != nil {
			return nil, err
		}

		parent = locked[*parentFlowID]
	}
	defer s.release(ctx, release)

	var (
		top     *models.Flow
		created []string
	)

	err = s.persistence.Atomic(ctx, func(ctx context.Context, tx persistence.Persistence) error {
		repo := tx.FlowRepository()

		var expand func(id string, under *models.Flow) (*models.Flow, error)

		expand = func(id string, under *models.Flow) (*models.Flow, error) {
			tpl := resolved[id]

			flow := s.newFlow(userID, under, tpl.Name, tpl.Description, tpl.FlowType, tpl.Metadata, &tpl.ID)
			s.stamp(flow, len(created))

			if err := repo.Insert(ctx, flow); err != nil {
				return nil, s.failed(ctx, tx, opInstantiate, err, writes{created: created})
			}

			created = append(created, flow.ID)

			for _, sub := range tpl.SubFlows {
				if _, err := expand(sub, flow); err != nil {
					return nil, err
				}
			}

			return flow, nil
		}

		var err error

		top, err = expand(templateID, parent)
		if err != nil {
			return err
		}

		if err := tx.TemplateRepository().IncrementUsage(ctx, templateID); err != nil {
			return s.failed(ctx, tx, opInstantiate, err, writes{created: created})
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.ObserveSubtree(opInstantiate, len(created))
	s.logger.InfoContext(ctx, "template instantiated", "template_id", templateID, "flow_id", top.ID, "created", len(created))

	event := events.FlowCreated{
		BaseEvent:    events.NewBaseEvent(events.FlowCreatedEvent, top.ID, userID),
		ParentFlowID: top.ParentFlowID,
		RootFlowID:   top.RootFlowID,
		TemplateID:   top.TemplateID,
	}
	event.Metadata = map[string]any{"created_ids": created}
	s.publish(ctx, top.RootFlowID, event)

	return top, nil
}

// resolve loads every template reachable from rootID. Only rootID must be
// visible to userID; sub templates are reached through it. Templates on the
// current expansion stack are tracked and re-entry fails fast. override
// stands in for the stored template with the same id.
func (t *Templates) resolve(
	ctx context.Context,
	op, userID, rootID string,
	override *models.NestedFlowTemplate,
) (map[string]*models.NestedFlowTemplate, error) {
	repo := t.flows.persistence.TemplateRepository()

	resolved := map[string]*models.NestedFlowTemplate{}
	done := map[string]bool{}
	expanding := map[string]bool{}

	var stack []string

	var visit func(id string) error

	visit = func(id string) error {
		if expanding[id] {
			return &ServiceError{
				Op:      op,
				Code:    "template_cycle",
				Message: "template cycle: " + strings.Join(append(stack, id), " -> "),
				Kind:    ErrTemplateCycle,
			}
		}

		if done[id] {
			return nil
		}

		tpl := override
		if tpl == nil || tpl.ID != id {
			var err error

			tpl, err = repo.Get(ctx, id)
			if err != nil {
				return mapRepoError(op, err)
			}

			if id == rootID && !tpl.VisibleTo(userID) {
				return newUnauthorizedError(op, id)
			}
		}

		resolved[id] = tpl
		expanding[id] = true
		stack = append(stack, id)

		for _, sub := range tpl.SubFlows {
			if err := visit(sub); err != nil {
				return err
			}
		}

		stack = stack[:len(stack)-1]
		delete(expanding, id)
		done[id] = true

		return nil
	}

	if err := visit(rootID); err != nil {
		return nil, err
	}

	return resolved, nil
}

// ListTemplates returns templates visible to the caller, most used first.
func (t *Templates) ListTemplates(ctx context.Context, filter models.TemplateFilter) (_ []*models.NestedFlowTemplate, err error) {
	s := t.flows

	ctx, finish := s.start(ctx, opListTemplates)
	defer func() { finish(err) }()

	userID, err := s.caller(ctx, opListTemplates)
	if err != nil {
		return nil, err
	}

	filter.VisibleTo = userID

	templates, err := s.persistence.TemplateRepository().List(ctx, filter)
	if err != nil {
		return nil, mapRepoError(opListTemplates, err)
	}

	return templates, nil
}

// GetTemplate returns a template that is public or authored by the caller.
func (t *Templates) GetTemplate(ctx context.Context, id string) (_ *models.NestedFlowTemplate, err error) {
	s := t.flows

	ctx, finish := s.start(ctx, opGetTemplate, attribute.String(otelhelper.TemplateIDKey, id))
	defer func() { finish(err) }()

	userID, err := s.caller(ctx, opGetTemplate)
	if err != nil {
		return nil, err
	}

	tpl, err := s.persistence.TemplateRepository().Get(ctx, id)
	if err != nil {
		return nil, mapRepoError(opGetTemplate, err)
	}

	if !tpl.VisibleTo(userID) {
		return nil, newUnauthorizedError(opGetTemplate, id)
	}

	return tpl, nil
}

// SaveTemplate creates or replaces a template authored by the caller. Sub
// templates must exist, be visible, and not lead back to the template.
func (t *Templates) SaveTemplate(ctx context.Context, tpl *models.NestedFlowTemplate) (_ *models.NestedFlowTemplate, err error) {
	s := t.flows

	ctx, finish := s.start(ctx, opSaveTemplate)
	defer func() { finish(err) }()

	userID, err := s.caller(ctx, opSaveTemplate)
	if err != nil {
		return nil, err
	}

	if tpl == nil {
		return nil, NewValidationError(opSaveTemplate, "invalid_template", "template is required", ErrInvalidRequest)
	}

	saved := *tpl
	saved.Name = strings.TrimSpace(saved.Name)

	if saved.ID == "" {
		saved.ID = s.newID()
	}

	if err := flowpath.ValidateID(saved.ID); err != nil {
		return nil, NewValidationError(opSaveTemplate, "invalid_id", err.Error(), err)
	}

	if err := t.validate.Struct(&saved); err != nil {
		return nil, NewValidationError(opSaveTemplate, "invalid_template", err.Error(), err)
	}

	repo := s.persistence.TemplateRepository()
	now := s.now().UTC()
	saved.CreatedAt = now
	saved.UsageCount = 0

	existing, err := repo.Get(ctx, saved.ID)

	switch {
	case err == nil:
		if existing.AuthorID != userID {
			return nil, newUnauthorizedError(opSaveTemplate, saved.ID)
		}

		saved.CreatedAt = existing.CreatedAt
		saved.UsageCount = existing.UsageCount
	case !persistence.IsTemplateNotFound(err):
		return nil, mapRepoError(opSaveTemplate, err)
	}

	saved.AuthorID = userID
	saved.UpdatedAt = now
	saved.Metadata = cloneMetadata(saved.Metadata)

	saved.SubFlows = append([]string{}, saved.SubFlows...)

	if _, err := t.resolve(ctx, opSaveTemplate, userID, saved.ID, &saved); err != nil {
		if IsNotFound(err) {
			return nil, NewValidationError(opSaveTemplate, "unknown_sub_flow", fmt.Sprintf("sub template not found: %v", err), err)
		}

		return nil, err
	}

	if err := repo.Upsert(ctx, &saved); err != nil {
		return nil, mapRepoError(opSaveTemplate, err)
	}

	s.logger.InfoContext(ctx, "template saved", "template_id", saved.ID, "user_id", userID)

	return &saved, nil
}

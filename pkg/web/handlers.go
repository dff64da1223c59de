// Package web provides HTTP handlers and REST API endpoints for flow trees.
package web

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"

	"github.com/dukex/flowtree/pkg/auth"
	"github.com/dukex/flowtree/pkg/models"
	"github.com/dukex/flowtree/pkg/services"
	"github.com/dukex/flowtree/pkg/snapshot"
)

type APIHandlers struct {
	flows     *services.Flows
	templates *services.Templates
	transfer  *services.Transfer
	validator *validator.Validate
}

func NewAPIHandlers(
	flows *services.Flows,
	templates *services.Templates,
	transfer *services.Transfer,
	validator *validator.Validate,
) *APIHandlers {
	return &APIHandlers{
		flows:     flows,
		templates: templates,
		transfer:  transfer,
		validator: validator,
	}
}

// Routes mounts the flow, template and snapshot endpoints on r. Every route
// requires a caller id.
func (h *APIHandlers) Routes(r fiber.Router) {
	authenticated := auth.Middleware()

	f := r.Group("/flows", authenticated)
	f.Get("/", h.GetFlows)
	f.Post("/", h.CreateFlow)
	f.Get("/tree", h.GetFlowTree)
	f.Get("/:id", h.GetFlow)
	f.Patch("/:id", h.UpdateFlow)
	f.Delete("/:id", h.DeleteFlow)
	f.Post("/:id/move", h.MoveFlow)
	f.Post("/:id/duplicate", h.DuplicateFlow)
	f.Get("/:id/descendants", h.GetFlowDescendants)
	f.Get("/:id/ancestors", h.GetFlowAncestors)
	f.Get("/:id/progress", h.GetFlowProgress)
	f.Get("/:id/analytics", h.GetFlowAnalytics)

	t := r.Group("/templates", authenticated)
	t.Get("/", h.GetTemplates)
	t.Post("/", h.SaveTemplate)
	t.Get("/:id", h.GetTemplate)
	t.Post("/:id/instantiate", h.InstantiateTemplate)

	r.Post("/exports", h.ExportFlows, authenticated)
	r.Post("/imports", h.ImportFlows, authenticated)
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	repositoryCheck, ok := h.flows.HealthCheck(c.Context())

	status := "unhealthy"
	message := "Flowtree API is unhealthy"
	httpStatus := http.StatusServiceUnavailable

	if ok {
		status = "healthy"
		message = "Flowtree API is healthy"
		httpStatus = http.StatusOK
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status":  status,
		"message": message,
		"checkers": fiber.Map{
			"repository": repositoryCheck,
		},
	})
}

func (h *APIHandlers) GetFlows(c fiber.Ctx) error {
	filter, err := parseFlowFilter(c)
	if err != nil {
		return badRequest(c, "Invalid query parameters: "+err.Error())
	}

	flows, err := h.flows.List(auth.Context(c), filter)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(newFlowList(flows))
}

// parseFlowFilter reads list filters from the query string. flow_type and
// status accept comma separated values.
func parseFlowFilter(c fiber.Ctx) (models.FlowFilter, error) {
	var filter models.FlowFilter

	filter.FlowTypes = splitList(c.Query("flow_type"))

	for _, raw := range splitList(c.Query("status")) {
		filter.Statuses = append(filter.Statuses, models.FlowStatus(raw))
	}

	if raw := c.Query("depth_level"); raw != "" {
		depth, err := strconv.Atoi(raw)
		if err != nil {
			return filter, err
		}

		filter.DepthLevel = &depth
	}

	if raw := c.Query("parent_flow_id"); raw != "" {
		filter.ParentFlowID = &raw
	}

	if raw := c.Query("root_flow_id"); raw != "" {
		filter.RootFlowID = &raw
	}

	if raw := c.Query("created_after"); raw != "" {
		after, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, err
		}

		filter.CreatedAfter = &after
	}

	if raw := c.Query("created_before"); raw != "" {
		before, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, err
		}

		filter.CreatedBefore = &before
	}

	filter.Search = c.Query("search")

	return filter, nil
}

func newFlowList(flows []*models.Flow) FlowListResponse {
	if flows == nil {
		flows = []*models.Flow{}
	}

	return FlowListResponse{Flows: flows, TotalCount: len(flows)}
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}

	var out []string

	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}

	return out
}

func (h *APIHandlers) CreateFlow(c fiber.Ctx) error {
	var req CreateFlowRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	flow, err := h.flows.Create(auth.Context(c), req.toService())
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(flow)
}

func (h *APIHandlers) GetFlowTree(c fiber.Ctx) error {
	var rootID *string
	if raw := c.Query("root_id"); raw != "" {
		rootID = &raw
	}

	nodes, err := h.flows.Tree(auth.Context(c), rootID)
	if err != nil {
		return handleServiceError(c, err)
	}

	if nodes == nil {
		nodes = []*models.FlowTreeNode{}
	}

	return c.JSON(nodes)
}

func (h *APIHandlers) GetFlow(c fiber.Ctx) error {
	flow, err := h.flows.Get(auth.Context(c), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(flow)
}

func (h *APIHandlers) UpdateFlow(c fiber.Ctx) error {
	var req UpdateFlowRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	flow, err := h.flows.Update(auth.Context(c), c.Params("id"), req.toService())
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(flow)
}

func (h *APIHandlers) DeleteFlow(c fiber.Ctx) error {
	if err := h.flows.Delete(auth.Context(c), c.Params("id")); err != nil {
		return handleServiceError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *APIHandlers) MoveFlow(c fiber.Ctx) error {
	var req MoveFlowRequest
	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&req); err != nil {
			return badRequest(c, "Invalid JSON format")
		}
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	flow, err := h.flows.Move(auth.Context(c), c.Params("id"), req.NewParentID)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(flow)
}

func (h *APIHandlers) DuplicateFlow(c fiber.Ctx) error {
	var req DuplicateFlowRequest
	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&req); err != nil {
			return badRequest(c, "Invalid JSON format")
		}
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	flow, err := h.flows.Duplicate(auth.Context(c), c.Params("id"), req.toService())
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(flow)
}

func (h *APIHandlers) GetFlowDescendants(c fiber.Ctx) error {
	flows, err := h.flows.Descendants(auth.Context(c), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(newFlowList(flows))
}

func (h *APIHandlers) GetFlowAncestors(c fiber.Ctx) error {
	flows, err := h.flows.Ancestors(auth.Context(c), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(newFlowList(flows))
}

func (h *APIHandlers) GetFlowProgress(c fiber.Ctx) error {
	id := c.Params("id")

	progress, err := h.flows.CalculateProgress(auth.Context(c), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(ProgressResponse{FlowID: id, Progress: progress})
}

func (h *APIHandlers) GetFlowAnalytics(c fiber.Ctx) error {
	analytics, err := h.flows.GetAnalytics(auth.Context(c), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(analytics)
}

func (h *APIHandlers) GetTemplates(c fiber.Ctx) error {
	filter := models.TemplateFilter{
		AuthorID:   c.Query("author_id"),
		FlowType:   c.Query("flow_type"),
		Category:   c.Query("category"),
		Difficulty: models.TemplateDifficulty(c.Query("difficulty")),
		Search:     c.Query("search"),
	}

	templates, err := h.templates.ListTemplates(auth.Context(c), filter)
	if err != nil {
		return handleServiceError(c, err)
	}

	if templates == nil {
		templates = []*models.NestedFlowTemplate{}
	}

	return c.JSON(TemplateListResponse{Templates: templates, TotalCount: len(templates)})
}

func (h *APIHandlers) GetTemplate(c fiber.Ctx) error {
	template, err := h.templates.GetTemplate(auth.Context(c), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(template)
}

func (h *APIHandlers) SaveTemplate(c fiber.Ctx) error {
	var req SaveTemplateRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	template, err := h.templates.SaveTemplate(auth.Context(c), req.toModel())
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(template)
}

func (h *APIHandlers) InstantiateTemplate(c fiber.Ctx) error {
	var req InstantiateTemplateRequest
	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&req); err != nil {
			return badRequest(c, "Invalid JSON format")
		}
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	flow, err := h.templates.Instantiate(auth.Context(c), c.Params("id"), req.ParentFlowID)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(flow)
}

// ExportFlows writes a snapshot of the requested subtrees. ?format=yaml
// selects the YAML encoding.
func (h *APIHandlers) ExportFlows(c fiber.Ctx) error {
	format, err := snapshot.ParseFormat(c.Query("format"))
	if err != nil {
		return badRequest(c, err.Error())
	}

	var req ExportRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	export, err := h.transfer.Export(auth.Context(c), req.FlowIDs)
	if err != nil {
		return handleServiceError(c, err)
	}

	body, err := snapshot.Encode(export, format)
	if err != nil {
		return handleServiceError(c, err)
	}

	c.Set(fiber.HeaderContentType, format.ContentType())

	return c.Send(body)
}

// ImportFlows accepts a JSON or YAML snapshot body.
func (h *APIHandlers) ImportFlows(c fiber.Ctx) error {
	var opts services.ImportOptions

	if raw := c.Query("include_templates"); raw != "" {
		include, err := strconv.ParseBool(raw)
		if err != nil {
			return badRequest(c, "Invalid query parameters: "+err.Error())
		}

		opts.IncludeTemplates = include
	}

	export, err := snapshot.Decode(c.Body())
	if err != nil {
		return handleServiceError(c, err)
	}

	result, err := h.transfer.Import(auth.Context(c), export, opts)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(result)
}

// Package web provides HTTP request and response types for the flow tree API.
package web

import (
	"github.com/dukex/flowtree/pkg/models"
	"github.com/dukex/flowtree/pkg/services"
)

// CreateFlowRequest represents the request body for creating a new flow.
type CreateFlowRequest struct {
	Name         string         `json:"name"                     validate:"required,max=255"`
	Description  string         `json:"description"`
	FlowType     string         `json:"flow_type"                validate:"max=64"`
	ParentFlowID *string        `json:"parent_flow_id,omitempty" validate:"omitempty,min=1"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

func (r CreateFlowRequest) toService() services.CreateFlowRequest {
	return services.CreateFlowRequest{
		Name:         r.Name,
		Description:  r.Description,
		FlowType:     r.FlowType,
		ParentFlowID: r.ParentFlowID,
		Metadata:     r.Metadata,
	}
}

// UpdateFlowRequest represents the request body for updating a flow.
// All fields are optional to support partial updates. Structural fields are
// changed through the move endpoint only.
type UpdateFlowRequest struct {
	Name        *string            `json:"name,omitempty"        validate:"omitempty,min=1,max=255"`
	Description *string            `json:"description,omitempty"`
	FlowType    *string            `json:"flow_type,omitempty"   validate:"omitempty,max=64"`
	Status      *models.FlowStatus `json:"status,omitempty"      validate:"omitempty,oneof=draft active completed archived"`
	Metadata    map[string]any     `json:"metadata,omitempty"`
}

func (r UpdateFlowRequest) toService() services.UpdateFlowRequest {
	return services.UpdateFlowRequest{
		Name:        r.Name,
		Description: r.Description,
		FlowType:    r.FlowType,
		Status:      r.Status,
		Metadata:    r.Metadata,
	}
}

// MoveFlowRequest represents the request body for moving a flow. A null or
// missing new_parent_id turns the flow into a root.
type MoveFlowRequest struct {
	NewParentID *string `json:"new_parent_id" validate:"omitempty,min=1"`
}

// DuplicateFlowRequest represents the request body for duplicating a flow.
type DuplicateFlowRequest struct {
	NewName         *string `json:"new_name,omitempty"      validate:"omitempty,min=1,max=255"`
	NewParentID     *string `json:"new_parent_id,omitempty" validate:"omitempty,min=1"`
	IncludeChildren bool    `json:"include_children"`
}

func (r DuplicateFlowRequest) toService() services.DuplicateOptions {
	return services.DuplicateOptions{
		NewName:         r.NewName,
		NewParentID:     r.NewParentID,
		IncludeChildren: r.IncludeChildren,
	}
}

// InstantiateTemplateRequest represents the request body for creating flows
// from a template.
type InstantiateTemplateRequest struct {
	ParentFlowID *string `json:"parent_flow_id,omitempty" validate:"omitempty,min=1"`
}

// SaveTemplateRequest represents the request body for creating or replacing
// a template. The author is always the caller.
type SaveTemplateRequest struct {
	ID          string                    `json:"id,omitempty"`
	Name        string                    `json:"name"                 validate:"required,max=255"`
	Description string                    `json:"description"`
	FlowType    string                    `json:"flow_type"            validate:"max=64"`
	Category    string                    `json:"category"`
	Difficulty  models.TemplateDifficulty `json:"difficulty,omitempty" validate:"omitempty,oneof=beginner intermediate advanced"`
	IsPublic    bool                      `json:"is_public"`
	SubFlows    []string                  `json:"sub_flows"            validate:"dive,required"`
	Metadata    map[string]any            `json:"metadata,omitempty"`
}

func (r SaveTemplateRequest) toModel() *models.NestedFlowTemplate {
	return &models.NestedFlowTemplate{
		ID:          r.ID,
		Name:        r.Name,
		Description: r.Description,
		FlowType:    r.FlowType,
		Category:    r.Category,
		Difficulty:  r.Difficulty,
		IsPublic:    r.IsPublic,
		SubFlows:    r.SubFlows,
		Metadata:    r.Metadata,
	}
}

// ExportRequest represents the request body for exporting flows.
type ExportRequest struct {
	FlowIDs []string `json:"flow_ids" validate:"required,min=1,dive,required"`
}

// ProgressResponse is the body returned by the progress endpoint.
type ProgressResponse struct {
	FlowID   string  `json:"flow_id"`
	Progress float64 `json:"progress"`
}

// FlowListResponse wraps flow listings.
type FlowListResponse struct {
	Flows      []*models.Flow `json:"flows"`
	TotalCount int            `json:"total_count"`
}

// TemplateListResponse wraps template listings.
type TemplateListResponse struct {
	Templates  []*models.NestedFlowTemplate `json:"templates"`
	TotalCount int                          `json:"total_count"`
}

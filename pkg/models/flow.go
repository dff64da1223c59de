// Package models defines the core domain models for hierarchical flow trees
package models

import (
	"slices"
	"time"
)

// FlowStatus represents the lifecycle state of a flow.
type FlowStatus string

const (
	FlowStatusDraft     FlowStatus = "draft"     // Set on creation
	FlowStatusActive    FlowStatus = "active"    // Being worked on
	FlowStatusCompleted FlowStatus = "completed" // Counts towards progress
	FlowStatusArchived  FlowStatus = "archived"  // Kept for history
)

// FlowStatuses lists every recognized status.
var FlowStatuses = []FlowStatus{
	FlowStatusDraft,
	FlowStatusActive,
	FlowStatusCompleted,
	FlowStatusArchived,
}

// IsValid reports whether the status is one of the recognized values.
func (s FlowStatus) IsValid() bool {
	return slices.Contains(FlowStatuses, s)
}

// Flow is a node in the workflow hierarchy. ParentFlowID, RootFlowID, Path and
// DepthLevel are derived from the parent chain and only change through a move.
type Flow struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"                     validate:"required"`
	Description  string         `json:"description"`
	FlowType     string         `json:"flow_type"`
	Status       FlowStatus     `json:"status"                   validate:"required"`
	ParentFlowID *string        `json:"parent_flow_id"`
	RootFlowID   string         `json:"root_flow_id"`
	Path         string         `json:"path"`
	DepthLevel   int            `json:"depth_level"`
	TemplateID   *string        `json:"template_id,omitempty"`
	UserID       string         `json:"user_id"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// IsRoot reports whether the flow has no parent.
func (f *Flow) IsRoot() bool {
	return f.ParentFlowID == nil
}

// Clone returns a deep copy of the flow.
func (f *Flow) Clone() *Flow {
	c := *f

	if f.ParentFlowID != nil {
		parent := *f.ParentFlowID
		c.ParentFlowID = &parent
	}

	if f.TemplateID != nil {
		template := *f.TemplateID
		c.TemplateID = &template
	}

	if f.Metadata != nil {
		c.Metadata = make(map[string]any, len(f.Metadata))
		for k, v := range f.Metadata {
			c.Metadata[k] = v
		}
	}

	return &c
}

// FlowStructure holds the derived linkage fields of a flow.
type FlowStructure struct {
	ParentFlowID *string `json:"parent_flow_id"`
	RootFlowID   string  `json:"root_flow_id"`
	Path         string  `json:"path"`
	DepthLevel   int     `json:"depth_level"`
}

// FlowPatch is a field-level update. Structure is reserved for the structural
// mutation service; generic updates never set it.
type FlowPatch struct {
	Name        *string
	Description *string
	FlowType    *string
	Status      *FlowStatus
	Metadata    map[string]any
	Structure   *FlowStructure
}

// IsEmpty reports whether the patch changes nothing.
func (p FlowPatch) IsEmpty() bool {
	return p.Name == nil && p.Description == nil && p.FlowType == nil &&
		p.Status == nil && p.Metadata == nil && p.Structure == nil
}

// Apply writes the patch onto the flow.
func (p FlowPatch) Apply(f *Flow) {
	if p.Name != nil {
		f.Name = *p.Name
	}

	if p.Description != nil {
		f.Description = *p.Description
	}

	if p.FlowType != nil {
		f.FlowType = *p.FlowType
	}

	if p.Status != nil {
		f.Status = *p.Status
	}

	if p.Metadata != nil {
		f.Metadata = p.Metadata
	}

	if p.Structure != nil {
		f.ParentFlowID = p.Structure.ParentFlowID
		f.RootFlowID = p.Structure.RootFlowID
		f.Path = p.Structure.Path
		f.DepthLevel = p.Structure.DepthLevel
	}
}

// FlowAnalytics aggregates status counts over a flow and its descendants.
type FlowAnalytics struct {
	FlowID         string  `json:"flow_id"`
	TotalFlows     int     `json:"total_flows"`
	DraftFlows     int     `json:"draft_flows"`
	ActiveFlows    int     `json:"active_flows"`
	CompletedFlows int     `json:"completed_flows"`
	ArchivedFlows  int     `json:"archived_flows"`
	SuccessRate    float64 `json:"success_rate"`
}

package models

import "time"

// ExportVersion is the snapshot format written by this build.
const ExportVersion = "1.0"

// ExportScope describes how much of the forest a snapshot was asked to cover.
type ExportScope string

const (
	ExportScopeSingle ExportScope = "single"
	ExportScopeBranch ExportScope = "branch"
)

// FlowExport is a portable, versioned snapshot of flows and the templates they
// reference. Parent linkage is carried inline on each flow; Relationships is
// reserved for explicit edge records.
type FlowExport struct {
	Version       string                `json:"version"       yaml:"version"`
	ExportedAt    time.Time             `json:"exported_at"   yaml:"exported_at"`
	Flows         []*Flow               `json:"flows"         yaml:"flows"`
	Templates     []*NestedFlowTemplate `json:"templates"     yaml:"templates"`
	Relationships []FlowRelationship    `json:"relationships" yaml:"relationships"`
	Metadata      ExportMetadata        `json:"metadata"      yaml:"metadata"`
}

// FlowRelationship is an explicit edge between two flows.
type FlowRelationship struct {
	FromFlowID string `json:"from_flow_id" yaml:"from_flow_id"`
	ToFlowID   string `json:"to_flow_id"   yaml:"to_flow_id"`
	Kind       string `json:"kind"         yaml:"kind"`
}

// ExportMetadata summarizes a snapshot.
type ExportMetadata struct {
	TotalFlows     int         `json:"total_flows"     yaml:"total_flows"`
	TotalTemplates int         `json:"total_templates" yaml:"total_templates"`
	ExportScope    ExportScope `json:"export_scope"    yaml:"export_scope"`
}

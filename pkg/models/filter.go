package models

import "time"

// FlowFilter constrains flow listings. A nil or empty field means no
// constraint, never "match null".
type FlowFilter struct {
	UserID        string
	FlowTypes     []string
	Statuses      []FlowStatus
	DepthLevel    *int
	ParentFlowID  *string
	RootFlowID    *string
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
	Search        string
}

// TemplateFilter constrains template listings.
type TemplateFilter struct {
	VisibleTo  string
	AuthorID   string
	FlowType   string
	Category   string
	Difficulty TemplateDifficulty
	Search     string
}

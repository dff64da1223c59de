package models

import "time"

// TemplateDifficulty grades how involved a template is to run.
type TemplateDifficulty string

const (
	DifficultyBeginner     TemplateDifficulty = "beginner"
	DifficultyIntermediate TemplateDifficulty = "intermediate"
	DifficultyAdvanced     TemplateDifficulty = "advanced"
)

// NestedFlowTemplate is a reusable blueprint. SubFlows holds the ordered ids of
// child templates, which makes instantiation recursive.
type NestedFlowTemplate struct {
	ID          string             `json:"id"`
	Name        string             `json:"name"                  validate:"required"`
	Description string             `json:"description"`
	FlowType    string             `json:"flow_type"`
	Category    string             `json:"category"`
	Difficulty  TemplateDifficulty `json:"difficulty,omitempty"  validate:"omitempty,oneof=beginner intermediate advanced"`
	IsPublic    bool               `json:"is_public"`
	AuthorID    string             `json:"author_id"`
	UsageCount  int64              `json:"usage_count"`
	Rating      float64            `json:"rating"`
	SubFlows    []string           `json:"sub_flows"`
	Metadata    map[string]any     `json:"metadata,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
	UpdatedAt   time.Time          `json:"updated_at"`
}

// VisibleTo reports whether the user may read or instantiate the template.
func (t *NestedFlowTemplate) VisibleTo(userID string) bool {
	return t.IsPublic || t.AuthorID == userID
}

package persistence

import (
	"slices"
	"sort"
	"strings"

	"github.com/dukex/flowtree/pkg/models"
)

// MatchFlow reports whether a flow satisfies every constraint set in filter.
// Stores without a query engine use it to evaluate List in memory.
func MatchFlow(flow *models.Flow, filter models.FlowFilter) bool {
	if filter.UserID != "" && flow.UserID != filter.UserID {
		return false
	}

	if len(filter.FlowTypes) > 0 && !slices.Contains(filter.FlowTypes, flow.FlowType) {
		return false
	}

	if len(filter.Statuses) > 0 && !slices.Contains(filter.Statuses, flow.Status) {
		return false
	}

	if filter.DepthLevel != nil && flow.DepthLevel != *filter.DepthLevel {
		return false
	}

	if filter.ParentFlowID != nil && (flow.ParentFlowID == nil || *flow.ParentFlowID != *filter.ParentFlowID) {
		return false
	}

	if filter.RootFlowID != nil && flow.RootFlowID != *filter.RootFlowID {
		return false
	}

	if filter.CreatedAfter != nil && flow.CreatedAt.Before(*filter.CreatedAfter) {
		return false
	}

	if filter.CreatedBefore != nil && flow.CreatedAt.After(*filter.CreatedBefore) {
		return false
	}

	if filter.Search != "" {
		needle := strings.ToLower(filter.Search)
		if !strings.Contains(strings.ToLower(flow.Name), needle) &&
			!strings.Contains(strings.ToLower(flow.Description), needle) {
			return false
		}
	}

	return true
}

// MatchTemplate reports whether a template satisfies every constraint set in filter.
func MatchTemplate(template *models.NestedFlowTemplate, filter models.TemplateFilter) bool {
	if filter.VisibleTo != "" && !template.VisibleTo(filter.VisibleTo) {
		return false
	}

	if filter.AuthorID != "" && template.AuthorID != filter.AuthorID {
		return false
	}

	if filter.FlowType != "" && template.FlowType != filter.FlowType {
		return false
	}

	if filter.Category != "" && template.Category != filter.Category {
		return false
	}

	if filter.Difficulty != "" && template.Difficulty != filter.Difficulty {
		return false
	}

	if filter.Search != "" {
		needle := strings.ToLower(filter.Search)
		if !strings.Contains(strings.ToLower(template.Name), needle) &&
			!strings.Contains(strings.ToLower(template.Description), needle) {
			return false
		}
	}

	return true
}

// SortFlows orders flows by depth_level, created_at, then id.
func SortFlows(flows []*models.Flow) {
	sort.SliceStable(flows, func(i, j int) bool {
		a, b := flows[i], flows[j]
		if a.DepthLevel != b.DepthLevel {
			return a.DepthLevel < b.DepthLevel
		}

		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}

		return a.ID < b.ID
	})
}

// SortTemplates orders templates by usage_count descending, then name.
func SortTemplates(templates []*models.NestedFlowTemplate) {
	sort.SliceStable(templates, func(i, j int) bool {
		a, b := templates[i], templates[j]
		if a.UsageCount != b.UsageCount {
			return a.UsageCount > b.UsageCount
		}

		if a.Name != b.Name {
			return a.Name < b.Name
		}

		return a.ID < b.ID
	})
}

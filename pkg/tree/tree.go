// Package tree projects flat flow records into FlowTreeNode forests.
package tree

import (
	"github.com/dukex/flowtree/pkg/models"
)

// Build projects flows into a forest. A flow whose parent is absent from the
// input becomes a root of the result, so a scoped subtree yields a single
// tree. Input order only affects sibling order; any order builds the same
// shape. Progress on each node is the completed fraction of its subtree.
func Build(flows []*models.Flow) []*models.FlowTreeNode {
	nodes := make(map[string]*models.FlowTreeNode, len(flows))

	for _, flow := range flows {
		nodes[flow.ID] = &models.FlowTreeNode{
			ID:         flow.ID,
			Name:       flow.Name,
			FlowType:   flow.FlowType,
			Status:     flow.Status,
			DepthLevel: flow.DepthLevel,
			Path:       flow.Path,
			Children:   []*models.FlowTreeNode{},
		}
	}

	roots := make([]*models.FlowTreeNode, 0)

	for _, flow := range flows {
		node := nodes[flow.ID]

		var parent *models.FlowTreeNode
		if flow.ParentFlowID != nil {
			parent = nodes[*flow.ParentFlowID]
		}

		if parent == nil || parent == node {
			roots = append(roots, node)

			continue
		}

		parent.Children = append(parent.Children, node)
		parent.HasChildren = true
	}

	for _, root := range roots {
		fillProgress(root)
	}

	return roots
}

// fillProgress sets Progress on every node below n and returns the subtree's
// total and completed counts.
func fillProgress(n *models.FlowTreeNode) (int, int) {
	total, completed := 1, 0
	if n.Status == models.FlowStatusCompleted {
		completed = 1
	}

	for _, child := range n.Children {
		t, c := fillProgress(child)
		total += t
		completed += c
	}

	n.Progress = float64(completed) / float64(total)

	return total, completed
}

// Walk visits every node depth-first, parents before children. Returning false
// from fn stops the walk.
func Walk(nodes []*models.FlowTreeNode, fn func(*models.FlowTreeNode) bool) bool {
	for _, n := range nodes {
		if !fn(n) {
			return false
		}

		if !Walk(n.Children, fn) {
			return false
		}
	}

	return true
}

// Count returns the number of nodes in the forest.
func Count(nodes []*models.FlowTreeNode) int {
	count := 0

	Walk(nodes, func(*models.FlowTreeNode) bool {
		count++

		return true
	})

	return count
}

// Find returns the node with the given id, or nil.
func Find(nodes []*models.FlowTreeNode, id string) *models.FlowTreeNode {
	var found *models.FlowTreeNode

	Walk(nodes, func(n *models.FlowTreeNode) bool {
		if n.ID == id {
			found = n

			return false
		}

		return true
	})

	return found
}

package models

// FlowTreeNode is a transient projection of a flow used for rendering and
// traversal. It is rebuilt on every request and never persisted.
type FlowTreeNode struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	FlowType    string          `json:"flow_type"`
	Status      FlowStatus      `json:"status"`
	Progress    float64         `json:"progress"`
	DepthLevel  int             `json:"depth_level"`
	Path        string          `json:"path"`
	Children    []*FlowTreeNode `json:"children"`
	HasChildren bool            `json:"has_children"`
}

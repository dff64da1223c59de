package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukex/flowtree/pkg/events"
	"github.com/dukex/flowtree/pkg/models"
	"github.com/dukex/flowtree/pkg/tree"
)

func TestFlows_Create(t *testing.T) {
	publisher := &recordingPublisher{}
	s, p := newTestFlows(t, WithPublisher(publisher))
	ctx := as(t, alice)

	t.Run("root flow", func(t *testing.T) {
		root, err := s.Create(ctx, CreateFlowRequest{Name: "  Launch  ", Description: "Q3", FlowType: "project"})
		require.NoError(t, err)

		assert.NotEmpty(t, root.ID)
		assert.Equal(t, "Launch", root.Name)
		assert.Equal(t, models.FlowStatusDraft, root.Status)
		assert.Equal(t, alice, root.UserID)
		assert.Nil(t, root.ParentFlowID)
		assert.Equal(t, root.ID, root.RootFlowID)
		assert.Equal(t, root.ID, root.Path)
		assert.Equal(t, 0, root.DepthLevel)
		assert.False(t, root.CreatedAt.IsZero())

		stored := mustGet(t, p, root.ID)
		assert.Equal(t, root.Path, stored.Path)

		published := publisher.last()
		assert.Equal(t, root.ID, published.key)
		assert.Equal(t, events.FlowCreatedEvent, published.event.GetType())
	})

	t.Run("child derives structure from parent", func(t *testing.T) {
		root := mustCreate(t, ctx, s, "Root", nil)
		child := mustCreate(t, ctx, s, "Child", root)
		grandchild := mustCreate(t, ctx, s, "Grandchild", child)

		require.NotNil(t, grandchild.ParentFlowID)
		assert.Equal(t, child.ID, *grandchild.ParentFlowID)
		assert.Equal(t, root.ID, grandchild.RootFlowID)
		assert.Equal(t, root.ID+"/"+child.ID+"/"+grandchild.ID, grandchild.Path)
		assert.Equal(t, 2, grandchild.DepthLevel)

		assertForest(t, p)
	})

	t.Run("empty name", func(t *testing.T) {
		_, err := s.Create(ctx, CreateFlowRequest{Name: "   "})
		assert.True(t, IsValidationError(err))
	})

	t.Run("missing parent", func(t *testing.T) {
		missing := "does-not-exist"

		_, err := s.Create(ctx, CreateFlowRequest{Name: "orphan", ParentFlowID: &missing})
		assert.ErrorIs(t, err, ErrInvalidStructuralOperation)
	})

	t.Run("parent owned by another user", func(t *testing.T) {
		foreign := mustCreate(t, as(t, bob), s, "Bob's", nil)

		_, err := s.Create(ctx, CreateFlowRequest{Name: "intruder", ParentFlowID: &foreign.ID})
		assert.ErrorIs(t, err, ErrUnauthorized)
	})
}

func TestFlows_Get(t *testing.T) {
	s, _ := newTestFlows(t)
	flow := mustCreate(t, as(t, alice), s, "Mine", nil)

	got, err := s.Get(as(t, alice), flow.ID)
	require.NoError(t, err)
	assert.Equal(t, flow.Name, got.Name)

	_, err = s.Get(as(t, bob), flow.ID)
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.False(t, IsNotFound(err))

	_, err = s.Get(as(t, alice), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, IsUnauthorized(err))
}

func TestFlows_List(t *testing.T) {
	s, _ := newTestFlows(t)
	ctx := as(t, alice)

	tr := buildSampleTree(t, ctx, s)
	mustCreate(t, as(t, bob), s, "Bob's", nil)

	all, err := s.List(ctx, models.FlowFilter{UserID: bob})
	require.NoError(t, err)
	assert.Len(t, all, 4)
	assert.Equal(t, tr.R.ID, all[0].ID)

	children, err := s.List(ctx, models.FlowFilter{ParentFlowID: &tr.R.ID})
	require.NoError(t, err)
	require.Len(t, children, 2)
	assert.Equal(t, tr.A.ID, children[0].ID)
	assert.Equal(t, tr.B.ID, children[1].ID)

	depth := 2
	deep, err := s.List(ctx, models.FlowFilter{DepthLevel: &depth})
	require.NoError(t, err)
	require.Len(t, deep, 1)
	assert.Equal(t, tr.A1.ID, deep[0].ID)

	_, err = s.List(ctx, models.FlowFilter{Statuses: []models.FlowStatus{"paused"}})
	assert.ErrorIs(t, err, ErrInvalidStatus)
}

func TestFlows_Update(t *testing.T) {
	publisher := &recordingPublisher{}
	s, p := newTestFlows(t, WithPublisher(publisher))
	ctx := as(t, alice)
	tr := buildSampleTree(t, ctx, s)

	name := "Renamed"
	status := models.FlowStatusCompleted

	updated, err := s.Update(ctx, tr.A.ID, UpdateFlowRequest{
		Name:     &name,
		Status:   &status,
		Metadata: map[string]any{"points": 5},
	})
	require.NoError(t, err)

	assert.Equal(t, "Renamed", updated.Name)
	assert.Equal(t, models.FlowStatusCompleted, updated.Status)
	assert.Equal(t, tr.A.Path, updated.Path)
	assert.Equal(t, tr.A.ParentFlowID, updated.ParentFlowID)

	event, ok := publisher.last().event.(events.FlowUpdated)
	require.True(t, ok)
	assert.Equal(t, []string{"name", "status", "metadata"}, event.Fields)

	t.Run("empty patch returns current flow", func(t *testing.T) {
		same, err := s.Update(ctx, tr.B.ID, UpdateFlowRequest{})
		require.NoError(t, err)
		assert.Equal(t, tr.B.Name, same.Name)
	})

	t.Run("rejects unknown status", func(t *testing.T) {
		bad := models.FlowStatus("paused")

		_, err := s.Update(ctx, tr.B.ID, UpdateFlowRequest{Status: &bad})
		assert.ErrorIs(t, err, ErrInvalidStatus)
	})

	t.Run("rejects blank name", func(t *testing.T) {
		blank := " "

		_, err := s.Update(ctx, tr.B.ID, UpdateFlowRequest{Name: &blank})
		assert.True(t, IsValidationError(err))
	})

	t.Run("other owner", func(t *testing.T) {
		_, err := s.Update(as(t, bob), tr.B.ID, UpdateFlowRequest{Name: &name})
		assert.ErrorIs(t, err, ErrUnauthorized)
	})

	assertForest(t, p)
}

func TestFlows_DescendantsAndAncestors(t *testing.T) {
	s, _ := newTestFlows(t)
	ctx := as(t, alice)
	tr := buildSampleTree(t, ctx, s)

	descendants, err := s.Descendants(ctx, tr.R.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{tr.A.ID, tr.B.ID, tr.A1.ID}, ids(descendants))

	for _, d := range descendants {
		assert.True(t, len(d.Path) > len(tr.R.Path) && d.Path[:len(tr.R.Path)+1] == tr.R.Path+"/")
	}

	// Descendants of a descendant stay inside the original set.
	inner, err := s.Descendants(ctx, tr.A.ID)
	require.NoError(t, err)
	assert.Subset(t, ids(descendants), ids(inner))

	leaf, err := s.Descendants(ctx, tr.A1.ID)
	require.NoError(t, err)
	assert.Empty(t, leaf)

	ancestors, err := s.Ancestors(ctx, tr.A1.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{tr.R.ID, tr.A.ID}, ids(ancestors))

	rootAncestors, err := s.Ancestors(ctx, tr.R.ID)
	require.NoError(t, err)
	assert.Empty(t, rootAncestors)

	_, err = s.Descendants(as(t, bob), tr.R.ID)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestFlows_Tree(t *testing.T) {
	s, _ := newTestFlows(t)
	ctx := as(t, alice)
	tr := buildSampleTree(t, ctx, s)
	other := mustCreate(t, ctx, s, "Other", nil)

	forest, err := s.Tree(ctx, nil)
	require.NoError(t, err)
	require.Len(t, forest, 2)
	assert.Equal(t, tr.R.ID, forest[0].ID)
	assert.Equal(t, other.ID, forest[1].ID)
	assert.Equal(t, 5, tree.Count(forest))

	subtree, err := s.Tree(ctx, &tr.A.ID)
	require.NoError(t, err)
	require.Len(t, subtree, 1)
	assert.Equal(t, tr.A.ID, subtree[0].ID)
	assert.True(t, subtree[0].HasChildren)
	require.Len(t, subtree[0].Children, 1)
	assert.Equal(t, tr.A1.ID, subtree[0].Children[0].ID)
}

func ids(flows []*models.Flow) []string {
	out := make([]string, 0, len(flows))
	for _, flow := range flows {
		out = append(out, flow.ID)
	}

	return out
}

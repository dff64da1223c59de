package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukex/flowtree/pkg/models"
	"github.com/dukex/flowtree/pkg/persistence"
)

func seedTemplate(t *testing.T, p persistence.Persistence, tpl *models.NestedFlowTemplate) {
	t.Helper()

	require.NoError(t, p.TemplateRepository().Upsert(t.Context(), tpl))
}

func TestTemplates_Instantiate(t *testing.T) {
	t.Run("nested templates become a subtree", func(t *testing.T) {
		s, p := newTestFlows(t)
		templates := NewTemplates(s)
		ctx := as(t, alice)

		seedTemplate(t, p, &models.NestedFlowTemplate{ID: "design", Name: "Design", FlowType: "task", SubFlows: []string{}})
		seedTemplate(t, p, &models.NestedFlowTemplate{ID: "review", Name: "Review", FlowType: "task", SubFlows: []string{}})
		seedTemplate(t, p, &models.NestedFlowTemplate{ID: "build", Name: "Build", FlowType: "phase", SubFlows: []string{"review"}})
		seedTemplate(t, p, &models.NestedFlowTemplate{
			ID: "release", Name: "Release", FlowType: "project", IsPublic: true, AuthorID: bob,
			Metadata: map[string]any{"owner": "platform"},
			SubFlows: []string{"design", "build", "review"},
		})

		top, err := templates.Instantiate(ctx, "release", nil)
		require.NoError(t, err)

		assert.Equal(t, "Release", top.Name)
		assert.Equal(t, models.FlowStatusDraft, top.Status)
		assert.Equal(t, alice, top.UserID)
		require.NotNil(t, top.TemplateID)
		assert.Equal(t, "release", *top.TemplateID)
		assert.Equal(t, "platform", top.Metadata["owner"])

		descendants, err := s.Descendants(ctx, top.ID)
		require.NoError(t, err)
		assert.Equal(t, []string{"Design", "Build", "Review", "Review"}, names(descendants))

		build := descendants[1]
		nestedReview := descendants[3]
		assert.Equal(t, build.ID, *nestedReview.ParentFlowID)
		assert.Equal(t, 2, nestedReview.DepthLevel)

		assertForest(t, p)

		stored, err := p.TemplateRepository().Get(t.Context(), "release")
		require.NoError(t, err)
		assert.Equal(t, int64(1), stored.UsageCount)
	})

	t.Run("under an existing parent", func(t *testing.T) {
		s, p := newTestFlows(t)
		templates := NewTemplates(s)
		ctx := as(t, alice)
		parent := mustCreate(t, ctx, s, "Parent", nil)

		seedTemplate(t, p, &models.NestedFlowTemplate{ID: "step", Name: "Step", AuthorID: alice, SubFlows: []string{}})

		flow, err := templates.Instantiate(ctx, "step", &parent.ID)
		require.NoError(t, err)
		assert.Equal(t, parent.ID, *flow.ParentFlowID)
		assert.Equal(t, parent.ID+"/"+flow.ID, flow.Path)
	})

	t.Run("self-referential template fails without writing", func(t *testing.T) {
		s, p := newTestFlows(t)
		templates := NewTemplates(s)
		ctx := as(t, alice)

		seedTemplate(t, p, &models.NestedFlowTemplate{ID: "loop", Name: "Loop", AuthorID: alice, SubFlows: []string{"loop"}})

		_, err := templates.Instantiate(ctx, "loop", nil)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrTemplateCycle)
		assert.ErrorIs(t, err, ErrInvalidStructuralOperation)

		flows, err := p.FlowRepository().List(t.Context(), models.FlowFilter{})
		require.NoError(t, err)
		assert.Empty(t, flows)
	})

	t.Run("transitive cycle", func(t *testing.T) {
		s, p := newTestFlows(t)
		templates := NewTemplates(s)
		ctx := as(t, alice)

		seedTemplate(t, p, &models.NestedFlowTemplate{ID: "a", Name: "A", AuthorID: alice, SubFlows: []string{"b"}})
		seedTemplate(t, p, &models.NestedFlowTemplate{ID: "b", Name: "B", AuthorID: alice, SubFlows: []string{"c"}})
		seedTemplate(t, p, &models.NestedFlowTemplate{ID: "c", Name: "C", AuthorID: alice, SubFlows: []string{"a"}})

		_, err := templates.Instantiate(ctx, "a", nil)
		require.ErrorIs(t, err, ErrTemplateCycle)
		assert.Contains(t, err.Error(), "a -> b -> c -> a")
	})

	t.Run("shared sub template is not a cycle", func(t *testing.T) {
		s, p := newTestFlows(t)
		templates := NewTemplates(s)
		ctx := as(t, alice)

		seedTemplate(t, p, &models.NestedFlowTemplate{ID: "leaf", Name: "Leaf", AuthorID: alice, SubFlows: []string{}})
		seedTemplate(t, p, &models.NestedFlowTemplate{ID: "twice", Name: "Twice", AuthorID: alice, SubFlows: []string{"leaf", "leaf"}})

		top, err := templates.Instantiate(ctx, "twice", nil)
		require.NoError(t, err)

		descendants, err := s.Descendants(ctx, top.ID)
		require.NoError(t, err)
		assert.Len(t, descendants, 2)
	})

	t.Run("public template reaching the author's private templates", func(t *testing.T) {
		s, p := newTestFlows(t)
		templates := NewTemplates(s)
		ctx := as(t, alice)

		seedTemplate(t, p, &models.NestedFlowTemplate{ID: "step", Name: "Step", AuthorID: bob, SubFlows: []string{}})
		seedTemplate(t, p, &models.NestedFlowTemplate{
			ID: "pub", Name: "Pub", AuthorID: bob, IsPublic: true, SubFlows: []string{"step"},
		})

		top, err := templates.Instantiate(ctx, "pub", nil)
		require.NoError(t, err)
		assert.Equal(t, alice, top.UserID)

		descendants, err := s.Descendants(ctx, top.ID)
		require.NoError(t, err)
		assert.Equal(t, []string{"Step"}, names(descendants))
		assert.Equal(t, alice, descendants[0].UserID)
	})

	t.Run("private template of another author", func(t *testing.T) {
		s, p := newTestFlows(t)
		templates := NewTemplates(s)

		seedTemplate(t, p, &models.NestedFlowTemplate{ID: "secret", Name: "Secret", AuthorID: bob, SubFlows: []string{}})

		_, err := templates.Instantiate(as(t, alice), "secret", nil)
		assert.ErrorIs(t, err, ErrUnauthorized)

		_, err = templates.Instantiate(as(t, alice), "missing", nil)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("partial failure", func(t *testing.T) {
		_, p := newTestFlows(t)
		flaky := NewTemplates(NewFlows(newFlakyPersistence(p, 1)))

		seedTemplate(t, p, &models.NestedFlowTemplate{ID: "leaf", Name: "Leaf", AuthorID: alice, SubFlows: []string{}})
		seedTemplate(t, p, &models.NestedFlowTemplate{ID: "pair", Name: "Pair", AuthorID: alice, SubFlows: []string{"leaf", "leaf"}})

		_, err := flaky.Instantiate(as(t, alice), "pair", nil)

		var partial *PartialFailureError
		require.ErrorAs(t, err, &partial)
		assert.Len(t, partial.Created, 1)
	})
}

func TestTemplates_Catalog(t *testing.T) {
	s, p := newTestFlows(t)
	templates := NewTemplates(s)
	ctx := as(t, alice)

	seedTemplate(t, p, &models.NestedFlowTemplate{ID: "public", Name: "Public", AuthorID: bob, IsPublic: true, UsageCount: 9, SubFlows: []string{}})
	seedTemplate(t, p, &models.NestedFlowTemplate{ID: "hidden", Name: "Hidden", AuthorID: bob, SubFlows: []string{}})

	t.Run("save assigns id and author", func(t *testing.T) {
		saved, err := templates.SaveTemplate(ctx, &models.NestedFlowTemplate{
			Name:       "Mine",
			Difficulty: models.DifficultyIntermediate,
			AuthorID:   bob,
			UsageCount: 100,
			SubFlows:   []string{"public"},
		})
		require.NoError(t, err)

		assert.NotEmpty(t, saved.ID)
		assert.Equal(t, alice, saved.AuthorID)
		assert.Equal(t, int64(0), saved.UsageCount)

		got, err := templates.GetTemplate(ctx, saved.ID)
		require.NoError(t, err)
		assert.Equal(t, []string{"public"}, got.SubFlows)
	})

	t.Run("list shows visible templates", func(t *testing.T) {
		list, err := templates.ListTemplates(ctx, models.TemplateFilter{})
		require.NoError(t, err)

		visible := make([]string, 0, len(list))
		for _, tpl := range list {
			visible = append(visible, tpl.Name)
		}

		assert.Equal(t, []string{"Public", "Mine"}, visible)
	})

	t.Run("get hidden template", func(t *testing.T) {
		_, err := templates.GetTemplate(ctx, "hidden")
		assert.ErrorIs(t, err, ErrUnauthorized)
	})

	t.Run("save over another author's template", func(t *testing.T) {
		_, err := templates.SaveTemplate(ctx, &models.NestedFlowTemplate{ID: "public", Name: "Hijack"})
		assert.ErrorIs(t, err, ErrUnauthorized)
	})

	t.Run("save rejects a cycle", func(t *testing.T) {
		_, err := templates.SaveTemplate(ctx, &models.NestedFlowTemplate{ID: "self", Name: "Self", SubFlows: []string{"self"}})
		assert.ErrorIs(t, err, ErrTemplateCycle)

		_, err = p.TemplateRepository().Get(t.Context(), "self")
		assert.True(t, persistence.IsTemplateNotFound(err))
	})

	t.Run("save rejects unknown sub template", func(t *testing.T) {
		_, err := templates.SaveTemplate(ctx, &models.NestedFlowTemplate{Name: "Dangling", SubFlows: []string{"nope"}})
		assert.True(t, IsValidationError(err))
	})

	t.Run("save validates fields", func(t *testing.T) {
		_, err := templates.SaveTemplate(ctx, &models.NestedFlowTemplate{Name: " "})
		assert.True(t, IsValidationError(err))

		_, err = templates.SaveTemplate(ctx, &models.NestedFlowTemplate{Name: "Odd", Difficulty: "expert"})
		assert.True(t, IsValidationError(err))
	})
}

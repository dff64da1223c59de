package file

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukex/flowtree/pkg/flowpath"
	"github.com/dukex/flowtree/pkg/models"
	"github.com/dukex/flowtree/pkg/persistence"
)

func newFlow(id string, parent *models.Flow) *models.Flow {
	f := &models.Flow{
		ID:         id,
		Name:       "Flow " + id,
		Status:     models.FlowStatusDraft,
		Path:       id,
		RootFlowID: id,
		UserID:     "user-1",
	}

	if parent != nil {
		f.ParentFlowID = &parent.ID
		f.Path = flowpath.Compute(parent.Path, id)
		f.RootFlowID = parent.RootFlowID
		f.DepthLevel = parent.DepthLevel + 1
	}

	return f
}

func TestNewPersistence(t *testing.T) {
	p := NewPersistence("/tmp/test")
	assert.Equal(t, "/tmp/test", p.root)

	p = NewPersistence("file:///tmp/test")
	assert.Equal(t, "/tmp/test", p.root)
	assert.False(t, p.Transactional())
}

func TestPersistence_HealthCheck(t *testing.T) {
	p := NewPersistence(filepath.Join(t.TempDir(), "nested"))

	require.NoError(t, p.HealthCheck(t.Context()))
	assert.NoError(t, p.Close(t.Context()))
}

func TestFlowRepository_InsertGet(t *testing.T) {
	p := NewPersistence(t.TempDir())
	repo := p.FlowRepository()

	root := newFlow("root", nil)
	require.NoError(t, repo.Insert(t.Context(), root))
	assert.False(t, root.CreatedAt.IsZero())

	got, err := repo.Get(t.Context(), "root")
	require.NoError(t, err)
	assert.Equal(t, "Flow root", got.Name)
	assert.Nil(t, got.ParentFlowID)

	_, err = os.Stat(filepath.Join(p.root, "flows", "root.json"))
	assert.NoError(t, err)

	err = repo.Insert(t.Context(), newFlow("root", nil))
	assert.True(t, persistence.IsFlowAlreadyExists(err))
}

func TestFlowRepository_GetNotFound(t *testing.T) {
	repo := NewPersistence(t.TempDir()).FlowRepository()

	_, err := repo.Get(t.Context(), "missing")
	assert.True(t, persistence.IsFlowNotFound(err))

	_, err = repo.Get(t.Context(), "../escape")
	assert.True(t, persistence.IsFlowNotFound(err))
}

func TestFlowRepository_Update(t *testing.T) {
	repo := NewPersistence(t.TempDir()).FlowRepository()
	require.NoError(t, repo.Insert(t.Context(), newFlow("a", nil)))

	name := "Renamed"
	status := models.FlowStatusCompleted

	updated, err := repo.Update(t.Context(), "a", models.FlowPatch{Name: &name, Status: &status})
	require.NoError(t, err)
	assert.Equal(t, "Renamed", updated.Name)
	assert.Equal(t, models.FlowStatusCompleted, updated.Status)

	_, err = repo.Update(t.Context(), "missing", models.FlowPatch{Name: &name})
	assert.True(t, persistence.IsFlowNotFound(err))
}

func TestFlowRepository_DescendantsAncestors(t *testing.T) {
	repo := NewPersistence(t.TempDir()).FlowRepository()

	r := newFlow("r", nil)
	a := newFlow("a", r)
	b := newFlow("b", r)
	a1 := newFlow("a1", a)
	// "ab" shares a string prefix with "a" but is not under it.
	ab := newFlow("ab", r)

	for _, f := range []*models.Flow{r, a, b, a1, ab} {
		require.NoError(t, repo.Insert(t.Context(), f))
	}

	descendants, err := repo.Descendants(t.Context(), "r")
	require.NoError(t, err)
	assert.Len(t, descendants, 4)
	assert.Equal(t, "a1", descendants[3].ID)

	descendants, err = repo.Descendants(t.Context(), "a")
	require.NoError(t, err)
	require.Len(t, descendants, 1)
	assert.Equal(t, "a1", descendants[0].ID)

	ancestors, err := repo.Ancestors(t.Context(), "a1")
	require.NoError(t, err)
	require.Len(t, ancestors, 2)
	assert.Equal(t, "r", ancestors[0].ID)
	assert.Equal(t, "a", ancestors[1].ID)

	ancestors, err = repo.Ancestors(t.Context(), "r")
	require.NoError(t, err)
	assert.Empty(t, ancestors)
}

func TestFlowRepository_ListFilters(t *testing.T) {
	repo := NewPersistence(t.TempDir()).FlowRepository()

	r := newFlow("r", nil)
	a := newFlow("a", r)
	a.Status = models.FlowStatusActive
	other := newFlow("x", nil)
	other.UserID = "user-2"

	for _, f := range []*models.Flow{r, a, other} {
		require.NoError(t, repo.Insert(t.Context(), f))
	}

	flows, err := repo.List(t.Context(), models.FlowFilter{UserID: "user-1"})
	require.NoError(t, err)
	assert.Len(t, flows, 2)
	assert.Equal(t, "r", flows[0].ID)

	flows, err = repo.List(t.Context(), models.FlowFilter{Statuses: []models.FlowStatus{models.FlowStatusActive}})
	require.NoError(t, err)
	require.Len(t, flows, 1)
	assert.Equal(t, "a", flows[0].ID)

	parent := "r"
	flows, err = repo.List(t.Context(), models.FlowFilter{ParentFlowID: &parent})
	require.NoError(t, err)
	assert.Len(t, flows, 1)
}

func TestFlowRepository_DeleteOne(t *testing.T) {
	repo := NewPersistence(t.TempDir()).FlowRepository()
	require.NoError(t, repo.Insert(t.Context(), newFlow("a", nil)))

	require.NoError(t, repo.DeleteOne(t.Context(), "a"))

	err := repo.DeleteOne(t.Context(), "a")
	assert.True(t, persistence.IsFlowNotFound(err))
}

func TestFlowRepository_UpsertIsIdempotent(t *testing.T) {
	repo := NewPersistence(t.TempDir()).FlowRepository()
	f := newFlow("a", nil)

	require.NoError(t, repo.Upsert(t.Context(), f))
	require.NoError(t, repo.Upsert(t.Context(), f.Clone()))

	flows, err := repo.List(t.Context(), models.FlowFilter{})
	require.NoError(t, err)
	assert.Len(t, flows, 1)
}

func TestTemplateRepository(t *testing.T) {
	repo := NewPersistence(t.TempDir()).TemplateRepository()

	template := &models.NestedFlowTemplate{ID: "tpl", Name: "Sprint", AuthorID: "alice"}
	require.NoError(t, repo.Upsert(t.Context(), template))
	require.NoError(t, repo.IncrementUsage(t.Context(), "tpl"))
	require.NoError(t, repo.IncrementUsage(t.Context(), "tpl"))

	got, err := repo.Get(t.Context(), "tpl")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.UsageCount)
	assert.NotNil(t, got.SubFlows)

	templates, err := repo.List(t.Context(), models.TemplateFilter{VisibleTo: "bob"})
	require.NoError(t, err)
	assert.Empty(t, templates)

	_, err = repo.Get(t.Context(), "missing")
	assert.True(t, persistence.IsTemplateNotFound(err))

	err = repo.IncrementUsage(t.Context(), "missing")
	assert.True(t, persistence.IsTemplateNotFound(err))
}

func TestPersistence_AtomicKeepsPartialWrites(t *testing.T) {
	p := NewPersistence(t.TempDir())
	boom := errors.New("boom")

	err := p.Atomic(t.Context(), func(ctx context.Context, tx persistence.Persistence) error {
		require.NoError(t, tx.FlowRepository().Insert(ctx, newFlow("a", nil)))

		// Nested units join the outer one instead of deadlocking.
		return tx.Atomic(ctx, func(_ context.Context, _ persistence.Persistence) error {
			return boom
		})
	})
	require.ErrorIs(t, err, boom)

	_, err = p.FlowRepository().Get(t.Context(), "a")
	assert.NoError(t, err)
}

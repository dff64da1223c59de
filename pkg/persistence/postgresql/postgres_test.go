package postgresql_test

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/dukex/flowtree/pkg/models"
	"github.com/dukex/flowtree/pkg/persistence"
	"github.com/dukex/flowtree/pkg/persistence/postgresql"
)

var postgresContainer *postgres.PostgresContainer

func dropDb(ctx context.Context, t *testing.T, databaseURL string) {
	t.Helper()

	db, err := sql.Open("postgres", databaseURL)
	require.NoError(t, err)

	for _, table := range []string{"flows", "nested_flow_templates", "flowtree_schema_migrations"} {
		_, err = db.ExecContext(ctx, "DROP TABLE IF EXISTS "+table+" CASCADE")
		require.NoError(t, err)
	}

	err = db.Close()
	require.NoError(t, err)
}

func setupTestDB(t *testing.T) (*postgresql.Persistence, context.Context, string) {
	t.Helper()

	if testing.Short() {
		t.Skip("postgres container tests are skipped in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)

	if postgresContainer == nil || !postgresContainer.IsRunning() {
		var err error

		postgresContainer, err = postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("flowtree_test"),
			postgres.WithUsername("flowtree"),
			postgres.WithPassword("flowtree"),
			postgres.BasicWaitStrategies(),
		)
		require.NoError(t, err)
	}

	databaseURL, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	dropDb(ctx, t, databaseURL)

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	p, err := postgresql.NewPersistence(ctx, logger, databaseURL)
	require.NoError(t, err)

	t.Cleanup(func() {
		dropDb(ctx, t, databaseURL)

		err = p.Close(ctx)
		require.NoError(t, err)

		cancel()
	})

	return p, ctx, databaseURL
}

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
		f.Path = parent.Path + "/" + id
		f.RootFlowID = parent.RootFlowID
		f.DepthLevel = parent.DepthLevel + 1
	}

	return f
}

func TestNewPersistence_Migrations(t *testing.T) {
	_, ctx, databaseURL := setupTestDB(t)

	db, err := sql.Open("postgres", databaseURL)
	require.NoError(t, err)

	defer func() {
		err := db.Close()
		require.NoError(t, err)
	}()

	for _, table := range []string{"flows", "nested_flow_templates", "flowtree_schema_migrations"} {
		var exists bool

		err = db.QueryRowContext(ctx, `SELECT EXISTS (SELECT FROM
information_schema.tables WHERE table_name = $1)`, table).Scan(&exists)
		require.NoError(t, err)
		assert.True(t, exists, "%s table should exist", table)
	}

	var version int

	err = db.QueryRowContext(ctx, "SELECT MAX(version) FROM flowtree_schema_migrations").Scan(&version)
	require.NoError(t, err)
	assert.Equal(t, 2, version)
}

func TestNewPersistence_HealthCheck(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	assert.NoError(t, p.HealthCheck(ctx))
	assert.True(t, p.Transactional())
}

func TestFlowRepository_InsertAndGet(t *testing.T) {
	p, ctx, _ := setupTestDB(t)
	repo := p.FlowRepository()

	root := newFlow(uuid.NewString(), nil)
	root.Metadata = map[string]any{"owner_team": "platform"}
	require.NoError(t, repo.Insert(ctx, root))

	got, err := repo.Get(ctx, root.ID)
	require.NoError(t, err)
	assert.Equal(t, root.Name, got.Name)
	assert.Nil(t, got.ParentFlowID)
	assert.Equal(t, "platform", got.Metadata["owner_team"])

	err = repo.Insert(ctx, newFlow(root.ID, nil))
	assert.True(t, persistence.IsFlowAlreadyExists(err))

	_, err = repo.Get(ctx, uuid.NewString())
	assert.True(t, persistence.IsFlowNotFound(err))
}

func TestFlowRepository_UpdateStructure(t *testing.T) {
	p, ctx, _ := setupTestDB(t)
	repo := p.FlowRepository()

	a := newFlow("a", nil)
	b := newFlow("b", nil)
	require.NoError(t, repo.Insert(ctx, a))
	require.NoError(t, repo.Insert(ctx, b))

	name := "Moved"
	updated, err := repo.Update(ctx, "b", models.FlowPatch{
		Name: &name,
		Structure: &models.FlowStructure{
			ParentFlowID: &a.ID,
			RootFlowID:   "a",
			Path:         "a/b",
			DepthLevel:   1,
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "Moved", updated.Name)
	assert.Equal(t, "a", *updated.ParentFlowID)
	assert.Equal(t, "a/b", updated.Path)

	_, err = repo.Update(ctx, "missing", models.FlowPatch{Name: &name})
	assert.True(t, persistence.IsFlowNotFound(err))
}

func TestFlowRepository_DescendantsAncestors(t *testing.T) {
	p, ctx, _ := setupTestDB(t)
	repo := p.FlowRepository()

	r := newFlow("r", nil)
	a := newFlow("a_x", r)
	// "a%x" would match "a_x/" as a LIKE pattern if wildcards were not escaped.
	sibling := newFlow("aZx", r)
	a1 := newFlow("a1", a)
	siblingChild := newFlow("s1", sibling)

	for _, f := range []*models.Flow{r, a, sibling, a1, siblingChild} {
		require.NoError(t, repo.Insert(ctx, f))
	}

	descendants, err := repo.Descendants(ctx, "r")
	require.NoError(t, err)
	assert.Len(t, descendants, 4)

	descendants, err = repo.Descendants(ctx, "a_x")
	require.NoError(t, err)
	require.Len(t, descendants, 1)
	assert.Equal(t, "a1", descendants[0].ID)

	descendants, err = repo.Descendants(ctx, "a1")
	require.NoError(t, err)
	assert.Empty(t, descendants)

	_, err = repo.Descendants(ctx, "missing")
	assert.True(t, persistence.IsFlowNotFound(err))

	ancestors, err := repo.Ancestors(ctx, "a1")
	require.NoError(t, err)
	require.Len(t, ancestors, 2)
	assert.Equal(t, "r", ancestors[0].ID)
	assert.Equal(t, "a_x", ancestors[1].ID)
}

func TestFlowRepository_List(t *testing.T) {
	p, ctx, _ := setupTestDB(t)
	repo := p.FlowRepository()

	r := newFlow("r", nil)
	r.FlowType = "project"
	a := newFlow("a", r)
	a.Status = models.FlowStatusCompleted
	a.Description = "100% done"
	other := newFlow("o", nil)
	other.UserID = "user-2"

	for _, f := range []*models.Flow{r, a, other} {
		require.NoError(t, repo.Insert(ctx, f))
	}

	flows, err := repo.List(ctx, models.FlowFilter{UserID: "user-1"})
	require.NoError(t, err)
	require.Len(t, flows, 2)
	assert.Equal(t, "r", flows[0].ID)

	flows, err = repo.List(ctx, models.FlowFilter{FlowTypes: []string{"project"}})
	require.NoError(t, err)
	assert.Len(t, flows, 1)

	flows, err = repo.List(ctx, models.FlowFilter{Statuses: []models.FlowStatus{models.FlowStatusCompleted}})
	require.NoError(t, err)
	assert.Len(t, flows, 1)

	flows, err = repo.List(ctx, models.FlowFilter{Search: "100%"})
	require.NoError(t, err)
	require.Len(t, flows, 1)
	assert.Equal(t, "a", flows[0].ID)

	depth := 1
	flows, err = repo.List(ctx, models.FlowFilter{DepthLevel: &depth})
	require.NoError(t, err)
	assert.Len(t, flows, 1)
}

func TestFlowRepository_DeleteAndUpsert(t *testing.T) {
	p, ctx, _ := setupTestDB(t)
	repo := p.FlowRepository()

	f := newFlow("a", nil)
	require.NoError(t, repo.Upsert(ctx, f))

	f.Name = "Updated"
	require.NoError(t, repo.Upsert(ctx, f))

	got, err := repo.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "Updated", got.Name)

	require.NoError(t, repo.DeleteOne(ctx, "a"))
	assert.True(t, persistence.IsFlowNotFound(repo.DeleteOne(ctx, "a")))
}

func TestPersistence_AtomicRollsBack(t *testing.T) {
	p, ctx, _ := setupTestDB(t)
	boom := errors.New("boom")

	err := p.Atomic(ctx, func(ctx context.Context, tx persistence.Persistence) error {
		require.NoError(t, tx.FlowRepository().Insert(ctx, newFlow("a", nil)))

		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = p.FlowRepository().Get(ctx, "a")
	assert.True(t, persistence.IsFlowNotFound(err))

	err = p.Atomic(ctx, func(ctx context.Context, tx persistence.Persistence) error {
		return tx.FlowRepository().Insert(ctx, newFlow("b", nil))
	})
	require.NoError(t, err)

	_, err = p.FlowRepository().Get(ctx, "b")
	assert.NoError(t, err)
}

func TestTemplateRepository(t *testing.T) {
	p, ctx, _ := setupTestDB(t)
	repo := p.TemplateRepository()

	template := &models.NestedFlowTemplate{
		ID:         "sprint",
		Name:       "Sprint",
		Category:   "engineering",
		Difficulty: models.DifficultyIntermediate,
		AuthorID:   "alice",
		SubFlows:   []string{"planning", "review"},
	}
	require.NoError(t, repo.Upsert(ctx, template))
	require.NoError(t, repo.IncrementUsage(ctx, "sprint"))

	got, err := repo.Get(ctx, "sprint")
	require.NoError(t, err)
	assert.Equal(t, []string{"planning", "review"}, got.SubFlows)
	assert.Equal(t, int64(1), got.UsageCount)
	assert.Equal(t, models.DifficultyIntermediate, got.Difficulty)

	templates, err := repo.List(ctx, models.TemplateFilter{VisibleTo: "bob"})
	require.NoError(t, err)
	assert.Empty(t, templates)

	templates, err = repo.List(ctx, models.TemplateFilter{VisibleTo: "alice", Category: "engineering"})
	require.NoError(t, err)
	assert.Len(t, templates, 1)

	assert.True(t, persistence.IsTemplateNotFound(repo.IncrementUsage(ctx, "missing")))
}

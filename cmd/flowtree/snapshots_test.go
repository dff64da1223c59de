package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukex/flowtree/pkg/auth"
	"github.com/dukex/flowtree/pkg/models"
	"github.com/dukex/flowtree/pkg/persistence/file"
	"github.com/dukex/flowtree/pkg/services"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer

	command := newCommand()
	command.Writer = &out

	err := command.Run(t.Context(), append([]string{"flowtree"}, args...))

	return out.String(), err
}

func TestExportImportRoundTrip(t *testing.T) {
	sourceDir := t.TempDir()
	targetDir := t.TempDir()
	archiveURL := "file://" + t.TempDir()

	ctx := auth.WithUserID(t.Context(), "alice")
	flows := services.NewFlows(file.NewPersistence(sourceDir))

	root, err := flows.Create(ctx, services.CreateFlowRequest{Name: "Roadmap"})
	require.NoError(t, err)

	_, err = flows.Create(ctx, services.CreateFlowRequest{Name: "Research", ParentFlowID: &root.ID})
	require.NoError(t, err)

	out, err := run(t, "export",
		"--database-url", sourceDir,
		"--archive-url", archiveURL,
		"--user", "alice",
		"--key", "roadmap.yaml",
		"--format", "yaml",
		root.ID,
	)
	require.NoError(t, err)
	assert.Equal(t, "roadmap.yaml", strings.TrimSpace(out))

	out, err = run(t, "list", "--archive-url", archiveURL)
	require.NoError(t, err)
	assert.Contains(t, out, "roadmap.yaml")

	out, err = run(t, "import",
		"--database-url", targetDir,
		"--archive-url", archiveURL,
		"--user", "alice",
		"--key", "roadmap.yaml",
	)
	require.NoError(t, err)
	assert.Contains(t, out, "imported 2 flows")

	imported, err := file.NewPersistence(targetDir).FlowRepository().List(t.Context(), models.FlowFilter{UserID: "alice"})
	require.NoError(t, err)
	require.Len(t, imported, 2)
	assert.Equal(t, root.ID, imported[0].ID)
	assert.Equal(t, root.ID, imported[1].RootFlowID)
}

func TestExportRequiresFlowIDs(t *testing.T) {
	_, err := run(t, "export",
		"--database-url", t.TempDir(),
		"--archive-url", "file://"+t.TempDir(),
		"--user", "alice",
	)
	assert.ErrorIs(t, err, errNoFlowIDs)
}

func TestImportUnknownKey(t *testing.T) {
	_, err := run(t, "import",
		"--database-url", t.TempDir(),
		"--archive-url", "file://"+t.TempDir(),
		"--user", "alice",
		"--key", "missing.json",
	)
	require.Error(t, err)
}

package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukex/flowtree/pkg/metrics"
	"github.com/dukex/flowtree/pkg/models"
)

func TestProgressAndAnalyze(t *testing.T) {
	assert.Equal(t, 0.0, Progress(nil))

	flows := []*models.Flow{
		{Status: models.FlowStatusCompleted},
		{Status: models.FlowStatusActive},
		{Status: models.FlowStatusDraft},
		{Status: models.FlowStatusCompleted},
		{Status: models.FlowStatusArchived},
	}

	assert.InDelta(t, 0.4, Progress(flows), 1e-9)

	analytics := Analyze(flows)
	assert.Equal(t, 5, analytics.TotalFlows)
	assert.Equal(t, 2, analytics.CompletedFlows)
	assert.Equal(t, 1, analytics.ActiveFlows)
	assert.Equal(t, 1, analytics.DraftFlows)
	assert.Equal(t, 1, analytics.ArchivedFlows)
	assert.InDelta(t, 40.0, analytics.SuccessRate, 1e-9)

	empty := Analyze(nil)
	assert.Equal(t, 0, empty.TotalFlows)
	assert.Equal(t, 0.0, empty.SuccessRate)
}

func TestFlows_CalculateProgress(t *testing.T) {
	m := metrics.New()
	s, _ := newTestFlows(t, WithMetrics(m))
	ctx := as(t, alice)
	tr := buildSampleTree(t, ctx, s)
	completed := models.FlowStatusCompleted

	t.Run("completed leaf is fully done", func(t *testing.T) {
		_, err := s.Update(ctx, tr.A1.ID, UpdateFlowRequest{Status: &completed})
		require.NoError(t, err)

		progress, err := s.CalculateProgress(ctx, tr.A1.ID)
		require.NoError(t, err)
		assert.Equal(t, 1.0, progress)
	})

	t.Run("completing descendants never lowers progress", func(t *testing.T) {
		previous, err := s.CalculateProgress(ctx, tr.R.ID)
		require.NoError(t, err)

		for _, id := range []string{tr.B.ID, tr.A.ID, tr.R.ID} {
			_, err := s.Update(ctx, id, UpdateFlowRequest{Status: &completed})
			require.NoError(t, err)

			current, err := s.CalculateProgress(ctx, tr.R.ID)
			require.NoError(t, err)
			assert.GreaterOrEqual(t, current, previous)

			previous = current
		}

		assert.Equal(t, 1.0, previous)
	})

	t.Run("analytics reads the same set", func(t *testing.T) {
		active := models.FlowStatusActive
		_, err := s.Update(ctx, tr.B.ID, UpdateFlowRequest{Status: &active})
		require.NoError(t, err)

		progress, err := s.CalculateProgress(ctx, tr.R.ID)
		require.NoError(t, err)

		analytics, err := s.GetAnalytics(ctx, tr.R.ID)
		require.NoError(t, err)

		assert.Equal(t, tr.R.ID, analytics.FlowID)
		assert.Equal(t, 4, analytics.TotalFlows)
		assert.Equal(t, 3, analytics.CompletedFlows)
		assert.Equal(t, 1, analytics.ActiveFlows)
		assert.InDelta(t, progress*100, analytics.SuccessRate, 1e-9)
	})

	t.Run("other owner", func(t *testing.T) {
		_, err := s.CalculateProgress(as(t, bob), tr.R.ID)
		assert.ErrorIs(t, err, ErrUnauthorized)

		_, err = s.GetAnalytics(as(t, alice), "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	families, err := m.Registry().Gather()
	require.NoError(t, err)

	found := map[string]bool{}
	for _, family := range families {
		found[family.GetName()] = true
	}

	assert.True(t, found["flowtree_operations_total"])
	assert.True(t, found["flowtree_subtree_size"])
}

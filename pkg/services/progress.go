package services

import (
	"context"

	"go.opentelemetry.io/otel/attribute"

	"github.com/dukex/flowtree/pkg/models"
	"github.com/dukex/flowtree/pkg/otelhelper"
)

const (
	opProgress  = "flows.progress"
	opAnalytics = "flows.analytics"
)

// CalculateProgress returns the completed fraction of id and its descendants.
// It is recomputed on every call.
func (s *Flows) CalculateProgress(ctx context.Context, id string) (_ float64, err error) {
	ctx, finish := s.start(ctx, opProgress, attribute.String(otelhelper.FlowIDKey, id))
	defer func() { finish(err) }()

	userID, err := s.caller(ctx, opProgress)
	if err != nil {
		return 0, err
	}

	flows, err := s.subtree(ctx, s.persistence.FlowRepository(), opProgress, userID, id)
	if err != nil {
		return 0, err
	}

	s.metrics.ObserveSubtree(opProgress, len(flows))

	return Progress(flows), nil
}

// GetAnalytics aggregates status counts over id and its descendants, the same
// set CalculateProgress reads.
func (s *Flows) GetAnalytics(ctx context.Context, id string) (_ *models.FlowAnalytics, err error) {
	ctx, finish := s.start(ctx, opAnalytics, attribute.String(otelhelper.FlowIDKey, id))
	defer func() { finish(err) }()

	userID, err := s.caller(ctx, opAnalytics)
	if err != nil {
		return nil, err
	}

	flows, err := s.subtree(ctx, s.persistence.FlowRepository(), opAnalytics, userID, id)
	if err != nil {
		return nil, err
	}

	s.metrics.ObserveSubtree(opAnalytics, len(flows))

	analytics := Analyze(flows)
	analytics.FlowID = id

	return analytics, nil
}

// Progress is the fraction of flows with status completed, 0 for none.
func Progress(flows []*models.Flow) float64 {
	if len(flows) == 0 {
		return 0
	}

	completed := 0

	for _, flow := range flows {
		if flow.Status == models.FlowStatusCompleted {
			completed++
		}
	}

	return float64(completed) / float64(len(flows))
}

// Analyze counts flows per status. SuccessRate is a percentage.
func Analyze(flows []*models.Flow) *models.FlowAnalytics {
	analytics := &models.FlowAnalytics{TotalFlows: len(flows)}

	for _, flow := range flows {
		switch flow.Status {
		case models.FlowStatusDraft:
			analytics.DraftFlows++
		case models.FlowStatusActive:
			analytics.ActiveFlows++
		case models.FlowStatusCompleted:
			analytics.CompletedFlows++
		case models.FlowStatusArchived:
			analytics.ArchivedFlows++
		}
	}

	if analytics.TotalFlows > 0 {
		analytics.SuccessRate = float64(analytics.CompletedFlows) / float64(analytics.TotalFlows) * 100
	}

	return analytics
}

package storage

import (
	"context"

	"gridhmm/internal/model"
)

// Store persists the outcome of finished runs: the published estimate, the
// likelihood trace behind it and the per-restart summaries. Intermediate
// parameter snapshots are never stored.
type Store interface {
	Init(ctx context.Context) error
	SaveEstimate(ctx context.Context, estimate model.Estimate) error
	GetEstimate(ctx context.Context, runID string) (model.Estimate, bool, error)
	SaveLikelihoodHistory(ctx context.Context, runID string, history []float64) error
	GetLikelihoodHistory(ctx context.Context, runID string) ([]float64, bool, error)
	SaveRestarts(ctx context.Context, runID string, restarts []model.RestartRecord) error
	GetRestarts(ctx context.Context, runID string) ([]model.RestartRecord, bool, error)
}

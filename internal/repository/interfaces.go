// Package repository defines the storage contracts the pipeline depends on.
// Retries are the implementation's concern; the pipeline treats every error
// here as fatal for the current run.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/ignite/attribution-pipeline/internal/domain"
)

// ErrNotFound is returned when a run or report does not exist.
var ErrNotFound = errors.New("not found")

// EventReader loads raw touchpoint events and channel costs for a run
// window. The lookback extends the read before windowStart so in-progress
// journeys are captured whole.
type EventReader interface {
	ReadEvents(ctx context.Context, windowStart, windowEnd time.Time, lookback time.Duration) ([]domain.TouchpointEvent, error)
	ReadChannelCosts(ctx context.Context, windowStart, windowEnd time.Time) (map[string]float64, error)
}

// ResultWriter persists the outputs of a run.
type ResultWriter interface {
	WriteScores(ctx context.Context, runID string, scores []domain.TouchpointScore) error
	WriteReport(ctx context.Context, report domain.ChannelReport) error
	WriteRunSummary(ctx context.Context, summary domain.RunSummary) error

	// ReadJourneyCreditSums re-reads per-customer credit sums for the run,
	// used by the post-persist verification pass.
	ReadJourneyCreditSums(ctx context.Context, runID string) (map[string]float64, error)
}

// RunReader serves stored run outcomes to the HTTP API.
type RunReader interface {
	ReadRunSummary(ctx context.Context, runID string) (domain.RunSummary, error)
	ReadReport(ctx context.Context, runID string) (domain.ChannelReport, error)
}

// Package pipeline orchestrates one attribution run end to end: load
// events, build journeys, chunk, score, aggregate, persist.
package pipeline

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/attribution-pipeline/internal/aggregate"
	"github.com/ignite/attribution-pipeline/internal/chunker"
	"github.com/ignite/attribution-pipeline/internal/config"
	"github.com/ignite/attribution-pipeline/internal/domain"
	"github.com/ignite/attribution-pipeline/internal/journey"
	"github.com/ignite/attribution-pipeline/internal/pkg/distlock"
	"github.com/ignite/attribution-pipeline/internal/pkg/logger"
	"github.com/ignite/attribution-pipeline/internal/repository"
)

// State is the orchestrator's position in the run lifecycle.
type State string

const (
	StateIdle        State = "idle"
	StateLoading     State = "loading"
	StateBuilding    State = "building"
	StateChunking    State = "chunking"
	StateScoring     State = "scoring"
	StateAggregating State = "aggregating"
	StatePersisting  State = "persisting"
	StateDone        State = "done"
	StateFailed      State = "failed"
)

// Scorer submits one chunk to the scoring service and returns its terminal
// result.
type Scorer interface {
	Score(ctx context.Context, chunk domain.ScoringRequestChunk) domain.ChunkResult
}

// Exporter ships the finished channel report somewhere external. Export
// failures are recorded as warnings, never failures: the report is already
// persisted by the time export runs.
type Exporter interface {
	Export(ctx context.Context, report domain.ChannelReport) (string, error)
}

// LockFactory builds the mutual-exclusion lock for a run window.
type LockFactory func(windowStart, windowEnd time.Time) distlock.DistLock

// Orchestrator drives attribution runs. One orchestrator handles one run at
// a time; concurrent runs over distinct windows need separate instances.
type Orchestrator struct {
	cfg     config.PipelineConfig
	events  repository.EventReader
	results repository.ResultWriter
	scorer  Scorer

	parallelism int
	newLock     LockFactory
	lockExtend  time.Duration
	exporter    Exporter

	mu    sync.Mutex
	state State
}

// Options carries the orchestrator's collaborators.
type Options struct {
	Events      repository.EventReader
	Results     repository.ResultWriter
	Scorer      Scorer
	Parallelism int
	NewLock     LockFactory
	// LockExtendInterval is how often a running pipeline refreshes its
	// window lock's TTL. Zero means every 30 seconds.
	LockExtendInterval time.Duration
	// Exporter is optional; nil disables export.
	Exporter Exporter
}

// New creates an orchestrator.
func New(cfg config.PipelineConfig, opts Options) *Orchestrator {
	parallelism := opts.Parallelism
	if parallelism < 1 {
		parallelism = 1
	}
	lockExtend := opts.LockExtendInterval
	if lockExtend <= 0 {
		lockExtend = 30 * time.Second
	}
	return &Orchestrator{
		cfg:         cfg,
		events:      opts.Events,
		results:     opts.Results,
		scorer:      opts.Scorer,
		parallelism: parallelism,
		newLock:     opts.NewLock,
		lockExtend:  lockExtend,
		exporter:    opts.Exporter,
		state:       StateIdle,
	}
}

// State returns the orchestrator's current lifecycle state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
	logger.Info("pipeline state", "state", string(s))
}

// RunRequest identifies one attribution run.
type RunRequest struct {
	RunID       string
	WindowStart time.Time
	WindowEnd   time.Time
	// BestEffort overrides the configured default for this run.
	BestEffort *bool
}

// ErrWindowLocked is returned when another run already holds the window.
var ErrWindowLocked = fmt.Errorf("run window is locked by another run")

// Run executes one attribution run. The returned summary is also persisted,
// including on failure; the report is only meaningful when err is nil.
func (o *Orchestrator) Run(ctx context.Context, req RunRequest) (domain.RunSummary, domain.ChannelReport, error) {
	if req.RunID == "" {
		req.RunID = uuid.New().String()
	}
	bestEffort := o.cfg.BestEffort
	if req.BestEffort != nil {
		bestEffort = *req.BestEffort
	}

	summary := domain.RunSummary{
		RunID:       req.RunID,
		WindowStart: req.WindowStart,
		WindowEnd:   req.WindowEnd,
		StartedAt:   time.Now().UTC(),
	}

	ctx, cancel := context.WithTimeout(ctx, o.cfg.RunTimeout())
	defer cancel()

	if o.newLock != nil {
		lock := o.newLock(req.WindowStart, req.WindowEnd)
		acquired, err := lock.Acquire(ctx)
		if err != nil {
			return o.fail(ctx, summary, fmt.Errorf("acquiring window lock: %w", err))
		}
		if !acquired {
			return o.fail(ctx, summary, ErrWindowLocked)
		}
		defer func() {
			// Release with a fresh context: the run context may already be
			// cancelled or expired.
			releaseCtx, releaseCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer releaseCancel()
			if err := lock.Release(releaseCtx); err != nil {
				logger.Error("releasing window lock", "run_id", req.RunID, "error", err.Error())
			}
		}()

		// A run that outlives the lock's initial TTL must not lose the
		// window mid-flight; keep the lock alive until the run returns.
		keepCtx, keepCancel := context.WithCancel(ctx)
		defer keepCancel()
		go o.keepLockAlive(keepCtx, lock, req.RunID)
	}

	report, err := o.run(ctx, req, bestEffort, &summary)
	if err != nil {
		return o.fail(ctx, summary, err)
	}

	o.setState(StateDone)
	summary.FinishedAt = time.Now().UTC()
	logger.Info("run finished",
		"run_id", req.RunID,
		"status", string(summary.Status),
		"journeys", summary.JourneyCount,
		"chunks", summary.ChunkCount,
		"warnings", summary.WarningCount())
	return summary, report, nil
}

func (o *Orchestrator) run(ctx context.Context, req RunRequest, bestEffort bool, summary *domain.RunSummary) (domain.ChannelReport, error) {
	// Loading.
	o.setState(StateLoading)
	events, err := o.events.ReadEvents(ctx, req.WindowStart, req.WindowEnd, o.cfg.Lookback())
	if err != nil {
		return domain.ChannelReport{}, err
	}
	costs, err := o.events.ReadChannelCosts(ctx, req.WindowStart, req.WindowEnd)
	if err != nil {
		return domain.ChannelReport{}, err
	}
	summary.EventCount = len(events)

	// Building.
	o.setState(StateBuilding)
	builder := journey.NewBuilder(journey.Options{
		SessionTimeout:    o.cfg.SessionTimeout(),
		ChannelWhitelist:  o.cfg.ChannelWhitelist,
		DedupeDuplicates:  o.cfg.DedupeDuplicates,
		KeepNonConverting: o.cfg.KeepNonConverting,
	})
	built := builder.Build(events, req.WindowStart, req.WindowEnd)
	summary.DuplicateCount = len(built.Duplicates)
	summary.JourneyCount = len(built.Journeys)

	for _, dup := range built.Duplicates {
		summary.Warnings = append(summary.Warnings, domain.RunWarning{
			Kind:       domain.WarnDuplicateEvent,
			CustomerID: dup.CustomerID,
			Message:    fmt.Sprintf("duplicate event on %s at %s dropped", dup.Channel, dup.Timestamp.Format(time.RFC3339)),
		})
	}
	for _, inv := range built.Invalid {
		summary.Warnings = append(summary.Warnings, domain.RunWarning{
			Kind:       domain.WarnValidation,
			CustomerID: inv.Event.CustomerID,
			Message:    inv.Err.Error(),
		})
	}
	if len(events) > 0 {
		fraction := float64(len(built.Invalid)) / float64(len(events))
		if fraction > o.cfg.ValidationFailureThreshold {
			return domain.ChannelReport{}, fmt.Errorf("validation failures %.2f%% exceed threshold %.2f%%",
				fraction*100, o.cfg.ValidationFailureThreshold*100)
		}
	}

	// Chunking.
	o.setState(StateChunking)
	chunks := chunker.New(o.cfg.MaxChunkJourneys, o.cfg.MaxChunkBytes).Chunk(req.RunID, built.Journeys)
	summary.ChunkCount = len(chunks)
	for _, c := range chunks {
		if c.Oversized {
			summary.Warnings = append(summary.Warnings, domain.RunWarning{
				Kind:    domain.WarnOversizedChunk,
				ChunkID: c.ID,
				Message: fmt.Sprintf("chunk of %d bytes exceeds the configured limit, submitted alone", c.SerializedBytes),
			})
		}
	}

	// Scoring.
	o.setState(StateScoring)
	results := o.score(ctx, chunks, built.Journeys, summary)
	if err := ctx.Err(); err != nil {
		// Run deadline or caller cancellation: discard partial results
		// rather than persisting an incomplete run.
		return domain.ChannelReport{}, fmt.Errorf("run aborted during scoring: %w", err)
	}

	if summary.ChunkCount > 0 {
		failedFraction := float64(summary.ChunksFailed) / float64(summary.ChunkCount)
		if failedFraction > o.cfg.FailedChunkTolerance && !bestEffort {
			return domain.ChannelReport{}, fmt.Errorf("%d of %d chunks failed, above tolerance %.2f",
				summary.ChunksFailed, summary.ChunkCount, o.cfg.FailedChunkTolerance)
		}
	}

	// Aggregating.
	o.setState(StateAggregating)
	report, warnings := aggregate.New().Aggregate(aggregate.RunInput{
		RunID:        req.RunID,
		WindowStart:  req.WindowStart,
		WindowEnd:    req.WindowEnd,
		Journeys:     built.Journeys,
		ChannelCosts: costs,
		Results:      results,
	})
	summary.Warnings = append(summary.Warnings, warnings...)

	// Persisting.
	o.setState(StatePersisting)
	var allScores []domain.TouchpointScore
	for _, res := range results {
		allScores = append(allScores, res.Scores...)
	}
	if err := o.results.WriteScores(ctx, req.RunID, allScores); err != nil {
		return domain.ChannelReport{}, err
	}
	if err := o.results.WriteReport(ctx, report); err != nil {
		return domain.ChannelReport{}, err
	}

	o.verifyPersisted(ctx, req.RunID, allScores, summary)

	switch {
	case summary.ChunksFailed > 0 || summary.ChunksPartial > 0:
		summary.Status = domain.RunPartiallyFailed
	default:
		summary.Status = domain.RunDone
	}
	summary.FinishedAt = time.Now().UTC()

	if err := o.results.WriteRunSummary(ctx, *summary); err != nil {
		return domain.ChannelReport{}, err
	}

	if o.exporter != nil {
		location, err := o.exporter.Export(ctx, report)
		if err != nil {
			logger.Error("report export failed", "run_id", req.RunID, "error", err.Error())
			summary.Warnings = append(summary.Warnings, domain.RunWarning{
				Kind:    domain.WarnValidation,
				Message: fmt.Sprintf("report export failed: %v", err),
			})
		} else {
			logger.Info("report exported", "run_id", req.RunID, "location", location)
		}
	}

	return report, nil
}

// score pushes chunks through a bounded worker pool, resubmits the missing
// subset of partially acknowledged chunks once, and tallies outcomes. Each
// worker appends to its own slice; slices merge only after the pool drains.
func (o *Orchestrator) score(ctx context.Context, chunks []domain.ScoringRequestChunk, journeys []domain.Journey, summary *domain.RunSummary) []domain.ChunkResult {
	firstPass := o.scoreAll(ctx, chunks)

	journeyByID := make(map[string]domain.Journey, len(journeys))
	for _, j := range journeys {
		journeyByID[j.ID()] = j
	}

	// Build one retry chunk per partial acknowledgment, carrying only the
	// journeys the service did not score.
	var retries []domain.ScoringRequestChunk
	retryOrigin := make(map[string]int)
	for i, res := range firstPass {
		if res.Status != domain.ChunkPartial || len(res.MissingJourneyIDs) == 0 {
			continue
		}
		var missing []domain.Journey
		for _, id := range res.MissingJourneyIDs {
			if j, ok := journeyByID[id]; ok {
				missing = append(missing, j)
			}
		}
		if len(missing) == 0 {
			continue
		}
		retryID := res.ChunkID + ":retry"
		retries = append(retries, domain.ScoringRequestChunk{ID: retryID, Journeys: missing})
		retryOrigin[retryID] = i
	}

	if len(retries) > 0 {
		logger.Info("resubmitting partially acknowledged chunks", "count", len(retries))
		for _, retry := range o.scoreAll(ctx, retries) {
			i, ok := retryOrigin[retry.ChunkID]
			if !ok {
				continue
			}
			origin := &firstPass[i]
			// Drop the origin chunk's partial coverage of the missing
			// journeys before merging, so retried scores never double up.
			origin.Scores = dropJourneys(origin.Scores, origin.MissingJourneyIDs)
			if retry.Status == domain.ChunkSuccess {
				origin.Scores = append(origin.Scores, retry.Scores...)
				origin.Status = domain.ChunkSuccess
				origin.MissingJourneyIDs = nil
			} else if retry.Status == domain.ChunkPartial {
				origin.Scores = append(origin.Scores, retry.Scores...)
				origin.MissingJourneyIDs = retry.MissingJourneyIDs
			}
			// A failed retry leaves the origin partial with its missing set.
		}
	}

	for _, res := range firstPass {
		switch res.Status {
		case domain.ChunkSuccess:
			summary.ChunksSucceeded++
		case domain.ChunkPartial:
			summary.ChunksPartial++
			summary.Warnings = append(summary.Warnings, domain.RunWarning{
				Kind:    domain.WarnChunkPartial,
				ChunkID: res.ChunkID,
				Message: fmt.Sprintf("%d journeys unscored after resubmission", len(res.MissingJourneyIDs)),
			})
		case domain.ChunkFailed:
			summary.ChunksFailed++
			msg := "chunk scoring failed"
			if res.Err != nil {
				msg = res.Err.Error()
				if !domain.IsTransient(res.Err) {
					// Resubmitting the window later cannot recover these.
					msg = "not retryable: " + msg
				}
			}
			summary.Warnings = append(summary.Warnings, domain.RunWarning{
				Kind:    domain.WarnChunkFailed,
				ChunkID: res.ChunkID,
				Message: msg,
			})
		}
	}

	// Failed chunks contribute no scores downstream.
	kept := firstPass[:0]
	for _, res := range firstPass {
		if res.Status != domain.ChunkFailed {
			kept = append(kept, res)
		}
	}
	return kept
}

// scoreAll runs the chunks through the worker pool. Chunk IDs are
// deduplicated: a chunk ID already dispatched in this call is skipped, so
// accidental double submission cannot double-count credits.
func (o *Orchestrator) scoreAll(ctx context.Context, chunks []domain.ScoringRequestChunk) []domain.ChunkResult {
	seen := make(map[string]struct{}, len(chunks))
	jobs := make(chan domain.ScoringRequestChunk)
	perWorker := make([][]domain.ChunkResult, o.parallelism)

	var wg sync.WaitGroup
	for w := 0; w < o.parallelism; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for chunk := range jobs {
				perWorker[w] = append(perWorker[w], o.scorer.Score(ctx, chunk))
			}
		}(w)
	}

dispatch:
	for _, chunk := range chunks {
		if _, dup := seen[chunk.ID]; dup {
			logger.Warn("duplicate chunk id skipped", "chunk_id", chunk.ID)
			continue
		}
		seen[chunk.ID] = struct{}{}
		select {
		case jobs <- chunk:
		case <-ctx.Done():
			break dispatch
		}
	}
	close(jobs)
	wg.Wait()

	var results []domain.ChunkResult
	for _, rs := range perWorker {
		results = append(results, rs...)
	}
	return results
}

// keepLockAlive refreshes the window lock's TTL on an interval until the
// run finishes or the run context ends.
func (o *Orchestrator) keepLockAlive(ctx context.Context, lock distlock.DistLock, runID string) {
	ticker := time.NewTicker(o.lockExtend)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := lock.Extend(ctx); err != nil {
				logger.Warn("extending window lock", "run_id", runID, "error", err.Error())
			}
		}
	}
}

// verifyPersisted re-reads per-journey credit sums from the store and checks
// them against what was just written. Drift means a write anomaly and is
// recorded as a warning for reconciliation.
func (o *Orchestrator) verifyPersisted(ctx context.Context, runID string, scores []domain.TouchpointScore, summary *domain.RunSummary) {
	stored, err := o.results.ReadJourneyCreditSums(ctx, runID)
	if err != nil {
		logger.Error("post-persist verification read failed", "run_id", runID, "error", err.Error())
		summary.Warnings = append(summary.Warnings, domain.RunWarning{
			Kind:    domain.WarnCreditInvariant,
			Message: fmt.Sprintf("post-persist verification read failed: %v", err),
		})
		return
	}

	expected := make(map[string]float64)
	for _, s := range scores {
		if s.JourneyID != "" {
			expected[s.JourneyID] += s.Credit
		}
	}

	for journeyID, want := range expected {
		got, ok := stored[journeyID]
		if !ok || math.Abs(got-want) > aggregate.CreditTolerance {
			summary.Warnings = append(summary.Warnings, domain.RunWarning{
				Kind:    domain.WarnCreditInvariant,
				Message: fmt.Sprintf("journey %s: persisted credit sum %.6f, expected %.6f", journeyID, got, want),
			})
		}
	}
}

func (o *Orchestrator) fail(ctx context.Context, summary domain.RunSummary, err error) (domain.RunSummary, domain.ChannelReport, error) {
	o.setState(StateFailed)
	summary.Status = domain.RunFailed
	summary.Error = err.Error()
	summary.FinishedAt = time.Now().UTC()
	logger.Error("run failed", "run_id", summary.RunID, "error", err.Error())

	// Best effort: record the failed run even when the run context is dead.
	writeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if werr := o.results.WriteRunSummary(writeCtx, summary); werr != nil {
		logger.Error("recording failed run", "run_id", summary.RunID, "error", werr.Error())
	}
	return summary, domain.ChannelReport{}, err
}

func dropJourneys(scores []domain.TouchpointScore, journeyIDs []string) []domain.TouchpointScore {
	if len(journeyIDs) == 0 {
		return scores
	}
	drop := make(map[string]struct{}, len(journeyIDs))
	for _, id := range journeyIDs {
		drop[id] = struct{}{}
	}
	kept := scores[:0]
	for _, s := range scores {
		if _, gone := drop[s.JourneyID]; !gone {
			kept = append(kept, s)
		}
	}
	return kept
}

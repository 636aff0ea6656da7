// Package postgres implements the pipeline's storage contracts against
// PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	_ "github.com/lib/pq"

	"github.com/ignite/attribution-pipeline/internal/domain"
	"github.com/ignite/attribution-pipeline/internal/repository"
)

// Store implements repository.EventReader, repository.ResultWriter and
// repository.RunReader against PostgreSQL.
type Store struct{ db *sql.DB }

// NewStore creates a Postgres-backed store.
func NewStore(db *sql.DB) *Store { return &Store{db: db} }

// Open connects to Postgres and verifies the connection.
func Open(databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, &domain.StorageError{Op: "open", Err: err}
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.Ping(); err != nil {
		return nil, &domain.StorageError{Op: "ping", Err: err}
	}
	return &Store{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the pool for collaborators that need raw access (advisory locks).
func (s *Store) DB() *sql.DB { return s.db }

// ReadEvents loads touchpoint events whose timestamp falls in
// [windowStart-lookback, windowEnd), ordered by customer then time so the
// journey builder sees each customer's events contiguously.
func (s *Store) ReadEvents(ctx context.Context, windowStart, windowEnd time.Time, lookback time.Duration) ([]domain.TouchpointEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT customer_id, channel, event_ts, event_type, COALESCE(attributes, '{}'::jsonb)
		FROM attribution_events
		WHERE event_ts >= $1 AND event_ts < $2
		ORDER BY customer_id, event_ts
	`, windowStart.Add(-lookback), windowEnd)
	if err != nil {
		return nil, &domain.StorageError{Op: "read events", Err: err}
	}
	defer rows.Close()

	var events []domain.TouchpointEvent
	for rows.Next() {
		var (
			ev    domain.TouchpointEvent
			kind  string
			attrs []byte
		)
		if err := rows.Scan(&ev.CustomerID, &ev.Channel, &ev.Timestamp, &kind, &attrs); err != nil {
			return nil, &domain.StorageError{Op: "scan event", Err: err}
		}
		ev.EventType = domain.EventType(kind)
		if len(attrs) > 0 {
			if err := json.Unmarshal(attrs, &ev.Attributes); err != nil {
				return nil, &domain.StorageError{Op: "decode event attributes", Err: err}
			}
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, &domain.StorageError{Op: "read events", Err: err}
	}
	return events, nil
}

// ReadChannelCosts sums per-channel spend over the run window.
func (s *Store) ReadChannelCosts(ctx context.Context, windowStart, windowEnd time.Time) (map[string]float64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT channel, COALESCE(SUM(cost), 0)
		FROM channel_costs
		WHERE cost_date >= $1 AND cost_date < $2
		GROUP BY channel
	`, windowStart, windowEnd)
	if err != nil {
		return nil, &domain.StorageError{Op: "read channel costs", Err: err}
	}
	defer rows.Close()

	costs := make(map[string]float64)
	for rows.Next() {
		var (
			channel string
			cost    float64
		)
		if err := rows.Scan(&channel, &cost); err != nil {
			return nil, &domain.StorageError{Op: "scan channel cost", Err: err}
		}
		costs[channel] = cost
	}
	if err := rows.Err(); err != nil {
		return nil, &domain.StorageError{Op: "read channel costs", Err: err}
	}
	return costs, nil
}

// WriteScores replaces the run's stored per-touchpoint credits in one
// transaction, so re-running a window never double-counts.
func (s *Store) WriteScores(ctx context.Context, runID string, scores []domain.TouchpointScore) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &domain.StorageError{Op: "begin scores tx", Err: err}
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM attribution_scores WHERE run_id = $1`, runID); err != nil {
		return &domain.StorageError{Op: "clear scores", Err: err}
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO attribution_scores
			(run_id, journey_id, customer_id, channel, event_ts, credit)
		VALUES ($1, $2, $3, $4, $5, $6)
	`)
	if err != nil {
		return &domain.StorageError{Op: "prepare scores insert", Err: err}
	}
	defer stmt.Close()

	for _, sc := range scores {
		if _, err := stmt.ExecContext(ctx, runID, sc.JourneyID, sc.CustomerID, sc.Channel, sc.Timestamp, sc.Credit); err != nil {
			return &domain.StorageError{Op: "insert score", Err: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return &domain.StorageError{Op: "commit scores", Err: err}
	}
	return nil
}

// WriteReport replaces the run's channel report rows in one transaction.
func (s *Store) WriteReport(ctx context.Context, report domain.ChannelReport) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &domain.StorageError{Op: "begin report tx", Err: err}
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM attribution_reports WHERE run_id = $1`, report.RunID); err != nil {
		return &domain.StorageError{Op: "clear report", Err: err}
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO attribution_reports
			(run_id, window_start, window_end, generated_at, channel,
			 total_credit, touchpoint_count, conversion_count, cost, attributed_revenue,
			 credit_share, avg_credit, cpo, roas)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`)
	if err != nil {
		return &domain.StorageError{Op: "prepare report insert", Err: err}
	}
	defer stmt.Close()

	for _, row := range report.Rows {
		if _, err := stmt.ExecContext(ctx,
			report.RunID, report.WindowStart, report.WindowEnd, report.GeneratedAt, row.Channel,
			row.TotalCredit, row.TouchpointCount, row.ConversionCount, row.Cost, row.AttributedRevenue,
			row.CreditShare, row.AvgCredit, row.CostPerOrder, row.ReturnOnAdCost,
		); err != nil {
			return &domain.StorageError{Op: "insert report row", Err: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return &domain.StorageError{Op: "commit report", Err: err}
	}
	return nil
}

// WriteRunSummary upserts the run's outcome. Warnings are stored as jsonb so
// reconciliation tooling can filter by kind.
func (s *Store) WriteRunSummary(ctx context.Context, summary domain.RunSummary) error {
	warnings, err := json.Marshal(summary.Warnings)
	if err != nil {
		return &domain.StorageError{Op: "encode warnings", Err: err}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO attribution_runs
			(run_id, window_start, window_end, status,
			 event_count, duplicate_count, journey_count,
			 chunk_count, chunks_succeeded, chunks_partial, chunks_failed,
			 warnings, started_at, finished_at, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (run_id) DO UPDATE SET
			status = EXCLUDED.status,
			event_count = EXCLUDED.event_count,
			duplicate_count = EXCLUDED.duplicate_count,
			journey_count = EXCLUDED.journey_count,
			chunk_count = EXCLUDED.chunk_count,
			chunks_succeeded = EXCLUDED.chunks_succeeded,
			chunks_partial = EXCLUDED.chunks_partial,
			chunks_failed = EXCLUDED.chunks_failed,
			warnings = EXCLUDED.warnings,
			finished_at = EXCLUDED.finished_at,
			error = EXCLUDED.error
	`, summary.RunID, summary.WindowStart, summary.WindowEnd, summary.Status,
		summary.EventCount, summary.DuplicateCount, summary.JourneyCount,
		summary.ChunkCount, summary.ChunksSucceeded, summary.ChunksPartial, summary.ChunksFailed,
		warnings, summary.StartedAt, summary.FinishedAt, summary.Error)
	if err != nil {
		return &domain.StorageError{Op: "write run summary", Err: err}
	}
	return nil
}

// ReadJourneyCreditSums re-reads per-journey credit totals for the run from
// what was actually persisted. The orchestrator compares these against the
// in-memory report after writing.
func (s *Store) ReadJourneyCreditSums(ctx context.Context, runID string) (map[string]float64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT journey_id, SUM(credit)
		FROM attribution_scores
		WHERE run_id = $1
		GROUP BY journey_id
	`, runID)
	if err != nil {
		return nil, &domain.StorageError{Op: "read journey credit sums", Err: err}
	}
	defer rows.Close()

	sums := make(map[string]float64)
	for rows.Next() {
		var (
			journeyID string
			sum       float64
		)
		if err := rows.Scan(&journeyID, &sum); err != nil {
			return nil, &domain.StorageError{Op: "scan journey credit sum", Err: err}
		}
		sums[journeyID] = sum
	}
	if err := rows.Err(); err != nil {
		return nil, &domain.StorageError{Op: "read journey credit sums", Err: err}
	}
	return sums, nil
}

// ReadRunSummary loads a stored run outcome.
func (s *Store) ReadRunSummary(ctx context.Context, runID string) (domain.RunSummary, error) {
	var (
		summary  domain.RunSummary
		warnings []byte
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT run_id, window_start, window_end, status,
		       event_count, duplicate_count, journey_count,
		       chunk_count, chunks_succeeded, chunks_partial, chunks_failed,
		       COALESCE(warnings, '[]'::jsonb), started_at, finished_at, COALESCE(error, '')
		FROM attribution_runs
		WHERE run_id = $1
	`, runID).Scan(
		&summary.RunID, &summary.WindowStart, &summary.WindowEnd, &summary.Status,
		&summary.EventCount, &summary.DuplicateCount, &summary.JourneyCount,
		&summary.ChunkCount, &summary.ChunksSucceeded, &summary.ChunksPartial, &summary.ChunksFailed,
		&warnings, &summary.StartedAt, &summary.FinishedAt, &summary.Error,
	)
	if err == sql.ErrNoRows {
		return domain.RunSummary{}, repository.ErrNotFound
	}
	if err != nil {
		return domain.RunSummary{}, &domain.StorageError{Op: "read run summary", Err: err}
	}
	if len(warnings) > 0 {
		if err := json.Unmarshal(warnings, &summary.Warnings); err != nil {
			return domain.RunSummary{}, &domain.StorageError{Op: "decode warnings", Err: err}
		}
	}
	return summary, nil
}

// ReadReport loads a stored channel report, rows ordered by channel.
func (s *Store) ReadReport(ctx context.Context, runID string) (domain.ChannelReport, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, window_start, window_end, generated_at, channel,
		       total_credit, touchpoint_count, conversion_count, cost, attributed_revenue,
		       credit_share, avg_credit, cpo, roas
		FROM attribution_reports
		WHERE run_id = $1
		ORDER BY channel
	`, runID)
	if err != nil {
		return domain.ChannelReport{}, &domain.StorageError{Op: "read report", Err: err}
	}
	defer rows.Close()

	var report domain.ChannelReport
	for rows.Next() {
		var row domain.ChannelRow
		if err := rows.Scan(
			&report.RunID, &report.WindowStart, &report.WindowEnd, &report.GeneratedAt, &row.Channel,
			&row.TotalCredit, &row.TouchpointCount, &row.ConversionCount, &row.Cost, &row.AttributedRevenue,
			&row.CreditShare, &row.AvgCredit, &row.CostPerOrder, &row.ReturnOnAdCost,
		); err != nil {
			return domain.ChannelReport{}, &domain.StorageError{Op: "scan report row", Err: err}
		}
		report.Rows = append(report.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return domain.ChannelReport{}, &domain.StorageError{Op: "read report", Err: err}
	}
	if report.RunID == "" {
		return domain.ChannelReport{}, repository.ErrNotFound
	}
	return report, nil
}

package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/attribution-pipeline/internal/domain"
	"github.com/ignite/attribution-pipeline/internal/repository"
)

func setupStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewStore(db), mock
}

func TestReadEvents(t *testing.T) {
	store, mock := setupStore(t)

	windowStart := time.Date(2023, 9, 1, 0, 0, 0, 0, time.UTC)
	windowEnd := time.Date(2023, 9, 8, 0, 0, 0, 0, time.UTC)
	lookback := 7 * 24 * time.Hour

	ts := windowStart.Add(2 * time.Hour)
	mock.ExpectQuery("SELECT customer_id, channel, event_ts, event_type").
		WithArgs(windowStart.Add(-lookback), windowEnd).
		WillReturnRows(sqlmock.NewRows([]string{"customer_id", "channel", "event_ts", "event_type", "attributes"}).
			AddRow("c-1", "google_ads", ts, "click", []byte(`{"revenue": 99.5}`)).
			AddRow("c-1", "email", ts.Add(time.Hour), "conversion", []byte(`{}`)))

	events, err := store.ReadEvents(context.Background(), windowStart, windowEnd, lookback)
	require.NoError(t, err)
	require.Len(t, events, 2)

	assert.Equal(t, "c-1", events[0].CustomerID)
	assert.Equal(t, domain.EventClick, events[0].EventType)
	assert.Equal(t, 99.5, events[0].Attributes["revenue"])
	assert.Equal(t, domain.EventConversion, events[1].EventType)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReadEventsQueryError(t *testing.T) {
	store, mock := setupStore(t)

	mock.ExpectQuery("SELECT customer_id").WillReturnError(errors.New("connection reset"))

	_, err := store.ReadEvents(context.Background(), time.Now(), time.Now(), 0)
	require.Error(t, err)
	assert.True(t, domain.IsStorage(err))
}

func TestReadChannelCosts(t *testing.T) {
	store, mock := setupStore(t)

	mock.ExpectQuery("SELECT channel, COALESCE").
		WillReturnRows(sqlmock.NewRows([]string{"channel", "cost"}).
			AddRow("google_ads", 1500.0).
			AddRow("facebook", 800.0))

	costs, err := store.ReadChannelCosts(context.Background(), time.Now(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"google_ads": 1500.0, "facebook": 800.0}, costs)
}

func TestWriteScoresReplacesRun(t *testing.T) {
	store, mock := setupStore(t)

	ts := time.Date(2023, 9, 2, 10, 0, 0, 0, time.UTC)
	scores := []domain.TouchpointScore{
		{CustomerID: "c-1", Channel: "google_ads", Timestamp: ts, Credit: 0.7, JourneyID: "c-1/1"},
		{CustomerID: "c-1", Channel: "email", Timestamp: ts.Add(time.Hour), Credit: 0.3, JourneyID: "c-1/1"},
	}

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM attribution_scores").
		WithArgs("run-1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectPrepare("INSERT INTO attribution_scores")
	mock.ExpectExec("INSERT INTO attribution_scores").
		WithArgs("run-1", "c-1/1", "c-1", "google_ads", ts, 0.7).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO attribution_scores").
		WithArgs("run-1", "c-1/1", "c-1", "email", ts.Add(time.Hour), 0.3).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	require.NoError(t, store.WriteScores(context.Background(), "run-1", scores))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWriteScoresRollsBackOnInsertError(t *testing.T) {
	store, mock := setupStore(t)

	ts := time.Now()
	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM attribution_scores").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectPrepare("INSERT INTO attribution_scores")
	mock.ExpectExec("INSERT INTO attribution_scores").
		WillReturnError(errors.New("constraint violation"))
	mock.ExpectRollback()

	err := store.WriteScores(context.Background(), "run-1", []domain.TouchpointScore{
		{CustomerID: "c-1", Channel: "email", Timestamp: ts, Credit: 1.0, JourneyID: "c-1/1"},
	})
	require.Error(t, err)
	assert.True(t, domain.IsStorage(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWriteReport(t *testing.T) {
	store, mock := setupStore(t)

	report := domain.ChannelReport{
		RunID:       "run-1",
		WindowStart: time.Date(2023, 9, 1, 0, 0, 0, 0, time.UTC),
		WindowEnd:   time.Date(2023, 9, 8, 0, 0, 0, 0, time.UTC),
		GeneratedAt: time.Date(2023, 9, 8, 1, 0, 0, 0, time.UTC),
		Rows: []domain.ChannelRow{
			{Channel: "google_ads", TotalCredit: 2.4, TouchpointCount: 5, ConversionCount: 3, Cost: 120, AttributedRevenue: 480, CreditShare: 0.8, AvgCredit: 0.48, CostPerOrder: 50, ReturnOnAdCost: 4},
		},
	}

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM attribution_reports").
		WithArgs("run-1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectPrepare("INSERT INTO attribution_reports")
	mock.ExpectExec("INSERT INTO attribution_reports").
		WithArgs(report.RunID, report.WindowStart, report.WindowEnd, report.GeneratedAt, "google_ads",
			2.4, 5, 3, 120.0, 480.0, 0.8, 0.48, 50.0, 4.0).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	require.NoError(t, store.WriteReport(context.Background(), report))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWriteRunSummary(t *testing.T) {
	store, mock := setupStore(t)

	summary := domain.RunSummary{
		RunID:       "run-1",
		WindowStart: time.Date(2023, 9, 1, 0, 0, 0, 0, time.UTC),
		WindowEnd:   time.Date(2023, 9, 8, 0, 0, 0, 0, time.UTC),
		Status:      domain.RunDone,
		EventCount:  100,
		Warnings: []domain.RunWarning{
			{Kind: domain.WarnDuplicateEvent, CustomerID: "c-9", Message: "duplicate event dropped"},
		},
		StartedAt:  time.Now().Add(-time.Minute),
		FinishedAt: time.Now(),
	}

	mock.ExpectExec("INSERT INTO attribution_runs").
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, store.WriteRunSummary(context.Background(), summary))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReadJourneyCreditSums(t *testing.T) {
	store, mock := setupStore(t)

	mock.ExpectQuery("SELECT journey_id, SUM").
		WithArgs("run-1").
		WillReturnRows(sqlmock.NewRows([]string{"journey_id", "sum"}).
			AddRow("c-1/1", 1.0).
			AddRow("c-2/1", 0.9999))

	sums, err := store.ReadJourneyCreditSums(context.Background(), "run-1")
	require.NoError(t, err)
	assert.InDelta(t, 1.0, sums["c-1/1"], 1e-9)
	assert.InDelta(t, 0.9999, sums["c-2/1"], 1e-9)
}

func TestReadRunSummaryNotFound(t *testing.T) {
	store, mock := setupStore(t)

	mock.ExpectQuery("SELECT run_id, window_start").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"run_id"}))

	_, err := store.ReadRunSummary(context.Background(), "missing")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestReadRunSummaryRoundtripsWarnings(t *testing.T) {
	store, mock := setupStore(t)

	started := time.Date(2023, 9, 8, 1, 0, 0, 0, time.UTC)
	cols := []string{
		"run_id", "window_start", "window_end", "status",
		"event_count", "duplicate_count", "journey_count",
		"chunk_count", "chunks_succeeded", "chunks_partial", "chunks_failed",
		"warnings", "started_at", "finished_at", "error",
	}
	mock.ExpectQuery("SELECT run_id, window_start").
		WithArgs("run-1").
		WillReturnRows(sqlmock.NewRows(cols).AddRow(
			"run-1", started.Add(-7*24*time.Hour), started, "partially_failed",
			100, 2, 40, 5, 4, 0, 1,
			[]byte(`[{"kind":"chunk_failed","chunk_id":"run-1-chunk-0003","message":"retries exhausted"}]`),
			started, started.Add(time.Minute), "",
		))

	summary, err := store.ReadRunSummary(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RunPartiallyFailed, summary.Status)
	require.Len(t, summary.Warnings, 1)
	assert.Equal(t, domain.WarnChunkFailed, summary.Warnings[0].Kind)
	assert.Equal(t, "run-1-chunk-0003", summary.Warnings[0].ChunkID)
}

func TestReadReport(t *testing.T) {
	store, mock := setupStore(t)

	windowStart := time.Date(2023, 9, 1, 0, 0, 0, 0, time.UTC)
	cols := []string{
		"run_id", "window_start", "window_end", "generated_at", "channel",
		"total_credit", "touchpoint_count", "conversion_count", "cost", "attributed_revenue",
		"credit_share", "avg_credit", "cpo", "roas",
	}
	mock.ExpectQuery("SELECT run_id, window_start, window_end, generated_at, channel").
		WithArgs("run-1").
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("run-1", windowStart, windowStart.AddDate(0, 0, 7), windowStart.AddDate(0, 0, 7), "email",
				0.6, 2, 1, 0.0, 72.0, 0.2, 0.3, 0.0, 0.0).
			AddRow("run-1", windowStart, windowStart.AddDate(0, 0, 7), windowStart.AddDate(0, 0, 7), "google_ads",
				2.4, 5, 3, 120.0, 480.0, 0.8, 0.48, 50.0, 4.0))

	report, err := store.ReadReport(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, "run-1", report.RunID)
	require.Len(t, report.Rows, 2)
	assert.Equal(t, "email", report.Rows[0].Channel)
	assert.Equal(t, 4.0, report.Rows[1].ReturnOnAdCost)
}

func TestReadReportNotFound(t *testing.T) {
	store, mock := setupStore(t)

	mock.ExpectQuery("SELECT run_id, window_start, window_end, generated_at, channel").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"run_id"}))

	_, err := store.ReadReport(context.Background(), "missing")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/attribution-pipeline/internal/aggregate"
	"github.com/ignite/attribution-pipeline/internal/domain"
	"github.com/ignite/attribution-pipeline/internal/pipeline"
	"github.com/ignite/attribution-pipeline/internal/pkg/logger"
	"github.com/ignite/attribution-pipeline/internal/repository"
)

// Runner executes one attribution run. Implemented by the pipeline
// orchestrator.
type Runner interface {
	Run(ctx context.Context, req pipeline.RunRequest) (domain.RunSummary, domain.ChannelReport, error)
}

// Handlers holds the API's collaborators.
type Handlers struct {
	runner Runner
	runs   repository.RunReader

	// Optional, for the health endpoint.
	db          *sql.DB
	redisClient *redis.Client
	startTime   time.Time
}

// NewHandlers creates the API handlers. db and redisClient may be nil; the
// health endpoint reports them as not configured.
func NewHandlers(runner Runner, runs repository.RunReader, db *sql.DB, redisClient *redis.Client) *Handlers {
	return &Handlers{
		runner:      runner,
		runs:        runs,
		db:          db,
		redisClient: redisClient,
		startTime:   time.Now(),
	}
}

type runRequestBody struct {
	RunID       string    `json:"run_id"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
	BestEffort  *bool     `json:"best_effort"`
}

// TriggerRun executes an attribution run synchronously and returns its
// summary.
//
//	POST /api/v1/runs
func (h *Handlers) TriggerRun(w http.ResponseWriter, r *http.Request) {
	var body runRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if body.WindowStart.IsZero() || body.WindowEnd.IsZero() {
		respondError(w, http.StatusBadRequest, "window_start and window_end are required")
		return
	}
	if !body.WindowEnd.After(body.WindowStart) {
		respondError(w, http.StatusBadRequest, "window_end must be after window_start")
		return
	}

	summary, _, err := h.runner.Run(r.Context(), pipeline.RunRequest{
		RunID:       body.RunID,
		WindowStart: body.WindowStart,
		WindowEnd:   body.WindowEnd,
		BestEffort:  body.BestEffort,
	})
	if err != nil {
		if errors.Is(err, pipeline.ErrWindowLocked) {
			respondError(w, http.StatusConflict, err.Error())
			return
		}
		logger.Error("run failed", "run_id", summary.RunID, "error", err.Error())
		respondJSON(w, http.StatusInternalServerError, summary)
		return
	}
	respondJSON(w, http.StatusOK, summary)
}

// GetRun returns a stored run summary.
//
//	GET /api/v1/runs/{runID}
func (h *Handlers) GetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	summary, err := h.runs.ReadRunSummary(r.Context(), runID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			respondError(w, http.StatusNotFound, "run not found")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, summary)
}

// GetReport returns a stored channel report as JSON, or as CSV with
// ?format=csv.
//
//	GET /api/v1/reports/{runID}
func (h *Handlers) GetReport(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	report, err := h.runs.ReadReport(r.Context(), runID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			respondError(w, http.StatusNotFound, "report not found")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if r.URL.Query().Get("format") == "csv" {
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", runID+"_channel_report.csv"))
		if err := aggregate.WriteCSV(w, report); err != nil {
			logger.Error("writing csv report", "run_id", runID, "error", err.Error())
		}
		return
	}
	respondJSON(w, http.StatusOK, report)
}

// HealthCheck reports the server's dependencies. Always returns 200; the
// status field conveys health.
//
//	GET /health
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	type check struct {
		Status  string `json:"status"`
		Message string `json:"message,omitempty"`
	}
	checks := make(map[string]check, 2)

	if h.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		if err := h.db.PingContext(ctx); err != nil {
			checks["database"] = check{Status: "down", Message: err.Error()}
		} else {
			checks["database"] = check{Status: "up"}
		}
	} else {
		checks["database"] = check{Status: "down", Message: "not configured"}
	}

	if h.redisClient != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.redisClient.Ping(ctx).Err(); err != nil {
			checks["redis"] = check{Status: "down", Message: err.Error()}
		} else {
			checks["redis"] = check{Status: "up"}
		}
	} else {
		checks["redis"] = check{Status: "down", Message: "not configured"}
	}

	status := "healthy"
	if c, ok := checks["database"]; ok && c.Status == "down" && c.Message != "not configured" {
		status = "unhealthy"
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status": status,
		"uptime": time.Since(h.startTime).Round(time.Second).String(),
		"checks": checks,
	})
}

func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("encoding response", "error", err.Error())
	}
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}

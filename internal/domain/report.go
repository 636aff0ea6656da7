package domain

import "time"

// ChannelRow is one channel's aggregated attribution results for a run.
type ChannelRow struct {
	Channel           string  `json:"channel"`
	TotalCredit       float64 `json:"total_credit"`
	TouchpointCount   int     `json:"touchpoint_count"`
	ConversionCount   int     `json:"conversion_count"`
	Cost              float64 `json:"cost"`
	AttributedRevenue float64 `json:"attributed_revenue"`

	// Derived metrics, computed once over the final totals.
	CreditShare    float64 `json:"credit_share"`
	AvgCredit      float64 `json:"avg_credit_per_touchpoint"`
	CostPerOrder   float64 `json:"cpo"`
	ReturnOnAdCost float64 `json:"roas"`
}

// ChannelReport is the per-channel attribution report for one run, one row
// per distinct channel, sorted by channel name.
type ChannelReport struct {
	RunID       string       `json:"run_id"`
	WindowStart time.Time    `json:"window_start"`
	WindowEnd   time.Time    `json:"window_end"`
	GeneratedAt time.Time    `json:"generated_at"`
	Rows        []ChannelRow `json:"rows"`
}

// TotalCredit returns the report's credit mass summed over all channels.
func (r ChannelReport) TotalCredit() float64 {
	var total float64
	for _, row := range r.Rows {
		total += row.TotalCredit
	}
	return total
}

// RunStatus enumerates the terminal states of a pipeline run.
type RunStatus string

const (
	RunDone            RunStatus = "done"
	RunFailed          RunStatus = "failed"
	RunPartiallyFailed RunStatus = "partially_failed"
)

// WarningKind classifies run warnings for reconciliation.
type WarningKind string

const (
	WarnDuplicateEvent  WarningKind = "duplicate_event"
	WarnValidation      WarningKind = "validation"
	WarnChunkFailed     WarningKind = "chunk_failed"
	WarnChunkPartial    WarningKind = "chunk_partial"
	WarnCreditInvariant WarningKind = "credit_invariant"
	WarnOversizedChunk  WarningKind = "oversized_chunk"
)

// RunWarning is a non-fatal anomaly recorded against a run, with enough
// context to re-drive only the affected subset on a later run.
type RunWarning struct {
	Kind       WarningKind `json:"kind"`
	ChunkID    string      `json:"chunk_id,omitempty"`
	CustomerID string      `json:"customer_id,omitempty"`
	Message    string      `json:"message"`
}

// RunSummary is the user-visible outcome of one pipeline run.
type RunSummary struct {
	RunID       string    `json:"run_id"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
	Status      RunStatus `json:"status"`

	EventCount      int `json:"event_count"`
	DuplicateCount  int `json:"duplicate_count"`
	JourneyCount    int `json:"journey_count"`
	ChunkCount      int `json:"chunk_count"`
	ChunksSucceeded int `json:"chunks_succeeded"`
	ChunksPartial   int `json:"chunks_partial"`
	ChunksFailed    int `json:"chunks_failed"`

	Warnings []RunWarning `json:"warnings,omitempty"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Error      string    `json:"error,omitempty"`
}

// WarningCount returns the number of warnings recorded on the run.
func (s RunSummary) WarningCount() int { return len(s.Warnings) }

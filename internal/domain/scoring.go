package domain

import "time"

// ScoringRequestChunk is an ordered subset of a run's journeys sized to fit
// one scoring API request. Chunks partition the run's journey set: every
// journey appears in exactly one chunk.
type ScoringRequestChunk struct {
	ID       string    `json:"chunk_id"`
	Journeys []Journey `json:"journeys"`

	// Oversized marks a single-journey chunk whose serialized size exceeds
	// the configured limit. It is submitted anyway rather than dropped.
	Oversized bool `json:"oversized,omitempty"`

	// SerializedBytes is the wire payload size computed at chunking time.
	SerializedBytes int `json:"serialized_bytes"`
}

// JourneyCount returns the number of journeys in the chunk.
func (c ScoringRequestChunk) JourneyCount() int { return len(c.Journeys) }

// TouchpointScore is the per-touchpoint attribution credit returned by the
// scoring service. For a converted journey the credits sum to 1.0 (within
// tolerance); for a non-converting journey they sum to 0.
type TouchpointScore struct {
	CustomerID string    `json:"customer_id"`
	Channel    string    `json:"channel"`
	Timestamp  time.Time `json:"timestamp"`
	Credit     float64   `json:"credit"`

	// JourneyID ties the score back to the journey it was computed for.
	// The wire response does not carry it; the scoring client fills it in
	// by matching against the submitted chunk.
	JourneyID string `json:"journey_id,omitempty"`
}

// ChunkStatus enumerates the terminal outcomes of scoring one chunk.
type ChunkStatus string

const (
	ChunkSuccess ChunkStatus = "success"
	ChunkFailed  ChunkStatus = "failed"
	ChunkPartial ChunkStatus = "partial"
)

// ChunkResult records the outcome of submitting one chunk to the scoring
// service, including the scores received and which journeys were left
// unscored on a partial acknowledgment.
type ChunkResult struct {
	ChunkID string            `json:"chunk_id"`
	Status  ChunkStatus       `json:"status"`
	Scores  []TouchpointScore `json:"scores,omitempty"`
	Err     error             `json:"-"`

	// MissingJourneyIDs lists journeys submitted in the chunk that the
	// service did not return scores for (partial acknowledgment).
	MissingJourneyIDs []string `json:"missing_journey_ids,omitempty"`
}

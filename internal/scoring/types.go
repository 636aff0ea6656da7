package scoring

import (
	"encoding/json"
	"time"

	"github.com/ignite/attribution-pipeline/internal/domain"
)

// scoreRequest is the scoring service's request payload.
type scoreRequest struct {
	ChunkID  string         `json:"chunk_id"`
	Journeys []scoreJourney `json:"journeys"`
}

type scoreJourney struct {
	CustomerID  string            `json:"customer_id"`
	Touchpoints []scoreTouchpoint `json:"touchpoints"`
}

type scoreTouchpoint struct {
	Channel   string    `json:"channel"`
	Timestamp time.Time `json:"timestamp"`
	EventType string    `json:"event_type"`
}

// scoreResponse is the scoring service's response payload. A 2xx response
// with partial=true acknowledges only a subset of the submitted journeys.
type scoreResponse struct {
	ChunkID string        `json:"chunk_id"`
	Results []scoreResult `json:"results"`
	Partial bool          `json:"partial"`
}

type scoreResult struct {
	CustomerID string    `json:"customer_id"`
	Channel    string    `json:"channel"`
	Timestamp  time.Time `json:"timestamp"`
	Credit     float64   `json:"credit"`
}

func encodeChunk(chunk domain.ScoringRequestChunk) scoreRequest {
	req := scoreRequest{ChunkID: chunk.ID, Journeys: make([]scoreJourney, 0, len(chunk.Journeys))}
	for _, j := range chunk.Journeys {
		req.Journeys = append(req.Journeys, encodeJourney(j))
	}
	return req
}

func encodeJourney(j domain.Journey) scoreJourney {
	wj := scoreJourney{CustomerID: j.CustomerID, Touchpoints: make([]scoreTouchpoint, 0, len(j.Touchpoints))}
	for _, tp := range j.Touchpoints {
		wj.Touchpoints = append(wj.Touchpoints, scoreTouchpoint{
			Channel:   tp.Channel,
			Timestamp: tp.Timestamp,
			EventType: string(tp.EventType),
		})
	}
	return wj
}

// EncodedJourneySize reports the bytes one journey occupies in the request
// payload. The chunker sizes chunks with it so the configured byte bound
// tracks what is actually sent, not the internal journey representation.
func EncodedJourneySize(j domain.Journey) int {
	data, err := json.Marshal(encodeJourney(j))
	if err != nil {
		return 0
	}
	return len(data)
}

// decodeScores converts wire results to domain scores, tagging each with
// the ID of the submitted journey its timestamp falls into. Scores that
// match no submitted journey keep an empty JourneyID; the aggregator
// reports them.
func decodeScores(chunk domain.ScoringRequestChunk, results []scoreResult) []domain.TouchpointScore {
	byCustomer := make(map[string][]domain.Journey)
	for _, j := range chunk.Journeys {
		byCustomer[j.CustomerID] = append(byCustomer[j.CustomerID], j)
	}

	scores := make([]domain.TouchpointScore, 0, len(results))
	for _, r := range results {
		s := domain.TouchpointScore{
			CustomerID: r.CustomerID,
			Channel:    r.Channel,
			Timestamp:  r.Timestamp,
			Credit:     r.Credit,
		}
		for _, j := range byCustomer[r.CustomerID] {
			if j.Contains(r.Timestamp) {
				s.JourneyID = j.ID()
				break
			}
		}
		scores = append(scores, s)
	}
	return scores
}

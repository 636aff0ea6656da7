// Package chunker partitions a run's journeys into scoring-API-sized
// request chunks.
package chunker

import (
	"fmt"

	"github.com/ignite/attribution-pipeline/internal/domain"
	"github.com/ignite/attribution-pipeline/internal/scoring"
)

// Chunker splits journeys into chunks bounded by journey count and
// serialized byte size, whichever binds first. The partition is
// deterministic, preserves input order, and never splits a journey: a
// single journey larger than the byte limit is emitted alone as a flagged
// oversized chunk rather than dropped or truncated.
type Chunker struct {
	maxJourneys int
	maxBytes    int
	size        func(domain.Journey) int
}

// New creates a Chunker. maxJourneys must be at least 1; maxBytes <= 0
// disables the byte bound. Journeys are sized as the scoring request wire
// encoding, so the bound covers the payload journeys; the request envelope
// adds a few bytes on top.
func New(maxJourneys, maxBytes int) *Chunker {
	if maxJourneys < 1 {
		maxJourneys = 1
	}
	return &Chunker{
		maxJourneys: maxJourneys,
		maxBytes:    maxBytes,
		size:        scoring.EncodedJourneySize,
	}
}

// Chunk partitions journeys into ordered chunks. Chunk IDs are derived from
// the run ID and the chunk's position, so re-chunking the same input yields
// the same IDs.
func (c *Chunker) Chunk(runID string, journeys []domain.Journey) []domain.ScoringRequestChunk {
	var chunks []domain.ScoringRequestChunk
	var current []domain.Journey
	currentBytes := 0

	flush := func(oversized bool) {
		if len(current) == 0 {
			return
		}
		chunks = append(chunks, domain.ScoringRequestChunk{
			ID:              fmt.Sprintf("%s-chunk-%04d", runID, len(chunks)+1),
			Journeys:        current,
			Oversized:       oversized,
			SerializedBytes: currentBytes,
		})
		current = nil
		currentBytes = 0
	}

	for _, j := range journeys {
		jb := c.size(j)

		if c.maxBytes > 0 && jb > c.maxBytes {
			// The journey alone exceeds the byte limit. Emit it as its
			// own flagged chunk; dropping it would be silent data loss.
			flush(false)
			current = []domain.Journey{j}
			currentBytes = jb
			flush(true)
			continue
		}

		if len(current) > 0 {
			if len(current) >= c.maxJourneys ||
				(c.maxBytes > 0 && currentBytes+jb > c.maxBytes) {
				flush(false)
			}
		}
		current = append(current, j)
		currentBytes += jb
	}
	flush(false)

	return chunks
}

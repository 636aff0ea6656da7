// Package scoring submits journey chunks to the remote multi-touch
// attribution service and classifies the outcome per chunk.
package scoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/ignite/attribution-pipeline/internal/config"
	"github.com/ignite/attribution-pipeline/internal/domain"
	"github.com/ignite/attribution-pipeline/internal/pkg/httpretry"
	"github.com/ignite/attribution-pipeline/internal/pkg/logger"
)

// Client sends scoring requests with retry, collective rate limiting, and
// partial-acknowledgment detection. It does not deduplicate resubmitted
// chunks; the orchestrator owns chunk-ID deduplication.
type Client struct {
	baseURL    string
	apiKey     string
	convTypeID string
	httpClient httpretry.HTTPDoer
}

// NewClient creates a scoring client. The optional limiter is shared by all
// workers so concurrent submissions back off collectively.
func NewClient(cfg config.ScoringConfig, limiter httpretry.Limiter) *Client {
	policy := httpretry.NewPolicy(cfg.MaxRetryAttempts, cfg.BackoffBase())
	rc := httpretry.NewRetryClient(&http.Client{Timeout: cfg.Timeout()}, policy)
	if limiter != nil {
		rc.WithLimiter(limiter)
	}
	return &Client{
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		convTypeID: cfg.ConvTypeID,
		httpClient: rc,
	}
}

// Score submits one chunk and returns its terminal result. Transient
// failures are retried inside the HTTP client; whatever survives here is
// final for this submission.
func (c *Client) Score(ctx context.Context, chunk domain.ScoringRequestChunk) domain.ChunkResult {
	result := domain.ChunkResult{ChunkID: chunk.ID, Status: domain.ChunkFailed}

	payload, err := json.Marshal(encodeChunk(chunk))
	if err != nil {
		result.Err = &domain.NonTransientServiceError{Message: fmt.Sprintf("encoding chunk: %v", err)}
		return result
	}

	endpoint := c.baseURL + "/scores"
	if c.convTypeID != "" {
		endpoint += "?conv_type_id=" + url.QueryEscape(c.convTypeID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		result.Err = &domain.NonTransientServiceError{Message: fmt.Sprintf("creating request: %v", err)}
		return result
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Network failure with retries exhausted, or context cancellation.
		result.Err = &domain.TransientServiceError{Err: err}
		return result
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		result.Err = &domain.TransientServiceError{StatusCode: resp.StatusCode, Err: err}
		return result
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if httpretry.Retryable(resp.StatusCode) {
			result.Err = &domain.TransientServiceError{
				StatusCode: resp.StatusCode,
				Err:        fmt.Errorf("retries exhausted: %s", truncate(body)),
			}
		} else {
			result.Err = &domain.NonTransientServiceError{
				StatusCode: resp.StatusCode,
				Message:    truncate(body),
			}
		}
		return result
	}

	var decoded scoreResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		result.Err = &domain.NonTransientServiceError{
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("malformed response: %v", err),
		}
		return result
	}

	result.Scores = decodeScores(chunk, decoded.Results)
	result.MissingJourneyIDs = missingJourneys(chunk, result.Scores)

	if decoded.Partial || len(result.MissingJourneyIDs) > 0 {
		result.Status = domain.ChunkPartial
		logger.Warn("partial acknowledgment from scoring service",
			"chunk_id", chunk.ID,
			"missing_journeys", len(result.MissingJourneyIDs))
	} else {
		result.Status = domain.ChunkSuccess
	}
	return result
}

// missingJourneys returns the IDs of submitted journeys whose touchpoints
// were not all covered by the returned scores.
func missingJourneys(chunk domain.ScoringRequestChunk, scores []domain.TouchpointScore) []string {
	scored := make(map[string]struct{}, len(scores))
	for _, s := range scores {
		scored[scoreKey(s.CustomerID, s.Channel, s.Timestamp.UnixNano())] = struct{}{}
	}

	var missing []string
	for _, j := range chunk.Journeys {
		covered := true
		for _, tp := range j.Touchpoints {
			if _, ok := scored[scoreKey(tp.CustomerID, tp.Channel, tp.Timestamp.UnixNano())]; !ok {
				covered = false
				break
			}
		}
		if !covered {
			missing = append(missing, j.ID())
		}
	}
	return missing
}

func scoreKey(customer, channel string, ts int64) string {
	return fmt.Sprintf("%s|%s|%d", customer, channel, ts)
}

func truncate(body []byte) string {
	const max = 512
	if len(body) > max {
		return string(body[:max]) + "..."
	}
	return string(body)
}

// Package aggregate reduces per-touchpoint attribution scores into the
// per-channel report for a run.
package aggregate

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/ignite/attribution-pipeline/internal/domain"
)

// CreditTolerance is the allowed drift when validating that a converted
// journey's credits sum to 1.0 (or 0.0 when not converted).
const CreditTolerance = 1e-4

// Aggregator reduces chunk results into a ChannelReport. The reduction is a
// per-channel summation, so it is commutative and associative: the report is
// independent of the order chunks completed in.
type Aggregator struct {
	tolerance float64
}

// New creates an aggregator with the default credit tolerance.
func New() *Aggregator {
	return &Aggregator{tolerance: CreditTolerance}
}

// RunInput carries everything the aggregator needs for one run. Results
// must contain only success and partial chunks; failed chunks contribute
// nothing and are the orchestrator's concern.
type RunInput struct {
	RunID        string
	WindowStart  time.Time
	WindowEnd    time.Time
	Journeys     []domain.Journey
	ChannelCosts map[string]float64
	Results      []domain.ChunkResult
}

type channelAccum struct {
	credit      float64
	touchpoints int
	conversions int
	revenue     float64
}

// Aggregate validates per-journey credit sums, normalizes drifted converted
// journeys, and reduces everything into one row per channel. Invariant
// violations become warnings, never errors.
func (a *Aggregator) Aggregate(in RunInput) (domain.ChannelReport, []domain.RunWarning) {
	var warnings []domain.RunWarning

	// Index journeys so each returned score can be matched back to the
	// journey it belongs to: by the client-assigned journey ID when
	// present, by timestamp containment otherwise (journeys never overlap
	// in time for one customer).
	byCustomer := make(map[string][]domain.Journey)
	journeyByID := make(map[string]domain.Journey, len(in.Journeys))
	for _, j := range in.Journeys {
		byCustomer[j.CustomerID] = append(byCustomer[j.CustomerID], j)
		journeyByID[j.ID()] = j
	}

	// Collect all scores per journey first. Grouping before reduction makes
	// the result structurally independent of chunk completion order.
	perJourney := make(map[string][]domain.TouchpointScore)
	for _, res := range in.Results {
		for _, s := range res.Scores {
			j, ok := journeyByID[s.JourneyID]
			if !ok {
				j, ok = matchJourney(byCustomer[s.CustomerID], s.Timestamp)
			}
			if !ok {
				warnings = append(warnings, domain.RunWarning{
					Kind:       domain.WarnCreditInvariant,
					ChunkID:    res.ChunkID,
					CustomerID: s.CustomerID,
					Message:    fmt.Sprintf("score at %s matches no journey", s.Timestamp.Format(time.RFC3339)),
				})
				continue
			}
			perJourney[j.ID()] = append(perJourney[j.ID()], s)
		}
	}

	journeyIDs := make([]string, 0, len(perJourney))
	for id := range perJourney {
		journeyIDs = append(journeyIDs, id)
	}
	sort.Strings(journeyIDs)

	accums := make(map[string]*channelAccum)
	for _, id := range journeyIDs {
		j := journeyByID[id]
		scores := perJourney[id]

		scores, warn := a.validateJourney(j, scores)
		if warn != nil {
			warnings = append(warnings, *warn)
		}

		channelsSeen := make(map[string]struct{})
		for _, s := range scores {
			acc := accums[s.Channel]
			if acc == nil {
				acc = &channelAccum{}
				accums[s.Channel] = acc
			}
			acc.credit += s.Credit
			acc.touchpoints++
			acc.revenue += s.Credit * j.Revenue()
			if j.Converted {
				if _, seen := channelsSeen[s.Channel]; !seen {
					acc.conversions++
					channelsSeen[s.Channel] = struct{}{}
				}
			}
		}
	}

	report := domain.ChannelReport{
		RunID:       in.RunID,
		WindowStart: in.WindowStart,
		WindowEnd:   in.WindowEnd,
		GeneratedAt: time.Now().UTC(),
	}

	channels := make([]string, 0, len(accums))
	var totalCredit float64
	for ch, acc := range accums {
		channels = append(channels, ch)
		totalCredit += acc.credit
	}
	sort.Strings(channels)

	// Derived metrics are computed once over the final totals, not
	// incrementally, to avoid compounding floating-point drift.
	for _, ch := range channels {
		acc := accums[ch]
		row := domain.ChannelRow{
			Channel:           ch,
			TotalCredit:       acc.credit,
			TouchpointCount:   acc.touchpoints,
			ConversionCount:   acc.conversions,
			Cost:              in.ChannelCosts[ch],
			AttributedRevenue: acc.revenue,
		}
		if totalCredit > 0 {
			row.CreditShare = acc.credit / totalCredit
		}
		if acc.touchpoints > 0 {
			row.AvgCredit = acc.credit / float64(acc.touchpoints)
		}
		if acc.credit > 0 {
			row.CostPerOrder = row.Cost / acc.credit
		}
		if row.Cost > 0 {
			row.ReturnOnAdCost = acc.revenue / row.Cost
		}
		report.Rows = append(report.Rows, row)
	}

	return report, warnings
}

// validateJourney checks the credit-sum invariant for one journey's scores.
// Converted journeys drifting from 1.0 are normalized back (the service
// occasionally returns unnormalized credits); non-converting journeys must
// sum to 0 and are never normalized.
func (a *Aggregator) validateJourney(j domain.Journey, scores []domain.TouchpointScore) ([]domain.TouchpointScore, *domain.RunWarning) {
	var sum float64
	for _, s := range scores {
		sum += s.Credit
	}

	if j.Converted {
		if math.Abs(sum-1.0) <= a.tolerance {
			return scores, nil
		}
		warn := &domain.RunWarning{
			Kind:       domain.WarnCreditInvariant,
			CustomerID: j.CustomerID,
			Message:    fmt.Sprintf("journey %s: converted credit sum %.6f, expected 1.0", j.ID(), sum),
		}
		if sum > 0 {
			normalized := make([]domain.TouchpointScore, len(scores))
			copy(normalized, scores)
			for i := range normalized {
				normalized[i].Credit /= sum
			}
			return normalized, warn
		}
		return scores, warn
	}

	if math.Abs(sum) > a.tolerance {
		return scores, &domain.RunWarning{
			Kind:       domain.WarnCreditInvariant,
			CustomerID: j.CustomerID,
			Message:    fmt.Sprintf("journey %s: non-converting credit sum %.6f, expected 0.0", j.ID(), sum),
		}
	}
	return scores, nil
}

func matchJourney(journeys []domain.Journey, ts time.Time) (domain.Journey, bool) {
	for _, j := range journeys {
		if j.Contains(ts) {
			return j, true
		}
	}
	return domain.Journey{}, false
}

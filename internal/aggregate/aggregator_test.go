package aggregate

import (
	"bytes"
	"math"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/attribution-pipeline/internal/domain"
)

var base = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func convertedJourney(customer string, revenue float64, channels ...string) domain.Journey {
	j := domain.Journey{CustomerID: customer, Converted: true}
	for i, ch := range channels {
		typ := domain.EventClick
		var attrs map[string]float64
		if i == len(channels)-1 {
			typ = domain.EventConversion
			attrs = map[string]float64{"revenue": revenue}
		}
		j.Touchpoints = append(j.Touchpoints, domain.TouchpointEvent{
			CustomerID: customer,
			Channel:    ch,
			Timestamp:  base.Add(time.Duration(i) * 10 * time.Minute),
			EventType:  typ,
			Attributes: attrs,
		})
	}
	return j
}

func evenScores(j domain.Journey) []domain.TouchpointScore {
	n := len(j.Touchpoints)
	scores := make([]domain.TouchpointScore, 0, n)
	for _, tp := range j.Touchpoints {
		scores = append(scores, domain.TouchpointScore{
			CustomerID: tp.CustomerID,
			Channel:    tp.Channel,
			Timestamp:  tp.Timestamp,
			Credit:     1.0 / float64(n),
		})
	}
	return scores
}

func TestAggregateBasicScenario(t *testing.T) {
	// Journey: Google impression, FB click, Google conversion.
	j := convertedJourney("C1", 120, "Google", "FB", "Google")
	scores := []domain.TouchpointScore{
		{CustomerID: "C1", Channel: "Google", Timestamp: j.Touchpoints[0].Timestamp, Credit: 0.2},
		{CustomerID: "C1", Channel: "FB", Timestamp: j.Touchpoints[1].Timestamp, Credit: 0.3},
		{CustomerID: "C1", Channel: "Google", Timestamp: j.Touchpoints[2].Timestamp, Credit: 0.5},
	}

	report, warnings := New().Aggregate(RunInput{
		RunID:    "run1",
		Journeys: []domain.Journey{j},
		Results:  []domain.ChunkResult{{ChunkID: "c1", Status: domain.ChunkSuccess, Scores: scores}},
	})

	assert.Empty(t, warnings)
	require.Len(t, report.Rows, 2)

	fb := report.Rows[0]
	google := report.Rows[1]
	assert.Equal(t, "FB", fb.Channel)
	assert.Equal(t, "Google", google.Channel)

	assert.InDelta(t, 0.7, google.TotalCredit, 1e-9)
	assert.Equal(t, 2, google.TouchpointCount)
	assert.Equal(t, 1, google.ConversionCount)
	assert.InDelta(t, 0.3, fb.TotalCredit, 1e-9)
	assert.Equal(t, 1, fb.ConversionCount)

	// Revenue is attributed proportionally to credit.
	assert.InDelta(t, 84.0, google.AttributedRevenue, 1e-9)
	assert.InDelta(t, 36.0, fb.AttributedRevenue, 1e-9)

	assert.InDelta(t, 0.7, google.CreditShare, 1e-9)
	assert.InDelta(t, 0.35, google.AvgCredit, 1e-9)
}

func TestAggregatePreservesTotalMass(t *testing.T) {
	j1 := convertedJourney("C1", 10, "Google", "FB")
	j2 := convertedJourney("C2", 20, "Email")
	j3 := convertedJourney("C3", 0, "Google", "Email", "FB")

	results := []domain.ChunkResult{
		{ChunkID: "c1", Status: domain.ChunkSuccess, Scores: append(evenScores(j1), evenScores(j2)...)},
		{ChunkID: "c2", Status: domain.ChunkSuccess, Scores: evenScores(j3)},
	}

	report, warnings := New().Aggregate(RunInput{
		RunID:    "run1",
		Journeys: []domain.Journey{j1, j2, j3},
		Results:  results,
	})

	assert.Empty(t, warnings)
	assert.InDelta(t, 3.0, report.TotalCredit(), 1e-9)
}

func TestAggregateOrderIndependent(t *testing.T) {
	journeys := []domain.Journey{
		convertedJourney("C1", 50, "Google", "FB"),
		convertedJourney("C2", 75, "Email", "Google"),
		convertedJourney("C3", 10, "FB"),
		convertedJourney("C4", 0, "Email"),
	}
	var results []domain.ChunkResult
	for i, j := range journeys {
		results = append(results, domain.ChunkResult{
			ChunkID: j.ID(),
			Status:  domain.ChunkSuccess,
			Scores:  evenScores(journeys[i]),
		})
	}

	agg := New()
	baseline, _ := agg.Aggregate(RunInput{RunID: "run1", Journeys: journeys, Results: results})

	rng := rand.New(rand.NewSource(7))
	for trial := 0; trial < 5; trial++ {
		shuffled := make([]domain.ChunkResult, len(results))
		copy(shuffled, results)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

		report, _ := agg.Aggregate(RunInput{RunID: "run1", Journeys: journeys, Results: shuffled})
		require.Equal(t, len(baseline.Rows), len(report.Rows))
		for i := range baseline.Rows {
			assert.Equal(t, baseline.Rows[i].Channel, report.Rows[i].Channel)
			assert.InDelta(t, baseline.Rows[i].TotalCredit, report.Rows[i].TotalCredit, 1e-9)
			assert.Equal(t, baseline.Rows[i].TouchpointCount, report.Rows[i].TouchpointCount)
			assert.InDelta(t, baseline.Rows[i].AttributedRevenue, report.Rows[i].AttributedRevenue, 1e-9)
		}
	}
}

func TestAggregateNormalizesDriftedCredits(t *testing.T) {
	j := convertedJourney("C1", 100, "Google", "FB")
	scores := []domain.TouchpointScore{
		{CustomerID: "C1", Channel: "Google", Timestamp: j.Touchpoints[0].Timestamp, Credit: 0.6},
		{CustomerID: "C1", Channel: "FB", Timestamp: j.Touchpoints[1].Timestamp, Credit: 0.6},
	}

	report, warnings := New().Aggregate(RunInput{
		RunID:    "run1",
		Journeys: []domain.Journey{j},
		Results:  []domain.ChunkResult{{ChunkID: "c1", Status: domain.ChunkSuccess, Scores: scores}},
	})

	require.Len(t, warnings, 1)
	assert.Equal(t, domain.WarnCreditInvariant, warnings[0].Kind)
	assert.Equal(t, "C1", warnings[0].CustomerID)

	// Credits were scaled back so the journey's mass is 1.0.
	assert.InDelta(t, 1.0, report.TotalCredit(), 1e-9)
}

func TestAggregateNonConvertingMustSumToZero(t *testing.T) {
	j := domain.Journey{
		CustomerID: "C1",
		Converted:  false,
		Touchpoints: []domain.TouchpointEvent{
			{CustomerID: "C1", Channel: "Google", Timestamp: base, EventType: domain.EventClick},
		},
	}
	scores := []domain.TouchpointScore{
		{CustomerID: "C1", Channel: "Google", Timestamp: base, Credit: 0.4},
	}

	report, warnings := New().Aggregate(RunInput{
		RunID:    "run1",
		Journeys: []domain.Journey{j},
		Results:  []domain.ChunkResult{{ChunkID: "c1", Status: domain.ChunkSuccess, Scores: scores}},
	})

	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0].Message, "non-converting")
	// Not normalized: the drifted credit still lands in the report.
	assert.InDelta(t, 0.4, report.TotalCredit(), 1e-9)
}

func TestAggregateDerivedMetrics(t *testing.T) {
	j := convertedJourney("C1", 200, "Google", "Google")

	report, _ := New().Aggregate(RunInput{
		RunID:        "run1",
		Journeys:     []domain.Journey{j},
		ChannelCosts: map[string]float64{"Google": 50},
		Results:      []domain.ChunkResult{{ChunkID: "c1", Status: domain.ChunkSuccess, Scores: evenScores(j)}},
	})

	require.Len(t, report.Rows, 1)
	row := report.Rows[0]
	assert.InDelta(t, 50.0, row.Cost, 1e-9)
	assert.InDelta(t, 50.0, row.CostPerOrder, 1e-9)      // cost / total credit (1.0)
	assert.InDelta(t, 4.0, row.ReturnOnAdCost, 1e-9)     // 200 revenue / 50 cost
	assert.False(t, math.IsInf(row.CostPerOrder, 0))
}

func TestAggregateZeroDivisionYieldsZero(t *testing.T) {
	j := convertedJourney("C1", 100, "Google")

	report, _ := New().Aggregate(RunInput{
		RunID:    "run1",
		Journeys: []domain.Journey{j},
		// No cost data for the channel.
		Results: []domain.ChunkResult{{ChunkID: "c1", Status: domain.ChunkSuccess, Scores: evenScores(j)}},
	})

	require.Len(t, report.Rows, 1)
	assert.Equal(t, 0.0, report.Rows[0].ReturnOnAdCost)
}

func TestAggregateUnmatchedScoreWarns(t *testing.T) {
	j := convertedJourney("C1", 100, "Google")
	stray := domain.TouchpointScore{
		CustomerID: "C9",
		Channel:    "FB",
		Timestamp:  base,
		Credit:     0.5,
	}

	report, warnings := New().Aggregate(RunInput{
		RunID:    "run1",
		Journeys: []domain.Journey{j},
		Results: []domain.ChunkResult{{
			ChunkID: "c1",
			Status:  domain.ChunkSuccess,
			Scores:  append(evenScores(j), stray),
		}},
	})

	require.Len(t, warnings, 1)
	assert.Equal(t, "C9", warnings[0].CustomerID)
	assert.Equal(t, "c1", warnings[0].ChunkID)
	// The stray score is excluded from the report.
	assert.InDelta(t, 1.0, report.TotalCredit(), 1e-9)
}

func TestWriteCSV(t *testing.T) {
	j := convertedJourney("C1", 100, "Google", "FB")
	report, _ := New().Aggregate(RunInput{
		RunID:        "run1",
		Journeys:     []domain.Journey{j},
		ChannelCosts: map[string]float64{"Google": 10, "FB": 5},
		Results:      []domain.ChunkResult{{ChunkID: "c1", Status: domain.ChunkSuccess, Scores: evenScores(j)}},
	})

	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, report))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "channel,total_credit,"))
	// Rows come out in sorted channel order.
	assert.True(t, strings.HasPrefix(lines[1], "FB,"))
	assert.True(t, strings.HasPrefix(lines[2], "Google,"))
}

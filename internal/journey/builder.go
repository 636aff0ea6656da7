// Package journey turns a flat, time-ordered stream of touchpoint events
// into discrete per-customer journeys bounded by conversions and
// session-timeout gaps.
package journey

import (
	"sort"
	"time"

	"github.com/ignite/attribution-pipeline/internal/domain"
)

// Builder groups raw touchpoint events into journeys. A journey ends at a
// conversion event (inclusive) or when the gap to the next event exceeds
// the session timeout (exclusive boundary; the next event starts a new
// journey).
type Builder struct {
	sessionTimeout    time.Duration
	whitelist         map[string]struct{}
	dedupe            bool
	keepNonConverting bool
}

// Options configures a Builder.
type Options struct {
	SessionTimeout time.Duration
	// ChannelWhitelist restricts accepted channels. Empty means all
	// channels are accepted.
	ChannelWhitelist []string
	// DedupeDuplicates drops repeated (customer, channel, timestamp)
	// events before grouping; the first occurrence wins.
	DedupeDuplicates bool
	// KeepNonConverting emits journeys that did not convert by window
	// close instead of dropping them.
	KeepNonConverting bool
}

// Result carries the built journeys plus the anomalies found on the way.
// Duplicates and invalid events are reported, not fatal; the caller decides
// whether the invalid fraction is acceptable.
type Result struct {
	Journeys   []domain.Journey
	Duplicates []domain.TouchpointEvent
	Invalid    []InvalidEvent
}

// InvalidEvent pairs a rejected event with the validation error explaining
// the rejection.
type InvalidEvent struct {
	Event domain.TouchpointEvent
	Err   *domain.ValidationError
}

// NewBuilder creates a journey builder.
func NewBuilder(opts Options) *Builder {
	b := &Builder{
		sessionTimeout:    opts.SessionTimeout,
		dedupe:            opts.DedupeDuplicates,
		keepNonConverting: opts.KeepNonConverting,
	}
	if b.sessionTimeout <= 0 {
		b.sessionTimeout = 30 * time.Minute
	}
	if len(opts.ChannelWhitelist) > 0 {
		b.whitelist = make(map[string]struct{}, len(opts.ChannelWhitelist))
		for _, ch := range opts.ChannelWhitelist {
			b.whitelist[ch] = struct{}{}
		}
	}
	return b
}

// Build groups events into journeys that end within [windowStart, windowEnd].
// The input may span a lookback before windowStart to capture in-progress
// journeys; journeys ending before the window are discarded as belonging to
// earlier runs. Events are grouped in an explicit pass producing immutable
// Journey values, so downstream stages can process them concurrently.
func (b *Builder) Build(events []domain.TouchpointEvent, windowStart, windowEnd time.Time) Result {
	var res Result

	valid := make([]domain.TouchpointEvent, 0, len(events))
	for _, ev := range events {
		if verr := b.validate(ev); verr != nil {
			res.Invalid = append(res.Invalid, InvalidEvent{Event: ev, Err: verr})
			continue
		}
		valid = append(valid, ev)
	}

	if b.dedupe {
		seen := make(map[string]struct{}, len(valid))
		deduped := valid[:0]
		for _, ev := range valid {
			key := ev.DedupeKey()
			if _, dup := seen[key]; dup {
				res.Duplicates = append(res.Duplicates, ev)
				continue
			}
			seen[key] = struct{}{}
			deduped = append(deduped, ev)
		}
		valid = deduped
	}

	// Group by customer, preserving time order within each group.
	groups := make(map[string][]domain.TouchpointEvent)
	customers := make([]string, 0)
	for _, ev := range valid {
		if _, ok := groups[ev.CustomerID]; !ok {
			customers = append(customers, ev.CustomerID)
		}
		groups[ev.CustomerID] = append(groups[ev.CustomerID], ev)
	}
	sort.Strings(customers)

	for _, customer := range customers {
		group := groups[customer]
		sort.SliceStable(group, func(i, j int) bool {
			return group[i].Timestamp.Before(group[j].Timestamp)
		})
		for _, j := range b.walk(group) {
			if !j.End().Before(windowStart) && !j.End().After(windowEnd) {
				if j.Converted || b.keepNonConverting {
					res.Journeys = append(res.Journeys, j)
				}
			}
		}
	}

	return res
}

// walk scans one customer's time-ordered events and cuts journeys at
// conversion and session-timeout boundaries.
func (b *Builder) walk(events []domain.TouchpointEvent) []domain.Journey {
	var journeys []domain.Journey
	var current []domain.TouchpointEvent

	flush := func() {
		if len(current) == 0 {
			return
		}
		last := current[len(current)-1]
		journeys = append(journeys, domain.Journey{
			CustomerID:  last.CustomerID,
			Touchpoints: current,
			Converted:   last.EventType == domain.EventConversion,
		})
		current = nil
	}

	for _, ev := range events {
		if len(current) > 0 {
			prev := current[len(current)-1]
			if prev.EventType == domain.EventConversion ||
				ev.Timestamp.Sub(prev.Timestamp) > b.sessionTimeout {
				flush()
			}
		}
		current = append(current, ev)
	}
	flush()

	return journeys
}

func (b *Builder) validate(ev domain.TouchpointEvent) *domain.ValidationError {
	if !ev.EventType.Valid() {
		return &domain.ValidationError{
			CustomerID: ev.CustomerID,
			Channel:    ev.Channel,
			Reason:     "unknown event type " + string(ev.EventType),
		}
	}
	if ev.Timestamp.IsZero() {
		return &domain.ValidationError{
			CustomerID: ev.CustomerID,
			Channel:    ev.Channel,
			Reason:     "missing timestamp",
		}
	}
	if b.whitelist != nil {
		if _, ok := b.whitelist[ev.Channel]; !ok {
			return &domain.ValidationError{
				CustomerID: ev.CustomerID,
				Channel:    ev.Channel,
				Reason:     "channel not in whitelist",
			}
		}
	}
	return nil
}

package domain

import (
	"fmt"
	"time"
)

// EventType enumerates the kinds of touchpoint events.
type EventType string

const (
	EventImpression EventType = "impression"
	EventClick      EventType = "click"
	EventConversion EventType = "conversion"
)

// Valid reports whether the event type is one of the known kinds.
func (t EventType) Valid() bool {
	switch t {
	case EventImpression, EventClick, EventConversion:
		return true
	}
	return false
}

// TouchpointEvent is a single raw marketing touchpoint for one customer.
// Events are immutable once read from storage. Ordering key is
// (customer_id, timestamp).
type TouchpointEvent struct {
	CustomerID string             `json:"customer_id"`
	Channel    string             `json:"channel"`
	Timestamp  time.Time          `json:"timestamp"`
	EventType  EventType          `json:"event_type"`
	Attributes map[string]float64 `json:"attributes,omitempty"`
}

// Revenue returns the revenue attribute carried by conversion events,
// or 0 when absent.
func (e TouchpointEvent) Revenue() float64 {
	return e.Attributes["revenue"]
}

// DedupeKey identifies an event for duplicate detection: two events with
// the same customer, channel, and timestamp are considered the same event.
func (e TouchpointEvent) DedupeKey() string {
	return fmt.Sprintf("%s|%s|%d", e.CustomerID, e.Channel, e.Timestamp.UnixNano())
}

// Journey is an ordered touchpoint sequence for one customer, bounded by a
// conversion (inclusive, always last) or a session-timeout gap. Journeys are
// built fresh per run and never mutated after construction.
type Journey struct {
	CustomerID  string            `json:"customer_id"`
	Touchpoints []TouchpointEvent `json:"touchpoints"`
	Converted   bool              `json:"converted"`
}

// ID returns a run-stable journey identifier. Customers can have several
// journeys per run, so the first touchpoint's timestamp disambiguates.
func (j Journey) ID() string {
	if len(j.Touchpoints) == 0 {
		return j.CustomerID
	}
	return fmt.Sprintf("%s/%d", j.CustomerID, j.Touchpoints[0].Timestamp.UnixNano())
}

// Start returns the timestamp of the first touchpoint.
func (j Journey) Start() time.Time {
	if len(j.Touchpoints) == 0 {
		return time.Time{}
	}
	return j.Touchpoints[0].Timestamp
}

// End returns the timestamp of the last touchpoint.
func (j Journey) End() time.Time {
	if len(j.Touchpoints) == 0 {
		return time.Time{}
	}
	return j.Touchpoints[len(j.Touchpoints)-1].Timestamp
}

// Revenue returns the revenue of the terminal conversion, or 0 for
// non-converting journeys.
func (j Journey) Revenue() float64 {
	if !j.Converted || len(j.Touchpoints) == 0 {
		return 0
	}
	return j.Touchpoints[len(j.Touchpoints)-1].Revenue()
}

// Contains reports whether ts falls inside the journey's time span.
// Used to match returned scores back to the journey they belong to.
func (j Journey) Contains(ts time.Time) bool {
	return !ts.Before(j.Start()) && !ts.After(j.End())
}

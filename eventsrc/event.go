package eventsrc

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// AggregateType defines the type of an aggregate (e.g., "accounts").
type AggregateType string

// Event is the interface that all domain events must implement.
type Event interface {
	EventType() string
}

// TaggedEvent is an event emitted by a command handler together with an
// optional tag. Tagged events can be queried as a subsequence of the ledger
// with EvtLog.EventsByTag.
type TaggedEvent struct {
	Event Event
	Tag   string
}

// WithTag attaches tag to evt.
func WithTag(evt Event, tag string) TaggedEvent {
	return TaggedEvent{Event: evt, Tag: tag}
}

// Untagged wraps evt without a tag.
func Untagged(evt Event) TaggedEvent {
	return TaggedEvent{Event: evt}
}

// Record is the persisted form of an event as stored in the ledger and the outbox.
type Record struct {
	EventID       uuid.UUID       `json:"event_id"`
	AggregateID   uuid.UUID       `json:"aggregate_id"`
	AggregateType AggregateType   `json:"aggregate_type"`
	EventType     string          `json:"event_type"`
	Tag           string          `json:"tag,omitempty"`
	Payload       json.RawMessage `json:"payload"`
	// Version is the 1-based position of the event within its aggregate's history.
	Version int `json:"version"`
	// Position is the 1-based global ledger position, assigned on append.
	Position uint64    `json:"position"`
	Ts       time.Time `json:"ts"`
}

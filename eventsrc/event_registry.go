package eventsrc

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventFactory is a function that creates a new, empty instance of an event.
// It must return a pointer so the payload can be unmarshaled into it.
type EventFactory func() Event

var (
	eventRegistry = make(map[string]EventFactory)
	mu            sync.RWMutex
)

// RegisterEvent associates an event type name with a factory function.
// It should be called during application initialization (e.g., in an init() function).
// This function will panic if an event type is registered more than once.
func RegisterEvent(eventType string, factory EventFactory) {
	mu.Lock()
	defer mu.Unlock()

	if _, ok := eventRegistry[eventType]; ok {
		panic(fmt.Sprintf("event type '%s' is already registered", eventType))
	}
	eventRegistry[eventType] = factory
}

// CreateEvent instantiates an event given its type name.
// It returns an error if the event type has not been registered.
func CreateEvent(eventType string) (Event, error) {
	mu.RLock()
	defer mu.RUnlock()

	factory, ok := eventRegistry[eventType]
	if !ok {
		return nil, fmt.Errorf("event type '%s' is not registered", eventType)
	}

	return factory(), nil
}

// EncodeEvent turns a tagged event into a ledger record for the given aggregate.
// Position is left to the ledger.
func EncodeEvent(
	aggType AggregateType,
	aggID uuid.UUID,
	version int,
	evt TaggedEvent,
) (Record, error) {
	payload, err := json.Marshal(evt.Event)
	if err != nil {
		return Record{}, fmt.Errorf("failed to marshal event %s: %w", evt.Event.EventType(), err)
	}
	return Record{
		EventID:       uuid.New(),
		AggregateID:   aggID,
		AggregateType: aggType,
		EventType:     evt.Event.EventType(),
		Tag:           evt.Tag,
		Payload:       payload,
		Version:       version,
		Ts:            time.Now().UTC(),
	}, nil
}

// DecodeEvent restores the domain event held by rec using the registry.
func DecodeEvent(rec Record) (Event, error) {
	evt, err := CreateEvent(rec.EventType)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(rec.Payload, evt); err != nil {
		return nil, fmt.Errorf("failed to unmarshal event payload of type %s: %w", rec.EventType, err)
	}
	return evt, nil
}

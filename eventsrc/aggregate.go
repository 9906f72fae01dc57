package eventsrc

import "fmt"

// Aggregate is the interface that event-sourced aggregates must implement.
// C is the command type, S the (snapshottable) state type.
//
// HandleCmd validates a command against the current state and returns the
// events to persist; it must not change the state. HandleEvt folds a persisted
// event into the state and reports whether the resulting state should be
// stored as a snapshot.
type Aggregate[C any, S any] interface {
	// AggregateType returns the type of the aggregate (e.g., "accounts").
	AggregateType() AggregateType
	// HandleCmd turns a command into events or rejects it with an error.
	HandleCmd(cmd C) ([]TaggedEvent, error)
	// HandleEvt applies an event to the aggregate, changing its state.
	// An event that cannot be applied to the current state is an integrity
	// fault and must panic.
	HandleEvt(evt Event) (snapshot S, ok bool)
	// State returns the current state.
	State() S
	// SetState replaces the state, e.g. when restoring from a snapshot.
	SetState(state S)
}

// IntegrityError is the panic value for an event that cannot be applied to
// the current state of an aggregate.
type IntegrityError struct {
	State string
	Event Event
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("illegal event %s in state %s", e.Event.EventType(), e.State)
}

package eventsrc

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
)

// ErrConcurrency is returned when an event store operation fails due to
// a version mismatch, indicating a concurrent modification.
type ErrConcurrency struct {
	Msg string
}

func (e ErrConcurrency) Error() string {
	return e.Msg
}

// RecordHandler is invoked for every record delivered by a subscription.
type RecordHandler func(ctx context.Context, rec Record) error

// EvtLog is the append-only event ledger.
type EvtLog interface {
	// Append persists records for a single aggregate. expectedVersion is the
	// version of the last event already persisted for that aggregate (0 if
	// none); if the ledger holds a different version, ErrConcurrency is returned
	// and nothing is written. The records' versions must continue from
	// expectedVersion without gaps.
	Append(ctx context.Context, records []Record, expectedVersion int) error

	// Load returns the events of an aggregate with a version greater than
	// afterVersion, ordered by version.
	Load(ctx context.Context, aggregateID uuid.UUID, afterVersion int) ([]Record, error)

	// EventsByTag delivers, in ledger order, every record carrying tag whose
	// position is greater than afterPosition. It first catches up with the
	// recorded history and then keeps delivering newly appended records.
	// It blocks until ctx is done, fn returns an error, or the ledger fails.
	EventsByTag(ctx context.Context, tag string, afterPosition uint64, fn RecordHandler) error
}

// Snapshot is a materialized aggregate state at a given version.
type Snapshot struct {
	AggregateID   uuid.UUID
	AggregateType AggregateType
	Version       int
	Payload       json.RawMessage
}

// SnapshotStore persists aggregate snapshots.
type SnapshotStore interface {
	// SaveSnapshot stores a snapshot. Storing the same version twice is not an error.
	SaveSnapshot(ctx context.Context, snapshot Snapshot) error
	// LoadSnapshot returns the latest snapshot of an aggregate, or nil if there is none.
	LoadSnapshot(ctx context.Context, aggregateID uuid.UUID) (*Snapshot, error)
}

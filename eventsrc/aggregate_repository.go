package eventsrc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
)

// Repository rehydrates event-sourced aggregates from a snapshot store and an event log.
type Repository[C any, S any] struct {
	evtLog    EvtLog
	snapshots SnapshotStore
}

// NewRepository creates a new generic repository for a specific aggregate type.
func NewRepository[C any, S any](evtLog EvtLog, snapshots SnapshotStore) *Repository[C, S] {
	return &Repository[C, S]{
		evtLog:    evtLog,
		snapshots: snapshots,
	}
}

// Load restores the state of aggregate from the latest snapshot of id and the
// events recorded after it. It returns the version of the last applied event.
func (r *Repository[C, S]) Load(ctx context.Context, id uuid.UUID, aggregate Aggregate[C, S]) (version int, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: aggregate %s: %v", ErrEntityTerminated, id, p)
		}
	}()

	// 1. If a snapshot exists, unmarshal it into the aggregate state first.
	snapshot, err := r.snapshots.LoadSnapshot(ctx, id)
	if err != nil {
		return 0, fmt.Errorf("failed to load snapshot for aggregate %s: %w", id, err)
	}
	if snapshot != nil {
		var state S
		if err := json.Unmarshal(snapshot.Payload, &state); err != nil {
			slog.ErrorContext(ctx, "Failed to unmarshal snapshot, cannot load aggregate", "aggregateID", id, "error", err)
			return 0, fmt.Errorf("failed to unmarshal snapshot for aggregate %s: %w", id, err)
		}
		aggregate.SetState(state)
		version = snapshot.Version
	}

	// 2. Apply the remaining events from history. This will bring the aggregate
	// to its most recent state. Snapshot requests are ignored while replaying.
	history, err := r.evtLog.Load(ctx, id, version)
	if err != nil {
		return 0, fmt.Errorf("failed to load events for aggregate %s: %w", id, err)
	}
	for _, rec := range history {
		evt, err := DecodeEvent(rec)
		if err != nil {
			return 0, fmt.Errorf("failed to decode event %s of aggregate %s: %w", rec.EventID, id, err)
		}
		aggregate.HandleEvt(evt)
		version = rec.Version
	}

	slog.DebugContext(ctx, "Aggregate loaded", "aggregateID", id, "version", version, "fromSnapshot", snapshot != nil)
	return version, nil
}

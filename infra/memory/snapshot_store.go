package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/0m3kk/eventbank/eventsrc"
)

// SnapshotStore keeps the latest snapshot of every aggregate in memory.
type SnapshotStore struct {
	mu        sync.RWMutex
	snapshots map[uuid.UUID]eventsrc.Snapshot
}

var _ eventsrc.SnapshotStore = (*SnapshotStore)(nil)

func NewSnapshotStore() *SnapshotStore {
	return &SnapshotStore{snapshots: make(map[uuid.UUID]eventsrc.Snapshot)}
}

// SaveSnapshot keeps snapshot unless a newer one is already stored.
func (s *SnapshotStore) SaveSnapshot(_ context.Context, snapshot eventsrc.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if current, ok := s.snapshots[snapshot.AggregateID]; ok && current.Version > snapshot.Version {
		return nil
	}
	s.snapshots[snapshot.AggregateID] = snapshot
	return nil
}

func (s *SnapshotStore) LoadSnapshot(_ context.Context, aggregateID uuid.UUID) (*eventsrc.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshot, ok := s.snapshots[aggregateID]
	if !ok {
		return nil, nil
	}
	return &snapshot, nil
}

package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/0m3kk/eventbank/eventsrc"
)

// SnapshotStore implements eventsrc.SnapshotStore on the snapshots table.
type SnapshotStore struct {
	db *DB
}

var _ eventsrc.SnapshotStore = (*SnapshotStore)(nil)

func NewSnapshotStore(db *DB) *SnapshotStore {
	return &SnapshotStore{db: db}
}

func (s *SnapshotStore) SaveSnapshot(ctx context.Context, snapshot eventsrc.Snapshot) error {
	query := `
        INSERT INTO snapshots (aggregate_id, aggregate_type, aggregate_version, payload)
        VALUES ($1, $2, $3, $4)
        ON CONFLICT (aggregate_id, aggregate_version) DO NOTHING
    `
	_, err := s.db.conn(ctx).Exec(ctx, query,
		snapshot.AggregateID,
		string(snapshot.AggregateType),
		snapshot.Version,
		[]byte(snapshot.Payload),
	)
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

func (s *SnapshotStore) LoadSnapshot(ctx context.Context, aggregateID uuid.UUID) (*eventsrc.Snapshot, error) {
	query := `
        SELECT aggregate_type, aggregate_version, payload
        FROM snapshots
        WHERE aggregate_id = $1
        ORDER BY aggregate_version DESC
        LIMIT 1
    `
	var (
		aggregateType string
		version       int
		payload       []byte
	)
	err := s.db.conn(ctx).QueryRow(ctx, query, aggregateID).Scan(&aggregateType, &version, &payload)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil // No snapshot found, not an error
		}
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}
	return &eventsrc.Snapshot{
		AggregateID:   aggregateID,
		AggregateType: eventsrc.AggregateType(aggregateType),
		Version:       version,
		Payload:       payload,
	}, nil
}

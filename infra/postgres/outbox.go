package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/0m3kk/eventbank/eventsrc"
)

// OutboxStore implements the outbox.Store interface for PostgreSQL.
type OutboxStore struct {
	db *DB
}

func NewOutboxStore(db *DB) *OutboxStore {
	return &OutboxStore{db: db}
}

// ProcessOutboxBatch handles the entire lifecycle of fetching, processing,
// and marking outbox records as published within a single transaction.
func (s *OutboxStore) ProcessOutboxBatch(
	ctx context.Context,
	batchSize int,
	processFunc func(ctx context.Context, records []eventsrc.Record) error,
) error {
	return s.db.WithTransaction(ctx, func(txCtx context.Context) error {
		tx := s.db.conn(txCtx)

		// 1. Fetch and lock a batch; other relays skip the locked rows.
		records, err := fetchAndLockUnpublished(txCtx, tx, batchSize)
		if err != nil {
			return fmt.Errorf("failed to fetch and lock records: %w", err)
		}
		if len(records) == 0 {
			return nil
		}

		// 2. An error here rolls the batch back, so it is retried later.
		if err := processFunc(txCtx, records); err != nil {
			return fmt.Errorf("record processing function failed: %w", err)
		}

		// 3. Mark as published; committed with the batch.
		if err := markAsPublished(txCtx, tx, records); err != nil {
			return fmt.Errorf("failed to mark records as published: %w", err)
		}
		return nil
	})
}

func fetchAndLockUnpublished(ctx context.Context, tx querier, batchSize int) ([]eventsrc.Record, error) {
	query := `
        SELECT ` + recordColumns + `
        FROM outbox
        WHERE published = FALSE
        ORDER BY position
        LIMIT $1
        FOR UPDATE SKIP LOCKED
    `
	rows, err := tx.Query(ctx, query, batchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox: %w", err)
	}
	return pgx.CollectRows(rows, scanRecord)
}

func markAsPublished(ctx context.Context, tx querier, records []eventsrc.Record) error {
	eventIDs := make([]uuid.UUID, len(records))
	for i, rec := range records {
		eventIDs[i] = rec.EventID
	}

	cmdTag, err := tx.Exec(ctx, `UPDATE outbox SET published = TRUE WHERE event_id = ANY($1)`, eventIDs)
	if err != nil {
		return fmt.Errorf("failed to execute update for marking records as published: %w", err)
	}

	if cmdTag.RowsAffected() != int64(len(eventIDs)) {
		return fmt.Errorf(
			"consistency error: expected to mark %d records, but marked %d",
			len(eventIDs),
			cmdTag.RowsAffected(),
		)
	}
	return nil
}

// SaveRecords writes records to the outbox. It must run within a
// transaction opened by DB.WithTransaction.
func (s *OutboxStore) SaveRecords(ctx context.Context, records []eventsrc.Record) error {
	tx, ok := ctx.Value(txKey{}).(pgx.Tx)
	if !ok {
		return fmt.Errorf("SaveRecords must be called within a transaction")
	}

	b := &pgx.Batch{}
	stmt := `
        INSERT INTO outbox (event_id, aggregate_id, aggregate_type, event_type, tag, payload, version, position, ts)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
    `
	for _, rec := range records {
		b.Queue(
			stmt,
			rec.EventID,
			rec.AggregateID,
			string(rec.AggregateType),
			rec.EventType,
			nullable(rec.Tag),
			[]byte(rec.Payload),
			rec.Version,
			int64(rec.Position),
			rec.Ts,
		)
	}

	br := tx.SendBatch(ctx, b)
	defer br.Close()

	for i := range records {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("failed to insert record #%d into outbox batch: %w", i+1, err)
		}
	}

	return br.Close()
}

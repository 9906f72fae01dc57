package postgres

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/0m3kk/eventbank/eventsrc"
)

// appendLockKey is the advisory lock taken by every append. Appends are
// serialized so that positions become visible in increasing order, which
// lets tag subscriptions poll by position without skipping rows.
const appendLockKey = 0x65766e74

const recordColumns = `position, event_id, aggregate_id, aggregate_type, event_type, COALESCE(tag, ''), payload, version, ts`

// Ledger implements eventsrc.EvtLog on PostgreSQL.
type Ledger struct {
	db           *DB
	outbox       *OutboxStore
	pollInterval time.Duration
	batchSize    int
}

var _ eventsrc.EvtLog = (*Ledger)(nil)

// LedgerOption configures a Ledger.
type LedgerOption func(*Ledger)

// WithOutbox makes every append also write its records to the outbox, in
// the same transaction.
func WithOutbox(outbox *OutboxStore) LedgerOption {
	return func(l *Ledger) {
		l.outbox = outbox
	}
}

// WithPollInterval sets how often tag subscriptions look for new records.
func WithPollInterval(d time.Duration) LedgerOption {
	return func(l *Ledger) {
		l.pollInterval = d
	}
}

// WithBatchSize sets how many records a tag subscription reads per query.
func WithBatchSize(n int) LedgerOption {
	return func(l *Ledger) {
		l.batchSize = n
	}
}

// NewLedger creates a new PostgreSQL event ledger.
func NewLedger(db *DB, opts ...LedgerOption) *Ledger {
	l := &Ledger{
		db:           db,
		pollInterval: 500 * time.Millisecond,
		batchSize:    100,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Ledger) Append(ctx context.Context, records []eventsrc.Record, expectedVersion int) error {
	if len(records) == 0 {
		return nil
	}
	aggregateID := records[0].AggregateID
	stored := slices.Clone(records)

	return l.db.WithTransaction(ctx, func(txCtx context.Context) error {
		tx := l.db.conn(txCtx)

		if _, err := tx.Exec(txCtx, `SELECT pg_advisory_xact_lock($1)`, int64(appendLockKey)); err != nil {
			return fmt.Errorf("failed to lock ledger: %w", err)
		}

		var current int
		err := tx.QueryRow(txCtx, `SELECT COALESCE(MAX(version), 0) FROM events WHERE aggregate_id = $1`, aggregateID).
			Scan(&current)
		if err != nil {
			return fmt.Errorf("failed to read version of aggregate %s: %w", aggregateID, err)
		}
		if current != expectedVersion {
			return eventsrc.ErrConcurrency{
				Msg: fmt.Sprintf("concurrency error: aggregate %s is at version %d, expected %d", aggregateID, current, expectedVersion),
			}
		}

		if err := insertRecords(txCtx, tx, stored); err != nil {
			return err
		}

		if l.outbox != nil {
			if err := l.outbox.SaveRecords(txCtx, stored); err != nil {
				return err
			}
		}
		return nil
	})
}

func insertRecords(ctx context.Context, tx querier, records []eventsrc.Record) error {
	b := &pgx.Batch{}
	stmt := `
        INSERT INTO events (event_id, aggregate_id, aggregate_type, event_type, tag, payload, version, ts)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
        RETURNING position
    `
	for _, rec := range records {
		b.Queue(stmt,
			rec.EventID,
			rec.AggregateID,
			string(rec.AggregateType),
			rec.EventType,
			nullable(rec.Tag),
			[]byte(rec.Payload),
			rec.Version,
			rec.Ts,
		)
	}

	br := tx.SendBatch(ctx, b)
	defer br.Close()

	for i := range records {
		var position int64
		if err := br.QueryRow().Scan(&position); err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" { // unique_violation
				return eventsrc.ErrConcurrency{Msg: fmt.Sprintf("concurrency error: %s", err.Error())}
			}
			return fmt.Errorf("failed to insert event %s: %w", records[i].EventID, err)
		}
		records[i].Position = uint64(position)
	}
	return br.Close()
}

func (l *Ledger) Load(ctx context.Context, aggregateID uuid.UUID, afterVersion int) ([]eventsrc.Record, error) {
	query := `
        SELECT ` + recordColumns + `
        FROM events
        WHERE aggregate_id = $1 AND version > $2
        ORDER BY version ASC
    `
	rows, err := l.db.conn(ctx).Query(ctx, query, aggregateID, afterVersion)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	return pgx.CollectRows(rows, scanRecord)
}

// EventsByTag polls the ledger for records carrying tag.
func (l *Ledger) EventsByTag(ctx context.Context, tag string, afterPosition uint64, fn eventsrc.RecordHandler) error {
	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()

	position := afterPosition
	for {
		batch, err := l.tagged(ctx, tag, position)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		for _, rec := range batch {
			if err := fn(ctx, rec); err != nil {
				return err
			}
			position = rec.Position
		}
		if len(batch) == l.batchSize {
			continue
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (l *Ledger) tagged(ctx context.Context, tag string, afterPosition uint64) ([]eventsrc.Record, error) {
	query := `
        SELECT ` + recordColumns + `
        FROM events
        WHERE tag = $1 AND position > $2
        ORDER BY position ASC
        LIMIT $3
    `
	rows, err := l.db.conn(ctx).Query(ctx, query, tag, int64(afterPosition), l.batchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to query events tagged %s: %w", tag, err)
	}
	return pgx.CollectRows(rows, scanRecord)
}

func scanRecord(row pgx.CollectableRow) (eventsrc.Record, error) {
	var (
		rec           eventsrc.Record
		position      int64
		aggregateType string
		payload       []byte
	)
	err := row.Scan(
		&position,
		&rec.EventID,
		&rec.AggregateID,
		&aggregateType,
		&rec.EventType,
		&rec.Tag,
		&payload,
		&rec.Version,
		&rec.Ts,
	)
	if err != nil {
		return eventsrc.Record{}, fmt.Errorf("failed to scan event row: %w", err)
	}
	rec.Position = uint64(position)
	rec.AggregateType = eventsrc.AggregateType(aggregateType)
	rec.Payload = payload
	return rec, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

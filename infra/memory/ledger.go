package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/0m3kk/eventbank/eventsrc"
)

// Ledger is an in-process eventsrc.EvtLog. Records are kept in append order;
// the position of a record is its 1-based index.
type Ledger struct {
	mu       sync.Mutex
	records  []eventsrc.Record
	versions map[uuid.UUID]int
	// changed is closed and replaced on every append to wake subscribers.
	changed chan struct{}
}

var _ eventsrc.EvtLog = (*Ledger)(nil)

func NewLedger() *Ledger {
	return &Ledger{
		versions: make(map[uuid.UUID]int),
		changed:  make(chan struct{}),
	}
}

func (l *Ledger) Append(ctx context.Context, records []eventsrc.Record, expectedVersion int) error {
	if len(records) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	aggregateID := records[0].AggregateID
	if current := l.versions[aggregateID]; current != expectedVersion {
		return eventsrc.ErrConcurrency{
			Msg: fmt.Sprintf("aggregate %s is at version %d, expected %d", aggregateID, current, expectedVersion),
		}
	}
	for i, rec := range records {
		if rec.AggregateID != aggregateID {
			return fmt.Errorf("append spans aggregates %s and %s", aggregateID, rec.AggregateID)
		}
		if rec.Version != expectedVersion+i+1 {
			return fmt.Errorf("record %s has version %d, want %d", rec.EventID, rec.Version, expectedVersion+i+1)
		}
	}

	for _, rec := range records {
		rec.Position = uint64(len(l.records) + 1)
		l.records = append(l.records, rec)
	}
	l.versions[aggregateID] = expectedVersion + len(records)

	close(l.changed)
	l.changed = make(chan struct{})
	return nil
}

func (l *Ledger) Load(ctx context.Context, aggregateID uuid.UUID, afterVersion int) ([]eventsrc.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var history []eventsrc.Record
	for _, rec := range l.records {
		if rec.AggregateID == aggregateID && rec.Version > afterVersion {
			history = append(history, rec)
		}
	}
	return history, nil
}

func (l *Ledger) EventsByTag(ctx context.Context, tag string, afterPosition uint64, fn eventsrc.RecordHandler) error {
	position := afterPosition
	for {
		batch, scanned, changed := l.tagged(tag, position)
		for _, rec := range batch {
			if err := fn(ctx, rec); err != nil {
				return err
			}
		}
		if scanned > position {
			position = scanned
			continue
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// tagged returns the records carrying tag after position, the position of
// the last record scanned, and the channel that is closed on the next append.
func (l *Ledger) tagged(tag string, position uint64) ([]eventsrc.Record, uint64, <-chan struct{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	scanned := uint64(len(l.records))
	if position >= scanned {
		return nil, position, l.changed
	}
	var batch []eventsrc.Record
	for _, rec := range l.records[position:] {
		if rec.Tag == tag {
			batch = append(batch, rec)
		}
	}
	return batch, scanned, l.changed
}

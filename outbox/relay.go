package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/0m3kk/eventbank/eventsrc"
	"github.com/0m3kk/eventbank/msgbus"
)

// Store defines the interface for interacting with the outbox storage.
// It abstracts the transactional behavior of processing a batch.
type Store interface {
	// ProcessOutboxBatch fetches a batch of unpublished records, processes them using the provided function,
	// and marks them as published, all within a single transaction.
	// If processFunc returns an error, the entire transaction is rolled back.
	ProcessOutboxBatch(
		ctx context.Context,
		batchSize int,
		processFunc func(ctx context.Context, records []eventsrc.Record) error,
	) error
}

// TopicMapper maps an aggregate type to a message bus topic. An empty topic
// means records of that type are not published.
type TopicMapper func(aggregateType eventsrc.AggregateType) string

// Relay is a background worker that polls the outbox and publishes records.
type Relay struct {
	store       Store
	broker      msgbus.Broker
	topicMapper TopicMapper
	batchSize   int
	interval    time.Duration
	wg          sync.WaitGroup
	quit        chan struct{}
	stopOnce    sync.Once
}

// NewRelay creates a new Relay instance.
// It can be run with multiple instances for scalability.
func NewRelay(store Store, broker msgbus.Broker, mapper TopicMapper, batchSize int, interval time.Duration) *Relay {
	return &Relay{
		store:       store,
		broker:      broker,
		topicMapper: mapper,
		batchSize:   batchSize,
		interval:    interval,
		quit:        make(chan struct{}),
	}
}

// Start begins the relay's polling process in a separate goroutine.
func (r *Relay) Start(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		slog.InfoContext(ctx, "Outbox relay started")
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				r.drain(ctx)
			case <-r.quit:
				slog.InfoContext(ctx, "Outbox relay shutting down")
				return
			case <-ctx.Done():
				slog.InfoContext(ctx, "Context cancelled, outbox relay shutting down")
				return
			}
		}
	}()
}

// drain processes batches until the outbox has no full batch left.
func (r *Relay) drain(ctx context.Context) {
	for {
		n, err := r.processBatch(ctx)
		if err != nil {
			slog.ErrorContext(ctx, "Failed to process outbox batch", "error", err)
			return
		}
		if n < r.batchSize {
			return
		}
		select {
		case <-r.quit:
			return
		case <-ctx.Done():
			return
		default:
		}
	}
}

// processBatch publishes one batch of outbox records inside the store's
// transaction and returns the size of the batch.
func (r *Relay) processBatch(ctx context.Context) (int, error) {
	fetched := 0
	processor := func(ctx context.Context, records []eventsrc.Record) error {
		fetched = len(records)
		slog.DebugContext(ctx, "Processing fetched records", "count", fetched)

		published := 0
		for _, rec := range records {
			topic := r.topicMapper(rec.AggregateType)
			if topic == "" {
				slog.WarnContext(ctx, "No topic mapped for aggregate type, skipping",
					"aggregateType", rec.AggregateType, "eventID", rec.EventID)
				continue
			}

			// Returning an error here will cause the transaction to be rolled back.
			if err := r.broker.Publish(ctx, topic, rec); err != nil {
				return fmt.Errorf("failed to publish record %s to topic %s: %w", rec.EventID, topic, err)
			}
			published++
		}
		slog.InfoContext(ctx, "Successfully published records to broker", "count", published)
		return nil
	}

	if err := r.store.ProcessOutboxBatch(ctx, r.batchSize, processor); err != nil {
		return 0, err
	}
	return fetched, nil
}

// Stop gracefully stops the relay. It may be called more than once.
func (r *Relay) Stop() {
	r.stopOnce.Do(func() { close(r.quit) })
	r.wg.Wait()
}

package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/0m3kk/eventbank/eventsrc"
	"github.com/0m3kk/eventbank/msgbus"
)

// Broker publishes ledger records to NATS JetStream. Each topic is a stream
// whose subjects are "<topic>.<aggregateID>".
type Broker struct {
	conn *nats.Conn
	js   nats.JetStreamContext

	mu      sync.Mutex
	streams map[string]bool
}

var _ msgbus.Broker = (*Broker)(nil)

// NewBroker connects to the NATS server at url.
func NewBroker(url string) (*Broker, error) {
	nc, err := nats.Connect(
		url,
		nats.Name("eventbank"),
		nats.Timeout(10*time.Second),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	return &Broker{conn: nc, js: js, streams: make(map[string]bool)}, nil
}

// Publish sends rec to the stream of topic, creating the stream on first use.
func (b *Broker) Publish(ctx context.Context, topic string, rec eventsrc.Record) error {
	if err := b.ensureStream(ctx, topic); err != nil {
		return err
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	// Example subject: accounts.0190b6f2-7a7e-7b2a-8f3b-5e4e2a1e0b5e
	subject := fmt.Sprintf("%s.%s", topic, rec.AggregateID.String())

	// The event ID doubles as the JetStream message ID, so a batch that is
	// published again after a rollback is deduplicated by the server.
	_, err = b.js.Publish(subject, data, nats.Context(ctx), nats.MsgId(rec.EventID.String()))
	if err != nil {
		return fmt.Errorf("failed to publish record to NATS: %w", err)
	}

	slog.DebugContext(ctx, "Record published successfully", "topic", topic, "subject", subject, "eventID", rec.EventID)
	return nil
}

func (b *Broker) ensureStream(ctx context.Context, topic string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.streams[topic] {
		return nil
	}

	_, err := b.js.StreamInfo(topic, nats.Context(ctx))
	if errors.Is(err, nats.ErrStreamNotFound) {
		slog.InfoContext(ctx, "Stream not found, creating it", "stream", topic)
		_, err = b.js.AddStream(&nats.StreamConfig{
			Name:     topic,
			Subjects: []string{fmt.Sprintf("%s.*", topic)},
		}, nats.Context(ctx))
		if err != nil {
			return fmt.Errorf("failed to create stream %s: %w", topic, err)
		}
	} else if err != nil {
		return fmt.Errorf("failed to get stream info for %s: %w", topic, err)
	}

	b.streams[topic] = true
	return nil
}

// Close drains and closes the NATS connection.
func (b *Broker) Close() {
	if b.conn != nil {
		if err := b.conn.Drain(); err != nil {
			b.conn.Close()
		}
	}
}

package msgbus

import (
	"context"

	"github.com/0m3kk/eventbank/eventsrc"
)

// Broker defines the interface for a message broker used to publish ledger records.
type Broker interface {
	// Publish sends a record to a specific topic.
	Publish(ctx context.Context, topic string, rec eventsrc.Record) error
	// Close gracefully shuts down the broker connection.
	Close()
}

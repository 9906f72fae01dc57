package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/0m3kk/eventbank/bank/domain/account"
	"github.com/0m3kk/eventbank/cqrs"
	"github.com/0m3kk/eventbank/eventsrc"
)

// AccountIDs is the in-memory set of created account IDs. It is fed by a
// projection over the account lifecycle events and is eventually consistent
// with accepted Create commands.
type AccountIDs struct {
	mu         sync.RWMutex
	ids        map[uuid.UUID]struct{}
	projection *cqrs.Projection
}

// NewAccountIDs starts the projection from the beginning of the ledger. The
// returned channel is closed if the projection terminates; the set then no
// longer follows the ledger.
func NewAccountIDs(
	ctx context.Context,
	subscriber cqrs.Subscriber,
	opts ...cqrs.ProjectionOption,
) (*AccountIDs, <-chan struct{}) {
	a := &AccountIDs{ids: make(map[uuid.UUID]struct{})}
	a.projection = cqrs.NewProjection("account-ids", account.LifecycleTag, subscriber, a.handle, opts...)
	return a, a.projection.Start(ctx)
}

func (a *AccountIDs) handle(ctx context.Context, rec eventsrc.Record) error {
	if rec.EventType != account.CreatedEventType {
		return nil
	}

	evt, err := eventsrc.DecodeEvent(rec)
	if err != nil {
		return fmt.Errorf("failed to decode event %s: %w", rec.EventID, err)
	}
	created, ok := evt.(*account.Created)
	if !ok {
		return fmt.Errorf("event %s is a %T, not an account creation", rec.EventID, evt)
	}

	a.mu.Lock()
	a.ids[created.ID] = struct{}{}
	a.mu.Unlock()

	slog.DebugContext(ctx, "Account ID projected", "accountID", created.ID, "position", rec.Position)
	return nil
}

// Contains reports whether an account with id has been created.
func (a *AccountIDs) Contains(id uuid.UUID) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.ids[id]
	return ok
}

// Len returns the number of known accounts.
func (a *AccountIDs) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.ids)
}

// Err reports why the projection terminated.
func (a *AccountIDs) Err() error {
	return a.projection.Err()
}

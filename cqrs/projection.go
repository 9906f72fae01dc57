package cqrs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/0m3kk/eventbank/eventsrc"
)

// ErrSubscriptionEnded is reported when a subscription returns without error
// although it is expected to run until cancelled.
var ErrSubscriptionEnded = errors.New("subscription ended")

// Subscriber delivers the tagged subsequence of a ledger. eventsrc.EvtLog
// satisfies it.
type Subscriber interface {
	EventsByTag(ctx context.Context, tag string, afterPosition uint64, fn eventsrc.RecordHandler) error
}

// ProjectionHandler folds one record into a read model.
type ProjectionHandler func(ctx context.Context, rec eventsrc.Record) error

// Projection keeps a read model up to date with the records carrying a tag.
// It subscribes from a position, catches up, then follows the ledger. A
// failed subscription is resumed after the last handled record with
// exponential backoff; once the backoff budget is spent, or the handler
// fails, the projection terminates.
type Projection struct {
	name           string
	tag            string
	subscriber     Subscriber
	handler        ProjectionHandler
	maxElapsedTime time.Duration
	newBackOff     func() backoff.BackOff
	position       uint64

	mu  sync.Mutex
	err error
}

// ProjectionOption is a function that configures a Projection.
type ProjectionOption func(*Projection)

// WithMaxElapsedTime is an option to provide a custom backoff max elapsed time.
func WithMaxElapsedTime(maxElapsedTime time.Duration) ProjectionOption {
	return func(p *Projection) {
		p.maxElapsedTime = maxElapsedTime
	}
}

// WithBackOff replaces the default exponential backoff between resubscriptions.
func WithBackOff(newBackOff func() backoff.BackOff) ProjectionOption {
	return func(p *Projection) {
		p.newBackOff = newBackOff
	}
}

// WithAfterPosition starts the projection after the given ledger position
// instead of from the beginning.
func WithAfterPosition(position uint64) ProjectionOption {
	return func(p *Projection) {
		p.position = position
	}
}

// NewProjection creates a projection named name over the records tagged tag.
func NewProjection(
	name string,
	tag string,
	subscriber Subscriber,
	handler ProjectionHandler,
	opts ...ProjectionOption,
) *Projection {
	p := &Projection{
		name:           name,
		tag:            tag,
		subscriber:     subscriber,
		handler:        handler,
		maxElapsedTime: 1 * time.Minute, // Set default
		newBackOff: func() backoff.BackOff {
			return backoff.NewExponentialBackOff()
		},
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Start runs the projection in the background until ctx is done or it fails
// permanently. The returned channel is closed when the projection has
// terminated; Err then reports why. Start must be called once.
func (p *Projection) Start(ctx context.Context) <-chan struct{} {
	terminated := make(chan struct{})
	go func() {
		defer close(terminated)

		err := p.run(ctx)
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()

		if ctx.Err() != nil {
			slog.InfoContext(ctx, "Projection stopped", "projection", p.name, "position", p.position)
			return
		}
		slog.ErrorContext(ctx, "Projection terminated", "projection", p.name, "position", p.position, "error", err)
	}()
	return terminated
}

// Err returns the cause of termination once the channel returned by Start is
// closed.
func (p *Projection) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// handlerError marks a failure of the projection handler, which is never retried.
type handlerError struct {
	position uint64
	err      error
}

func (e *handlerError) Error() string {
	return fmt.Sprintf("handler failed at position %d: %v", e.position, e.err)
}

func (e *handlerError) Unwrap() error { return e.err }

// progressError ends a retry round after records were delivered, so the next
// round gets a fresh backoff budget.
type progressError struct {
	err error
}

func (e *progressError) Error() string { return e.err.Error() }
func (e *progressError) Unwrap() error { return e.err }

func (p *Projection) run(ctx context.Context) error {
	for {
		_, err := backoff.Retry(ctx, func() (struct{}, error) {
			return struct{}{}, p.subscribe(ctx)
		}, backoff.WithBackOff(p.newBackOff()), backoff.WithMaxElapsedTime(p.maxElapsedTime))

		var progress *progressError
		if errors.As(err, &progress) {
			slog.WarnContext(ctx, "Projection subscription interrupted, resubscribing",
				"projection", p.name, "position", p.position, "error", progress.err)
			continue
		}
		if err == nil {
			err = ErrSubscriptionEnded
		}
		return err
	}
}

// subscribe runs one subscription from the current position.
func (p *Projection) subscribe(ctx context.Context) error {
	from := p.position
	err := p.subscriber.EventsByTag(ctx, p.tag, from, func(ctx context.Context, rec eventsrc.Record) error {
		if err := p.handler(ctx, rec); err != nil {
			return &handlerError{position: rec.Position, err: err}
		}
		p.position = rec.Position
		return nil
	})

	var hErr *handlerError
	switch {
	case errors.As(err, &hErr):
		return backoff.Permanent(hErr)
	case ctx.Err() != nil:
		return backoff.Permanent(ctx.Err())
	case err == nil:
		err = ErrSubscriptionEnded
	}

	if p.position > from {
		return backoff.Permanent(&progressError{err: err})
	}
	slog.WarnContext(ctx, "Projection subscription failed", "projection", p.name, "position", p.position, "error", err)
	return err
}

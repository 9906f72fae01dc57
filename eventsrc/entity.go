package eventsrc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

var (
	// ErrCommandRejected wraps the business error of a command the aggregate refused.
	ErrCommandRejected = errors.New("command rejected")
	// ErrEntityStopped is returned when dispatching to an entity that has been stopped,
	// e.g. after it was evicted from a cache. The command has not been applied.
	ErrEntityStopped = errors.New("entity stopped")
	// ErrEntityTerminated is returned when an entity died because of an
	// integrity fault or a concurrent modification of its history.
	ErrEntityTerminated = errors.New("entity terminated")
)

// RejectedError is returned for a command the aggregate refused. It matches
// ErrCommandRejected and the aggregate's own error.
type RejectedError struct {
	Err error
}

func (e *RejectedError) Error() string {
	return ErrCommandRejected.Error() + ": " + e.Err.Error()
}

func (e *RejectedError) Unwrap() []error {
	return []error{ErrCommandRejected, e.Err}
}

// SpawnOptions configures a spawned entity.
type SpawnOptions struct {
	// CmdBuffer is the number of commands that may be queued for the entity.
	CmdBuffer int
}

type reply[S any] struct {
	state S
	err   error
}

type message[C any, S any] struct {
	ctx   context.Context
	cmd   C
	query bool
	reply chan reply[S]
}

// EntityRef is the handle to a running entity. All commands sent through it
// are applied one at a time, in the order they were accepted.
type EntityRef[C any, S any] struct {
	id   uuid.UUID
	msgs chan message[C, S]
	quit chan struct{}
	done chan struct{}

	mu       sync.Mutex
	inflight int
	stopping bool
	quitOnce sync.Once
	cause    error // set before done is closed
}

// Spawn restores the aggregate identified by id and starts an entity that owns it.
func Spawn[C any, S any](
	ctx context.Context,
	id uuid.UUID,
	aggregate Aggregate[C, S],
	opts SpawnOptions,
	evtLog EvtLog,
	snapshots SnapshotStore,
) (*EntityRef[C, S], error) {
	if opts.CmdBuffer < 1 {
		return nil, fmt.Errorf("command buffer must be positive, got %d", opts.CmdBuffer)
	}

	version, err := NewRepository[C, S](evtLog, snapshots).Load(ctx, id, aggregate)
	if err != nil {
		return nil, fmt.Errorf("failed to spawn entity %s: %w", id, err)
	}

	ref := &EntityRef[C, S]{
		id:   id,
		msgs: make(chan message[C, S], opts.CmdBuffer),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	e := &entity[C, S]{
		id:        id,
		aggregate: aggregate,
		version:   version,
		evtLog:    evtLog,
		snapshots: snapshots,
		ref:       ref,
	}
	go e.run()

	return ref, nil
}

// ID returns the identifier of the aggregate owned by the entity.
func (r *EntityRef[C, S]) ID() uuid.UUID { return r.id }

// Done is closed once the entity has exited.
func (r *EntityRef[C, S]) Done() <-chan struct{} { return r.done }

// Terminated reports whether the entity has exited.
func (r *EntityRef[C, S]) Terminated() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// HandleCmd submits cmd and waits until it has been processed. A command the
// aggregate rejects yields a *RejectedError.
//
// If ctx is done before the result is available, ctx.Err() is returned but an
// accepted command is still processed.
func (r *EntityRef[C, S]) HandleCmd(ctx context.Context, cmd C) error {
	_, err := r.send(ctx, message[C, S]{cmd: cmd})
	return err
}

// State returns the state of the aggregate once all previously accepted
// commands have been processed.
func (r *EntityRef[C, S]) State(ctx context.Context) (S, error) {
	return r.send(ctx, message[C, S]{query: true})
}

// Stop makes the entity refuse new dispatches. Dispatches already in flight
// are completed before the entity exits.
func (r *EntityRef[C, S]) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stopping = true
	if r.inflight == 0 {
		r.closeQuit()
	}
}

func (r *EntityRef[C, S]) send(ctx context.Context, msg message[C, S]) (S, error) {
	var zero S
	if !r.acquire() {
		return zero, ErrEntityStopped
	}
	defer r.release()

	msg.ctx = ctx
	msg.reply = make(chan reply[S], 1)

	select {
	case r.msgs <- msg:
	case <-r.done:
		return zero, r.terminationCause()
	case <-ctx.Done():
		return zero, ctx.Err()
	}

	select {
	case rep := <-msg.reply:
		return rep.state, rep.err
	case <-r.done:
		select {
		case rep := <-msg.reply:
			return rep.state, rep.err
		default:
			return zero, r.terminationCause()
		}
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func (r *EntityRef[C, S]) acquire() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopping {
		return false
	}
	r.inflight++
	return true
}

func (r *EntityRef[C, S]) release() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.inflight--
	if r.stopping && r.inflight == 0 {
		r.closeQuit()
	}
}

func (r *EntityRef[C, S]) closeQuit() {
	r.quitOnce.Do(func() { close(r.quit) })
}

func (r *EntityRef[C, S]) terminationCause() error {
	if r.cause != nil {
		return r.cause
	}
	return ErrEntityStopped
}

// entity is the single owner of an aggregate instance.
type entity[C any, S any] struct {
	id        uuid.UUID
	aggregate Aggregate[C, S]
	version   int
	evtLog    EvtLog
	snapshots SnapshotStore
	ref       *EntityRef[C, S]
}

func (e *entity[C, S]) run() {
	defer close(e.ref.done)
	defer func() {
		if p := recover(); p != nil {
			e.ref.cause = fmt.Errorf("%w: aggregate %s: %v", ErrEntityTerminated, e.id, p)
			slog.Error("Entity terminated by integrity fault", "aggregateID", e.id, "error", e.ref.cause)
		}
	}()

	for {
		select {
		case msg := <-e.ref.msgs:
			if !e.handle(msg) {
				return
			}
		case <-e.ref.quit:
			// No new dispatches can arrive; process what is already queued.
			for {
				select {
				case msg := <-e.ref.msgs:
					if !e.handle(msg) {
						return
					}
				default:
					slog.Debug("Entity stopped", "aggregateID", e.id, "version", e.version)
					return
				}
			}
		}
	}
}

// handle processes one message and reports whether the entity may continue.
func (e *entity[C, S]) handle(msg message[C, S]) bool {
	if msg.query {
		msg.reply <- reply[S]{state: e.aggregate.State()}
		return true
	}

	// The caller may give up waiting; the command is still carried through.
	ctx := context.WithoutCancel(msg.ctx)
	fatal, err := e.handleCmd(ctx, msg.cmd)
	if fatal {
		e.ref.cause = err
		slog.ErrorContext(ctx, "Entity terminated", "aggregateID", e.id, "error", err)
	}
	msg.reply <- reply[S]{err: err}
	return !fatal
}

func (e *entity[C, S]) handleCmd(ctx context.Context, cmd C) (fatal bool, err error) {
	events, err := e.aggregate.HandleCmd(cmd)
	if err != nil {
		return false, &RejectedError{Err: err}
	}
	if len(events) == 0 {
		return false, nil
	}

	records := make([]Record, 0, len(events))
	for i, evt := range events {
		rec, err := EncodeEvent(e.aggregate.AggregateType(), e.id, e.version+i+1, evt)
		if err != nil {
			return false, err
		}
		records = append(records, rec)
	}

	if err := e.evtLog.Append(ctx, records, e.version); err != nil {
		var concErr ErrConcurrency
		if errors.As(err, &concErr) {
			// The in-memory state is stale; a fresh instance must be restored.
			return true, fmt.Errorf("%w: aggregate %s: %w", ErrEntityTerminated, e.id, err)
		}
		return false, fmt.Errorf("failed to append events of aggregate %s: %w", e.id, err)
	}

	for i, evt := range events {
		state, takeSnapshot := e.aggregate.HandleEvt(evt.Event)
		e.version = records[i].Version
		if takeSnapshot {
			e.saveSnapshot(ctx, state)
		}
	}
	return false, nil
}

func (e *entity[C, S]) saveSnapshot(ctx context.Context, state S) {
	payload, err := json.Marshal(state)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to marshal snapshot", "aggregateID", e.id, "error", err)
		return
	}

	snapshot := Snapshot{
		AggregateID:   e.id,
		AggregateType: e.aggregate.AggregateType(),
		Version:       e.version,
		Payload:       payload,
	}
	if err := e.snapshots.SaveSnapshot(ctx, snapshot); err != nil {
		slog.ErrorContext(ctx, "Failed to save snapshot", "aggregateID", e.id, "error", err)
		return
	}
	slog.InfoContext(ctx, "Snapshot saved successfully", "aggregateID", e.id, "version", e.version)
}

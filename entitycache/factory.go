package entitycache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/0m3kk/eventbank/eventsrc"
)

// ErrFactoryClosed is returned by Get once the factory has shut down.
var ErrFactoryClosed = errors.New("entity factory closed")

// Config bounds the factory.
type Config struct {
	// CacheCapacity is the maximum number of resident entities.
	CacheCapacity int
	// CacheBuffer is the number of Get calls that may be queued.
	CacheBuffer int
}

func (c Config) validate() error {
	if c.CacheCapacity < 1 {
		return fmt.Errorf("cache capacity must be positive, got %d", c.CacheCapacity)
	}
	if c.CacheBuffer < 1 {
		return fmt.Errorf("cache buffer must be positive, got %d", c.CacheBuffer)
	}
	return nil
}

// SpawnFunc starts the entity for id, typically with eventsrc.Spawn.
type SpawnFunc[C any, S any] func(ctx context.Context, id uuid.UUID) (*eventsrc.EntityRef[C, S], error)

type result[C any, S any] struct {
	ref *eventsrc.EntityRef[C, S]
	err error
}

type request[C any, S any] struct {
	id    uuid.UUID
	reply chan result[C, S]
}

type spawned[C any, S any] struct {
	id uuid.UUID
	result[C, S]
}

// Factory hands out running entities, keeping at most one live entity per
// id and at most CacheCapacity resident entities. Entities evicted from the
// cache are stopped.
//
// Every hit-or-miss decision is taken by a single goroutine; spawning happens
// off that goroutine, and concurrent misses for the same id share one spawn.
// A miss for an evicted entity that is still finishing its in-flight commands
// waits until that entity has exited.
type Factory[C any, S any] struct {
	spawn    SpawnFunc[C, S]
	requests chan request[C, S]
	spawned  chan spawned[C, S]
	drained  chan uuid.UUID
	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	// draining is owned by the run goroutine.
	draining map[uuid.UUID]*eventsrc.EntityRef[C, S]
}

// New starts a factory. It runs until ctx is done or Close is called; ctx is
// also passed to spawn.
func New[C any, S any](ctx context.Context, cfg Config, spawn SpawnFunc[C, S]) (*Factory[C, S], error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	f := &Factory[C, S]{
		spawn:    spawn,
		requests: make(chan request[C, S], cfg.CacheBuffer),
		spawned:  make(chan spawned[C, S]),
		drained:  make(chan uuid.UUID),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		draining: make(map[uuid.UUID]*eventsrc.EntityRef[C, S]),
	}

	cache, err := simplelru.NewLRU[uuid.UUID, *eventsrc.EntityRef[C, S]](cfg.CacheCapacity, f.evict)
	if err != nil {
		return nil, fmt.Errorf("failed to create entity cache: %w", err)
	}
	go f.run(ctx, cache)

	return f, nil
}

// Get returns the running entity for id, spawning it if needed.
func (f *Factory[C, S]) Get(ctx context.Context, id uuid.UUID) (*eventsrc.EntityRef[C, S], error) {
	req := request[C, S]{id: id, reply: make(chan result[C, S], 1)}

	select {
	case f.requests <- req:
	case <-f.done:
		return nil, ErrFactoryClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case res := <-req.reply:
		return res.ref, res.err
	case <-f.done:
		select {
		case res := <-req.reply:
			return res.ref, res.err
		default:
			return nil, ErrFactoryClosed
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops the factory and every resident entity.
func (f *Factory[C, S]) Close() {
	f.stopOnce.Do(func() { close(f.quit) })
	<-f.done
}

func (f *Factory[C, S]) run(ctx context.Context, cache *simplelru.LRU[uuid.UUID, *eventsrc.EntityRef[C, S]]) {
	pending := make(map[uuid.UUID][]chan result[C, S])

	defer close(f.done)
	defer func() {
		cache.Purge()
		for _, waiters := range pending {
			for _, reply := range waiters {
				reply <- result[C, S]{err: ErrFactoryClosed}
			}
		}
	}()

	for {
		select {
		case req := <-f.requests:
			if ref, ok := cache.Get(req.id); ok {
				if !ref.Terminated() {
					req.reply <- result[C, S]{ref: ref}
					continue
				}
				slog.WarnContext(ctx, "Replacing terminated entity", "aggregateID", req.id)
				cache.Remove(req.id)
			}

			if waiters, ok := pending[req.id]; ok {
				pending[req.id] = append(waiters, req.reply)
				continue
			}
			pending[req.id] = []chan result[C, S]{req.reply}
			if _, ok := f.draining[req.id]; ok {
				slog.DebugContext(ctx, "Waiting for evicted entity to stop", "aggregateID", req.id)
				continue
			}
			go f.spawnEntity(ctx, req.id)

		case id := <-f.drained:
			delete(f.draining, id)
			if _, ok := pending[id]; ok {
				go f.spawnEntity(ctx, id)
			}

		case sp := <-f.spawned:
			waiters := pending[sp.id]
			delete(pending, sp.id)
			if sp.err != nil {
				slog.ErrorContext(ctx, "Failed to spawn entity", "aggregateID", sp.id, "error", sp.err)
			} else {
				cache.Add(sp.id, sp.ref)
			}
			for _, reply := range waiters {
				reply <- sp.result
			}

		case <-f.quit:
			return
		case <-ctx.Done():
			return
		}
	}
}

// evict is called by the cache on the run goroutine. An entity with commands
// still in flight is tracked until it exits.
func (f *Factory[C, S]) evict(id uuid.UUID, ref *eventsrc.EntityRef[C, S]) {
	slog.Debug("Evicting entity", "aggregateID", id)
	ref.Stop()
	if ref.Terminated() {
		return
	}

	f.draining[id] = ref
	go func() {
		select {
		case <-ref.Done():
		case <-f.done:
			return
		}
		select {
		case f.drained <- id:
		case <-f.done:
		}
	}()
}

func (f *Factory[C, S]) spawnEntity(ctx context.Context, id uuid.UUID) {
	ref, err := f.spawn(ctx, id)
	if err != nil {
		err = fmt.Errorf("failed to get entity %s: %w", id, err)
	}

	select {
	case f.spawned <- spawned[C, S]{id: id, result: result[C, S]{ref: ref, err: err}}:
	case <-f.done:
		if ref != nil {
			ref.Stop()
		}
	}
}

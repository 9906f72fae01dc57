package app

import (
	"context"

	"github.com/google/uuid"

	"github.com/0m3kk/eventbank/bank/domain/account"
	"github.com/0m3kk/eventbank/entitycache"
	"github.com/0m3kk/eventbank/eventsrc"
)

type (
	AccountRef     = eventsrc.EntityRef[account.Cmd, account.State]
	AccountFactory = entitycache.Factory[account.Cmd, account.State]
)

// FactoryConfig sizes the account factory.
type FactoryConfig struct {
	CacheCapacity   int
	CacheBuffer     int
	EntityCmdBuffer int
	// EntitySnapshotAfter is the snapshot cadence in events; 0 disables snapshots.
	EntitySnapshotAfter uint64
}

// NewAccountFactory returns a factory restoring accounts from evtLog and snapshots.
func NewAccountFactory(
	ctx context.Context,
	cfg FactoryConfig,
	evtLog eventsrc.EvtLog,
	snapshots eventsrc.SnapshotStore,
) (*AccountFactory, error) {
	spawn := func(ctx context.Context, id uuid.UUID) (*AccountRef, error) {
		return eventsrc.Spawn[account.Cmd, account.State](
			ctx,
			id,
			account.New().WithSnapshotAfter(cfg.EntitySnapshotAfter),
			eventsrc.SpawnOptions{CmdBuffer: cfg.EntityCmdBuffer},
			evtLog,
			snapshots,
		)
	}

	return entitycache.New[account.Cmd, account.State](ctx, entitycache.Config{
		CacheCapacity: cfg.CacheCapacity,
		CacheBuffer:   cfg.CacheBuffer,
	}, spawn)
}

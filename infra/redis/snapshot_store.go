package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/0m3kk/eventbank/eventsrc"
)

// saveIfNewer stores the snapshot hash unless a snapshot with a higher
// version is already stored.
var saveIfNewer = goredis.NewScript(`
local current = redis.call('HGET', KEYS[1], 'version')
if current and tonumber(current) > tonumber(ARGV[1]) then
  return 0
end
redis.call('HSET', KEYS[1], 'version', ARGV[1], 'type', ARGV[2], 'payload', ARGV[3])
return 1
`)

// SnapshotStore keeps the latest snapshot of each aggregate in a Redis hash.
type SnapshotStore struct {
	client goredis.UniversalClient
	prefix string
}

var _ eventsrc.SnapshotStore = (*SnapshotStore)(nil)

// NewSnapshotStore stores snapshots under keys "<prefix>:<aggregateID>".
func NewSnapshotStore(client goredis.UniversalClient, prefix string) *SnapshotStore {
	return &SnapshotStore{client: client, prefix: prefix}
}

func (s *SnapshotStore) key(aggregateID uuid.UUID) string {
	return s.prefix + ":" + aggregateID.String()
}

func (s *SnapshotStore) SaveSnapshot(ctx context.Context, snapshot eventsrc.Snapshot) error {
	err := saveIfNewer.Run(ctx, s.client,
		[]string{s.key(snapshot.AggregateID)},
		snapshot.Version,
		string(snapshot.AggregateType),
		[]byte(snapshot.Payload),
	).Err()
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

func (s *SnapshotStore) LoadSnapshot(ctx context.Context, aggregateID uuid.UUID) (*eventsrc.Snapshot, error) {
	fields, err := s.client.HGetAll(ctx, s.key(aggregateID)).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	version, err := strconv.Atoi(fields["version"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse snapshot version of aggregate %s: %w", aggregateID, err)
	}
	return &eventsrc.Snapshot{
		AggregateID:   aggregateID,
		AggregateType: eventsrc.AggregateType(fields["type"]),
		Version:       version,
		Payload:       []byte(fields["payload"]),
	}, nil
}

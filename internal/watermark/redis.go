package watermark

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/chainsight-systems/chainsight-pipeline/internal/models"
)

// Watermark fields stored in a Redis hash per partition.
const (
	fieldCommittedOffset    = "committed_offset"
	fieldCommittedEventTime = "committed_event_time"
	fieldCheckpointTime     = "checkpoint_time"
)

// casScript compares the stored committed offset against the expected one and
// applies the new watermark atomically. ARGV[1] is the expected offset ("-1"
// when no watermark may exist yet).
var casScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'committed_offset')
if (not cur and ARGV[1] == '-1') or (cur and cur == ARGV[1]) then
	redis.call('HSET', KEYS[1],
		'committed_offset', ARGV[2],
		'committed_event_time', ARGV[3],
		'checkpoint_time', ARGV[4])
	return 1
end
return 0
`)

// RedisStore implements Store on a Redis hash per partition.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, addr, password string, db int, keyPrefix string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return &RedisStore{client: client, keyPrefix: keyPrefix}, nil
}

// NewRedisStoreWithClient wraps an existing client; the caller keeps
// ownership.
func NewRedisStoreWithClient(client *redis.Client, keyPrefix string) *RedisStore {
	return &RedisStore{client: client, keyPrefix: keyPrefix}
}

// Close releases the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) key(partitionID string) string {
	return s.keyPrefix + partitionID
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, partitionID string) (*models.Watermark, error) {
	fields, err := s.client.HGetAll(ctx, s.key(partitionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get watermark for partition %s: %w", partitionID, err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}

	offset, err := strconv.ParseUint(fields[fieldCommittedOffset], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse committed offset for partition %s: %w", partitionID, err)
	}
	eventTime, err := time.Parse(time.RFC3339Nano, fields[fieldCommittedEventTime])
	if err != nil {
		return nil, fmt.Errorf("parse committed event time for partition %s: %w", partitionID, err)
	}
	checkpointTime, err := time.Parse(time.RFC3339Nano, fields[fieldCheckpointTime])
	if err != nil {
		return nil, fmt.Errorf("parse checkpoint time for partition %s: %w", partitionID, err)
	}

	return &models.Watermark{
		PartitionID:        partitionID,
		CommittedOffset:    offset,
		CommittedEventTime: eventTime,
		CheckpointTime:     checkpointTime,
	}, nil
}

// CompareAndSet implements Store.
func (s *RedisStore) CompareAndSet(ctx context.Context, expectedOffset int64, wm models.Watermark) (bool, error) {
	res, err := casScript.Run(ctx, s.client,
		[]string{s.key(wm.PartitionID)},
		strconv.FormatInt(expectedOffset, 10),
		strconv.FormatUint(wm.CommittedOffset, 10),
		wm.CommittedEventTime.UTC().Format(time.RFC3339Nano),
		wm.CheckpointTime.UTC().Format(time.RFC3339Nano),
	).Int()
	if err != nil {
		return false, fmt.Errorf("compare-and-set watermark for partition %s: %w", wm.PartitionID, err)
	}
	return res == 1, nil
}

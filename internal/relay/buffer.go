package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	redisclient "github.com/openclaw/session-relay-go/internal/redis"
)

// EventQueue is the durable buffer bridging a connection's local memory and
// the archival pipeline. Implementations must serialize concurrent appends
// to the same group and make DrainBatch atomic per batch.
type EventQueue interface {
	Append(ctx context.Context, key GroupKey, batch [][]byte) error
	DrainBatch(ctx context.Context, key GroupKey, max int64) ([][]byte, error)
	RequeueFront(ctx context.Context, key GroupKey, batch [][]byte) error
}

// drainScript removes and returns up to ARGV[1] events from the head of the
// queue in one atomic step, so a batch is never read twice.
var drainScript = redis.NewScript(`
local items = redis.call('LRANGE', KEYS[1], 0, tonumber(ARGV[1]) - 1)
if #items > 0 then
    redis.call('LTRIM', KEYS[1], #items, -1)
end
return items
`)

// RedisQueue implements EventQueue on Redis lists, one list per group key.
type RedisQueue struct {
	client *redisclient.Client
	ttl    time.Duration
}

func NewRedisQueue(client *redisclient.Client, ttl time.Duration) *RedisQueue {
	return &RedisQueue{client: client, ttl: ttl}
}

func (q *RedisQueue) queueKey(key GroupKey) string {
	return redisclient.EventQueueKey(key.ChannelType, key.OrgToken, key.EndUserID, key.SessionID)
}

func (q *RedisQueue) Append(ctx context.Context, key GroupKey, batch [][]byte) error {
	if len(batch) == 0 {
		return nil
	}

	values := make([]interface{}, len(batch))
	for i, b := range batch {
		values[i] = b
	}

	pipe := q.client.TxPipeline()
	pipe.RPush(ctx, q.queueKey(key), values...)
	pipe.Expire(ctx, q.queueKey(key), q.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append events: %w", err)
	}
	return nil
}

func (q *RedisQueue) DrainBatch(ctx context.Context, key GroupKey, max int64) ([][]byte, error) {
	items, err := drainScript.Run(ctx, q.client, []string{q.queueKey(key)}, max).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("drain events: %w", err)
	}

	batch := make([][]byte, len(items))
	for i, item := range items {
		batch[i] = []byte(item)
	}
	return batch, nil
}

// RequeueFront pushes a drained-but-unarchived batch back to the head of the
// queue, preserving its internal order, so a later recovery pass can retry.
func (q *RedisQueue) RequeueFront(ctx context.Context, key GroupKey, batch [][]byte) error {
	if len(batch) == 0 {
		return nil
	}

	// LPUSH prepends one at a time, so push in reverse to keep order.
	values := make([]interface{}, len(batch))
	for i, b := range batch {
		values[len(batch)-1-i] = b
	}

	pipe := q.client.TxPipeline()
	pipe.LPush(ctx, q.queueKey(key), values...)
	pipe.Expire(ctx, q.queueKey(key), q.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("requeue events: %w", err)
	}
	return nil
}

// Stale scans the event-queue keyspace for queues that have been idle for at
// least minIdle. These are candidates for out-of-band recovery archival.
func (q *RedisQueue) Stale(ctx context.Context, minIdle time.Duration) ([]GroupKey, error) {
	var keys []GroupKey

	iter := q.client.Scan(ctx, 0, redisclient.EventQueuePattern(), 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()

		idle, err := q.client.ObjectIdleTime(ctx, key).Result()
		if err != nil {
			continue
		}
		if idle < minIdle {
			continue
		}

		channelType, orgToken, endUserID, sessionID, ok := redisclient.ParseEventQueueKey(key)
		if !ok {
			continue
		}
		keys = append(keys, GroupKey{
			ChannelType: channelType,
			OrgToken:    orgToken,
			EndUserID:   endUserID,
			SessionID:   sessionID,
		})
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan event queues: %w", err)
	}
	return keys, nil
}

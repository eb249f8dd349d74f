package journal

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"
)

// KeyPrefix namespaces journal keys in Redis
const KeyPrefix = "tbflow:calls:"

// RedisJournal keeps records in one capped Redis list per node
type RedisJournal struct {
	client *redis.Client
	limit  int
}

// NewRedisJournal creates a journal on top of an existing Redis client
func NewRedisJournal(client *redis.Client, limit int) *RedisJournal {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &RedisJournal{client: client, limit: limit}
}

// DialRedis connects to Redis and verifies the connection
func DialRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

func key(nodeID string) string {
	return KeyPrefix + nodeID
}

// Append implements Journal
func (j *RedisJournal) Append(ctx context.Context, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	pipe := j.client.TxPipeline()
	pipe.LPush(ctx, key(rec.NodeID), data)
	pipe.LTrim(ctx, key(rec.NodeID), 0, int64(j.limit-1))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to append record: %w", err)
	}
	return nil
}

// List implements Journal
func (j *RedisJournal) List(ctx context.Context, nodeID string, limit int) ([]Record, error) {
	if limit <= 0 || limit > j.limit {
		limit = j.limit
	}

	items, err := j.client.LRange(ctx, key(nodeID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}

	records := make([]Record, 0, len(items))
	for _, item := range items {
		var rec Record
		if err := json.Unmarshal([]byte(item), &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// Close releases the Redis connection
func (j *RedisJournal) Close() error {
	return j.client.Close()
}

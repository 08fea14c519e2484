package persist

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"coedit/common"
)

// RedisAdapter is a Redis-backed persistence adapter. Each document is a
// hash holding the snapshot content and its update time, tracked in a set
// for enumeration.
type RedisAdapter struct {
	// client is the Redis client. It is owned by the caller.
	client *redis.Client

	// keyPrefix namespaces this deployment's keys.
	keyPrefix string
}

// NewRedisAdapter creates a new Redis adapter on top of an existing client.
func NewRedisAdapter(client *redis.Client, keyPrefix string) *RedisAdapter {
	return &RedisAdapter{
		client:    client,
		keyPrefix: keyPrefix,
	}
}

func (a *RedisAdapter) snapshotKey(key string) string {
	return fmt.Sprintf("%s:doc:%s", a.keyPrefix, key)
}

func (a *RedisAdapter) listKey() string {
	return fmt.Sprintf("%s:docs", a.keyPrefix)
}

// Fetch loads the stored snapshot for the key.
func (a *RedisAdapter) Fetch(ctx context.Context, key string) ([]byte, error) {
	data, err := a.client.HGet(ctx, a.snapshotKey(key), "content").Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, common.ErrSnapshotNotFound{Key: key}
		}
		return nil, fmt.Errorf("failed to fetch snapshot: %w", err)
	}
	return data, nil
}

// Store overwrites the stored snapshot for the key.
func (a *RedisAdapter) Store(ctx context.Context, key string, data []byte) error {
	fields := map[string]interface{}{
		"content":    data,
		"updated_at": time.Now().UTC().Format(time.RFC3339Nano),
	}
	if err := a.client.HSet(ctx, a.snapshotKey(key), fields).Err(); err != nil {
		return fmt.Errorf("failed to store snapshot: %w", err)
	}
	if err := a.client.SAdd(ctx, a.listKey(), key).Err(); err != nil {
		return fmt.Errorf("failed to track document key: %w", err)
	}
	return nil
}

// Close releases the adapter's resources. The Redis client is managed by the
// caller and is not closed here.
func (a *RedisAdapter) Close() error {
	return nil
}

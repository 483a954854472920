package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/willyaranda/notification-next/pkg/push"
)

const (
	operatorKeyPrefix = "operator:"
	scanBatch         = 100
)

// redisClient is the subset of go-redis used by RedisBackend.
type redisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Scan(ctx context.Context, cursor uint64, match string, count int64) *redis.ScanCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisBackend shares cached operators between routing processes. Records
// are JSON under "operator:<mcc>-<mnc>".
type RedisBackend struct {
	client redisClient
	ttl    time.Duration
}

// NewRedisBackend creates a backend over client; ttl of zero means no expiry.
func NewRedisBackend(client redisClient, ttl time.Duration) (*RedisBackend, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}
	return &RedisBackend{client: client, ttl: ttl}, nil
}

func (r *RedisBackend) Get(ctx context.Context, id string) (*push.Operator, bool, error) {
	raw, err := r.client.Get(ctx, operatorKeyPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %s: %w", id, err)
	}
	var op push.Operator
	if err := json.Unmarshal(raw, &op); err != nil {
		return nil, false, fmt.Errorf("corrupt cached operator %s: %w", id, err)
	}
	return &op, true, nil
}

func (r *RedisBackend) Set(ctx context.Context, id string, op push.Operator) error {
	raw, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("failed to marshal operator %s: %w", id, err)
	}
	if err := r.client.Set(ctx, operatorKeyPrefix+id, raw, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", id, err)
	}
	return nil
}

// Reset deletes every operator key using SCAN so it never blocks the server.
func (r *RedisBackend) Reset(ctx context.Context) error {
	var cursor uint64
	for {
		keys, next, err := r.client.Scan(ctx, cursor, operatorKeyPrefix+"*", scanBatch).Result()
		if err != nil {
			return fmt.Errorf("redis scan: %w", err)
		}
		if len(keys) > 0 {
			if err := r.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("redis del: %w", err)
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

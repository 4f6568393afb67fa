package mqworker

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "mqworker:processed:"

// RedisDeduplicator shares processed ids between workers through Redis.
// Entries expire after the TTL.
type RedisDeduplicator struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedisDeduplicator connects to addr and checks the connection.
func NewRedisDeduplicator(ctx context.Context, addr string, ttl time.Duration) (*RedisDeduplicator, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, configError("connect to redis at %s: %v", addr, err)
	}

	return NewRedisDeduplicatorFromClient(client, ttl), nil
}

// NewRedisDeduplicatorFromClient wraps an existing client.
func NewRedisDeduplicatorFromClient(client redis.UniversalClient, ttl time.Duration) *RedisDeduplicator {
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}

	return &RedisDeduplicator{client: client, ttl: ttl}
}

func (d *RedisDeduplicator) IsProcessed(ctx context.Context, messageID string) (bool, error) {
	n, err := d.client.Exists(ctx, redisKeyPrefix+messageID).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists: %w", err)
	}

	return n > 0, nil
}

func (d *RedisDeduplicator) MarkProcessed(ctx context.Context, messageID string) error {
	if err := d.client.Set(ctx, redisKeyPrefix+messageID, time.Now().Unix(), d.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}

	return nil
}

func (d *RedisDeduplicator) Close() error {
	return d.client.Close()
}

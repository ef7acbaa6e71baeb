package ttl

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisClock tracks CVR TTL deadlines in a single Redis sorted set, scored
// by expiry Unix time, mirroring the sorted-set index
// grounding's teacher counterpart tracks group timers: one ZADD per touch,
// ZRANGEBYSCORE to find everything already past deadline, ZREM to drop.
type RedisClock struct {
	client    *redis.Client
	indexKey string
}

// NewRedisClock constructs a clock whose entries live under a single
// sorted-set key, namespace-prefixed so multiple clocks (per client-group,
// or clients vs. queries) can share one Redis instance without collision.
func NewRedisClock(client *redis.Client, namespace string) *RedisClock {
	return &RedisClock{client: client, indexKey: "cvr:ttl:" + namespace}
}

func (c *RedisClock) Touch(ctx context.Context, key string, deadlineUnix int64) error {
	return c.client.ZAdd(ctx, c.indexKey, redis.Z{Score: float64(deadlineUnix), Member: key}).Err()
}

func (c *RedisClock) ExpiresAt(ctx context.Context, key string) (int64, bool, error) {
	score, err := c.client.ZScore(ctx, c.indexKey, key).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("ttl: ZSCORE %s: %w", c.indexKey, err)
	}
	return int64(score), true, nil
}

func (c *RedisClock) Expired(ctx context.Context, now int64) ([]string, error) {
	members, err := c.client.ZRangeByScore(ctx, c.indexKey, &redis.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%d", now),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("ttl: ZRANGEBYSCORE %s: %w", c.indexKey, err)
	}
	return members, nil
}

func (c *RedisClock) Drop(ctx context.Context, key string) error {
	return c.client.ZRem(ctx, c.indexKey, key).Err()
}

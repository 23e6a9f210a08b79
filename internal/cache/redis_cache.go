package cache

import (
	"context"
	"encoding/json"
	"time"

	redis "github.com/redis/go-redis/v9"

	"warungpos/backend/internal/domain"
)

type RedisRankingCache struct {
	client *redis.Client
}

func NewRedisRankingCache(addr string, password string, db int) *RedisRankingCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisRankingCache{client: client}
}

func (c *RedisRankingCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisRankingCache) Close() error {
	return c.client.Close()
}

func (c *RedisRankingCache) Get(ctx context.Context, key string) ([]domain.RankingEntry, bool, error) {
	val, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var entries []domain.RankingEntry
	if err := json.Unmarshal([]byte(val), &entries); err != nil {
		return nil, false, err
	}
	return entries, true, nil
}

func (c *RedisRankingCache) Set(ctx context.Context, key string, value []domain.RankingEntry, ttl time.Duration) error {
	if value == nil {
		value = []domain.RankingEntry{}
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, payload, ttl).Err()
}

// Invalidate drops every cached ranking matching the pattern. Sale
// mutations call this so stale rankings never outlive the TTL after a
// write.
func (c *RedisRankingCache) Invalidate(ctx context.Context, pattern string) error {
	iter := c.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
			return err
		}
	}
	return iter.Err()
}

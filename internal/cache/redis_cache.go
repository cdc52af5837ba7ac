package cache

import (
	"context"
	"encoding/json"
	"time"

	redis "github.com/redis/go-redis/v9"

	"tillpoint/internal/domain"
)

// RedisSnapshotCache shares rate snapshots between server instances. Entries
// carry a TTL from the publisher, and Get additionally rejects snapshots
// whose own timestamp is older than maxAge, since a long-lived Redis key can
// outlast the refresh loop that wrote it.
type RedisSnapshotCache struct {
	client *redis.Client
	maxAge time.Duration
}

func NewRedisSnapshotCache(addr string, password string, db int, maxAge time.Duration) *RedisSnapshotCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisSnapshotCache{client: client, maxAge: maxAge}
}

func (c *RedisSnapshotCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisSnapshotCache) Close() error {
	return c.client.Close()
}

func (c *RedisSnapshotCache) Get(ctx context.Context, key string) (*domain.ExchangeRateSnapshot, bool, error) {
	val, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var snapshot domain.ExchangeRateSnapshot
	if err := json.Unmarshal([]byte(val), &snapshot); err != nil {
		return nil, false, err
	}
	if snapshotExpired(&snapshot, c.maxAge, time.Now().UTC()) {
		return nil, false, nil
	}
	return &snapshot, true, nil
}

func (c *RedisSnapshotCache) Set(ctx context.Context, key string, value *domain.ExchangeRateSnapshot, ttl time.Duration) error {
	// An empty snapshot would only poison readers that fall back to the
	// cache before their first refresh.
	if value == nil || len(value.Rates) == 0 {
		return nil
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, payload, ttl).Err()
}

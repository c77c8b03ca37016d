package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"inkwell/engine/internal/store"
)

var ErrCacheMiss = errors.New("cache miss")

// Cache holds derived snapshots. Entries may be stale or missing at any time.
type Cache interface {
	GetMetadata(ctx context.Context, ref store.ProjectRef) (store.Metadata, error)
	SetMetadata(ctx context.Context, ref store.ProjectRef, m store.Metadata) error
	GetEngagement(ctx context.Context, ref store.ProjectRef) (store.Engagement, error)
	SetEngagement(ctx context.Context, ref store.ProjectRef, e store.Engagement) error
	Ping(ctx context.Context) error
	Close() error
}

const (
	metadataPrefix   = "inkwell:meta:"
	engagementPrefix = "inkwell:engagement:"
	defaultTTL       = 7 * 24 * time.Hour
)

// RedisCache implements Cache on Redis.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisCache(redisURL string) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisCacheWithClient(client), nil
}

func NewRedisCacheWithClient(client *redis.Client) *RedisCache {
	return &RedisCache{
		client: client,
		ttl:    defaultTTL,
	}
}

func (c *RedisCache) get(ctx context.Context, key string, out any) error {
	raw, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrCacheMiss
	}
	if err != nil {
		return fmt.Errorf("redis get %s: %w", key, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

func (c *RedisCache) set(ctx context.Context, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := c.client.Set(ctx, key, raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (c *RedisCache) GetMetadata(ctx context.Context, ref store.ProjectRef) (store.Metadata, error) {
	var m store.Metadata
	err := c.get(ctx, metadataPrefix+ref.Key(), &m)
	return m, err
}

func (c *RedisCache) SetMetadata(ctx context.Context, ref store.ProjectRef, m store.Metadata) error {
	return c.set(ctx, metadataPrefix+ref.Key(), m)
}

func (c *RedisCache) GetEngagement(ctx context.Context, ref store.ProjectRef) (store.Engagement, error) {
	var e store.Engagement
	err := c.get(ctx, engagementPrefix+ref.Key(), &e)
	return e, err
}

func (c *RedisCache) SetEngagement(ctx context.Context, ref store.ProjectRef, e store.Engagement) error {
	return c.set(ctx, engagementPrefix+ref.Key(), e)
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

// NopCache always misses. Used when no Redis URL is configured.
type NopCache struct{}

func (NopCache) GetMetadata(context.Context, store.ProjectRef) (store.Metadata, error) {
	return store.Metadata{}, ErrCacheMiss
}

func (NopCache) SetMetadata(context.Context, store.ProjectRef, store.Metadata) error { return nil }

func (NopCache) GetEngagement(context.Context, store.ProjectRef) (store.Engagement, error) {
	return store.Engagement{}, ErrCacheMiss
}

func (NopCache) SetEngagement(context.Context, store.ProjectRef, store.Engagement) error {
	return nil
}

func (NopCache) Ping(context.Context) error { return nil }

func (NopCache) Close() error { return nil }

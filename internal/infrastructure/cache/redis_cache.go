package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"schemapilot/internal/errs"
	"schemapilot/internal/ports"
)

// RedisCache keeps keys under a shared prefix so several pipelines can share one Redis.
type RedisCache struct {
	client redis.UniversalClient
	prefix string
}

var _ ports.Cache = (*RedisCache)(nil)

func NewRedisCache(client redis.UniversalClient, prefix string) *RedisCache {
	return &RedisCache{client: client, prefix: prefix}
}

func NewRedisClient(ctx context.Context, addr string, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errs.Wrapf(err, "ping redis %s", addr)
	}
	return client, nil
}

func (c *RedisCache) Get(ctx context.Context, key string) (string, bool, error) {
	trimmedKey, err := checkKey(ctx, key)
	if err != nil {
		return "", false, err
	}

	value, err := c.client.Get(ctx, c.prefix+trimmedKey).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errs.Wrap(err, "redis get")
	}
	return value, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	trimmedKey, err := checkKey(ctx, key)
	if err != nil {
		return err
	}
	if ttl < 0 {
		ttl = 0
	}
	if err := c.client.Set(ctx, c.prefix+trimmedKey, value, ttl).Err(); err != nil {
		return errs.Wrap(err, "redis set")
	}
	return nil
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	trimmedKey, err := checkKey(ctx, key)
	if err != nil {
		return err
	}
	if err := c.client.Del(ctx, c.prefix+trimmedKey).Err(); err != nil {
		return errs.Wrap(err, "redis del")
	}
	return nil
}

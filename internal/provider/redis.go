package provider

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisCache implements sdk.Cache over a go-redis client.
type redisCache struct {
	client *redis.Client
}

func openRedis(ctx context.Context, config map[string]string) (*driver, error) {
	opts := &redis.Options{
		Addr:     valueOr(config, "host", "localhost") + ":" + valueOr(config, "port", "6379"),
		Password: config["password"],
	}
	if raw := config["db"]; raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("redis db index %q: %w", raw, err)
		}
		opts.DB = n
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &driver{
		client: &redisCache{client: client},
		ping:   func(ctx context.Context) error { return client.Ping(ctx).Err() },
		close:  func() { _ = client.Close() },
	}, nil
}

func (c *redisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (c *redisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

func (c *redisCache) Delete(ctx context.Context, key string) (bool, error) {
	deleted, err := c.client.Del(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return deleted > 0, nil
}

func (c *redisCache) Increment(ctx context.Context, key string, amount int64) (int64, error) {
	return c.client.IncrBy(ctx, key, amount).Result()
}

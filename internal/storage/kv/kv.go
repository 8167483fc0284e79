// Package kv wraps the key/value service backing the short memory tier
// and the L2 cache.
package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = errors.New("key not found")

// Client is the key/value contract used by the cache and memory tiers.
type Client interface {
	// Get returns the value at key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)

	// SetEx stores value at key with the given TTL.
	SetEx(ctx context.Context, key, value string, ttl time.Duration) error

	// Del removes keys. Missing keys are not an error.
	Del(ctx context.Context, keys ...string) error

	// DelPattern removes every key matching a glob pattern and returns
	// the number deleted.
	DelPattern(ctx context.Context, pattern string) (int, error)

	// Scan returns keys matching a glob pattern, up to limit.
	Scan(ctx context.Context, pattern string, limit int) ([]string, error)

	// TTL returns the remaining lifetime of a key. Keys with no expiry
	// report a negative duration.
	TTL(ctx context.Context, key string) (time.Duration, error)

	Ping(ctx context.Context) error
	Close() error
}

// Options configures the redis-backed client.
type Options struct {
	Addr     string
	Password string
	DB       int
	Timeout  time.Duration
}

type redisClient struct {
	rdb *redis.Client
}

// NewClient connects to the key/value service and verifies the
// connection with a ping.
func NewClient(ctx context.Context, opts Options) (Client, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  opts.Timeout,
		ReadTimeout:  opts.Timeout,
		WriteTimeout: opts.Timeout,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect kv %s: %w", opts.Addr, err)
	}
	return &redisClient{rdb: rdb}, nil
}

func (c *redisClient) Get(ctx context.Context, key string) (string, error) {
	val, err := c.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("kv get %s: %w", key, err)
	}
	return val, nil
}

func (c *redisClient) SetEx(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := c.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("kv set %s: %w", key, err)
	}
	return nil
}

func (c *redisClient) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("kv del: %w", err)
	}
	return nil
}

func (c *redisClient) DelPattern(ctx context.Context, pattern string) (int, error) {
	var deleted int
	iter := c.rdb.Scan(ctx, 0, pattern, 100).Iterator()
	batch := make([]string, 0, 100)
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == 100 {
			if err := c.rdb.Del(ctx, batch...).Err(); err != nil {
				return deleted, fmt.Errorf("kv del pattern %s: %w", pattern, err)
			}
			deleted += len(batch)
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return deleted, fmt.Errorf("kv scan %s: %w", pattern, err)
	}
	if len(batch) > 0 {
		if err := c.rdb.Del(ctx, batch...).Err(); err != nil {
			return deleted, fmt.Errorf("kv del pattern %s: %w", pattern, err)
		}
		deleted += len(batch)
	}
	return deleted, nil
}

func (c *redisClient) Scan(ctx context.Context, pattern string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 1000
	}
	keys := make([]string, 0, 64)
	iter := c.rdb.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
		if len(keys) >= limit {
			break
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("kv scan %s: %w", pattern, err)
	}
	return keys, nil
}

func (c *redisClient) TTL(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := c.rdb.TTL(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("kv ttl %s: %w", key, err)
	}
	return ttl, nil
}

func (c *redisClient) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func (c *redisClient) Close() error {
	return c.rdb.Close()
}

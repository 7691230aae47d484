// Package kvstore wraps the Redis client used for the nonce cache, scroll
// id mapping, distributed lock, cached metrics payload, and per-feed
// health flags (spec §4.2). It exists so every other package depends on a
// small verb-shaped interface instead of go-redis directly.
package kvstore

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("kvstore: key not found")

// Client is the KV store contract every caller in this module depends on.
type Client interface {
	// SetNXEX sets key to "1" with the given TTL only if it does not
	// already exist. It reports whether the set happened (true = this
	// call created the key; false = the key already existed).
	SetNXEX(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Expire resets the TTL on an existing key. It reports whether the
	// key existed.
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Get returns the value stored at key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)
	// Set stores value at key with no expiry.
	Set(ctx context.Context, key, value string) error
	// SetEX stores value at key with the given TTL.
	SetEX(ctx context.Context, key, value string, ttl time.Duration) error
}

// RedisClient is the go-redis-backed Client implementation used in
// production, grounded on the redis/go-redis/v9 wiring in etalazz-vsa.
type RedisClient struct {
	rdb *redis.Client
}

// New connects to the Redis instance described by uri (e.g.
// "redis://host:6379/0").
func New(uri string) (*RedisClient, error) {
	opts, err := redis.ParseURL(uri)
	if err != nil {
		return nil, err
	}
	return &RedisClient{rdb: redis.NewClient(opts)}, nil
}

// NewFromRedisClient wraps an already-constructed go-redis client, mainly
// useful for tests against miniredis or a real server.
func NewFromRedisClient(rdb *redis.Client) *RedisClient {
	return &RedisClient{rdb: rdb}
}

func (c *RedisClient) SetNXEX(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, key, "1", ttl).Result()
}

func (c *RedisClient) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return c.rdb.Expire(ctx, key, ttl).Result()
}

func (c *RedisClient) Get(ctx context.Context, key string) (string, error) {
	val, err := c.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return val, err
}

func (c *RedisClient) Set(ctx context.Context, key, value string) error {
	return c.rdb.Set(ctx, key, value, 0).Err()
}

func (c *RedisClient) SetEX(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.rdb.Set(ctx, key, value, ttl).Err()
}

// Close releases the underlying connection pool.
func (c *RedisClient) Close() error {
	return c.rdb.Close()
}

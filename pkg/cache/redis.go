package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// DefaultNamespace prefixes every key written to a shared cache so that
// context entries do not collide with other users of the same Redis database.
const DefaultNamespace = "context:"

// RedisConfig is the connection part of a Redis deployment.
type RedisConfig struct {
	Addr        string
	Password    string
	DB          int
	DialTimeout time.Duration
}

// DialRedis opens a client and verifies it with PING.
func DialRedis(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}
	return client, nil
}

// RedisCache stores cache entries as plain Redis strings under a namespace,
// relying on Redis expiry for TTLs. It owns the client and closes it.
type RedisCache struct {
	rdb    redis.UniversalClient
	ns     string
	logger zerolog.Logger
}

// NewRedisCache wraps rdb. An empty namespace selects DefaultNamespace.
func NewRedisCache(rdb redis.UniversalClient, namespace string, logger zerolog.Logger) *RedisCache {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return &RedisCache{
		rdb:    rdb,
		ns:     namespace,
		logger: logger.With().Str("component", "RedisCache").Str("namespace", namespace).Logger(),
	}
}

func (c *RedisCache) redisKey(key string) string { return c.ns + key }

// Fetch returns the stored bytes. A nil reply is ErrMiss.
func (c *RedisCache) Fetch(ctx context.Context, key string) ([]byte, error) {
	data, err := c.rdb.Get(ctx, c.redisKey(key)).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		return nil, ErrMiss
	case err != nil:
		return nil, &Error{Op: "get", Key: key, Err: err}
	}
	return data, nil
}

// Write sets key with a PX expiry. A non-positive ttl writes nothing so a
// value never outlives the deadline the caller computed.
func (c *RedisCache) Write(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	err := c.rdb.SetArgs(ctx, c.redisKey(key), data, redis.SetArgs{TTL: ttl}).Err()
	if err != nil {
		return &Error{Op: "set", Key: key, Err: err}
	}
	return nil
}

// Delete issues UNLINK so large values are reclaimed off the request path.
func (c *RedisCache) Delete(ctx context.Context, key string) error {
	if err := c.rdb.Unlink(ctx, c.redisKey(key)).Err(); err != nil {
		return &Error{Op: "unlink", Key: key, Err: err}
	}
	return nil
}

// Close closes the client.
func (c *RedisCache) Close() error {
	c.logger.Debug().Msg("Closing Redis client.")
	return c.rdb.Close()
}

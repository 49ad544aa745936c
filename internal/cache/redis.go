package cache

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is a response cache backed by a Redis server. TTL enforcement
// is delegated to Redis itself, so there is no sweeper to run. Useful
// when several instances of the service should share one cache.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewRedis connects to the Redis server at url (redis://host:port/db)
// and verifies the connection with a ping.
func NewRedis(ctx context.Context, url string, ttl time.Duration, logger *slog.Logger) (*Redis, error) {
	if logger == nil {
		logger = slog.Default()
	}

	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	logger.Info("redis cache connected", "addr", opts.Addr)
	return &Redis{
		client: client,
		ttl:    ttl,
		logger: logger,
	}, nil
}

// Get returns the cached value for key. Redis errors degrade to a
// miss — the cache is advisory and must never fail an exchange.
func (r *Redis) Get(ctx context.Context, key string) (string, bool) {
	val, err := r.client.Get(ctx, key).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			r.logger.Warn("cache get failed", "error", err)
		}
		return "", false
	}
	return val, true
}

// Put stores value under key with the configured TTL.
func (r *Redis) Put(ctx context.Context, key, value string) {
	if err := r.client.Set(ctx, key, value, r.ttl).Err(); err != nil {
		r.logger.Warn("cache put failed", "error", err)
	}
}

// Stop closes the connection pool.
func (r *Redis) Stop() {
	if err := r.client.Close(); err != nil {
		r.logger.Warn("redis close failed", "error", err)
	}
}

// Package cache provides a small key/value service with TTL. Redis backs
// it when configured; otherwise an in-process expirable LRU serves the same
// surface. Redis failures degrade to the local tier instead of erroring.
package cache

import (
	"context"
	"errors"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"

	coreconfig "github.com/m3rciful/wagate/core/config"
	"github.com/m3rciful/wagate/core/logger"
	"log/slog"
)

// Cache is safe for concurrent use.
type Cache struct {
	rdb   *redis.Client
	local *expirable.LRU[string, string]
	ttl   time.Duration
}

// New builds a cache from config. A bad or unreachable Redis URL logs a
// warning and falls back to the in-memory tier.
func New(cfg coreconfig.CacheConfig) *Cache {
	ttl := time.Duration(cfg.TTLSeconds) * time.Second
	c := &Cache{
		local: expirable.NewLRU[string, string](cfg.Size, nil, ttl),
		ttl:   ttl,
	}

	ctx := logger.Background()
	if cfg.RedisURL == "" {
		logger.Info(ctx, "cache", "cache.init",
			slog.String("status", "ok"),
			slog.String("mode", "memory"),
			slog.Int("count", cfg.Size),
		)
		return c
	}

	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Warn(ctx, "cache", "cache.init",
			slog.String("status", "fail"),
			slog.String("mode", "memory"),
			slog.String("reason", "bad_redis_url"),
			slog.String("err", err.Error()),
		)
		return c
	}

	rdb := redis.NewClient(opt)
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		logger.Warn(ctx, "cache", "cache.init",
			slog.String("status", "fail"),
			slog.String("mode", "memory"),
			slog.String("reason", "redis_unreachable"),
			slog.String("err", err.Error()),
		)
		_ = rdb.Close()
		return c
	}

	c.rdb = rdb
	logger.Info(ctx, "cache", "cache.init",
		slog.String("status", "ok"),
		slog.String("mode", "redis"),
	)
	return c
}

// Get returns the cached value for key.
func (c *Cache) Get(ctx context.Context, key string) (string, bool) {
	if c.rdb != nil {
		v, err := c.rdb.Get(ctx, key).Result()
		if err == nil {
			return v, true
		}
		if !errors.Is(err, redis.Nil) {
			logger.Warn(ctx, "cache", "cache.get",
				slog.String("status", "fail"),
				slog.String("key", key),
				slog.String("err", err.Error()),
			)
			// degraded read from the local tier
			return c.local.Get(key)
		}
		return "", false
	}
	return c.local.Get(key)
}

// Set stores key with the default TTL. The local tier is always written so
// reads keep working if Redis drops.
func (c *Cache) Set(ctx context.Context, key, value string) {
	c.SetTTL(ctx, key, value, c.ttl)
}

// SetTTL stores key with an explicit TTL. The in-memory tier uses its fixed
// construction TTL regardless.
func (c *Cache) SetTTL(ctx context.Context, key, value string, ttl time.Duration) {
	c.local.Add(key, value)
	if c.rdb == nil {
		return
	}
	if err := c.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		logger.Warn(ctx, "cache", "cache.set",
			slog.String("status", "fail"),
			slog.String("key", key),
			slog.String("err", err.Error()),
		)
	}
}

// Del removes key from every tier.
func (c *Cache) Del(ctx context.Context, key string) {
	c.local.Remove(key)
	if c.rdb == nil {
		return
	}
	if err := c.rdb.Del(ctx, key).Err(); err != nil {
		logger.Warn(ctx, "cache", "cache.del",
			slog.String("status", "fail"),
			slog.String("key", key),
			slog.String("err", err.Error()),
		)
	}
}

// Close releases the Redis connection if one is open.
func (c *Cache) Close() error {
	if c.rdb != nil {
		return c.rdb.Close()
	}
	return nil
}

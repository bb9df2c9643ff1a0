package cache

import (
	"context"
	"encoding/json"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisResourceCache is the durable counterpart to ResourceCache, reusing
// the same redis.Client wiring pattern as auth.RedisStore: a key prefix plus
// a SETEX-style TTL per entry. Per-URI write serialization is left to
// Redis's own atomic SET — no client-side lock is needed for a durable
// store the way it is for the in-memory map.
type RedisResourceCache struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisResourceCache creates a Redis-backed resource cache.
func NewRedisResourceCache(rdb *redis.Client, prefix string, ttl time.Duration) *RedisResourceCache {
	if prefix == "" {
		prefix = "mcprpc:resource:"
	}
	return &RedisResourceCache{rdb: rdb, prefix: prefix, ttl: ttl}
}

func (c *RedisResourceCache) key(uri string) string { return c.prefix + uri }

// Get returns the cached entry for uri, if present.
func (c *RedisResourceCache) Get(ctx context.Context, uri string) (*Entry, bool) {
	data, err := c.rdb.Get(ctx, c.key(uri)).Bytes()
	if err != nil {
		return nil, false
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, false
	}
	return &e, true
}

// Put stores content/mimeType for uri with the cache's configured TTL.
func (c *RedisResourceCache) Put(ctx context.Context, uri string, content []byte, mimeType string) error {
	e := Entry{Content: content, MimeType: mimeType, cachedAt: time.Now()}
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, c.key(uri), data, c.ttl).Err()
}

// Invalidate drops the cached entry for uri.
func (c *RedisResourceCache) Invalidate(ctx context.Context, uri string) error {
	return c.rdb.Del(ctx, c.key(uri)).Err()
}

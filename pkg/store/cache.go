package store

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrCacheMiss is returned by Get when the key is absent or expired.
var ErrCacheMiss = redis.Nil

// Cache is the small key/value surface the gateway needs for durable flags
// and idempotency guards. A ttl of zero means the key never expires.
type Cache interface {
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, key string) error
}

// NewCache prefers redis and falls back to process-local memory when the
// client is nil or unreachable. The memory fallback does not survive a
// restart, which matters for the kill-switch latch; callers that need the
// durable behavior should fail loudly instead of falling back.
func NewCache(ctx context.Context, client *redis.Client) Cache {
	if client == nil {
		log.Printf("cache: no redis client, using in-memory cache")
		return NewMemoryCache()
	}
	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Printf("cache: redis unreachable (%v), using in-memory cache", err)
		return NewMemoryCache()
	}
	return &RedisCache{client: client}
}

// RedisCache adapts a go-redis client to the Cache interface.
type RedisCache struct {
	client *redis.Client
}

func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func (c *RedisCache) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return c.client.SetNX(ctx, key, value, ttl).Result()
}

func (c *RedisCache) Get(ctx context.Context, key string) (string, error) {
	return c.client.Get(ctx, key).Result()
}

func (c *RedisCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

func (c *RedisCache) Del(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}

type memoryEntry struct {
	value    string
	expireAt time.Time // zero means no expiry
}

// MemoryCache is a map-backed Cache for tests and redis-less deployments.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

func (c *MemoryCache) liveLocked(key string) (memoryEntry, bool) {
	entry, ok := c.entries[key]
	if !ok {
		return memoryEntry{}, false
	}
	if !entry.expireAt.IsZero() && c.now().After(entry.expireAt) {
		delete(c.entries, key)
		return memoryEntry{}, false
	}
	return entry, true
}

func (c *MemoryCache) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.liveLocked(key); ok {
		return false, nil
	}
	c.setLocked(key, value, ttl)
	return true, nil
}

func (c *MemoryCache) Get(_ context.Context, key string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.liveLocked(key)
	if !ok {
		return "", ErrCacheMiss
	}
	return entry.value, nil
}

func (c *MemoryCache) Set(_ context.Context, key, value string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLocked(key, value, ttl)
	return nil
}

func (c *MemoryCache) Del(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}

func (c *MemoryCache) setLocked(key, value string, ttl time.Duration) {
	entry := memoryEntry{value: value}
	if ttl > 0 {
		entry.expireAt = c.now().Add(ttl)
	}
	c.entries[key] = entry
}

package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestMemoryCacheSetNXAndExpiry(t *testing.T) {
	t.Parallel()
	cache := NewMemoryCache()
	base := time.Now()
	cache.now = func() time.Time { return base }

	ctx := context.Background()
	ok, err := cache.SetNX(ctx, "k", "v1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first SetNX = %v, %v; want true, nil", ok, err)
	}
	ok, err = cache.SetNX(ctx, "k", "v2", time.Minute)
	if err != nil || ok {
		t.Fatalf("second SetNX = %v, %v; want false, nil", ok, err)
	}
	got, err := cache.Get(ctx, "k")
	if err != nil || got != "v1" {
		t.Fatalf("Get = %q, %v; want v1, nil", got, err)
	}

	base = base.Add(2 * time.Minute)
	if _, err := cache.Get(ctx, "k"); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("Get after expiry err = %v; want ErrCacheMiss", err)
	}
	ok, err = cache.SetNX(ctx, "k", "v3", 0)
	if err != nil || !ok {
		t.Fatalf("SetNX after expiry = %v, %v; want true, nil", ok, err)
	}
	base = base.Add(24 * time.Hour)
	if got, err := cache.Get(ctx, "k"); err != nil || got != "v3" {
		t.Fatalf("Get zero-ttl key = %q, %v; want v3, nil", got, err)
	}
}

func TestMemoryCacheDel(t *testing.T) {
	t.Parallel()
	cache := NewMemoryCache()
	ctx := context.Background()
	if err := cache.Set(ctx, "k", "v", 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := cache.Del(ctx, "k"); err != nil {
		t.Fatalf("Del: %v", err)
	}
	if _, err := cache.Get(ctx, "k"); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("Get after Del err = %v; want ErrCacheMiss", err)
	}
}

func TestRedisCacheRoundTrip(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cache := NewRedisCache(client)
	ctx := context.Background()

	ok, err := cache.SetNX(ctx, "latch", "on", 0)
	if err != nil || !ok {
		t.Fatalf("SetNX = %v, %v; want true, nil", ok, err)
	}
	got, err := cache.Get(ctx, "latch")
	if err != nil || got != "on" {
		t.Fatalf("Get = %q, %v; want on, nil", got, err)
	}
	if err := cache.Del(ctx, "latch"); err != nil {
		t.Fatalf("Del: %v", err)
	}
	if _, err := cache.Get(ctx, "latch"); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("Get after Del err = %v; want redis.Nil", err)
	}
}

func TestNewCacheFallsBackWithoutRedis(t *testing.T) {
	t.Parallel()
	cache := NewCache(context.Background(), nil)
	if _, ok := cache.(*MemoryCache); !ok {
		t.Fatalf("NewCache(nil) = %T; want *MemoryCache", cache)
	}
}

func TestNewCacheUsesReachableRedis(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cache := NewCache(context.Background(), client)
	if _, ok := cache.(*RedisCache); !ok {
		t.Fatalf("NewCache = %T; want *RedisCache", cache)
	}
}

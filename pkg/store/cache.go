package store

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache is the TTL'd key-value surface the encrypted state store and the
// analysis caches write through. A miss is reported as redis.Nil regardless
// of the backing implementation.
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Del(ctx context.Context, key string) (bool, error)
}

type RedisCache struct{ Client *redis.Client }

func (r *RedisCache) Get(ctx context.Context, key string) (string, error) {
	return r.Client.Get(ctx, key).Result()
}

func (r *RedisCache) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	return r.Client.Set(ctx, key, value, ttl).Err()
}

func (r *RedisCache) Del(ctx context.Context, key string) (bool, error) {
	n, err := r.Client.Del(ctx, key).Result()
	return n > 0, err
}

// MemoryCache is a process-local TTL cache with a lazy sweep. It is not
// cross-process consistent and exists to keep local development and short
// backend outages non-fatal.
type MemoryCache struct {
	mu    sync.Mutex
	items map[string]memItem
}

type memItem struct {
	value     string
	expiresAt time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{items: map[string]memItem{}}
}

func (m *MemoryCache) Get(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweepLocked()
	item, ok := m.items[key]
	if !ok {
		return "", redis.Nil
	}
	return item.value, nil
}

func (m *MemoryCache) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweepLocked()
	expires := time.Time{}
	if ttl > 0 {
		expires = time.Now().Add(ttl)
	}
	m.items[key] = memItem{value: value, expiresAt: expires}
	return nil
}

func (m *MemoryCache) Del(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.items[key]
	delete(m.items, key)
	return ok, nil
}

func (m *MemoryCache) sweepLocked() {
	now := time.Now()
	for k, v := range m.items {
		if !v.expiresAt.IsZero() && now.After(v.expiresAt) {
			delete(m.items, k)
		}
	}
}

// FallbackCache prefers the redis primary and degrades to process-local
// memory per call when the primary is unreachable, logging the degradation.
// It never surfaces a backend outage to the caller as a hard failure.
type FallbackCache struct {
	Primary *RedisCache
	Memory  *MemoryCache
	Name    string
}

func NewFallbackCache(name string, client *redis.Client) *FallbackCache {
	fc := &FallbackCache{Memory: NewMemoryCache(), Name: name}
	if client != nil {
		fc.Primary = &RedisCache{Client: client}
	}
	return fc
}

func (f *FallbackCache) Get(ctx context.Context, key string) (string, error) {
	if f.Primary != nil {
		val, err := f.Primary.Get(ctx, key)
		if err == nil || err == redis.Nil {
			return val, err
		}
		log.Printf("store: %s cache read degraded to memory: %v", f.Name, err)
	}
	return f.Memory.Get(ctx, key)
}

func (f *FallbackCache) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	if f.Primary != nil {
		err := f.Primary.Set(ctx, key, value, ttl)
		if err == nil {
			return nil
		}
		log.Printf("store: %s cache write degraded to memory: %v", f.Name, err)
	}
	return f.Memory.Set(ctx, key, value, ttl)
}

func (f *FallbackCache) Del(ctx context.Context, key string) (bool, error) {
	removed := false
	if f.Primary != nil {
		ok, err := f.Primary.Del(ctx, key)
		if err != nil {
			log.Printf("store: %s cache delete degraded to memory: %v", f.Name, err)
		}
		removed = removed || ok
	}
	ok, _ := f.Memory.Del(ctx, key)
	return removed || ok, nil
}

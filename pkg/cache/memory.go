package cache

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// MemoryCache is an in-process cache. Locks taken through it are only
// exclusive within one process.
type MemoryCache struct {
	c *gocache.Cache
}

// NewMemoryCache creates an in-process cache that sweeps expired entries
// every cleanupInterval.
func NewMemoryCache(cleanupInterval time.Duration) *MemoryCache {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}
	return &MemoryCache{c: gocache.New(gocache.NoExpiration, cleanupInterval)}
}

func expiry(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return gocache.NoExpiration
	}
	return ttl
}

func (m *MemoryCache) Get(_ context.Context, key string) ([]byte, error) {
	v, ok := m.c.Get(key)
	if !ok {
		return nil, ErrMiss
	}
	b, ok := v.([]byte)
	if !ok {
		return nil, ErrMiss
	}
	return b, nil
}

func (m *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.c.Set(key, value, expiry(ttl))
	return nil
}

func (m *MemoryCache) Add(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	// go-cache returns an error when the key exists and has not expired.
	if err := m.c.Add(key, value, expiry(ttl)); err != nil {
		return false, nil
	}
	return true, nil
}

func (m *MemoryCache) Delete(_ context.Context, key string) error {
	m.c.Delete(key)
	return nil
}

func (m *MemoryCache) Ping(_ context.Context) error { return nil }

func (m *MemoryCache) Close() error {
	m.c.Flush()
	return nil
}

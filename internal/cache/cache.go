// SPDX-License-Identifier: MIT

// Package cache provides TTL caching behind a single interface with Redis,
// Badger and in-memory backends. Values are opaque bytes; GetOrCompute adds
// JSON memoization on top.
package cache

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"
)

// Cacher is the shared cache surface. Implementations must be safe for
// concurrent use. A miss is (nil, false, nil); errors are reserved for
// backend trouble.
type Cacher interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// DeletePrefix removes every key starting with prefix, e.g. "search:".
	DeletePrefix(ctx context.Context, prefix string) error
	Stats(ctx context.Context) (Stats, error)
	HealthCheck(ctx context.Context) error
	Close() error
}

// Stats holds cache performance counters.
type Stats struct {
	Hits        int64 `json:"hits"`
	Misses      int64 `json:"misses"`
	Sets        int64 `json:"sets"`
	Evictions   int64 `json:"evictions"`
	CurrentSize int   `json:"currentSize"`
}

// GetOrCompute returns the cached value for key, or runs compute and caches
// its result for ttl. Cache failures degrade to computing fresh; a compute
// error is returned as-is and nothing is stored.
func GetOrCompute[T any](ctx context.Context, c Cacher, key string, ttl time.Duration, compute func(context.Context) (T, error)) (T, bool, error) {
	var out T
	if raw, ok, err := c.Get(ctx, key); err == nil && ok {
		if err := json.Unmarshal(raw, &out); err == nil {
			return out, true, nil
		}
		// Poisoned entry: drop it and fall through to compute.
		_ = c.Delete(ctx, key)
	}
	out, err := compute(ctx)
	if err != nil {
		return out, false, err
	}
	if raw, err := json.Marshal(out); err == nil {
		_ = c.Set(ctx, key, raw, ttl)
	}
	return out, false, nil
}

// entry is a cached value with its expiration time.
type entry struct {
	value      []byte
	expiration time.Time
}

func (e *entry) isExpired(now time.Time) bool {
	return !e.expiration.IsZero() && now.After(e.expiration)
}

// Memory is an in-process Cacher with a background janitor sweeping expired
// entries. Useful for tests and single-node deployments without Redis.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]*entry
	stats   Stats
	stop    chan struct{}
	once    sync.Once
}

// NewMemory creates an in-memory cache. cleanupInterval <= 0 disables the
// janitor; expired entries are then only dropped lazily on Get.
func NewMemory(cleanupInterval time.Duration) *Memory {
	c := &Memory{
		entries: make(map[string]*entry),
		stop:    make(chan struct{}),
	}
	if cleanupInterval > 0 {
		go c.janitor(cleanupInterval)
	}
	return c
}

func (c *Memory) janitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.deleteExpired()
		case <-c.stop:
			return
		}
	}
}

func (c *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, found := c.entries[key]
	if !found || e.isExpired(time.Now()) {
		c.stats.Misses++
		return nil, false, nil
	}
	c.stats.Hits++
	return e.value, true, nil
}

func (c *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	var exp time.Time
	if ttl > 0 {
		exp = time.Now().Add(ttl)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = &entry{value: value, expiration: exp}
	c.stats.Sets++
	return nil
}

func (c *Memory) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}

func (c *Memory) DeletePrefix(_ context.Context, prefix string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.entries {
		if strings.HasPrefix(key, prefix) {
			delete(c.entries, key)
		}
	}
	return nil
}

func (c *Memory) Stats(_ context.Context) (Stats, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	stats := c.stats
	stats.CurrentSize = len(c.entries)
	return stats, nil
}

func (c *Memory) HealthCheck(_ context.Context) error { return nil }

func (c *Memory) Close() error {
	c.once.Do(func() { close(c.stop) })
	return nil
}

func (c *Memory) deleteExpired() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, e := range c.entries {
		if e.isExpired(now) {
			delete(c.entries, key)
			c.stats.Evictions++
		}
	}
}

// Noop is a Cacher that stores nothing. Used when caching is disabled.
type Noop struct{}

func NewNoop() Noop { return Noop{} }

func (Noop) Get(context.Context, string) ([]byte, bool, error) { return nil, false, nil }

func (Noop) Set(context.Context, string, []byte, time.Duration) error { return nil }

func (Noop) Delete(context.Context, string) error { return nil }

func (Noop) DeletePrefix(context.Context, string) error { return nil }

func (Noop) Stats(context.Context) (Stats, error) { return Stats{}, nil }

func (Noop) HealthCheck(context.Context) error { return nil }

func (Noop) Close() error { return nil }

var (
	_ Cacher = (*Memory)(nil)
	_ Cacher = Noop{}
)

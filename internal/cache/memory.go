// Copyright 2026 The Polyad Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package cache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/polyadai/polyad/internal/config"
)

type memoryEntry struct {
	key       string
	value     []byte
	expiresAt time.Time
	element   *list.Element
}

// MemoryCache is a bounded in-memory cache with LRU eviction. It is intended
// for development and tests; entries do not survive a restart.
type MemoryCache struct {
	maxEntries int
	ttl        time.Duration

	mu      sync.Mutex
	entries map[string]*memoryEntry
	lruList *list.List

	hits      int64
	misses    int64
	evictions int64
}

// NewMemoryCache creates an in-memory cache sized per the configuration.
func NewMemoryCache(cfg *config.CacheConfig) *MemoryCache {
	maxEntries := 10000
	ttl := 24 * time.Hour
	if cfg != nil {
		if cfg.MaxEntries > 0 {
			maxEntries = cfg.MaxEntries
		}
		if cfg.TTL > 0 {
			ttl = cfg.TTL
		}
	}
	return &MemoryCache{
		maxEntries: maxEntries,
		ttl:        ttl,
		entries:    make(map[string]*memoryEntry),
		lruList:    list.New(),
	}
}

// Get returns the value for key and marks it most recently used.
func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil, false, nil
	}
	if time.Now().After(entry.expiresAt) {
		c.removeLocked(entry)
		c.misses++
		return nil, false, nil
	}

	c.lruList.MoveToFront(entry.element)
	c.hits++
	return entry.value, true, nil
}

// Set stores value under key, evicting the least recently used entry when full.
func (c *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.ttl
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.entries[key]; ok {
		entry.value = value
		entry.expiresAt = time.Now().Add(ttl)
		c.lruList.MoveToFront(entry.element)
		return nil
	}

	entry := &memoryEntry{
		key:       key,
		value:     value,
		expiresAt: time.Now().Add(ttl),
	}
	entry.element = c.lruList.PushFront(entry)
	c.entries[key] = entry

	for len(c.entries) > c.maxEntries {
		oldest := c.lruList.Back()
		if oldest == nil {
			break
		}
		c.removeLocked(oldest.Value.(*memoryEntry))
		c.evictions++
	}
	return nil
}

// Delete removes key from the cache.
func (c *MemoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.entries[key]; ok {
		c.removeLocked(entry)
	}
	return nil
}

// Cleanup removes all expired entries.
func (c *MemoryCache) Cleanup(_ context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	removed := 0
	for _, entry := range c.entries {
		if now.After(entry.expiresAt) {
			c.removeLocked(entry)
			removed++
		}
	}
	return removed, nil
}

// Stats returns a snapshot of the cache counters.
func (c *MemoryCache) Stats(_ context.Context) (Stats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var size int64
	for _, entry := range c.entries {
		size += int64(len(entry.value))
	}
	return Stats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Entries:   len(c.entries),
		SizeBytes: size,
	}, nil
}

// Close releases the cache contents.
func (c *MemoryCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*memoryEntry)
	c.lruList.Init()
	return nil
}

func (c *MemoryCache) removeLocked(entry *memoryEntry) {
	c.lruList.Remove(entry.element)
	delete(c.entries, entry.key)
}

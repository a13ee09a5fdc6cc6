// Copyright 2026 The Polyad Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package cache provides the result cache used to avoid recomputing
// expensive operations such as model generations and vision analysis.
// Three backends are supported: a persistent SQLite store, an in-memory
// LRU store and Redis.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/polyadai/polyad/internal/config"
)

// Stats reports cache performance counters.
type Stats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
	Entries   int   `json:"entries"`
	SizeBytes int64 `json:"size_bytes"`
}

// Cache is the backend-independent caching interface. Values are opaque
// byte slices; callers serialize with their own codec.
type Cache interface {
	// Get returns the cached value for key, or (nil, false) on a miss.
	// Expired entries are treated as misses.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value under key with the given TTL. A non-positive TTL
	// falls back to the backend default.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Cleanup removes expired entries and, when the backend enforces a
	// size limit, evicts the least useful entries. Returns the number of
	// entries removed.
	Cleanup(ctx context.Context) (int, error)

	// Stats returns a snapshot of the cache counters.
	Stats(ctx context.Context) (Stats, error)

	// Close releases the backend resources.
	Close() error
}

// Key derives the cache key for an operation and its arguments.
// Keys are stable SHA-256 hex digests so they can be shared across backends.
func Key(parts ...string) string {
	h := sha256.New()
	for i, p := range parts {
		if i > 0 {
			h.Write([]byte{0})
		}
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// New builds the cache backend selected by the configuration.
func New(cfg *config.CacheConfig) (Cache, error) {
	if cfg == nil {
		def := config.DefaultConfig().Cache
		cfg = &def
	}

	switch cfg.Backend {
	case "disk", "":
		return NewDiskCache(cfg)
	case "memory":
		return NewMemoryCache(cfg), nil
	case "redis":
		return NewRedisCache(cfg)
	default:
		return nil, fmt.Errorf("cache: unknown backend %q", cfg.Backend)
	}
}

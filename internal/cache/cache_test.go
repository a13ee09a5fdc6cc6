// Copyright 2026 The Polyad Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package cache

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polyadai/polyad/internal/config"
)

func newTestDiskCache(t *testing.T) *DiskCache {
	t.Helper()
	cfg := &config.CacheConfig{
		Path:      filepath.Join(t.TempDir(), "cache.db"),
		TTL:       time.Hour,
		MaxSizeMB: 500,
	}
	c, err := NewDiskCache(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestKey_StableAndDistinct(t *testing.T) {
	a := Key("generate", "prompt one")
	b := Key("generate", "prompt one")
	c := Key("generate", "prompt two")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64) // sha256 hex

	// The separator keeps ("ab","c") and ("a","bc") apart.
	assert.NotEqual(t, Key("ab", "c"), Key("a", "bc"))
}

func TestDiskCache_SetGet(t *testing.T) {
	c := newTestDiskCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, Key("op", "arg"), []byte("result"), 0))

	value, ok, err := c.Get(ctx, Key("op", "arg"))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("result"), value)

	_, ok, err = c.Get(ctx, Key("op", "other"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDiskCache_ExpiredEntryIsMiss(t *testing.T) {
	c := newTestDiskCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", []byte("v"), time.Millisecond))
	time.Sleep(1100 * time.Millisecond) // expiry is tracked at second resolution

	_, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDiskCache_CleanupRemovesExpired(t *testing.T) {
	c := newTestDiskCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "stale", []byte("v"), time.Millisecond))
	require.NoError(t, c.Set(ctx, "fresh", []byte("v"), time.Hour))
	time.Sleep(1100 * time.Millisecond)

	removed, err := c.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Entries)
}

func TestDiskCache_Delete(t *testing.T) {
	c := newTestDiskCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", []byte("v"), 0))
	require.NoError(t, c.Delete(ctx, "k"))
	require.NoError(t, c.Delete(ctx, "k")) // deleting a missing key is fine

	_, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDiskCache_StatsCounters(t *testing.T) {
	c := newTestDiskCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", []byte("v"), 0))
	_, _, _ = c.Get(ctx, "k")
	_, _, _ = c.Get(ctx, "missing")

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, 1, stats.Entries)
}

func TestDiskCache_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	cfg := &config.CacheConfig{Path: path, TTL: time.Hour}
	ctx := context.Background()

	c, err := NewDiskCache(cfg)
	require.NoError(t, err)
	require.NoError(t, c.Set(ctx, "k", []byte("persisted"), 0))
	require.NoError(t, c.Close())

	c, err = NewDiskCache(cfg)
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	value, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("persisted"), value)
}

func TestMemoryCache_LRUEviction(t *testing.T) {
	c := NewMemoryCache(&config.CacheConfig{MaxEntries: 2, TTL: time.Hour})
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "a", []byte("1"), 0))
	require.NoError(t, c.Set(ctx, "b", []byte("2"), 0))

	// Touch "a" so "b" becomes the eviction candidate.
	_, _, _ = c.Get(ctx, "a")

	require.NoError(t, c.Set(ctx, "c", []byte("3"), 0))

	_, ok, _ := c.Get(ctx, "a")
	assert.True(t, ok)
	_, ok, _ = c.Get(ctx, "b")
	assert.False(t, ok)
	_, ok, _ = c.Get(ctx, "c")
	assert.True(t, ok)

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Evictions)
}

func TestMemoryCache_Expiry(t *testing.T) {
	c := NewMemoryCache(&config.CacheConfig{MaxEntries: 10, TTL: time.Hour})
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", []byte("v"), 10*time.Millisecond))
	time.Sleep(20 * time.Millisecond)

	_, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, "stale", []byte("v"), 10*time.Millisecond))
	time.Sleep(20 * time.Millisecond)
	removed, err := c.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
}

func TestNew_SelectsBackend(t *testing.T) {
	disk, err := New(&config.CacheConfig{Backend: "disk", Path: filepath.Join(t.TempDir(), "c.db")})
	require.NoError(t, err)
	defer func() { _ = disk.Close() }()
	assert.IsType(t, &DiskCache{}, disk)

	mem, err := New(&config.CacheConfig{Backend: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &MemoryCache{}, mem)

	_, err = New(&config.CacheConfig{Backend: "tape"})
	assert.Error(t, err)
}

func TestDiskCache_ConcurrentGetAndDelete(t *testing.T) {
	c := newTestDiskCache(t)
	ctx := context.Background()

	key := Key("op", "contended")
	require.NoError(t, c.Set(ctx, key, []byte("v"), 0))

	// The read-and-bump in Get runs as one transaction, so racing deletes
	// yield clean hits or misses, never an error.
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_, _, err := c.Get(ctx, key)
				assert.NoError(t, err)
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for j := 0; j < 25; j++ {
			assert.NoError(t, c.Delete(ctx, key))
			assert.NoError(t, c.Set(ctx, key, []byte("v"), 0))
		}
	}()
	wg.Wait()
}

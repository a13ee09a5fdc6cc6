// Copyright 2026 The Polyad Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package cache

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
	log "github.com/sirupsen/logrus"

	"github.com/polyadai/polyad/internal/config"
)

// DiskCache is a persistent cache backed by a single SQLite database.
// Each entry tracks how often and how recently it was read; cleanup removes
// expired entries first and, while the database is over its size limit,
// evicts the least-accessed quarter of the remaining entries.
type DiskCache struct {
	db        *sql.DB
	path      string
	ttl       time.Duration
	maxSizeMB int

	mu        sync.Mutex
	hits      int64
	misses    int64
	evictions int64
}

// NewDiskCache opens (or creates) the cache database at cfg.Path.
func NewDiskCache(cfg *config.CacheConfig) (*DiskCache, error) {
	if cfg == nil || cfg.Path == "" {
		return nil, fmt.Errorf("cache: disk backend requires a database path")
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("cache: failed to create cache directory: %w", err)
	}

	db, err := sql.Open("sqlite3", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("cache: failed to open database: %w", err)
	}

	// SQLite handles one writer at a time; a single connection avoids
	// SQLITE_BUSY under concurrent writes.
	db.SetMaxOpenConns(1)

	schema := `
	CREATE TABLE IF NOT EXISTS cache_entries (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL,
		created_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL,
		access_count INTEGER NOT NULL DEFAULT 0,
		last_access INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_cache_expires ON cache_entries(expires_at);
	CREATE INDEX IF NOT EXISTS idx_cache_access ON cache_entries(access_count, last_access);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("cache: failed to create schema: %w", err)
	}

	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	c := &DiskCache{
		db:        db,
		path:      cfg.Path,
		ttl:       ttl,
		maxSizeMB: cfg.MaxSizeMB,
	}

	log.Infof("Disk cache initialized (db: %s, ttl: %s)", cfg.Path, ttl)
	return c, nil
}

// Get returns the value for key and bumps its access statistics. The read and
// the bump run in one transaction so a concurrent Delete or Cleanup cannot
// interleave between them.
func (c *DiskCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	now := time.Now().Unix()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("cache: get failed: %w", err)
	}
	defer tx.Rollback()

	var value []byte
	var expiresAt int64
	err = tx.QueryRowContext(ctx,
		`SELECT value, expires_at FROM cache_entries WHERE key = ?`, key,
	).Scan(&value, &expiresAt)
	if err == sql.ErrNoRows {
		c.count(&c.misses)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache: get failed: %w", err)
	}

	if expiresAt <= now {
		// Expired entries are misses; leave removal to Cleanup.
		c.count(&c.misses)
		return nil, false, nil
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE cache_entries SET access_count = access_count + 1, last_access = ? WHERE key = ?`,
		now, key,
	); err != nil {
		return nil, false, fmt.Errorf("cache: failed to update access stats: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("cache: get failed: %w", err)
	}

	c.count(&c.hits)
	return value, true, nil
}

// Set stores value under key, replacing any previous entry.
func (c *DiskCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.ttl
	}
	now := time.Now()

	_, err := c.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO cache_entries (key, value, created_at, expires_at, access_count, last_access)
		 VALUES (?, ?, ?, ?, 0, ?)`,
		key, value, now.Unix(), now.Add(ttl).Unix(), now.Unix(),
	)
	if err != nil {
		return fmt.Errorf("cache: set failed: %w", err)
	}
	return nil
}

// Delete removes key from the cache.
func (c *DiskCache) Delete(ctx context.Context, key string) error {
	if _, err := c.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE key = ?`, key); err != nil {
		return fmt.Errorf("cache: delete failed: %w", err)
	}
	return nil
}

// Cleanup removes expired entries, then evicts the least-accessed quarter of
// the remaining entries while the database file exceeds the size limit, and
// finally compacts the database.
func (c *DiskCache) Cleanup(ctx context.Context) (int, error) {
	now := time.Now().Unix()
	removed := 0

	res, err := c.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE expires_at <= ?`, now)
	if err != nil {
		return 0, fmt.Errorf("cache: cleanup failed: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		removed += int(n)
	}

	for c.maxSizeMB > 0 && c.fileSizeMB() > c.maxSizeMB {
		var total int
		if err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cache_entries`).Scan(&total); err != nil {
			return removed, fmt.Errorf("cache: cleanup count failed: %w", err)
		}
		if total == 0 {
			break
		}
		// Evict the least-accessed quarter, oldest access first.
		limit := total / 4
		if limit < 1 {
			limit = 1
		}
		res, err := c.db.ExecContext(ctx,
			`DELETE FROM cache_entries WHERE key IN (
				SELECT key FROM cache_entries ORDER BY access_count ASC, last_access ASC LIMIT ?
			)`, limit,
		)
		if err != nil {
			return removed, fmt.Errorf("cache: eviction failed: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			break
		}
		removed += int(n)
		c.count2(&c.evictions, n)

		if _, err := c.db.ExecContext(ctx, `VACUUM`); err != nil {
			log.Warnf("Cache vacuum failed: %v", err)
			break
		}
	}

	if removed > 0 {
		if _, err := c.db.ExecContext(ctx, `VACUUM`); err != nil {
			log.Warnf("Cache vacuum failed: %v", err)
		}
		log.Debugf("Cache cleanup removed %d entries", removed)
	}
	return removed, nil
}

// Stats returns a snapshot of the cache counters.
func (c *DiskCache) Stats(ctx context.Context) (Stats, error) {
	var entries int
	if err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cache_entries`).Scan(&entries); err != nil {
		return Stats{}, fmt.Errorf("cache: stats failed: %w", err)
	}

	c.mu.Lock()
	s := Stats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Entries:   entries,
	}
	c.mu.Unlock()

	if info, err := os.Stat(c.path); err == nil {
		s.SizeBytes = info.Size()
	}
	return s, nil
}

// Close closes the underlying database.
func (c *DiskCache) Close() error {
	return c.db.Close()
}

func (c *DiskCache) fileSizeMB() int {
	info, err := os.Stat(c.path)
	if err != nil {
		return 0
	}
	return int(info.Size() / (1024 * 1024))
}

func (c *DiskCache) count(field *int64) {
	c.mu.Lock()
	*field++
	c.mu.Unlock()
}

func (c *DiskCache) count2(field *int64, n int64) {
	c.mu.Lock()
	*field += n
	c.mu.Unlock()
}

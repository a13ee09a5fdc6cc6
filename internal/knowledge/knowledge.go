// Copyright 2026 The Polyad Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package knowledge stores facts the agent accumulates, with embedding
// vectors for semantic retrieval. Entries live in a SQLite database;
// similarity search runs in memory over the stored vectors.
package knowledge

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3" // SQLite driver
	log "github.com/sirupsen/logrus"

	"github.com/polyadai/polyad/internal/config"
)

// Embedder produces an embedding vector for a text. The ollama client
// satisfies this.
type Embedder interface {
	Embeddings(ctx context.Context, text string) ([]float64, error)
}

// Entry is one stored fact.
type Entry struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Category  string    `json:"category"`
	Source    string    `json:"source"`
	CreatedAt time.Time `json:"created_at"`
}

// SearchResult pairs an entry with its similarity to the query.
type SearchResult struct {
	Entry      Entry   `json:"entry"`
	Similarity float64 `json:"similarity"`
}

// Base is the knowledge store.
type Base struct {
	db            *sql.DB
	embedder      Embedder
	topK          int
	minSimilarity float64
}

// NewBase opens the knowledge database and prepares the schema. embedder may
// be nil; Add then stores entries without vectors and Search returns an error.
func NewBase(cfg *config.KnowledgeConfig, embedder Embedder) (*Base, error) {
	if cfg == nil || cfg.DBPath == "" {
		return nil, fmt.Errorf("knowledge: database path is required")
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return nil, fmt.Errorf("knowledge: failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("knowledge: failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	schema := `
	CREATE TABLE IF NOT EXISTS knowledge_entries (
		id TEXT PRIMARY KEY,
		content TEXT NOT NULL,
		category TEXT NOT NULL DEFAULT '',
		source TEXT NOT NULL DEFAULT '',
		embedding BLOB,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_knowledge_category ON knowledge_entries(category);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("knowledge: failed to create schema: %w", err)
	}

	topK := cfg.TopK
	if topK <= 0 {
		topK = 5
	}

	log.Infof("Knowledge base initialized (db: %s)", cfg.DBPath)
	return &Base{
		db:            db,
		embedder:      embedder,
		topK:          topK,
		minSimilarity: cfg.MinSimilarity,
	}, nil
}

// Add stores a fact and returns its id. The embedding is computed up front so
// searches never need the embedder for stored entries.
func (b *Base) Add(ctx context.Context, content, category, source string) (string, error) {
	if content == "" {
		return "", fmt.Errorf("knowledge: content is required")
	}

	var vector []byte
	if b.embedder != nil {
		embedding, err := b.embedder.Embeddings(ctx, content)
		if err != nil {
			return "", fmt.Errorf("knowledge: failed to embed content: %w", err)
		}
		vector, err = json.Marshal(embedding)
		if err != nil {
			return "", fmt.Errorf("knowledge: failed to encode embedding: %w", err)
		}
	}

	id := uuid.NewString()
	_, err := b.db.ExecContext(ctx,
		`INSERT INTO knowledge_entries (id, content, category, source, embedding, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		id, content, category, source, vector, time.Now().Unix(),
	)
	if err != nil {
		return "", fmt.Errorf("knowledge: insert failed: %w", err)
	}
	return id, nil
}

// Get returns the entry with the given id.
func (b *Base) Get(ctx context.Context, id string) (Entry, error) {
	var e Entry
	var created int64
	err := b.db.QueryRowContext(ctx,
		`SELECT id, content, category, source, created_at FROM knowledge_entries WHERE id = ?`, id,
	).Scan(&e.ID, &e.Content, &e.Category, &e.Source, &created)
	if err == sql.ErrNoRows {
		return Entry{}, fmt.Errorf("knowledge: entry %s not found", id)
	}
	if err != nil {
		return Entry{}, fmt.Errorf("knowledge: get failed: %w", err)
	}
	e.CreatedAt = time.Unix(created, 0)
	return e, nil
}

// Delete removes an entry.
func (b *Base) Delete(ctx context.Context, id string) error {
	res, err := b.db.ExecContext(ctx, `DELETE FROM knowledge_entries WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("knowledge: delete failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("knowledge: entry %s not found", id)
	}
	return nil
}

// Search embeds the query and returns the topK most similar entries above the
// minimum similarity, ordered best first with entry id breaking ties.
func (b *Base) Search(ctx context.Context, query string, topK int) ([]SearchResult, error) {
	if b.embedder == nil {
		return nil, fmt.Errorf("knowledge: search requires an embedder")
	}
	if topK <= 0 {
		topK = b.topK
	}

	queryVec, err := b.embedder.Embeddings(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("knowledge: failed to embed query: %w", err)
	}

	rows, err := b.db.QueryContext(ctx,
		`SELECT id, content, category, source, embedding, created_at FROM knowledge_entries WHERE embedding IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("knowledge: search query failed: %w", err)
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var e Entry
		var vector []byte
		var created int64
		if err := rows.Scan(&e.ID, &e.Content, &e.Category, &e.Source, &vector, &created); err != nil {
			return nil, fmt.Errorf("knowledge: scan failed: %w", err)
		}
		e.CreatedAt = time.Unix(created, 0)

		var embedding []float64
		if err := json.Unmarshal(vector, &embedding); err != nil {
			log.Warnf("Skipping knowledge entry %s with corrupt embedding: %v", e.ID, err)
			continue
		}

		similarity := CosineSimilarity(queryVec, embedding)
		if similarity < b.minSimilarity {
			continue
		}
		results = append(results, SearchResult{Entry: e, Similarity: similarity})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("knowledge: search failed: %w", err)
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Similarity != results[j].Similarity {
			return results[i].Similarity > results[j].Similarity
		}
		return results[i].Entry.ID < results[j].Entry.ID
	})
	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

// List returns entries in a category, newest first. An empty category lists
// everything.
func (b *Base) List(ctx context.Context, category string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT id, content, category, source, created_at FROM knowledge_entries`
	args := []interface{}{}
	if category != "" {
		query += ` WHERE category = ?`
		args = append(args, category)
	}
	query += ` ORDER BY created_at DESC, id LIMIT ?`
	args = append(args, limit)

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("knowledge: list failed: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var created int64
		if err := rows.Scan(&e.ID, &e.Content, &e.Category, &e.Source, &created); err != nil {
			return nil, fmt.Errorf("knowledge: scan failed: %w", err)
		}
		e.CreatedAt = time.Unix(created, 0)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Count returns the number of stored entries.
func (b *Base) Count(ctx context.Context) (int, error) {
	var n int
	if err := b.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM knowledge_entries`).Scan(&n); err != nil {
		return 0, fmt.Errorf("knowledge: count failed: %w", err)
	}
	return n, nil
}

// Close closes the database.
func (b *Base) Close() error {
	return b.db.Close()
}

// CosineSimilarity computes the cosine of the angle between two vectors.
// Mismatched lengths or zero vectors yield 0.
func CosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// Copyright 2026 The Polyad Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package store persists security audit events. With a Postgres DSN the
// events land in a table; otherwise they live in a bounded in-memory ring so
// the audit API keeps working in single-node deployments.
package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/polyadai/polyad/internal/config"
)

// AuditEvent is one security-relevant occurrence.
type AuditEvent struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Actor     string    `json:"actor"`
	Action    string    `json:"action"`
	Resource  string    `json:"resource"`
	Outcome   string    `json:"outcome"`
	ClientIP  string    `json:"client_ip"`
	Detail    string    `json:"detail,omitempty"`
}

// AuditStore records and queries audit events.
type AuditStore interface {
	Record(ctx context.Context, event AuditEvent) error
	Recent(ctx context.Context, limit int) ([]AuditEvent, error)
	Close() error
}

// New selects the store backend from configuration.
func New(cfg *config.AuditConfig) (AuditStore, error) {
	if cfg == nil {
		def := config.DefaultConfig().Audit
		cfg = &def
	}
	if cfg.PostgresDSN != "" {
		return NewPostgresStore(cfg)
	}
	return NewMemoryStore(cfg.MemoryLimit), nil
}

// MemoryStore keeps the newest events in a ring.
type MemoryStore struct {
	mu     sync.Mutex
	events []AuditEvent
	limit  int
}

// NewMemoryStore creates a ring holding at most limit events.
func NewMemoryStore(limit int) *MemoryStore {
	if limit <= 0 {
		limit = 1000
	}
	return &MemoryStore{limit: limit}
}

func (s *MemoryStore) Record(_ context.Context, event AuditEvent) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.events = append(s.events, event)
	if len(s.events) > s.limit {
		s.events = s.events[1:]
	}
	return nil
}

// Recent returns the newest events first.
func (s *MemoryStore) Recent(_ context.Context, limit int) ([]AuditEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 || limit > len(s.events) {
		limit = len(s.events)
	}
	out := make([]AuditEvent, 0, limit)
	for i := len(s.events) - 1; i >= len(s.events)-limit; i-- {
		out = append(out, s.events[i])
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }

var _ AuditStore = (*MemoryStore)(nil)

// Size reports the number of retained events.
func (s *MemoryStore) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

// Err values shared by backends.
var errClosed = fmt.Errorf("store: already closed")

// Copyright 2026 The Polyad Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package store

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	log "github.com/sirupsen/logrus"

	"github.com/polyadai/polyad/internal/config"
)

const defaultAuditTable = "audit_events"

var tableNameRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// PostgresStore persists audit events in Postgres via the pgx stdlib driver.
type PostgresStore struct {
	db    *sql.DB
	table string
}

// NewPostgresStore opens the database, verifies connectivity and ensures the
// audit table exists.
func NewPostgresStore(cfg *config.AuditConfig) (*PostgresStore, error) {
	table := cfg.Table
	if table == "" {
		table = defaultAuditTable
	}
	if !tableNameRe.MatchString(table) {
		return nil, fmt.Errorf("store: invalid audit table name %q", table)
	}

	db, err := sql.Open("pgx", cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("store: failed to open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: failed to reach postgres: %w", err)
	}

	s := &PostgresStore{db: db, table: table}
	if err := s.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	log.Infof("Audit store connected to Postgres, table %s", table)
	return s, nil
}

// newPostgresStoreWithDB wires an existing handle, used by tests.
func newPostgresStoreWithDB(db *sql.DB, table string) *PostgresStore {
	if table == "" {
		table = defaultAuditTable
	}
	return &PostgresStore{db: db, table: table}
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	schema := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %s (
		id TEXT PRIMARY KEY,
		timestamp TIMESTAMPTZ NOT NULL,
		actor TEXT NOT NULL,
		action TEXT NOT NULL,
		resource TEXT NOT NULL,
		outcome TEXT NOT NULL,
		client_ip TEXT NOT NULL,
		detail TEXT NOT NULL DEFAULT ''
	)`, s.table)
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("store: failed to create audit table: %w", err)
	}

	index := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_timestamp ON %s (timestamp DESC)`, s.table, s.table)
	if _, err := s.db.ExecContext(ctx, index); err != nil {
		return fmt.Errorf("store: failed to create audit index: %w", err)
	}
	return nil
}

// Record inserts one audit event.
func (s *PostgresStore) Record(ctx context.Context, event AuditEvent) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	query := fmt.Sprintf(
		`INSERT INTO %s (id, timestamp, actor, action, resource, outcome, client_ip, detail) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		s.table,
	)
	_, err := s.db.ExecContext(ctx, query,
		event.ID, event.Timestamp, event.Actor, event.Action,
		event.Resource, event.Outcome, event.ClientIP, event.Detail,
	)
	if err != nil {
		return fmt.Errorf("store: failed to record audit event: %w", err)
	}
	return nil
}

// Recent returns the newest events first.
func (s *PostgresStore) Recent(ctx context.Context, limit int) ([]AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}

	query := fmt.Sprintf(
		`SELECT id, timestamp, actor, action, resource, outcome, client_ip, detail FROM %s ORDER BY timestamp DESC LIMIT $1`,
		s.table,
	)
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("store: failed to query audit events: %w", err)
	}
	defer rows.Close()

	var out []AuditEvent
	for rows.Next() {
		var e AuditEvent
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Actor, &e.Action, &e.Resource, &e.Outcome, &e.ClientIP, &e.Detail); err != nil {
			return nil, fmt.Errorf("store: failed to scan audit event: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: failed to read audit events: %w", err)
	}
	return out, nil
}

// Close releases the database handle.
func (s *PostgresStore) Close() error {
	if s.db == nil {
		return errClosed
	}
	err := s.db.Close()
	s.db = nil
	return err
}

var _ AuditStore = (*PostgresStore)(nil)

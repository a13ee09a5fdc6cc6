// Copyright 2026 The Polyad Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package dlq implements the dead-letter queue for failed actions. Failed
// work is parked with its error, retried on a schedule up to a retry budget,
// and finally dropped or surfaced for inspection.
package dlq

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/polyadai/polyad/internal/config"
)

// EntryStatus tracks an entry through its retry lifecycle.
type EntryStatus string

const (
	StatusPending   EntryStatus = "pending"
	StatusRetrying  EntryStatus = "retrying"
	StatusExhausted EntryStatus = "exhausted"
	StatusResolved  EntryStatus = "resolved"
)

// Entry is one failed action parked in the queue.
type Entry struct {
	ID         string                 `json:"id"`
	ActionType string                 `json:"action_type"`
	Payload    map[string]interface{} `json:"payload"`
	LastError  string                 `json:"last_error"`
	Retries    int                    `json:"retries"`
	Status     EntryStatus            `json:"status"`
	CreatedAt  time.Time              `json:"created_at"`
	NextRetry  time.Time              `json:"next_retry"`
}

// RetryFunc re-executes a parked action. A nil error resolves the entry.
type RetryFunc func(actionType string, payload map[string]interface{}) error

// Manager owns the queue and its retry loop.
type Manager struct {
	maxRetries int
	retryDelay time.Duration
	retention  time.Duration
	maxSize    int

	retry RetryFunc

	mu      sync.Mutex
	entries map[string]*Entry

	stopChan chan struct{}
	wg       sync.WaitGroup
	started  bool

	now func() time.Time
}

// NewManager creates a queue manager. retry may be nil, in which case entries
// only age out.
func NewManager(cfg *config.DLQConfig, retry RetryFunc) *Manager {
	if cfg == nil {
		def := config.DefaultConfig().DLQ
		cfg = &def
	}

	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = 30 * time.Second
	}
	retention := cfg.Retention
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	maxSize := cfg.MaxSize
	if maxSize <= 0 {
		maxSize = 1000
	}

	return &Manager{
		maxRetries: maxRetries,
		retryDelay: retryDelay,
		retention:  retention,
		maxSize:    maxSize,
		retry:      retry,
		entries:    make(map[string]*Entry),
		stopChan:   make(chan struct{}),
		now:        time.Now,
	}
}

// Add parks a failed action and returns the entry id. When the queue is full
// the oldest resolved or exhausted entry is dropped first; if none exists the
// oldest entry overall goes.
func (m *Manager) Add(actionType string, payload map[string]interface{}, cause error) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.entries) >= m.maxSize {
		m.evictLocked()
	}

	now := m.now()
	entry := &Entry{
		ID:         uuid.NewString(),
		ActionType: actionType,
		Payload:    payload,
		LastError:  cause.Error(),
		Status:     StatusPending,
		CreatedAt:  now,
		NextRetry:  now.Add(m.retryDelay),
	}
	m.entries[entry.ID] = entry

	log.Warnf("Action %s parked in dead-letter queue (%s): %v", actionType, entry.ID, cause)
	return entry.ID
}

func (m *Manager) evictLocked() {
	var victim *Entry
	victimDone := false
	for _, e := range m.entries {
		done := e.Status == StatusResolved || e.Status == StatusExhausted
		if victim == nil || (done && !victimDone) || (done == victimDone && e.CreatedAt.Before(victim.CreatedAt)) {
			victim = e
			victimDone = done
		}
	}
	if victim != nil {
		delete(m.entries, victim.ID)
	}
}

// Get returns a copy of the entry with the given id.
func (m *Manager) Get(id string) (Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[id]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// List returns entries sorted oldest first.
func (m *Manager) List() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Size returns the number of parked entries.
func (m *Manager) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Remove deletes an entry.
func (m *Manager) Remove(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.entries[id]; !ok {
		return fmt.Errorf("dlq: entry %s not found", id)
	}
	delete(m.entries, id)
	return nil
}

// ProcessRetries retries every due entry once. Exhausted entries are marked
// and left for retention cleanup. Returns the number of entries resolved.
func (m *Manager) ProcessRetries() int {
	if m.retry == nil {
		return 0
	}

	now := m.now()

	m.mu.Lock()
	var due []*Entry
	for _, e := range m.entries {
		if (e.Status == StatusPending || e.Status == StatusRetrying) && !now.Before(e.NextRetry) {
			due = append(due, e)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].CreatedAt.Before(due[j].CreatedAt) })
	m.mu.Unlock()

	resolved := 0
	for _, e := range due {
		err := m.retry(e.ActionType, e.Payload)

		m.mu.Lock()
		if err == nil {
			e.Status = StatusResolved
			resolved++
			log.Infof("Dead-letter entry %s resolved after %d retries", e.ID, e.Retries)
		} else {
			e.Retries++
			e.LastError = err.Error()
			if e.Retries >= m.maxRetries {
				e.Status = StatusExhausted
				log.Errorf("Dead-letter entry %s exhausted its %d retries: %v", e.ID, m.maxRetries, err)
			} else {
				e.Status = StatusRetrying
				// Back off linearly with each attempt.
				e.NextRetry = m.now().Add(m.retryDelay * time.Duration(e.Retries+1))
			}
		}
		m.mu.Unlock()
	}
	return resolved
}

// PurgeExpired removes entries older than the retention period, plus resolved
// entries regardless of age. Returns the number removed.
func (m *Manager) PurgeExpired() int {
	cutoff := m.now().Add(-m.retention)

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, e := range m.entries {
		if e.Status == StatusResolved || e.CreatedAt.Before(cutoff) {
			delete(m.entries, id)
			removed++
		}
	}
	return removed
}

// Start launches the retry/cleanup loop.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	// Fresh channel each start so the manager can be restarted after Stop.
	m.stopChan = make(chan struct{})
	stop := m.stopChan
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.retryDelay)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				m.ProcessRetries()
				m.PurgeExpired()
			}
		}
	}()
	log.Info("Dead-letter queue manager started")
}

// Stop stops the retry loop.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	stop := m.stopChan
	m.mu.Unlock()

	close(stop)
	m.wg.Wait()
	log.Info("Dead-letter queue manager stopped")
}

// Copyright 2026 The Polyad Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package monitoring

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/sjson"

	"github.com/polyadai/polyad/internal/config"
	"github.com/polyadai/polyad/internal/events"
)

// Monitor samples process health on an interval, feeds the samples into the
// metrics tracker and writes a JSON snapshot for dashboards.
type Monitor struct {
	config  *config.MonitoringConfig
	metrics *Metrics

	startTime time.Time

	mu      sync.Mutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewMonitor creates a monitor around the given metrics tracker.
func NewMonitor(cfg *config.MonitoringConfig, bus *events.Bus) *Monitor {
	if cfg == nil {
		def := config.DefaultConfig().Monitoring
		cfg = &def
	}
	return &Monitor{
		config:    cfg,
		metrics:   NewMetrics(cfg.Thresholds, bus),
		startTime: time.Now(),
		done:      make(chan struct{}),
	}
}

// Metrics exposes the tracker for request instrumentation.
func (m *Monitor) Metrics() *Metrics {
	return m.metrics
}

// Uptime reports how long the monitor has been alive.
func (m *Monitor) Uptime() time.Duration {
	return time.Since(m.startTime)
}

// Start launches the sampling loop. It fails when monitoring is disabled or
// already running.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.config.Enabled {
		return fmt.Errorf("monitoring is disabled")
	}
	if m.running {
		return fmt.Errorf("monitor is already running")
	}

	m.ctx, m.cancel = context.WithCancel(ctx)
	m.running = true
	m.done = make(chan struct{})

	interval := m.config.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}

	go m.loop(interval)

	log.Info("System monitor started")
	return nil
}

// Stop shuts down the sampling loop. Safe to call when not running.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.cancel()
	m.mu.Unlock()

	select {
	case <-m.done:
	case <-time.After(5 * time.Second):
		log.Warn("System monitor stop timed out waiting for loop")
	}
	log.Info("System monitor stopped")
}

func (m *Monitor) loop(interval time.Duration) {
	defer close(m.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.sample()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.sample()
			if m.config.SnapshotPath != "" {
				if err := m.WriteSnapshot(m.config.SnapshotPath); err != nil {
					log.Warnf("Failed to write metrics snapshot: %v", err)
				}
			}
		}
	}
}

// sample collects process-level metrics.
func (m *Monitor) sample() {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	m.metrics.Track("goroutines", float64(runtime.NumGoroutine()))
	m.metrics.Track("heap_mb", float64(mem.HeapAlloc)/(1024*1024))
	m.metrics.Track("gc_pause_ms", float64(mem.PauseTotalNs)/1e6)
}

// Snapshot renders the current state as JSON.
func (m *Monitor) Snapshot() ([]byte, error) {
	doc := "{}"
	var err error

	doc, err = sjson.Set(doc, "timestamp", time.Now().Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("monitoring: failed to build snapshot: %w", err)
	}
	doc, _ = sjson.Set(doc, "uptime_seconds", m.Uptime().Seconds())

	for metric, summary := range m.metrics.Summaries() {
		base := "metrics." + metric
		doc, _ = sjson.Set(doc, base+".current", summary.Current)
		doc, _ = sjson.Set(doc, base+".average", summary.Average)
		doc, _ = sjson.Set(doc, base+".std_dev", summary.StdDev)
		doc, _ = sjson.Set(doc, base+".min", summary.Min)
		doc, _ = sjson.Set(doc, base+".max", summary.Max)
		doc, _ = sjson.Set(doc, base+".count", summary.Count)
	}

	for i, alert := range m.metrics.Alerts(10) {
		base := fmt.Sprintf("alerts.%d", i)
		doc, _ = sjson.Set(doc, base+".metric", alert.Metric)
		doc, _ = sjson.Set(doc, base+".value", alert.Value)
		doc, _ = sjson.Set(doc, base+".severity", string(alert.Severity))
		doc, _ = sjson.Set(doc, base+".timestamp", alert.Timestamp.Format(time.RFC3339))
	}

	return []byte(doc), nil
}

// WriteSnapshot writes the JSON snapshot atomically.
func (m *Monitor) WriteSnapshot(path string) error {
	data, err := m.Snapshot()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("monitoring: failed to create snapshot directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("monitoring: failed to write snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("monitoring: failed to replace snapshot: %w", err)
	}
	return nil
}

// IsRunning reports whether the sampling loop is active.
func (m *Monitor) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

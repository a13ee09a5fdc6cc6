// Copyright 2026 The Polyad Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package monitoring tracks performance metrics against configurable
// thresholds, raises alerts when they are crossed and periodically samples
// process health in a background loop.
package monitoring

import (
	"math"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/polyadai/polyad/internal/config"
	"github.com/polyadai/polyad/internal/events"
)

const (
	// metricWindow is how many samples each metric retains.
	metricWindow = 100
	// alertRing bounds the alert history.
	alertRing = 100
)

// Severity grades an alert.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert records one threshold crossing.
type Alert struct {
	Timestamp time.Time `json:"timestamp"`
	Metric    string    `json:"metric"`
	Value     float64   `json:"value"`
	Severity  Severity  `json:"severity"`
	Threshold float64   `json:"threshold"`
}

// MetricSummary aggregates one metric's recent samples.
type MetricSummary struct {
	Current float64 `json:"current"`
	Average float64 `json:"average"`
	StdDev  float64 `json:"std_dev"`
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	Count   int     `json:"count"`
}

// higherIsBetter lists metrics that alert when they fall BELOW a threshold;
// everything else alerts when it rises above.
var higherIsBetter = map[string]bool{
	"accuracy":          true,
	"user_satisfaction": true,
	"task_completion":   true,
	"efficiency":        true,
}

// Metrics tracks named metric series and their thresholds.
type Metrics struct {
	thresholds map[string]config.Threshold
	bus        *events.Bus

	mu      sync.RWMutex
	series  map[string][]float64
	alerts  []Alert
	active  map[string]Alert
	counter struct {
		requests  int64
		errors    int64
		cacheHits int64
		cacheOps  int64
	}
}

// NewMetrics creates a tracker with the configured thresholds. bus may be
// nil; alerts are then only logged and recorded.
func NewMetrics(thresholds map[string]config.Threshold, bus *events.Bus) *Metrics {
	return &Metrics{
		thresholds: thresholds,
		bus:        bus,
		series:     make(map[string][]float64),
		active:     make(map[string]Alert),
	}
}

// Track appends a sample to a metric's sliding window and raises alerts when
// the sample crosses a configured threshold.
func (m *Metrics) Track(metric string, value float64) {
	m.mu.Lock()
	window := append(m.series[metric], value)
	if len(window) > metricWindow {
		window = window[1:]
	}
	m.series[metric] = window
	m.mu.Unlock()

	m.checkThresholds(metric, value)
}

func (m *Metrics) checkThresholds(metric string, value float64) {
	t, ok := m.thresholds[metric]
	if !ok {
		return
	}

	if higherIsBetter[metric] {
		if value < t.Critical {
			m.raise(metric, value, SeverityCritical, t.Critical)
		} else if value < t.Warning {
			m.raise(metric, value, SeverityWarning, t.Warning)
		} else {
			m.ClearAlert(metric)
		}
		return
	}

	if value > t.Critical {
		m.raise(metric, value, SeverityCritical, t.Critical)
	} else if value > t.Warning {
		m.raise(metric, value, SeverityWarning, t.Warning)
	} else {
		m.ClearAlert(metric)
	}
}

func (m *Metrics) raise(metric string, value float64, severity Severity, threshold float64) {
	alert := Alert{
		Timestamp: time.Now(),
		Metric:    metric,
		Value:     value,
		Severity:  severity,
		Threshold: threshold,
	}

	m.mu.Lock()
	m.alerts = append(m.alerts, alert)
	if len(m.alerts) > alertRing {
		m.alerts = m.alerts[1:]
	}
	m.active[metric] = alert
	m.mu.Unlock()

	log.Warnf("Performance alert: %s=%.3f crossed %s threshold %.3f", metric, value, severity, threshold)

	if m.bus != nil {
		m.bus.PublishAsync(events.NewPayload(events.EventAlertRaised, "monitoring", map[string]interface{}{
			"metric":   metric,
			"value":    value,
			"severity": string(severity),
		}))
	}
}

// ClearAlert removes the active alert for a metric, if any. A healthy sample
// clears automatically; this handles manual acknowledgement.
func (m *Metrics) ClearAlert(metric string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.active[metric]
	delete(m.active, metric)
	return ok
}

// ActiveAlerts returns the currently unresolved alerts sorted by metric name.
func (m *Metrics) ActiveAlerts() []Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Alert, 0, len(m.active))
	for _, a := range m.active {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Metric < out[j].Metric })
	return out
}

// RecordCacheOp counts a cache lookup. The derived cache_hit_rate metric is
// tracked on every sample.
func (m *Metrics) RecordCacheOp(hit bool) {
	m.mu.Lock()
	m.counter.cacheOps++
	if hit {
		m.counter.cacheHits++
	}
	rate := float64(m.counter.cacheHits) / float64(m.counter.cacheOps)
	m.mu.Unlock()

	m.Track("cache_hit_rate", rate)
}

// RecordRequest counts one served request and whether it failed. The derived
// error_rate metric is tracked on every sample.
func (m *Metrics) RecordRequest(failed bool) {
	m.mu.Lock()
	m.counter.requests++
	if failed {
		m.counter.errors++
	}
	rate := float64(m.counter.errors) / float64(m.counter.requests)
	m.mu.Unlock()

	m.Track("error_rate", rate)
}

// Summaries aggregates every tracked metric, keyed by name.
func (m *Metrics) Summaries() map[string]MetricSummary {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]MetricSummary, len(m.series))
	for metric, window := range m.series {
		if len(window) == 0 {
			continue
		}
		out[metric] = summarize(window)
	}
	return out
}

func summarize(window []float64) MetricSummary {
	s := MetricSummary{
		Current: window[len(window)-1],
		Min:     window[0],
		Max:     window[0],
		Count:   len(window),
	}
	var sum float64
	for _, v := range window {
		sum += v
		if v < s.Min {
			s.Min = v
		}
		if v > s.Max {
			s.Max = v
		}
	}
	s.Average = sum / float64(len(window))

	var variance float64
	for _, v := range window {
		d := v - s.Average
		variance += d * d
	}
	s.StdDev = math.Sqrt(variance / float64(len(window)))
	return s
}

// Alerts returns the most recent alerts, newest last.
func (m *Metrics) Alerts(limit int) []Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 || limit > len(m.alerts) {
		limit = len(m.alerts)
	}
	out := make([]Alert, limit)
	copy(out, m.alerts[len(m.alerts)-limit:])
	return out
}

// MetricNames returns the tracked metric names sorted.
func (m *Metrics) MetricNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.series))
	for name := range m.series {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

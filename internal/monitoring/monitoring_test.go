// Copyright 2026 The Polyad Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package monitoring

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/polyadai/polyad/internal/config"
)

func TestTrack_WindowBounded(t *testing.T) {
	m := NewMetrics(nil, nil)

	for i := 0; i < metricWindow+50; i++ {
		m.Track("latency_ms", float64(i))
	}

	s := m.Summaries()["latency_ms"]
	assert.Equal(t, metricWindow, s.Count)
	assert.Equal(t, float64(metricWindow+49), s.Current)
	assert.Equal(t, float64(50), s.Min)
}

func TestThresholds_HigherIsWorse(t *testing.T) {
	m := NewMetrics(map[string]config.Threshold{
		"error_rate": {Warning: 0.1, Critical: 0.3},
	}, nil)

	m.Track("error_rate", 0.05)
	assert.Empty(t, m.Alerts(0))

	m.Track("error_rate", 0.2)
	alerts := m.Alerts(0)
	require.Len(t, alerts, 1)
	assert.Equal(t, SeverityWarning, alerts[0].Severity)
	assert.Equal(t, 0.1, alerts[0].Threshold)

	m.Track("error_rate", 0.5)
	alerts = m.Alerts(0)
	require.Len(t, alerts, 2)
	assert.Equal(t, SeverityCritical, alerts[1].Severity)
}

func TestThresholds_HigherIsBetter(t *testing.T) {
	m := NewMetrics(map[string]config.Threshold{
		"accuracy": {Warning: 0.8, Critical: 0.5},
	}, nil)

	m.Track("accuracy", 0.9)
	assert.Empty(t, m.Alerts(0))

	m.Track("accuracy", 0.7)
	alerts := m.Alerts(0)
	require.Len(t, alerts, 1)
	assert.Equal(t, SeverityWarning, alerts[0].Severity)

	m.Track("accuracy", 0.4)
	alerts = m.Alerts(0)
	require.Len(t, alerts, 2)
	assert.Equal(t, SeverityCritical, alerts[1].Severity)
}

func TestAlerts_RingBoundedAndLimited(t *testing.T) {
	m := NewMetrics(map[string]config.Threshold{
		"cpu_percent": {Warning: 1, Critical: 2},
	}, nil)

	for i := 0; i < alertRing+20; i++ {
		m.Track("cpu_percent", 5)
	}

	assert.Len(t, m.Alerts(0), alertRing)
	assert.Len(t, m.Alerts(7), 7)
}

func TestSummarize(t *testing.T) {
	m := NewMetrics(nil, nil)
	for _, v := range []float64{2, 4, 4, 4, 5, 5, 7, 9} {
		m.Track("sample", v)
	}

	s := m.Summaries()["sample"]
	assert.Equal(t, 9.0, s.Current)
	assert.Equal(t, 5.0, s.Average)
	assert.Equal(t, 2.0, s.StdDev)
	assert.Equal(t, 2.0, s.Min)
	assert.Equal(t, 9.0, s.Max)
	assert.Equal(t, 8, s.Count)
}

func TestRecordRequest_DerivesErrorRate(t *testing.T) {
	m := NewMetrics(nil, nil)

	m.RecordRequest(false)
	m.RecordRequest(false)
	m.RecordRequest(true)
	m.RecordRequest(false)

	s := m.Summaries()["error_rate"]
	assert.InDelta(t, 0.25, s.Current, 1e-9)
	assert.Equal(t, 4, s.Count)
}

func TestMetricNames_Sorted(t *testing.T) {
	m := NewMetrics(nil, nil)
	m.Track("zeta", 1)
	m.Track("alpha", 1)
	m.Track("mid", 1)

	assert.Equal(t, []string{"alpha", "mid", "zeta"}, m.MetricNames())
}

func TestMonitor_SnapshotContents(t *testing.T) {
	mon := NewMonitor(&config.MonitoringConfig{Enabled: true, Interval: time.Second}, nil)
	mon.Metrics().Track("latency_ms", 12.5)
	mon.Metrics().Track("latency_ms", 17.5)

	data, err := mon.Snapshot()
	require.NoError(t, err)

	doc := gjson.ParseBytes(data)
	assert.True(t, doc.Get("timestamp").Exists())
	assert.Equal(t, 17.5, doc.Get("metrics.latency_ms.current").Float())
	assert.Equal(t, 15.0, doc.Get("metrics.latency_ms.average").Float())
	assert.Equal(t, int64(2), doc.Get("metrics.latency_ms.count").Int())
}

func TestMonitor_WriteSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshots", "metrics.json")
	mon := NewMonitor(&config.MonitoringConfig{Enabled: true, Interval: time.Second}, nil)
	mon.Metrics().Track("goroutines", 8)

	require.NoError(t, mon.WriteSnapshot(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 8.0, gjson.GetBytes(data, "metrics.goroutines.current").Float())
}

func TestMonitor_StartStop(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.json")
	mon := NewMonitor(&config.MonitoringConfig{
		Enabled:      true,
		Interval:     10 * time.Millisecond,
		SnapshotPath: path,
	}, nil)

	require.NoError(t, mon.Start(context.Background()))
	assert.Error(t, mon.Start(context.Background()))

	require.Eventually(t, func() bool {
		_, err := os.Stat(path)
		return err == nil
	}, 2*time.Second, 20*time.Millisecond)

	mon.Stop()
	mon.Stop()
	assert.False(t, mon.IsRunning())

	// The loop sampled process stats at least once.
	assert.Contains(t, mon.Metrics().MetricNames(), "goroutines")
}

func TestMonitor_DisabledRefusesToStart(t *testing.T) {
	mon := NewMonitor(&config.MonitoringConfig{Enabled: false}, nil)
	assert.Error(t, mon.Start(context.Background()))
}

func TestActiveAlerts_TrackedAndCleared(t *testing.T) {
	m := NewMetrics(map[string]config.Threshold{
		"error_rate": {Warning: 0.1, Critical: 0.3},
		"latency_ms": {Warning: 500, Critical: 2000},
	}, nil)

	m.Track("error_rate", 0.2)
	m.Track("latency_ms", 3000)

	active := m.ActiveAlerts()
	require.Len(t, active, 2)
	assert.Equal(t, "error_rate", active[0].Metric)
	assert.Equal(t, SeverityWarning, active[0].Severity)
	assert.Equal(t, "latency_ms", active[1].Metric)
	assert.Equal(t, SeverityCritical, active[1].Severity)

	// A healthy sample resolves its metric.
	m.Track("error_rate", 0.01)
	active = m.ActiveAlerts()
	require.Len(t, active, 1)
	assert.Equal(t, "latency_ms", active[0].Metric)

	// Manual acknowledgement clears the rest.
	assert.True(t, m.ClearAlert("latency_ms"))
	assert.False(t, m.ClearAlert("latency_ms"))
	assert.Empty(t, m.ActiveAlerts())

	// The history ring is unaffected by clearing.
	assert.Len(t, m.Alerts(0), 2)
}

func TestRecordCacheOp_DerivesHitRate(t *testing.T) {
	m := NewMetrics(nil, nil)

	m.RecordCacheOp(true)
	m.RecordCacheOp(true)
	m.RecordCacheOp(false)
	m.RecordCacheOp(true)

	s := m.Summaries()["cache_hit_rate"]
	assert.Equal(t, 4, s.Count)
	assert.InDelta(t, 0.75, s.Current, 1e-9)
}

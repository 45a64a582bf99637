package browser

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/odvcencio/gdprscan/pkg/telemetry"
)

// Metrics tracks browser runtime counters.
type Metrics struct {
	SessionsCreated atomic.Int64
	SessionsClosed  atomic.Int64
	ActiveSessions  atomic.Int64

	NavigateCount   atomic.Int64
	NavigateFailed  atomic.Int64
	NavigateLatency atomic.Int64 // nanoseconds sum for averaging
	FindCount       atomic.Int64

	mu     sync.RWMutex
	hub    *telemetry.Hub
	scanID string
}

// NewMetrics creates a new metrics collector.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// EnableTelemetry wires the metrics collector to a telemetry hub.
func (m *Metrics) EnableTelemetry(hub *telemetry.Hub, scanID string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.hub = hub
	m.scanID = scanID
	m.mu.Unlock()
}

// RecordSessionCreated increments session creation counter.
func (m *Metrics) RecordSessionCreated(browserSessionID string) {
	if m == nil {
		return
	}
	m.SessionsCreated.Add(1)
	m.ActiveSessions.Add(1)
	m.publishEvent(telemetry.EventBrowserSessionCreated, map[string]any{
		"browser_session_id": browserSessionID,
	})
}

// RecordSessionClosed increments session close counter.
func (m *Metrics) RecordSessionClosed(browserSessionID string) {
	if m == nil {
		return
	}
	m.SessionsClosed.Add(1)
	m.ActiveSessions.Add(-1)
	m.publishEvent(telemetry.EventBrowserSessionClosed, map[string]any{
		"browser_session_id": browserSessionID,
	})
}

// RecordNavigate records one Open call and its outcome.
func (m *Metrics) RecordNavigate(browserSessionID, url string, latency time.Duration, err error) {
	if m == nil {
		return
	}
	m.NavigateCount.Add(1)
	m.NavigateLatency.Add(latency.Nanoseconds())
	data := map[string]any{
		"browser_session_id": browserSessionID,
		"url":                url,
		"latency_ms":         latency.Milliseconds(),
	}
	if err != nil {
		m.NavigateFailed.Add(1)
		data["error"] = err.Error()
		m.publishEvent(telemetry.EventBrowserNavigateFailed, data)
		return
	}
	m.publishEvent(telemetry.EventBrowserNavigate, data)
}

// RecordFind increments the DOM query counter.
func (m *Metrics) RecordFind() {
	if m == nil {
		return
	}
	m.FindCount.Add(1)
}

// Snapshot returns a point-in-time snapshot of all metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	if m == nil {
		return MetricsSnapshot{}
	}
	avg := time.Duration(0)
	if n := m.NavigateCount.Load(); n > 0 {
		avg = time.Duration(m.NavigateLatency.Load() / n)
	}
	return MetricsSnapshot{
		SessionsCreated:        m.SessionsCreated.Load(),
		SessionsClosed:         m.SessionsClosed.Load(),
		ActiveSessions:         m.ActiveSessions.Load(),
		NavigateCount:          m.NavigateCount.Load(),
		NavigateFailed:         m.NavigateFailed.Load(),
		AverageNavigateLatency: avg,
		FindCount:              m.FindCount.Load(),
	}
}

func (m *Metrics) publishEvent(eventType telemetry.EventType, data map[string]any) {
	m.mu.RLock()
	hub := m.hub
	scanID := m.scanID
	m.mu.RUnlock()
	if hub == nil {
		return
	}
	hub.Publish(telemetry.Event{
		Type:      eventType,
		Timestamp: time.Now(),
		ScanID:    scanID,
		Data:      data,
	})
}

// MetricsSnapshot is a point-in-time copy of browser metrics.
type MetricsSnapshot struct {
	SessionsCreated        int64
	SessionsClosed         int64
	ActiveSessions         int64
	NavigateCount          int64
	NavigateFailed         int64
	AverageNavigateLatency time.Duration
	FindCount              int64
}

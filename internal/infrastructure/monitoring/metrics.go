package monitoring

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and records
// nothing, so components can be built without a collector in tests.
type Metrics struct {
	// Host API metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Proxy metrics
	ProxyRequests *prometheus.CounterVec
	ProxyDuration *prometheus.HistogramVec
	ProxyRetries  prometheus.Counter
	ProxyInFlight prometheus.Gauge

	// Session metrics
	SessionsActive     prometheus.Gauge
	SessionsTotal      *prometheus.CounterVec
	PendingRequests    prometheus.Gauge
	ProtocolViolations *prometheus.CounterVec
	DuplicateRequests  prometheus.Counter

	// Challenge metrics
	ChallengesOutstanding prometheus.Gauge
	ChallengesTotal       *prometheus.CounterVec

	// WebSocket metrics
	WSConnections prometheus.Gauge

	startTime time.Time

	snapshot Snapshot
	mu       sync.RWMutex
}

// Snapshot holds current values for the JSON health endpoint
type Snapshot struct {
	TotalRequests   int64   `json:"total_requests"`
	TotalErrors     int64   `json:"total_errors"`
	SessionsActive  int64   `json:"sessions_active"`
	SessionsTotal   int64   `json:"sessions_total"`
	ProxyRequests   int64   `json:"proxy_requests"`
	ProxyBlocked    int64   `json:"proxy_blocked"`
	UptimeSeconds   float64 `json:"uptime_seconds"`
	AvgResponseTime float64 `json:"avg_response_time_ms"`
	totalDuration   float64
}

// NewMetrics registers the bridge collectors on reg. Tests pass a fresh
// prometheus.NewRegistry(); the server uses prometheus.DefaultRegisterer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	m := &Metrics{startTime: time.Now()}

	m.RequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_http_requests_total",
			Help: "Total number of host API requests",
		},
		[]string{"method", "path", "status"},
	)
	m.RequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bridge_http_request_duration_seconds",
			Help:    "Host API request duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"method", "path"},
	)

	m.ProxyRequests = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_proxy_requests_total",
			Help: "Capability requests executed by the proxy, by outcome",
		},
		[]string{"method", "outcome"},
	)
	m.ProxyDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bridge_proxy_request_duration_seconds",
			Help:    "Capability request duration in seconds",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method"},
	)
	m.ProxyRetries = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "bridge_proxy_retries_total",
			Help: "Retried capability requests",
		},
	)
	m.ProxyInFlight = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "bridge_proxy_in_flight",
			Help: "Capability requests currently in flight",
		},
	)

	m.SessionsActive = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "bridge_sessions_active",
			Help: "Number of live module sessions",
		},
	)
	m.SessionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_sessions_total",
			Help: "Finished module sessions, by outcome",
		},
		[]string{"outcome"},
	)
	m.PendingRequests = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "bridge_pending_requests",
			Help: "Capability requests awaiting a response across all sessions",
		},
	)
	m.ProtocolViolations = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_protocol_violations_total",
			Help: "Inbound script messages that were dropped",
		},
		[]string{"reason"},
	)
	m.DuplicateRequests = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "bridge_duplicate_request_ids_total",
			Help: "Capability requests dropped because their id was already pending",
		},
	)

	m.ChallengesOutstanding = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "bridge_challenges_outstanding",
			Help: "Blocked requests waiting for a challenge solution",
		},
	)
	m.ChallengesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_challenges_total",
			Help: "Challenges by how they ended",
		},
		[]string{"provider", "outcome"},
	)

	m.WSConnections = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "bridge_ws_connections",
			Help: "Number of active challenge stream connections",
		},
	)

	factory.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "bridge_uptime_seconds",
			Help: "Bridge uptime in seconds",
		},
		func() float64 { return time.Since(m.startTime).Seconds() },
	)

	return m
}

// RecordHTTPRequest records a host API request
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())

	m.mu.Lock()
	m.snapshot.TotalRequests++
	m.snapshot.totalDuration += duration.Seconds()
	if status != "" && (status[0] == '4' || status[0] == '5') {
		m.snapshot.TotalErrors++
	}
	m.mu.Unlock()
}

// RecordProxyRequest records one finished capability request. outcome is one
// of ok, blocked, transport, undecodable.
func (m *Metrics) RecordProxyRequest(method, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.ProxyRequests.WithLabelValues(method, outcome).Inc()
	m.ProxyDuration.WithLabelValues(method).Observe(duration.Seconds())

	m.mu.Lock()
	m.snapshot.ProxyRequests++
	if outcome == "blocked" {
		m.snapshot.ProxyBlocked++
	}
	m.mu.Unlock()
}

// IncProxyRetries counts a retried attempt
func (m *Metrics) IncProxyRetries() {
	if m == nil {
		return
	}
	m.ProxyRetries.Inc()
}

// AddProxyInFlight adjusts the in-flight gauge
func (m *Metrics) AddProxyInFlight(delta float64) {
	if m == nil {
		return
	}
	m.ProxyInFlight.Add(delta)
}

// SessionStarted marks a session as live
func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.SessionsActive.Inc()
	m.mu.Lock()
	m.snapshot.SessionsActive++
	m.mu.Unlock()
}

// SessionFinished records how a session ended
func (m *Metrics) SessionFinished(outcome string) {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
	m.SessionsTotal.WithLabelValues(outcome).Inc()
	m.mu.Lock()
	m.snapshot.SessionsActive--
	m.snapshot.SessionsTotal++
	m.mu.Unlock()
}

// AddPendingRequests adjusts the pending requests gauge
func (m *Metrics) AddPendingRequests(delta float64) {
	if m == nil {
		return
	}
	m.PendingRequests.Add(delta)
}

// RecordProtocolViolation counts a dropped inbound message
func (m *Metrics) RecordProtocolViolation(reason string) {
	if m == nil {
		return
	}
	m.ProtocolViolations.WithLabelValues(reason).Inc()
}

// IncDuplicateRequests counts a request dropped for a reused id
func (m *Metrics) IncDuplicateRequests() {
	if m == nil {
		return
	}
	m.DuplicateRequests.Inc()
}

// ChallengeOpened counts a new outstanding challenge
func (m *Metrics) ChallengeOpened() {
	if m == nil {
		return
	}
	m.ChallengesOutstanding.Inc()
}

// ChallengeClosed records how a challenge ended
func (m *Metrics) ChallengeClosed(provider, outcome string) {
	if m == nil {
		return
	}
	m.ChallengesOutstanding.Dec()
	m.ChallengesTotal.WithLabelValues(provider, outcome).Inc()
}

// IncWSConnections increments WebSocket connections
func (m *Metrics) IncWSConnections() {
	if m == nil {
		return
	}
	m.WSConnections.Inc()
}

// DecWSConnections decrements WebSocket connections
func (m *Metrics) DecWSConnections() {
	if m == nil {
		return
	}
	m.WSConnections.Dec()
}

// GetSnapshot returns current values for the JSON health endpoint
func (m *Metrics) GetSnapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	m.mu.RLock()
	snap := m.snapshot
	m.mu.RUnlock()

	snap.UptimeSeconds = time.Since(m.startTime).Seconds()
	if snap.TotalRequests > 0 {
		snap.AvgResponseTime = snap.totalDuration / float64(snap.TotalRequests) * 1000
	}
	return snap
}

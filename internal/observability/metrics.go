package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the chat server's Prometheus collectors.
//
// A nil *Metrics is valid and records nothing, so components can be built
// without instrumentation in tests.
//
// Usage:
//
//	reg := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(reg)
//	metrics.ConnectionOpened()
type Metrics struct {
	// ActiveConnections is the number of registered WebSocket connections.
	ActiveConnections prometheus.Gauge

	// FramesDelivered counts frames accepted by connection send buffers.
	FramesDeliveredTotal prometheus.Counter

	// InboundFrames counts client frames by type and outcome.
	// Labels: type, outcome (ok|invalid)
	InboundFrames *prometheus.CounterVec

	// Messages counts relayed chat messages.
	// Labels: status (sent|recipient_not_found|not_saved)
	Messages *prometheus.CounterVec

	// Calls counts finished calls by terminal status.
	// Labels: status (completed|rejected|missed|canceled)
	Calls *prometheus.CounterVec

	// CallDuration observes completed call durations in seconds.
	CallDuration prometheus.Histogram

	// AuthFailures counts rejected WebSocket handshakes.
	// Labels: reason (missing|expired|invalid|wrong_type|timeout)
	AuthFailures *prometheus.CounterVec

	// HTTPRequestDuration measures REST request latency in seconds.
	// Labels: method, path, status_code
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics registers the collectors with reg. Pass prometheus.DefaultRegisterer
// in production and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ActiveConnections: f.NewGauge(prometheus.GaugeOpts{
			Name: "onyx_ws_active_connections",
			Help: "Current number of registered WebSocket connections",
		}),
		FramesDeliveredTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "onyx_ws_frames_delivered_total",
			Help: "Total number of frames queued to connections",
		}),
		InboundFrames: f.NewCounterVec(prometheus.CounterOpts{
			Name: "onyx_ws_inbound_frames_total",
			Help: "Total number of client frames by type and outcome",
		}, []string{"type", "outcome"}),
		Messages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "onyx_messages_total",
			Help: "Total number of relayed chat messages by status",
		}, []string{"status"}),
		Calls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "onyx_calls_total",
			Help: "Total number of finished calls by status",
		}, []string{"status"}),
		CallDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "onyx_call_duration_seconds",
			Help:    "Duration of completed calls in seconds",
			Buckets: []float64{5, 15, 30, 60, 300, 900, 1800, 3600},
		}),
		AuthFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "onyx_ws_auth_failures_total",
			Help: "Total number of rejected WebSocket handshakes by reason",
		}, []string{"reason"}),
		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "onyx_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"method", "path", "status_code"}),
	}
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.ActiveConnections.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.ActiveConnections.Dec()
}

// FramesDelivered adds n queued frames.
func (m *Metrics) FramesDelivered(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.FramesDeliveredTotal.Add(float64(n))
}

// InboundFrame records a decoded (ok) or dropped (invalid) client frame.
func (m *Metrics) InboundFrame(frameType string, ok bool) {
	if m == nil {
		return
	}
	outcome := "ok"
	if !ok {
		outcome = "invalid"
	}
	m.InboundFrames.WithLabelValues(frameType, outcome).Inc()
}

// MessageRelayed records the outcome of a send-message operation.
func (m *Metrics) MessageRelayed(status string) {
	if m == nil {
		return
	}
	m.Messages.WithLabelValues(status).Inc()
}

// CallFinished records a terminal call and, for completed calls, its duration.
func (m *Metrics) CallFinished(status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.Calls.WithLabelValues(status).Inc()
	if status == "completed" {
		m.CallDuration.Observe(durationSeconds)
	}
}

// AuthFailed records a rejected handshake.
func (m *Metrics) AuthFailed(reason string) {
	if m == nil {
		return
	}
	m.AuthFailures.WithLabelValues(reason).Inc()
}

// ObserveHTTP records one REST request.
func (m *Metrics) ObserveHTTP(method, path, status string, seconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequestDuration.WithLabelValues(method, path, status).Observe(seconds)
}

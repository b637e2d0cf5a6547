// Package monitoring exposes Prometheus metrics for the acquirer.
package monitoring

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Frame directions.
const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

// Metrics holds all Prometheus metrics for the acquirer.
type Metrics struct {
	registry *prometheus.Registry

	// Transaction outcomes
	TransactionsSuccessful prometheus.Counter
	TransactionsFailed     prometheus.Counter
	ResponseTime           prometheus.Histogram
	ResponseTimeouts       prometheus.Counter
	Field37Mismatch        prometheus.Counter

	// Connections and traffic
	ConnectedTerminals prometheus.Gauge
	Frames             *prometheus.CounterVec
	Broadcasts         prometheus.Counter
	MessagesProcessed  *prometheus.CounterVec
}

// NewMetrics creates a registry with Go/process collectors and registers all
// acquirer metrics in it. Each instance owns its registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		TransactionsSuccessful: factory.NewCounter(prometheus.CounterOpts{
			Name: "iso8583_transactions_successful_total",
			Help: "Authorization requests answered within the response window",
		}),
		TransactionsFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "iso8583_transactions_failed_total",
			Help: "Requests rejected, timed out, or otherwise not completed",
		}),
		ResponseTime: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "iso8583_response_time_seconds",
			Help:    "Time between broadcasting a request and observing its response",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 3, 5, 7, 10},
		}),
		ResponseTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Name: "iso8583_response_timeouts_total",
			Help: "Requests whose response window expired",
		}),
		Field37Mismatch: factory.NewCounter(prometheus.CounterOpts{
			Name: "iso8583_field37_mismatch_total",
			Help: "Authorization responses whose retrieval reference number matches no pending request",
		}),

		ConnectedTerminals: factory.NewGauge(prometheus.GaugeOpts{
			Name: "iso8583_connected_terminals",
			Help: "Terminals currently connected",
		}),
		Frames: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "iso8583_frames_total",
			Help: "Frames read or written by the acquirer",
		}, []string{"direction"}),
		Broadcasts: factory.NewCounter(prometheus.CounterOpts{
			Name: "iso8583_broadcasts_total",
			Help: "Messages broadcast to all terminals",
		}),
		MessagesProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "iso8583_messages_processed_total",
			Help: "Inbound messages by MTI and response code",
		}, []string{"mti", "response_code"}),
	}
}

// Registry returns the registry backing these metrics.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ============================================================================
// correlation.Recorder
// ============================================================================

// RecordSuccess counts a response observed in time.
func (m *Metrics) RecordSuccess(_ string, elapsed time.Duration) {
	m.TransactionsSuccessful.Inc()
	m.ResponseTime.Observe(elapsed.Seconds())
}

// RecordTimeout counts an expired response window.
func (m *Metrics) RecordTimeout(key string) {
	m.ResponseTimeouts.Inc()
	m.TransactionsFailed.Inc()
	slog.Debug("[Metrics] Timeout recorded", "rrn", key)
}

// RecordFailure counts a transaction that failed before its window ended.
func (m *Metrics) RecordFailure(_ string, _ string) {
	m.TransactionsFailed.Inc()
}

// ============================================================================
// Acquirer hooks
// ============================================================================

// IncrementFailed counts a request the acquirer rejected.
func (m *Metrics) IncrementFailed() {
	m.TransactionsFailed.Inc()
}

// RecordField37Mismatch counts a response whose RRN does not match.
func (m *Metrics) RecordField37Mismatch(expected, actual string) {
	m.Field37Mismatch.Inc()
	slog.Warn("[Metrics] Field 37 mismatch", "expected", expected, "actual", actual)
}

// RecordMessage counts one processed inbound message.
func (m *Metrics) RecordMessage(mti, responseCode string) {
	m.MessagesProcessed.WithLabelValues(mti, responseCode).Inc()
}

// TerminalConnected adjusts the connected gauge.
func (m *Metrics) TerminalConnected() { m.ConnectedTerminals.Inc() }

// TerminalDisconnected adjusts the connected gauge.
func (m *Metrics) TerminalDisconnected() { m.ConnectedTerminals.Dec() }

// FrameIn counts an inbound frame.
func (m *Metrics) FrameIn() { m.Frames.WithLabelValues(DirectionIn).Inc() }

// FrameOut counts an outbound frame.
func (m *Metrics) FrameOut() { m.Frames.WithLabelValues(DirectionOut).Inc() }

// BroadcastSent counts one broadcast.
func (m *Metrics) BroadcastSent() { m.Broadcasts.Inc() }

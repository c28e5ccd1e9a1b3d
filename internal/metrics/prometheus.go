// Package metrics provides Prometheus metrics for the bot fleet.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	gatherer prometheus.Gatherer

	pairRequests    *prometheus.CounterVec
	activeSessions  prometheus.Gauge
	reconnects      *prometheus.CounterVec
	storeOps        *prometheus.CounterVec
	storeDuration   *prometheus.HistogramVec
	commands        *prometheus.CounterVec
	transportEvents *prometheus.CounterVec
	httpRequests    *prometheus.CounterVec
	wafBlocks       *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. Pass a fresh
// [prometheus.Registry] in tests to avoid duplicate registration.
func New(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		gatherer: reg,
		pairRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "botfleet_pair_requests_total",
				Help: "Pairing requests by resulting status",
			},
			[]string{"status"},
		),
		activeSessions: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "botfleet_active_sessions",
				Help: "Number of registered tenant connections",
			},
		),
		reconnects: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "botfleet_reconnects_total",
				Help: "Supervisor decisions after a connection closed",
			},
			[]string{"outcome"},
		),
		storeOps: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "botfleet_store_operations_total",
				Help: "Remote credential store operations",
			},
			[]string{"op", "result"},
		),
		storeDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "botfleet_store_operation_duration_seconds",
				Help:    "Remote credential store operation latency",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"op"},
		),
		commands: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "botfleet_commands_total",
				Help: "Chat commands dispatched",
			},
			[]string{"command", "result"},
		),
		transportEvents: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "botfleet_transport_events_total",
				Help: "Transport events consumed by connection event loops",
			},
			[]string{"kind"},
		),
		httpRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "botfleet_http_requests_total",
				Help: "HTTP requests served",
			},
			[]string{"route", "status"},
		),
		wafBlocks: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "botfleet_waf_blocks_total",
				Help: "Requests matched by the request filter",
			},
			[]string{"rule"},
		),
	}
}

// Handler serves the registered collectors in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) PairRequest(status string) {
	if m == nil {
		return
	}
	m.pairRequests.WithLabelValues(status).Inc()
}

func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(n))
}

func (m *Metrics) Reconnect(outcome string) {
	if m == nil {
		return
	}
	m.reconnects.WithLabelValues(outcome).Inc()
}

// StoreOp records one backend call and its latency.
func (m *Metrics) StoreOp(op string, start time.Time, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.storeOps.WithLabelValues(op, result).Inc()
	m.storeDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (m *Metrics) Command(name, result string) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(name, result).Inc()
}

func (m *Metrics) TransportEvent(kind string) {
	if m == nil {
		return
	}
	m.transportEvents.WithLabelValues(kind).Inc()
}

func (m *Metrics) HTTPRequest(route string, status int) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
}

func (m *Metrics) WAFBlock(rule string) {
	if m == nil {
		return
	}
	m.wafBlocks.WithLabelValues(rule).Inc()
}

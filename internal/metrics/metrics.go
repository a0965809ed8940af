// Package metrics provides Prometheus metrics for the chat service.
//
// All recording methods are safe on a nil *Metrics so components can run
// without a collector.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	ChatRequestsTotal   *prometheus.CounterVec
	ChatRetriesTotal    prometheus.Counter
	ChatCostDollars     prometheus.Counter
	ChatDuration        prometheus.Histogram
	PersistenceOpsTotal *prometheus.CounterVec
	CacheLookupsTotal   *prometheus.CounterVec
	SessionsActive      prometheus.Gauge
	HTTPRequestsTotal   *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates and registers all metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		ChatRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "valhalla_chat_requests_total",
				Help: "Chat calls by outcome (success, failed, not_configured, build_failed).",
			},
			[]string{"outcome"},
		),
		ChatRetriesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "valhalla_chat_retries_total",
				Help: "Model calls retried after a failure.",
			},
		),
		ChatCostDollars: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "valhalla_chat_cost_dollars_total",
				Help: "Estimated model spend in USD.",
			},
		),
		ChatDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "valhalla_chat_duration_seconds",
				Help:    "Wall-clock time of successful chat calls, retries included.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 20, 40, 80},
			},
		),
		PersistenceOpsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "valhalla_persistence_ops_total",
				Help: "Document store operations by operation and result.",
			},
			[]string{"op", "result"},
		),
		CacheLookupsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "valhalla_cache_lookups_total",
				Help: "Project context cache lookups by result (hit, miss).",
			},
			[]string{"result"},
		),
		SessionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "valhalla_sessions_active",
				Help: "Number of live chat sessions.",
			},
		),
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "valhalla_http_requests_total",
				Help: "HTTP API requests by method and status code.",
			},
			[]string{"method", "status"},
		),
		registry: reg,
	}

	reg.MustRegister(
		m.ChatRequestsTotal,
		m.ChatRetriesTotal,
		m.ChatCostDollars,
		m.ChatDuration,
		m.PersistenceOpsTotal,
		m.CacheLookupsTotal,
		m.SessionsActive,
		m.HTTPRequestsTotal,
	)

	return m
}

// Handler returns an http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry (for testing).
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordChat counts one chat call by outcome.
func (m *Metrics) RecordChat(outcome string) {
	if m == nil {
		return
	}
	m.ChatRequestsTotal.WithLabelValues(outcome).Inc()
}

// RecordRetry counts one retried model call.
func (m *Metrics) RecordRetry() {
	if m == nil {
		return
	}
	m.ChatRetriesTotal.Inc()
}

// AddCost adds estimated spend.
func (m *Metrics) AddCost(dollars float64) {
	if m == nil || dollars <= 0 {
		return
	}
	m.ChatCostDollars.Add(dollars)
}

// ObserveChatDuration records the duration of a successful call.
func (m *Metrics) ObserveChatDuration(seconds float64) {
	if m == nil {
		return
	}
	m.ChatDuration.Observe(seconds)
}

// RecordPersistence counts a store operation; ok selects the result label.
func (m *Metrics) RecordPersistence(op string, ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.PersistenceOpsTotal.WithLabelValues(op, result).Inc()
}

// RecordCacheLookup counts a cache hit or miss.
func (m *Metrics) RecordCacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookupsTotal.WithLabelValues(result).Inc()
}

// SetSessions sets the live session count.
func (m *Metrics) SetSessions(count int) {
	if m == nil {
		return
	}
	m.SessionsActive.Set(float64(count))
}

// RecordHTTP counts an HTTP API request.
func (m *Metrics) RecordHTTP(method, status string) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, status).Inc()
}

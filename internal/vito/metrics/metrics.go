// Package metrics exposes vito's Prometheus metrics on a private registry.
// All methods are safe on a nil *Metrics, which records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Upstream call outcomes.
const (
	OutcomeOK        = "ok"
	OutcomeError     = "error"
	OutcomeRateLimit = "rate_limited"
	OutcomeCancelled = "cancelled"
)

// Metrics holds every collector.
type Metrics struct {
	registry *prometheus.Registry

	messagesTotal   *prometheus.CounterVec
	upstreamTotal   *prometheus.CounterVec
	upstreamLatency *prometheus.HistogramVec
	tokensTotal     *prometheus.CounterVec
	sessionsSwept   prometheus.Counter
	storageErrors   *prometheus.CounterVec
	chunksTotal     prometheus.Counter
}

// New creates and registers all collectors, plus the Go runtime and process
// collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		messagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vito_messages_total",
				Help: "Inbound messages addressed to the bot, by parsed command",
			},
			[]string{"command"},
		),
		upstreamTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vito_upstream_requests_total",
				Help: "Model backend requests by backend and outcome",
			},
			[]string{"backend", "outcome"},
		),
		upstreamLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "vito_upstream_latency_seconds",
				Help:    "Model backend request latency in seconds",
				Buckets: []float64{0.25, 0.5, 1, 2, 4, 8, 15, 30, 60},
			},
			[]string{"backend"},
		),
		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vito_upstream_tokens_total",
				Help: "Tokens reported by model backends",
			},
			[]string{"backend", "type"}, // type: prompt or completion
		),
		sessionsSwept: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "vito_sessions_swept_total",
				Help: "Sessions removed after the inactivity window",
			},
		),
		storageErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vito_storage_errors_total",
				Help: "Storage failures by store",
			},
			[]string{"store"},
		),
		chunksTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "vito_reply_chunks_total",
				Help: "Outbound message chunks sent",
			},
		),
	}

	m.registry.MustRegister(
		m.messagesTotal,
		m.upstreamTotal,
		m.upstreamLatency,
		m.tokensTotal,
		m.sessionsSwept,
		m.storageErrors,
		m.chunksTotal,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// RegisterGauges exposes live counts read at scrape time.
func (m *Metrics) RegisterGauges(activeSessions, pendingRequests func() float64) {
	if m == nil {
		return
	}
	m.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "vito_active_sessions",
			Help: "Sessions currently held by the session store",
		}, activeSessions),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "vito_pending_requests",
			Help: "Model requests currently in flight",
		}, pendingRequests),
	)
}

// Message counts an inbound message by command name.
func (m *Metrics) Message(command string) {
	if m == nil {
		return
	}
	m.messagesTotal.WithLabelValues(command).Inc()
}

// Upstream records one backend call.
func (m *Metrics) Upstream(backend, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.upstreamTotal.WithLabelValues(backend, outcome).Inc()
	m.upstreamLatency.WithLabelValues(backend).Observe(elapsed.Seconds())
}

// Tokens records token usage reported by a backend.
func (m *Metrics) Tokens(backend string, prompt, completion int) {
	if m == nil {
		return
	}
	if prompt > 0 {
		m.tokensTotal.WithLabelValues(backend, "prompt").Add(float64(prompt))
	}
	if completion > 0 {
		m.tokensTotal.WithLabelValues(backend, "completion").Add(float64(completion))
	}
}

// SessionsSwept counts sessions removed by the sweeper.
func (m *Metrics) SessionsSwept(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.sessionsSwept.Add(float64(n))
}

// StorageError counts a failure of the named store ("session", "memory").
func (m *Metrics) StorageError(store string) {
	if m == nil {
		return
	}
	m.storageErrors.WithLabelValues(store).Inc()
}

// Chunks counts outbound message chunks.
func (m *Metrics) Chunks(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.chunksTotal.Add(float64(n))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

package worker

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the worker's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	requests    *prometheus.CounterVec
	passThrough *prometheus.CounterVec
	messages    *prometheus.CounterVec
	lifecycle   *prometheus.CounterVec
	cacheErrors *prometheus.CounterVec

	originOffline prometheus.Gauge
}

func NewMetrics(namespace string) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "requests_total",
			Help:      "Intercepted requests by resource class, policy and outcome.",
		}, []string{"class", "policy", "outcome"}),
		passThrough: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "pass_through_total",
			Help:      "Requests forwarded without interception.",
		}, []string{"status"}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "messages_total",
			Help:      "Control messages received by type.",
		}, []string{"type"}),
		lifecycle: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "lifecycle_transitions_total",
			Help:      "Worker lifecycle state transitions.",
		}, []string{"state"}),
		cacheErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "cache_errors_total",
			Help:      "Cache store read/write failures treated as misses.",
		}, []string{"op"}),
		originOffline: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "netwatch",
			Name:      "origin_offline",
			Help:      "1 while the origin is unreachable.",
		}),
	}
	m.registry.MustRegister(m.requests, m.passThrough, m.messages, m.lifecycle, m.cacheErrors, m.originOffline)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) observeRequest(route Route, outcome Outcome) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(string(route.Class), route.Policy.String(), string(outcome)).Inc()
}

func (m *Metrics) observePassThrough(status string) {
	if m == nil {
		return
	}
	m.passThrough.WithLabelValues(status).Inc()
}

func (m *Metrics) observeMessage(typ string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(typ).Inc()
}

func (m *Metrics) observeState(s State) {
	if m == nil {
		return
	}
	m.lifecycle.WithLabelValues(s.String()).Inc()
}

func (m *Metrics) observeCacheError(op string) {
	if m == nil {
		return
	}
	m.cacheErrors.WithLabelValues(op).Inc()
}

// SetOriginOffline records the latest offline-status change.
func (m *Metrics) SetOriginOffline(offline bool) {
	if m == nil {
		return
	}
	if offline {
		m.originOffline.Set(1)
		return
	}
	m.originOffline.Set(0)
}

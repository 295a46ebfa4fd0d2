// Package metrics provides Prometheus metrics for the command pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the pipeline.
type Metrics struct {
	EventsAppended   *prometheus.CounterVec
	DispatchOutcomes *prometheus.CounterVec
	DispatchDuration *prometheus.HistogramVec
	Decisions        *prometheus.CounterVec
	WorkerRetries    prometheus.Counter
	DeadLetters      prometheus.Counter
	Subscribers      prometheus.Gauge

	registry *prometheus.Registry
}

// New creates and registers all metrics on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		EventsAppended: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keeper_events_appended_total",
				Help: "Events appended to the store by subject and phase.",
			},
			[]string{"subject", "phase"},
		),
		DispatchOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keeper_dispatch_handlers_total",
				Help: "Handler executions by event type and outcome.",
			},
			[]string{"type", "outcome"},
		),
		DispatchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "keeper_dispatch_duration_seconds",
				Help:    "Fan-out duration per event type.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"type"},
		),
		Decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keeper_governor_decisions_total",
				Help: "Permission decisions by action and result.",
			},
			[]string{"action", "result"},
		),
		WorkerRetries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "keeper_worker_retries_total",
				Help: "Worker attempts beyond the first.",
			},
		),
		DeadLetters: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "keeper_dead_letters_total",
				Help: "Events dead-lettered after exhausted retries.",
			},
		),
		Subscribers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "keeper_notify_subscribers",
				Help: "Connected real-time subscribers.",
			},
		),
		registry: reg,
	}

	reg.MustRegister(m.EventsAppended)
	reg.MustRegister(m.DispatchOutcomes)
	reg.MustRegister(m.DispatchDuration)
	reg.MustRegister(m.Decisions)
	reg.MustRegister(m.WorkerRetries)
	reg.MustRegister(m.DeadLetters)
	reg.MustRegister(m.Subscribers)

	return m
}

// Handler returns an http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordAppend increments the appended-events counter.
func (m *Metrics) RecordAppend(subject, phase string) {
	m.EventsAppended.WithLabelValues(subject, phase).Inc()
}

// RecordDispatch increments the handler-outcome counter.
func (m *Metrics) RecordDispatch(eventType, outcome string) {
	m.DispatchOutcomes.WithLabelValues(eventType, outcome).Inc()
}

// RecordDecision increments the governor decision counter.
func (m *Metrics) RecordDecision(action, result string) {
	m.Decisions.WithLabelValues(action, result).Inc()
}

// ObserveDispatch records fan-out duration for an event type.
func (m *Metrics) ObserveDispatch(eventType string, seconds float64) {
	m.DispatchDuration.WithLabelValues(eventType).Observe(seconds)
}

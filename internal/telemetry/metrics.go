// Package telemetry exposes Prometheus metrics and OpenTelemetry tracing
// for the server.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"taskboard/pkg/task"
)

// Metrics owns a private registry so tests can build as many as they like.
type Metrics struct {
	reg *prometheus.Registry

	ops           *prometheus.CounterVec
	opDuration    *prometheus.HistogramVec
	transitions   *prometheus.CounterVec
	notifications *prometheus.CounterVec
	requests      *prometheus.CounterVec
	reqDuration   *prometheus.HistogramVec
	dropped       prometheus.Counter
}

// NewMetrics registers every collector on a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskboard",
			Name:      "operations_total",
			Help:      "Task operations by outcome.",
		}, []string{"op", "outcome"}),
		opDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "taskboard",
			Name:      "operation_duration_seconds",
			Help:      "Task operation latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskboard",
			Name:      "transitions_total",
			Help:      "Committed state transitions.",
		}, []string{"app", "from", "to"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskboard",
			Name:      "notifications_total",
			Help:      "Notification attempts by outcome.",
		}, []string{"state", "outcome"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskboard",
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status.",
		}, []string{"route", "code"}),
		reqDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "taskboard",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "taskboard",
			Name:      "events_dropped_total",
			Help:      "Events a slow subscriber could not take.",
		}),
	}
	m.reg.MustRegister(
		m.ops, m.opDuration, m.transitions, m.notifications,
		m.requests, m.reqDuration, m.dropped,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Observe records one engine operation.
func (m *Metrics) Observe(op, outcome string, d time.Duration) {
	m.ops.WithLabelValues(op, outcome).Inc()
	m.opDuration.WithLabelValues(op).Observe(d.Seconds())
}

// Transition records a committed state change.
func (m *Metrics) Transition(app string, from, to task.State) {
	m.transitions.WithLabelValues(app, string(from), string(to)).Inc()
}

// Notification records a notifier outcome.
func (m *Metrics) Notification(state task.State, outcome string) {
	m.notifications.WithLabelValues(string(state), outcome).Inc()
}

// Request records one HTTP request.
func (m *Metrics) Request(route string, code int, d time.Duration) {
	m.requests.WithLabelValues(route, strconv.Itoa(code)).Inc()
	m.reqDuration.WithLabelValues(route).Observe(d.Seconds())
}

// Dropped counts an event lost to a slow subscriber.
func (m *Metrics) Dropped() { m.dropped.Inc() }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

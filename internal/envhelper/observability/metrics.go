package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics namespace for all envhelper metrics.
const metricsNamespace = "envhelper"

// Metrics holds the collectors of one envhelper process. Each instance has
// its own registry so tests can build as many as they need.
type Metrics struct {
	Registry *prometheus.Registry

	// TransitionsTotal counts finished controller operations by action,
	// result and error kind.
	TransitionsTotal *prometheus.CounterVec
	// DriftTotal counts containers that changed state on their own.
	DriftTotal prometheus.Counter
	// ReconcilePasses counts reconciliation passes by result.
	ReconcilePasses *prometheus.CounterVec

	// RequestsTotal counts API requests by method, route and status.
	RequestsTotal *prometheus.CounterVec
	// RequestDuration measures API request duration in seconds.
	RequestDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers the envhelper collectors together with
// the Go runtime and process collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		TransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "transitions_total",
				Help:      "Total environment operations by action, result and error kind",
			},
			[]string{"action", "result", "kind"},
		),
		DriftTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "drift_total",
				Help:      "Containers found in a state nobody asked for",
			},
		),
		ReconcilePasses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "reconcile_passes_total",
				Help:      "Reconciliation passes by result",
			},
			[]string{"result"},
		),
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "http_requests_total",
				Help:      "Total API requests",
			},
			[]string{"method", "route", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "http_request_duration_seconds",
				Help:      "Duration of API requests in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15),
			},
			[]string{"method", "route"},
		),
	}
	m.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.TransitionsTotal,
		m.DriftTotal,
		m.ReconcilePasses,
		m.RequestsTotal,
		m.RequestDuration,
	)
	return m
}

// ObserveTransition records one finished operation.
func (m *Metrics) ObserveTransition(action, result, kind string) {
	m.TransitionsTotal.WithLabelValues(action, result, kind).Inc()
}

// GaugeFunc registers a gauge whose value is read from fn at scrape time,
// e.g. the number of held host ports.
func (m *Metrics) GaugeFunc(name, help string, fn func() float64) {
	m.Registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Namespace: metricsNamespace, Name: name, Help: help},
		fn,
	))
}

// Package metrics exposes Prometheus instruments for flow tree operations.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "flowtree"

const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
)

// Metrics groups the service instruments on their own registry.
type Metrics struct {
	registry   *prometheus.Registry
	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	subtree    *prometheus.HistogramVec
}

// New registers the flow tree instruments plus Go and process collectors on a
// fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: registry,
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Flow tree service operations by outcome.",
		}, []string{"operation", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Latency of flow tree service operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		subtree: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "subtree_size",
			Help:      "Number of flows touched by subtree operations.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"operation"}),
	}

	registry.MustRegister(m.operations, m.duration, m.subtree)

	return m
}

// Observe records one finished operation. Safe on a nil receiver.
func (m *Metrics) Observe(operation string, started time.Time, err error) {
	if m == nil {
		return
	}

	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeError
	}

	m.operations.WithLabelValues(operation, outcome).Inc()
	m.duration.WithLabelValues(operation).Observe(time.Since(started).Seconds())
}

// ObserveSubtree records how many flows an operation walked.
func (m *Metrics) ObserveSubtree(operation string, size int) {
	if m == nil {
		return
	}

	m.subtree.WithLabelValues(operation).Observe(float64(size))
}

// Registry exposes the underlying registry for tests and custom collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

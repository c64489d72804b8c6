// Package metrics provides Prometheus metrics for the trading jobs.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application. A nil *Metrics
// records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Job metrics
	JobRuns     *prometheus.CounterVec
	JobDuration *prometheus.HistogramVec

	// Engine metrics
	Transitions     *prometheus.CounterVec
	RecordFailures  *prometheus.CounterVec
	LastOperationAt *prometheus.GaugeVec

	// Market data metrics
	FetchAttempts *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance registered on its own registry.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "swing_trader"
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		JobRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "job_runs_total",
			Help:      "Total number of scheduled job runs by result",
		}, []string{"job", "result"}),
		JobDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "job_duration_seconds",
			Help:      "Scheduled job duration in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
		}, []string{"job"}),

		Transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "transitions_total",
			Help:      "Total number of trade record transitions by operation and target status",
		}, []string{"operation", "to"}),
		RecordFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "record_failures_total",
			Help:      "Total number of records that failed processing by operation",
		}, []string{"operation"}),
		LastOperationAt: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "last_operation_timestamp",
			Help:      "Unix timestamp of the last completed operation",
		}, []string{"operation"}),

		FetchAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "marketdata",
			Name:      "fetch_attempts_total",
			Help:      "Total number of market data fetch attempts by source and result",
		}, []string{"source", "result"}),
	}
}

// Registry returns the registry the metrics are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler returns an HTTP handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordJobRun records one scheduled job run.
func (m *Metrics) RecordJobRun(job, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.JobRuns.WithLabelValues(job, result).Inc()
	m.JobDuration.WithLabelValues(job).Observe(d.Seconds())
}

// RecordTransition counts one trade record status change.
func (m *Metrics) RecordTransition(operation, to string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(operation, to).Inc()
}

// RecordFailure counts one record that could not be processed.
func (m *Metrics) RecordFailure(operation string) {
	if m == nil {
		return
	}
	m.RecordFailures.WithLabelValues(operation).Inc()
}

// RecordOperation stamps the completion time of an operation.
func (m *Metrics) RecordOperation(operation string, at time.Time) {
	if m == nil {
		return
	}
	m.LastOperationAt.WithLabelValues(operation).Set(float64(at.Unix()))
}

// RecordFetch counts one market data fetch attempt.
func (m *Metrics) RecordFetch(source, result string) {
	if m == nil {
		return
	}
	m.FetchAttempts.WithLabelValues(source, result).Inc()
}

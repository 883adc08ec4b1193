package graph

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics provides Prometheus-compatible metrics for thread
// execution monitoring, all namespaced with "loom_":
//
//  1. active_threads (gauge): threads currently in StatusRunning.
//  2. inflight_branches (gauge): fan-out branches executing concurrently.
//  3. step_latency_ms (histogram): node execution duration; labels
//     node_id, status (success/error/suspended).
//  4. retries_total (counter): retry attempts; labels node_id.
//  5. merge_conflicts_total (counter): parallel merge conflicts; labels
//     field.
//  6. checkpoint_retries_total (counter): checkpoint writes that needed a
//     persistence retry.
//
// Usage:
//
//	registry := prometheus.NewRegistry()
//	metrics := graph.NewPrometheusMetrics(registry)
//	engine := graph.New(plan, st, emitter, graph.WithMetrics(metrics))
//	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
//
// All methods are safe for concurrent use.
type PrometheusMetrics struct {
	activeThreads     prometheus.Gauge
	inflightBranches  prometheus.Gauge
	stepLatency       *prometheus.HistogramVec
	retries           *prometheus.CounterVec
	mergeConflicts    *prometheus.CounterVec
	checkpointRetries prometheus.Counter
}

// NewPrometheusMetrics creates and registers the metric set on the given
// registerer (use prometheus.DefaultRegisterer for the default registry).
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	factory := promauto.With(reg)
	return &PrometheusMetrics{
		activeThreads: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "loom",
			Name:      "active_threads",
			Help:      "Number of threads currently executing.",
		}),
		inflightBranches: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "loom",
			Name:      "inflight_branches",
			Help:      "Number of fan-out branches executing concurrently.",
		}),
		stepLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "loom",
			Name:      "step_latency_ms",
			Help:      "Node execution duration in milliseconds.",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000},
		}, []string{"node_id", "status"}),
		retries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "loom",
			Name:      "retries_total",
			Help:      "Cumulative node retry attempts.",
		}, []string{"node_id"}),
		mergeConflicts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "loom",
			Name:      "merge_conflicts_total",
			Help:      "Parallel branch merge conflicts detected.",
		}, []string{"field"}),
		checkpointRetries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "loom",
			Name:      "checkpoint_retries_total",
			Help:      "Checkpoint writes that required a persistence retry.",
		}),
	}
}

func (m *PrometheusMetrics) threadStarted() {
	if m != nil {
		m.activeThreads.Inc()
	}
}

func (m *PrometheusMetrics) threadStopped() {
	if m != nil {
		m.activeThreads.Dec()
	}
}

func (m *PrometheusMetrics) branchStarted() {
	if m != nil {
		m.inflightBranches.Inc()
	}
}

func (m *PrometheusMetrics) branchStopped() {
	if m != nil {
		m.inflightBranches.Dec()
	}
}

func (m *PrometheusMetrics) observeStep(nodeID, status string, ms float64) {
	if m != nil {
		m.stepLatency.WithLabelValues(nodeID, status).Observe(ms)
	}
}

func (m *PrometheusMetrics) retryRecorded(nodeID string) {
	if m != nil {
		m.retries.WithLabelValues(nodeID).Inc()
	}
}

func (m *PrometheusMetrics) conflictRecorded(field string) {
	if m != nil {
		m.mergeConflicts.WithLabelValues(field).Inc()
	}
}

func (m *PrometheusMetrics) checkpointRetryRecorded() {
	if m != nil {
		m.checkpointRetries.Inc()
	}
}

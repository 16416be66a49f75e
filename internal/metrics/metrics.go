// Package metrics provides Prometheus metrics for the lineage service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "mentatlab"
	subsystem = "lineage"
)

var (
	// RunsTotal counts finished pipeline runs by final status.
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "runs_total",
			Help:      "Total number of pipeline runs by final status",
		},
		[]string{"status"}, // "completed", "failed", "cached"
	)

	// RunsActive tracks pipeline runs currently being coordinated.
	RunsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "runs_active",
			Help:      "Number of pipeline runs currently executing",
		},
	)

	// RunDuration tracks pipeline run duration.
	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "run_duration_seconds",
			Help:      "Pipeline run duration in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"status"},
	)

	// StepRunsTotal counts step runs reaching a terminal status.
	StepRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "step_runs_total",
			Help:      "Total number of step runs by terminal status",
		},
		[]string{"status"}, // "completed", "failed", "cached"
	)

	// StepDuration tracks backend execution time of step runs.
	StepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "step_duration_seconds",
			Help:      "Step run execution duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"backend", "status"},
	)

	// CacheDecisions counts fingerprint cache decisions.
	CacheDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "cache_decisions_total",
			Help:      "Total number of cache decisions",
		},
		[]string{"decision"}, // "hit", "miss", "disabled"
	)

	// ArtifactsCreated counts artifact records registered by completed steps.
	ArtifactsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "artifacts_created_total",
			Help:      "Total number of artifacts registered",
		},
	)

	// FrontierSize tracks steps ready for dispatch across active runs.
	FrontierSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "frontier_size",
			Help:      "Number of steps dispatched but not yet finished",
		},
	)

	// EventsTotal counts events emitted by type.
	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "events_total",
			Help:      "Total number of events emitted",
		},
		[]string{"type"},
	)

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration tracks request latency.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// SSEActiveConnections tracks open event streams.
	SSEActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "sse_connections_active",
			Help:      "Number of active SSE connections",
		},
	)

	// SSEConnectionDuration tracks how long event streams stay open.
	SSEConnectionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "sse_connection_duration_seconds",
			Help:      "SSE connection duration in seconds",
			Buckets:   []float64{1, 10, 60, 300, 900, 3600},
		},
	)
)

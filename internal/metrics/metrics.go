// Package metrics provides Prometheus metrics for the pipeline service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RunsTotal counts finished runs by status.
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mentatlab",
			Subsystem: "pipeline",
			Name:      "runs_total",
			Help:      "Total number of pipeline runs by final status",
		},
		[]string{"status"}, // "completed", "failed"
	)

	// RunsActive tracks runs currently executing.
	RunsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "mentatlab",
			Subsystem: "pipeline",
			Name:      "runs_active",
			Help:      "Number of pipeline runs currently executing",
		},
	)

	// RunDuration tracks run execution duration.
	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "mentatlab",
			Subsystem: "pipeline",
			Name:      "run_duration_seconds",
			Help:      "Pipeline run duration in seconds",
			Buckets:   []float64{0.01, 0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
		},
		[]string{"status"},
	)

	// NodesTotal counts executed nodes by kind and status.
	NodesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mentatlab",
			Subsystem: "pipeline",
			Name:      "nodes_total",
			Help:      "Total number of nodes executed by kind and status",
		},
		[]string{"kind", "status"},
	)

	// NodeDuration tracks node execution duration including retries.
	NodeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "mentatlab",
			Subsystem: "pipeline",
			Name:      "node_duration_seconds",
			Help:      "Node execution duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	// NodeRetries tracks retries consumed per node.
	NodeRetries = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "mentatlab",
			Subsystem: "pipeline",
			Name:      "node_retries",
			Help:      "Number of retries consumed per node",
			Buckets:   []float64{0, 1, 2, 3, 4, 5},
		},
		[]string{"final_status"},
	)

	// ProgressEvents counts progress events published by run status.
	ProgressEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mentatlab",
			Subsystem: "pipeline",
			Name:      "progress_events_total",
			Help:      "Total number of progress events published",
		},
		[]string{"status"},
	)

	// ProgressCallbackPanics counts subscriber callbacks that panicked.
	ProgressCallbackPanics = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "mentatlab",
			Subsystem: "pipeline",
			Name:      "progress_callback_panics_total",
			Help:      "Total number of progress callbacks that panicked",
		},
	)

	// EventsTotal counts run stream events appended by type.
	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mentatlab",
			Subsystem: "pipeline",
			Name:      "events_total",
			Help:      "Total number of run stream events appended",
		},
		[]string{"type"},
	)

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mentatlab",
			Subsystem: "pipeline",
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration tracks request latency.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "mentatlab",
			Subsystem: "pipeline",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// StreamConnections tracks open SSE and WebSocket run streams.
	StreamConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "mentatlab",
			Subsystem: "pipeline",
			Name:      "stream_active_connections",
			Help:      "Number of open run event streams",
		},
		[]string{"transport"}, // "sse", "ws"
	)

	// StoreOperations counts pipeline store operations.
	StoreOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mentatlab",
			Subsystem: "pipeline",
			Name:      "store_operations_total",
			Help:      "Total number of pipeline store operations",
		},
		[]string{"backend", "operation", "result"}, // result: success, error
	)

	// AIRequests counts calls to the generation backend.
	AIRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mentatlab",
			Subsystem: "pipeline",
			Name:      "ai_requests_total",
			Help:      "Total number of generation backend requests",
		},
		[]string{"action", "result"},
	)

	// OutboxDispatches counts emitted and stored outputs handed to collaborators.
	OutboxDispatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mentatlab",
			Subsystem: "pipeline",
			Name:      "outbox_dispatches_total",
			Help:      "Total number of node outputs dispatched to the event bus or artifact store",
		},
		[]string{"target", "result"}, // target: bus, artifacts
	)
)

// Package metrics provides Prometheus metrics for the workspace daemon.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Proxy metrics
	ProxyBlockedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workspace_proxy_blocked_total",
			Help: "Total number of proxy requests blocked by the domain allowlist",
		},
		[]string{"method"},
	)

	ProxyRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "workspace_proxy_request_duration_seconds",
			Help:    "Egress proxy request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	ProxyRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workspace_proxy_requests_total",
			Help: "Total number of proxy requests by outcome",
		},
		[]string{"method", "outcome"},
	)

	// Container metrics
	ContainersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "workspace_containers_active",
			Help: "Number of currently active sandbox containers",
		},
	)

	ContainerStartDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "workspace_container_start_duration_seconds",
			Help:    "Time to create a sandbox and wait for its agent to be ready",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		},
		[]string{"backend"},
	)

	ContainerCrashesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "workspace_container_crashes_total",
			Help: "Total number of sandbox crashes observed mid-stream",
		},
	)

	// Execute metrics
	ExecuteRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workspace_execute_requests_total",
			Help: "Total number of execute calls by outcome",
		},
		[]string{"outcome"},
	)

	ExecuteDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "workspace_execute_duration_seconds",
			Help:    "End-to-end execute call duration in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
		},
	)

	// Warm pool metrics
	WarmPoolSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "workspace_warm_pool_size",
			Help: "Number of pre-created sandboxes currently in the warm pool",
		},
	)

	WarmPoolCreateFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "workspace_warm_pool_create_failures_total",
			Help: "Total number of failed warm sandbox creations",
		},
	)

	// GC metrics
	GCCyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workspace_gc_cycles_total",
			Help: "Total number of garbage collector cycles by outcome",
		},
		[]string{"outcome"},
	)

	GCDestroyedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workspace_gc_destroyed_total",
			Help: "Total number of sandboxes destroyed by the garbage collector",
		},
		[]string{"reason"},
	)

	// File sync metrics
	FileSyncFilesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workspace_file_sync_files_total",
			Help: "Total number of files synced between blob storage and sandboxes",
		},
		[]string{"direction", "status"},
	)

	FileSyncDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "workspace_file_sync_duration_seconds",
			Help:    "File sync pass duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"direction"},
	)

	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workspace_http_requests_total",
			Help: "Total number of HTTP requests by method, path and status",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "workspace_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Lock metrics
	LockAcquireTimeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "workspace_lock_acquire_timeouts_total",
			Help: "Total number of conversation lock acquisitions that exhausted their wait budget",
		},
	)
)

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Cluster metrics
	ClustersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "burrow_clusters_total",
			Help: "Total number of clusters by status",
		},
		[]string{"status"},
	)

	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "burrow_nodes_total",
			Help: "Total number of nodes by role and status",
		},
		[]string{"role", "status"},
	)

	// Workflow metrics
	WorkflowsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_workflows_total",
			Help: "Total number of cluster workflows by kind and result",
		},
		[]string{"workflow", "result"},
	)

	WorkflowDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "burrow_workflow_duration_seconds",
			Help:    "End-to-end duration of cluster workflows in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		},
		[]string{"workflow"},
	)

	WorkflowStepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "burrow_workflow_step_duration_seconds",
			Help:    "Duration of individual workflow steps in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"workflow", "step"},
	)

	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_retries_total",
			Help: "Total number of retried operations by pool",
		},
		[]string{"pool"},
	)

	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "burrow_circuit_breaker_state",
			Help: "Circuit breaker state (0 = closed, 1 = half-open, 2 = open)",
		},
		[]string{"breaker"},
	)

	FailoversTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_failovers_total",
			Help: "Total number of failover notifications handled by kind",
		},
		[]string{"kind"},
	)

	RecoveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_recoveries_total",
			Help: "Total number of failed-primary rebuilds by result",
		},
		[]string{"result"},
	)

	// Worker pool metrics
	PoolQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "burrow_pool_queue_depth",
			Help: "Number of tasks waiting in a worker pool queue",
		},
		[]string{"pool"},
	)

	PoolSaturationTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_pool_saturation_total",
			Help: "Total number of submissions that found the queue full, by policy",
		},
		[]string{"pool", "policy"},
	)

	// Reconciler metrics
	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "burrow_reconciliation_duration_seconds",
			Help:    "Duration of a health reconciliation cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconciliationCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_reconciliation_cycles_total",
			Help: "Total number of health reconciliation cycles",
		},
	)

	// Container resource metrics
	ContainerCPUPercent = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "burrow_container_cpu_percent",
			Help: "Container CPU usage in percent of one core",
		},
		[]string{"cluster_id", "container", "role"},
	)

	ContainerMemoryUsage = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "burrow_container_memory_usage_bytes",
			Help: "Container memory usage in bytes",
		},
		[]string{"cluster_id", "container", "role"},
	)

	ContainerMemoryLimit = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "burrow_container_memory_limit_bytes",
			Help: "Container memory limit in bytes",
		},
		[]string{"cluster_id", "container", "role"},
	)

	ContainerNetworkBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "burrow_container_network_bytes",
			Help: "Container network bytes by direction",
		},
		[]string{"cluster_id", "container", "role", "direction"},
	)

	ContainerBlockIOBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "burrow_container_blkio_bytes",
			Help: "Container block I/O bytes by operation",
		},
		[]string{"cluster_id", "container", "role", "op"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "burrow_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(ClustersTotal)
	prometheus.MustRegister(NodesTotal)
	prometheus.MustRegister(WorkflowsTotal)
	prometheus.MustRegister(WorkflowDuration)
	prometheus.MustRegister(WorkflowStepDuration)
	prometheus.MustRegister(RetriesTotal)
	prometheus.MustRegister(BreakerState)
	prometheus.MustRegister(FailoversTotal)
	prometheus.MustRegister(RecoveriesTotal)
	prometheus.MustRegister(PoolQueueDepth)
	prometheus.MustRegister(PoolSaturationTotal)
	prometheus.MustRegister(ReconciliationDuration)
	prometheus.MustRegister(ReconciliationCyclesTotal)
	prometheus.MustRegister(ContainerCPUPercent)
	prometheus.MustRegister(ContainerMemoryUsage)
	prometheus.MustRegister(ContainerMemoryLimit)
	prometheus.MustRegister(ContainerNetworkBytes)
	prometheus.MustRegister(ContainerBlockIOBytes)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

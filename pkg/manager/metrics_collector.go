package manager

import (
	"time"

	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/types"
)

var allClusterStatuses = []types.ClusterStatus{
	types.ClusterStatusProvisioning,
	types.ClusterStatusRunning,
	types.ClusterStatusDegraded,
	types.ClusterStatusScaling,
	types.ClusterStatusStopped,
	types.ClusterStatusFailed,
	types.ClusterStatusDeleting,
}

// MetricsCollector exports cluster and node inventory gauges
type MetricsCollector struct {
	manager  *Manager
	interval time.Duration
	stopCh   chan struct{}
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(mgr *Manager) *MetricsCollector {
	return &MetricsCollector{
		manager:  mgr,
		interval: 15 * time.Second,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *MetricsCollector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		c.Collect()

		for {
			select {
			case <-ticker.C:
				c.Collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *MetricsCollector) Stop() {
	close(c.stopCh)
}

// Collect refreshes the inventory gauges once
func (c *MetricsCollector) Collect() {
	c.collectClusterMetrics()
	c.collectNodeMetrics()
}

func (c *MetricsCollector) collectClusterMetrics() {
	clusters, err := c.manager.store.ListClusters()
	if err != nil {
		return
	}

	counts := make(map[types.ClusterStatus]int)
	for _, cluster := range clusters {
		counts[cluster.Status]++
	}
	// every status is set so a drained status drops back to zero
	for _, status := range allClusterStatuses {
		metrics.ClustersTotal.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}

func (c *MetricsCollector) collectNodeMetrics() {
	nodes, err := c.manager.store.ListNodes()
	if err != nil {
		return
	}

	nodeCounts := make(map[string]map[string]int)
	for _, node := range nodes {
		role := string(node.Role)
		status := string(node.Status)

		if nodeCounts[role] == nil {
			nodeCounts[role] = make(map[string]int)
		}
		nodeCounts[role][status]++
	}

	metrics.NodesTotal.Reset()
	for role, statuses := range nodeCounts {
		for status, count := range statuses {
			metrics.NodesTotal.WithLabelValues(role, status).Set(float64(count))
		}
	}
}

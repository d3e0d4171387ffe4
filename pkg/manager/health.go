package manager

import (
	"context"
	"errors"
	"fmt"

	"github.com/cuemby/burrow/pkg/events"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/types"
)

var errUnchanged = errors.New("status unchanged")

// Health evaluates a cluster now and records a RUNNING/DEGRADED change
func (m *Manager) Health(ctx context.Context, clusterID, ownerID string) (types.ClusterHealth, error) {
	cluster, err := m.Get(ctx, clusterID, ownerID)
	if err != nil {
		return types.ClusterHealth{}, err
	}
	h := m.CheckHealth(ctx, cluster)
	if _, err := m.ApplyHealth(ctx, clusterID, h.Status); err != nil {
		return h, err
	}
	return h, nil
}

// CheckHealth inspects the containers of cluster. Only RUNNING and DEGRADED
// clusters are evaluated; any other cluster reports its stored status.
func (m *Manager) CheckHealth(ctx context.Context, cluster *types.Cluster) types.ClusterHealth {
	h := m.health.Check(ctx, cluster)
	if !monitored(cluster.Status) {
		h.Status = cluster.Status
	}
	return h
}

// ApplyHealth moves a RUNNING or DEGRADED cluster to status. It reports
// whether the stored status changed. Clusters in any other state are left
// alone because a workflow owns them.
func (m *Manager) ApplyHealth(ctx context.Context, clusterID string, status types.ClusterStatus) (bool, error) {
	if !monitored(status) {
		return false, nil
	}

	var previous types.ClusterStatus
	cluster, err := m.store.UpdateCluster(clusterID, func(c *types.Cluster) error {
		if !monitored(c.Status) || c.Status == status {
			return errUnchanged
		}
		previous = c.Status
		c.Status = status
		return nil
	})
	if errors.Is(err, errUnchanged) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	logger := log.ForCluster(m.logger, clusterID)
	if status == types.ClusterStatusDegraded {
		logger.Warn().Str("from", string(previous)).Msg("Cluster degraded")
		m.broker.Publish(events.New(events.EventClusterDegraded, clusterID, fmt.Sprintf("cluster %s degraded", cluster.Name)))
	} else {
		logger.Info().Str("from", string(previous)).Msg("Cluster recovered")
		m.broker.Publish(events.New(events.EventClusterRecovered, clusterID, fmt.Sprintf("cluster %s recovered", cluster.Name)))
	}
	return true, nil
}

func monitored(s types.ClusterStatus) bool {
	return s == types.ClusterStatusRunning || s == types.ClusterStatusDegraded
}

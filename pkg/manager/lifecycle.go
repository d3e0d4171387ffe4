package manager

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/burrow/pkg/async"
	"github.com/cuemby/burrow/pkg/errdefs"
	"github.com/cuemby/burrow/pkg/events"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/mysql"
	"github.com/cuemby/burrow/pkg/naming"
	"github.com/cuemby/burrow/pkg/network"
	"github.com/cuemby/burrow/pkg/types"
)

// Delete flips the cluster to DELETING and tears it down asynchronously
func (m *Manager) Delete(ctx context.Context, clusterID, ownerID string) (*types.Cluster, error) {
	return m.delete(ctx, clusterID, ownerID, nil)
}

// DeleteNotify is Delete with a callback run when the teardown has finished
func (m *Manager) DeleteNotify(ctx context.Context, clusterID, ownerID string, done func(error)) (*types.Cluster, error) {
	return m.delete(ctx, clusterID, ownerID, done)
}

func (m *Manager) delete(ctx context.Context, clusterID, ownerID string, done func(error)) (*types.Cluster, error) {
	if _, err := m.Get(ctx, clusterID, ownerID); err != nil {
		return nil, err
	}

	cluster, err := m.store.UpdateCluster(clusterID, func(c *types.Cluster) error {
		if c.Status == types.ClusterStatusDeleting {
			return errdefs.InvalidState("cluster %s is already being deleted", c.ID)
		}
		c.Status = types.ClusterStatusDeleting
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.logger.Info().Str("cluster_id", clusterID).Msg("Deleting cluster")

	start := time.Now()
	logger := m.logger.With().Str("cluster_id", clusterID).Str("workflow", "delete").Logger()
	snapshot := cluster.Copy()
	backoff := async.Constant(m.cfg.Retry.ConfigureAttempts, m.cfg.Retry.ConfigureBackoff)

	chain := async.NewChain(m.provisionPool, "delete", logger).
		BestEffort("registrar", backoff, func(ctx context.Context) error {
			if !snapshot.EnableRegistrar {
				return nil
			}
			return m.registrar.Unregister(ctx, naming.MasterName(clusterID), mysql.Port)
		}).
		Then("containers", func(ctx context.Context) error {
			m.removeClusterContainers(ctx, snapshot)
			return nil
		}).
		Then("network", func(ctx context.Context) error {
			if snapshot.NetworkID == "" || snapshot.NetworkID == network.HostNetwork {
				return nil
			}
			if err := m.networks.Remove(ctx, snapshot.NetworkID); err != nil {
				logger.Warn().Err(err).Str("network", snapshot.NetworkID).Msg("Failed to remove cluster network")
			}
			return nil
		}).
		Then("records", func(ctx context.Context) error {
			m.provision.DiscardConfig(clusterID)
			return m.store.DeleteCluster(clusterID)
		})

	run := func() {
		chain.Run(context.WithoutCancel(ctx), func(err error) {
			if err != nil {
				m.failWorkflow("delete", clusterID, err)
			} else {
				metrics.WorkflowsTotal.WithLabelValues("delete", "success").Inc()
				metrics.WorkflowDuration.WithLabelValues("delete").Observe(time.Since(start).Seconds())
				logger.Info().Msg("Cluster deleted")
				m.broker.Publish(events.New(events.EventClusterDeleted, clusterID, fmt.Sprintf("cluster %s deleted", snapshot.Name)))
			}
			if done != nil {
				done(err)
			}
		})
	}
	if err := m.provisionPool.Submit(run); err != nil {
		m.failWorkflow("delete", clusterID, err)
		if done != nil {
			done(err)
		}
	}
	return cluster, nil
}

// removeClusterContainers removes every container the cluster row or its
// node records know about. Failures are logged only.
func (m *Manager) removeClusterContainers(ctx context.Context, cluster *types.Cluster) {
	seen := map[string]bool{}
	var ids []string
	for _, id := range cluster.ContainerIDs() {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	if list, err := m.nodes.ListByCluster(cluster.ID); err == nil {
		for _, n := range list {
			if n.ContainerID != "" && !seen[n.ContainerID] {
				seen[n.ContainerID] = true
				ids = append(ids, n.ContainerID)
			}
		}
	}

	for _, id := range ids {
		if err := removeContainer(ctx, m.driver, id, stopTimeout(m.cfg)); err != nil {
			m.logger.Warn().Err(err).Str("cluster_id", cluster.ID).Str("container", id).Msg("Failed to remove container")
		}
	}
}

// failWorkflow records a terminal workflow error on the cluster
func (m *Manager) failWorkflow(workflow, clusterID string, cause error) {
	m.logger.Error().Err(cause).Str("cluster_id", clusterID).Str("workflow", workflow).Msg("Workflow failed")
	metrics.WorkflowsTotal.WithLabelValues(workflow, "failure").Inc()

	_, err := m.store.UpdateCluster(clusterID, func(c *types.Cluster) error {
		c.Status = types.ClusterStatusFailed
		c.ErrorMessage = cause.Error()
		return nil
	})
	if err != nil {
		m.logger.Error().Err(err).Str("cluster_id", clusterID).Msg("Failed to record workflow failure")
	}
	m.broker.Publish(events.New(events.EventClusterFailed, clusterID, cause.Error()).
		With("workflow", workflow))
}

// Start starts the containers of a STOPPED or FAILED cluster, primary first
func (m *Manager) Start(ctx context.Context, clusterID, ownerID string) (*types.Cluster, error) {
	cluster, err := m.Get(ctx, clusterID, ownerID)
	if err != nil {
		return nil, err
	}
	if cluster.Status != types.ClusterStatusStopped && cluster.Status != types.ClusterStatusFailed {
		return nil, errdefs.InvalidState("cannot start cluster %s in status %s", clusterID, cluster.Status)
	}

	order := startOrder(cluster)
	err = m.eachContainer(ctx, cluster, order, types.NodeStatusRunning, func(ctx context.Context, id string) error {
		return m.driver.Start(ctx, id)
	})
	if err != nil {
		return m.haltWorkflow("start", clusterID, err)
	}

	cluster, err = m.transition(clusterID, types.ClusterStatusRunning)
	if err != nil {
		return nil, err
	}
	m.logger.Info().Str("cluster_id", clusterID).Msg("Cluster started")
	m.broker.Publish(events.New(events.EventClusterStarted, clusterID, fmt.Sprintf("cluster %s started", cluster.Name)))
	return cluster, nil
}

// Stop stops the containers of a cluster, proxy first and primary last
func (m *Manager) Stop(ctx context.Context, clusterID, ownerID string) (*types.Cluster, error) {
	cluster, err := m.Get(ctx, clusterID, ownerID)
	if err != nil {
		return nil, err
	}
	switch cluster.Status {
	case types.ClusterStatusRunning, types.ClusterStatusDegraded, types.ClusterStatusFailed:
	default:
		return nil, errdefs.InvalidState("cannot stop cluster %s in status %s", clusterID, cluster.Status)
	}

	order := startOrder(cluster)
	for i, j := 0, len(order)-1; i < j; i, j = i+1, j-1 {
		order[i], order[j] = order[j], order[i]
	}
	timeout := stopTimeout(m.cfg)
	err = m.eachContainer(ctx, cluster, order, types.NodeStatusStopped, func(ctx context.Context, id string) error {
		return m.driver.Stop(ctx, id, timeout)
	})
	if err != nil {
		return m.haltWorkflow("stop", clusterID, err)
	}

	cluster, err = m.transition(clusterID, types.ClusterStatusStopped)
	if err != nil {
		return nil, err
	}
	m.logger.Info().Str("cluster_id", clusterID).Msg("Cluster stopped")
	m.broker.Publish(events.New(events.EventClusterStopped, clusterID, fmt.Sprintf("cluster %s stopped", cluster.Name)))
	return cluster, nil
}

// Scale changes the replica count. The work runs on the provisioning pool.
func (m *Manager) Scale(ctx context.Context, clusterID string, target int, ownerID string) (*types.Cluster, error) {
	return m.scaling.ScaleCluster(ctx, clusterID, target, ownerID)
}

// ScaleNotify is Scale with a callback run when the scaling workflow has finished
func (m *Manager) ScaleNotify(ctx context.Context, clusterID string, target int, ownerID string, done func(error)) (*types.Cluster, error) {
	return m.scaling.ScaleClusterNotify(ctx, clusterID, target, ownerID, done)
}

// startOrder lists the container handles primary, replicas, proxy
func startOrder(c *types.Cluster) []string {
	var order []string
	if c.MasterContainerID != "" {
		order = append(order, c.MasterContainerID)
	}
	order = append(order, c.ReplicaContainerIDs...)
	if c.ProxyContainerID != "" {
		order = append(order, c.ProxyContainerID)
	}
	return order
}

// eachContainer applies op to every handle in order and records status on
// the matching node as soon as its container succeeded. It stops at the
// first failure.
func (m *Manager) eachContainer(ctx context.Context, cluster *types.Cluster, order []string, status types.NodeStatus, op func(context.Context, string) error) error {
	for _, id := range order {
		if err := op(ctx, id); err != nil {
			return errdefs.Infrastructure(err, "container %s", id)
		}
		n, err := m.nodes.FindByContainerID(cluster.ID, id)
		if err != nil {
			m.logger.Warn().Err(err).Str("cluster_id", cluster.ID).Str("container", id).Msg("No node record for container")
			continue
		}
		if _, err := m.nodes.SetStatus(n.ID, status); err != nil {
			return err
		}
	}
	return nil
}

// haltWorkflow marks the cluster FAILED for a synchronous workflow and returns
// the cause
func (m *Manager) haltWorkflow(workflow, clusterID string, cause error) (*types.Cluster, error) {
	m.failWorkflow(workflow, clusterID, cause)
	return nil, fmt.Errorf("%s cluster %s: %w", workflow, clusterID, cause)
}

// transition sets status on a freshly read cluster and clears its error
func (m *Manager) transition(clusterID string, status types.ClusterStatus) (*types.Cluster, error) {
	return m.store.UpdateCluster(clusterID, func(c *types.Cluster) error {
		if !c.Status.CanTransitionTo(status) {
			return errdefs.InvalidState("cluster %s cannot move from %s to %s", c.ID, c.Status, status)
		}
		c.Status = status
		c.ErrorMessage = ""
		return nil
	})
}

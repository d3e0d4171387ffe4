// Package failover reacts to topology changes reported by the registrar and
// rebuilds failed primaries as replicas.
//
// Engine applies a reported primary switch to the store and the proxy and
// returns. The rebuild of the failed node is handed to Recovery on the
// provisioning pool; its outcome only surfaces as an event.
package failover

import (
	"context"
	"fmt"

	"github.com/cuemby/burrow/pkg/async"
	"github.com/cuemby/burrow/pkg/errdefs"
	"github.com/cuemby/burrow/pkg/events"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/naming"
	"github.com/cuemby/burrow/pkg/nodes"
	"github.com/cuemby/burrow/pkg/proxysql"
	"github.com/cuemby/burrow/pkg/storage"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/rs/zerolog"
)

// Failover kinds, used as metric labels
const (
	KindFailover         = "failover"
	KindTopologyRecovery = "topology_recovery"
)

// Engine applies primary switches
type Engine struct {
	store    storage.Store
	nodes    *nodes.Repository
	router   *proxysql.Router
	events   events.Publisher
	recovery *Recovery
	pool     *async.Pool
	logger   zerolog.Logger
}

// NewEngine creates a failover engine. Recoveries are submitted to pool.
func NewEngine(store storage.Store, repo *nodes.Repository, router *proxysql.Router, publisher events.Publisher, recovery *Recovery, pool *async.Pool) *Engine {
	return &Engine{
		store:    store,
		nodes:    repo,
		router:   router,
		events:   publisher,
		recovery: recovery,
		pool:     pool,
		logger:   log.WithComponent("failover"),
	}
}

// HandleFailover records that successorHost replaced failedHost as primary
// and schedules the rebuild of failedHost
func (e *Engine) HandleFailover(ctx context.Context, cluster *types.Cluster, failedHost, successorHost string) error {
	if err := e.apply(ctx, cluster, failedHost, successorHost, KindFailover); err != nil {
		return err
	}

	clusterID := cluster.ID
	if err := e.pool.Submit(func() {
		e.recovery.RecoverFailedMasterAsReplica(clusterID, failedHost, successorHost)
	}); err != nil {
		e.logger.Error().Err(err).Str("cluster_id", clusterID).Msg("Failed to schedule recovery")
	}
	return nil
}

// HandleTopologyRecovery records a completed topology change without
// rebuilding anything
func (e *Engine) HandleTopologyRecovery(ctx context.Context, cluster *types.Cluster, failedHost, successorHost string) error {
	return e.apply(ctx, cluster, failedHost, successorHost, KindTopologyRecovery)
}

func (e *Engine) apply(ctx context.Context, cluster *types.Cluster, failedHost, successorHost, kind string) error {
	logger := e.logger.With().
		Str("cluster_id", cluster.ID).
		Str("failed", failedHost).
		Str("successor", successorHost).
		Str("kind", kind).
		Logger()
	logger.Info().Msg("Applying primary switch")

	successor, err := e.nodes.FindByHost(cluster.ID, successorHost)
	if err != nil {
		return fmt.Errorf("successor %s: %w", successorHost, err)
	}

	failed, err := e.nodes.FindByHost(cluster.ID, failedHost)
	if err != nil && !errdefs.IsNotFound(err) {
		return err
	}
	if failed != nil && failed.ID == successor.ID {
		return errdefs.InvalidArgument("failed host and successor are the same node: %s", successorHost)
	}

	if failed != nil {
		demoted, err := e.nodes.SetRole(failed.ID, types.NodeRoleReplica, types.NodeStatusFailed)
		if err != nil {
			return fmt.Errorf("demote %s: %w", failed.ContainerName, err)
		}
		e.nodeUpdated(demoted)
	} else {
		logger.Warn().Msg("Failed host has no node record")
	}

	promoted, err := e.nodes.SetRole(successor.ID, types.NodeRoleMaster, types.NodeStatusRunning)
	if err != nil {
		return fmt.Errorf("promote %s: %w", successor.ContainerName, err)
	}
	e.nodeUpdated(promoted)

	updated, err := e.store.UpdateCluster(cluster.ID, func(c *types.Cluster) error {
		old := c.MasterContainerID
		c.MasterContainerID = promoted.ContainerID
		c.RemoveReplica(promoted.ContainerID)
		if old != "" && old != promoted.ContainerID {
			c.AddReplica(old)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("update cluster handles: %w", err)
	}

	// routing follows the registrar's decision even if a proxy call fails
	if updated.ProxyContainerID != "" {
		if err := e.router.Promote(ctx, updated.ProxyContainerID, backend(promoted)); err != nil {
			logger.Error().Err(err).Msg("Failed to move write group to the new primary")
		}
		if failed != nil {
			if err := e.router.Demote(ctx, updated.ProxyContainerID, backend(failed)); err != nil {
				logger.Warn().Err(err).Msg("Failed to move old primary to the read group")
			}
		}
	}

	metrics.FailoversTotal.WithLabelValues(kind).Inc()
	e.events.Publish(events.New(events.EventFailoverCompleted, cluster.ID,
		fmt.Sprintf("%s promoted after %s failed", promoted.ContainerName, naming.StripPort(failedHost))).
		With("failed_host", failedHost).
		With("successor_host", successorHost).
		With("kind", kind))

	logger.Info().Str("master", promoted.ContainerName).Msg("Primary switch applied")
	return nil
}

func (e *Engine) nodeUpdated(n *types.Node) {
	e.events.Publish(events.New(events.EventNodeUpdated, n.ClusterID,
		fmt.Sprintf("%s is %s/%s", n.ContainerName, n.Role, n.Status)).
		With("node_id", n.ID).
		With("role", string(n.Role)).
		With("status", string(n.Status)))
}

func backend(n *types.Node) proxysql.Backend {
	return proxysql.Backend{Host: n.Host, Port: n.Port}
}

// DetermineNextReplicaNumber returns one more than the highest replica
// ordinal among the container names of all nodes, whatever their role
func DetermineNextReplicaNumber(list []*types.Node) int {
	highest := 0
	for _, n := range list {
		if ord, ok := naming.ReplicaOrdinal(n.ContainerName); ok && ord > highest {
			highest = ord
		}
	}
	return highest + 1
}

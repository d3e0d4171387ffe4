package manager

import (
	"context"

	"github.com/cuemby/burrow/pkg/errdefs"
	"github.com/cuemby/burrow/pkg/naming"
	"github.com/cuemby/burrow/pkg/types"
)

// FailoverNotification is posted by the topology registrar after it promoted
// a replica because the primary failed
type FailoverNotification struct {
	ClusterAlias  string `json:"clusterAlias"`
	SuccessorHost string `json:"successorHost" validate:"required"`
	FailedHost    string `json:"failedHost" validate:"required"`
	FailureType   string `json:"failureType,omitempty"`
}

// RecoveryNotification is posted by the topology registrar after a completed
// topology change. Older registrar hooks send the failed host as
// analysisHost.
type RecoveryNotification struct {
	ClusterAlias  string `json:"clusterAlias,omitempty"`
	FailedHost    string `json:"failedHost,omitempty"`
	AnalysisHost  string `json:"analysisHost,omitempty"`
	SuccessorHost string `json:"successorHost" validate:"required"`
}

// Failed returns the host that lost the primary role
func (n RecoveryNotification) Failed() string {
	if n.FailedHost != "" {
		return n.FailedHost
	}
	return n.AnalysisHost
}

// HandleFailoverWebhook applies a registrar failover and schedules the rebuild
// of the failed primary as a replica
func (m *Manager) HandleFailoverWebhook(ctx context.Context, n FailoverNotification) (*types.Cluster, error) {
	if n.SuccessorHost == "" || n.FailedHost == "" {
		return nil, errdefs.InvalidArgument("failover notification needs failedHost and successorHost")
	}
	cluster, err := m.resolveCluster(n.ClusterAlias, n.FailedHost, n.SuccessorHost)
	if err != nil {
		return nil, err
	}
	m.logger.Warn().
		Str("cluster_id", cluster.ID).
		Str("failed", n.FailedHost).
		Str("successor", n.SuccessorHost).
		Str("failure_type", n.FailureType).
		Msg("Failover reported by registrar")

	if err := m.failover.HandleFailover(ctx, cluster, naming.StripPort(n.FailedHost), naming.StripPort(n.SuccessorHost)); err != nil {
		return nil, err
	}
	return m.store.GetCluster(cluster.ID)
}

// HandleRecoveryWebhook applies a registrar topology change without
// rebuilding any node
func (m *Manager) HandleRecoveryWebhook(ctx context.Context, n RecoveryNotification) (*types.Cluster, error) {
	failed := n.Failed()
	if n.SuccessorHost == "" || failed == "" {
		return nil, errdefs.InvalidArgument("recovery notification needs a failed host and successorHost")
	}
	cluster, err := m.resolveCluster(n.ClusterAlias, failed, n.SuccessorHost)
	if err != nil {
		return nil, err
	}
	m.logger.Info().
		Str("cluster_id", cluster.ID).
		Str("failed", failed).
		Str("successor", n.SuccessorHost).
		Msg("Topology recovery reported by registrar")

	if err := m.failover.HandleTopologyRecovery(ctx, cluster, naming.StripPort(failed), naming.StripPort(n.SuccessorHost)); err != nil {
		return nil, err
	}
	return m.store.GetCluster(cluster.ID)
}

// resolveCluster finds the cluster a registrar notification is about: by
// alias first, then by the naming convention of either host
func (m *Manager) resolveCluster(alias string, hosts ...string) (*types.Cluster, error) {
	if id, ok := naming.ClusterIDFromAlias(alias); ok {
		return m.store.GetCluster(id)
	}
	for _, h := range hosts {
		if id, ok := naming.ClusterIDFromHost(h); ok {
			return m.store.GetCluster(id)
		}
	}
	return nil, errdefs.InvalidArgument("cannot resolve cluster from alias %q or hosts %v", alias, hosts)
}

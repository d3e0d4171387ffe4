package failover

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/burrow/pkg/async"
	"github.com/cuemby/burrow/pkg/errdefs"
	"github.com/cuemby/burrow/pkg/events"
	"github.com/cuemby/burrow/pkg/health"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/mysql"
	"github.com/cuemby/burrow/pkg/nodes"
	"github.com/cuemby/burrow/pkg/provision"
	"github.com/cuemby/burrow/pkg/proxysql"
	"github.com/cuemby/burrow/pkg/registrar"
	"github.com/cuemby/burrow/pkg/runtime"
	"github.com/cuemby/burrow/pkg/security"
	"github.com/cuemby/burrow/pkg/storage"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/rs/zerolog"
)

// RecoveryConfig holds the waits and retry budgets of a rebuild
type RecoveryConfig struct {
	HealthTimeout    time.Duration
	Settle           time.Duration
	ConfigureBackoff async.BackoffFactory
}

// Recovery rebuilds a failed primary as a replica of the new primary
type Recovery struct {
	store     storage.Store
	nodes     *nodes.Repository
	driver    runtime.Driver
	provision *provision.Engine
	health    *health.Engine
	mysql     *mysql.Client
	router    *proxysql.Router
	registrar registrar.Registrar
	shared    security.SharedCredentials
	events    events.Publisher
	pool      *async.Pool
	cfg       RecoveryConfig
	logger    zerolog.Logger
}

// RecoveryDeps are the collaborators of a Recovery
type RecoveryDeps struct {
	Store     storage.Store
	Nodes     *nodes.Repository
	Driver    runtime.Driver
	Provision *provision.Engine
	Health    *health.Engine
	MySQL     *mysql.Client
	Router    *proxysql.Router
	Registrar registrar.Registrar
	Shared    security.SharedCredentials
	Events    events.Publisher
	Pool      *async.Pool
}

// NewRecovery creates a recovery engine
func NewRecovery(deps RecoveryDeps, cfg RecoveryConfig) *Recovery {
	if cfg.ConfigureBackoff == nil {
		cfg.ConfigureBackoff = async.Constant(3, 10*time.Second)
	}
	return &Recovery{
		store:     deps.Store,
		nodes:     deps.Nodes,
		driver:    deps.Driver,
		provision: deps.Provision,
		health:    deps.Health,
		mysql:     deps.MySQL,
		router:    deps.Router,
		registrar: deps.Registrar,
		shared:    deps.Shared,
		events:    deps.Events,
		pool:      deps.Pool,
		cfg:       cfg,
		logger:    log.WithComponent("recovery"),
	}
}

// recovery carries the state of one rebuild between chain steps
type recovery struct {
	clusterID     string
	failedHost    string
	newMasterHost string

	cluster   *types.Cluster
	failed    *types.Node
	primary   *types.Node
	ordinal   int
	resources types.NodeResources
	replica   *types.Node
}

// RecoverFailedMasterAsReplica removes the failed node and replaces it with a
// fresh replica cloned from newMasterHost. It returns immediately; the
// outcome is published as recovery.completed or recovery.failed.
func (r *Recovery) RecoverFailedMasterAsReplica(clusterID, failedHost, newMasterHost string) {
	r.Run(context.Background(), clusterID, failedHost, newMasterHost, nil)
}

// Run is RecoverFailedMasterAsReplica with a context and an optional
// completion callback
func (r *Recovery) Run(ctx context.Context, clusterID, failedHost, newMasterHost string, done func(error)) {
	logger := r.logger.With().
		Str("cluster_id", clusterID).
		Str("failed", failedHost).
		Str("primary", newMasterHost).
		Logger()

	st := &recovery{clusterID: clusterID, failedHost: failedHost, newMasterHost: newMasterHost}

	cluster, err := r.store.GetCluster(clusterID)
	if err == nil {
		st.cluster = cluster
		st.failed, err = r.nodes.FindByHost(clusterID, failedHost)
	}
	if err != nil {
		if errdefs.IsNotFound(err) {
			logger.Info().Err(err).Msg("Nothing to recover")
			err = nil
		} else {
			r.finish(st, logger, err)
		}
		if done != nil {
			done(err)
		}
		return
	}

	start := time.Now()
	logger.Info().Str("node", st.failed.ContainerName).Msg("Rebuilding failed primary as replica")

	chain := async.NewChain(r.pool, "recovery", logger).
		Then("retire", func(ctx context.Context) error { return r.retire(ctx, st, logger) }).
		Then("allocate", func(ctx context.Context) error { return r.allocate(st) }).
		Await("create", func(ctx context.Context, done func(error)) {
			r.provision.CreateReplicaContainer(ctx, st.cluster, st.ordinal, st.resources, func(n *types.Node, err error) {
				st.replica = n
				done(err)
			})
		}).
		Await("health", func(ctx context.Context, done func(error)) {
			r.health.WaitForContainerHealthy(ctx, st.replica.ContainerID, r.cfg.HealthTimeout, done)
		}).
		Delay("settle", r.cfg.Settle).
		Then("primary", func(ctx context.Context) error { return r.resolvePrimary(st) }).
		Retry("clone", r.cfg.ConfigureBackoff, func(ctx context.Context) error {
			return r.mysql.CloneFromPrimary(ctx, st.replica.ContainerID, st.primary.Host)
		}).
		Retry("replication", r.cfg.ConfigureBackoff, func(ctx context.Context) error {
			return r.mysql.ConfigureReplica(ctx, st.replica.ContainerID, st.primary.Host,
				r.shared.ReplicationUser, r.shared.ReplicationPassword)
		}).
		Then("attach", func(ctx context.Context) error { return r.attach(ctx, st, logger) })

	chain.Run(ctx, func(err error) {
		metrics.WorkflowDuration.WithLabelValues("recovery").Observe(time.Since(start).Seconds())
		r.finish(st, logger, err)
		if done != nil {
			done(err)
		}
	})
}

// retire forgets the failed node everywhere. Only the store writes are
// mandatory; a dangling node record would break replica numbering.
func (r *Recovery) retire(ctx context.Context, st *recovery, logger zerolog.Logger) error {
	failed := st.failed

	if st.cluster.EnableRegistrar {
		if err := r.registrar.Unregister(ctx, failed.Host, failed.Port); err != nil {
			logger.Warn().Err(err).Msg("Failed to unregister failed node")
		}
	}
	if st.cluster.ProxyContainerID != "" {
		if err := r.router.RemoveServer(ctx, st.cluster.ProxyContainerID, failed.Host); err != nil {
			logger.Warn().Err(err).Msg("Failed to remove failed node from the proxy")
		}
	}
	if failed.ContainerID != "" {
		if err := r.driver.Remove(ctx, failed.ContainerID, true); err != nil && !errors.Is(err, runtime.ErrNotFound) {
			logger.Warn().Err(err).Str("container", failed.ContainerName).Msg("Failed to remove failed container")
		}
	}

	cluster, err := r.store.UpdateCluster(st.clusterID, func(c *types.Cluster) error {
		c.RemoveReplica(failed.ContainerID)
		if c.MasterContainerID == failed.ContainerID {
			c.MasterContainerID = ""
		}
		return nil
	})
	if err != nil {
		return err
	}
	st.cluster = cluster

	if err := r.nodes.Delete(failed.ID); err != nil && !errdefs.IsNotFound(err) {
		return err
	}
	return nil
}

func (r *Recovery) allocate(st *recovery) error {
	list, err := r.nodes.ListByCluster(st.clusterID)
	if err != nil {
		return err
	}
	st.ordinal = DetermineNextReplicaNumber(list)
	st.resources = st.failed.Resources
	if st.resources.IsZero() {
		st.resources = r.provision.DefaultReplicaResources()
	}
	return nil
}

func (r *Recovery) resolvePrimary(st *recovery) error {
	primary, err := r.nodes.FindByHost(st.clusterID, st.newMasterHost)
	if err != nil {
		return fmt.Errorf("new primary %s: %w", st.newMasterHost, err)
	}
	st.primary = primary
	return nil
}

func (r *Recovery) attach(ctx context.Context, st *recovery, logger zerolog.Logger) error {
	replica := st.replica

	cluster, err := r.store.UpdateCluster(st.clusterID, func(c *types.Cluster) error {
		c.AddReplica(replica.ContainerID)
		return nil
	})
	if err != nil {
		return err
	}
	st.cluster = cluster

	if _, err := r.nodes.SetStatus(replica.ID, types.NodeStatusRunning); err != nil {
		return err
	}

	if cluster.ProxyContainerID != "" {
		if err := r.router.AddServer(ctx, cluster.ProxyContainerID, proxysql.HostgroupRead, backend(replica)); err != nil {
			return fmt.Errorf("register with proxy: %w", err)
		}
	}

	if cluster.EnableRegistrar {
		if err := r.registrar.Register(ctx, replica.Host, replica.Port); err != nil {
			logger.Warn().Err(err).Msg("Failed to register new replica")
		}
	}
	return nil
}

func (r *Recovery) finish(st *recovery, logger zerolog.Logger, err error) {
	if err != nil {
		logger.Error().Err(err).Msg("Recovery failed")
		metrics.RecoveriesTotal.WithLabelValues("failed").Inc()
		r.events.Publish(events.New(events.EventRecoveryFailed, st.clusterID,
			fmt.Sprintf("rebuild of %s failed: %v", st.failedHost, err)).
			With("failed_host", st.failedHost))
		return
	}

	logger.Info().Str("replica", st.replica.ContainerName).Msg("Recovery completed")
	metrics.RecoveriesTotal.WithLabelValues("completed").Inc()
	r.events.Publish(events.New(events.EventRecoveryCompleted, st.clusterID,
		fmt.Sprintf("%s rebuilt as %s", st.failedHost, st.replica.ContainerName)).
		With("failed_host", st.failedHost).
		With("replica", st.replica.ContainerName).
		With("node_id", st.replica.ID))
}

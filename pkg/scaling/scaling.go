// Package scaling changes the replica count of a running cluster.
//
// ScaleCluster validates and flips the cluster to SCALING synchronously,
// then adds or removes replicas one at a time on the provisioning pool:
//
//	up:   create → wait healthy → settle → replication → proxy READ → RUNNING → append handle
//	down: proxy remove → drain → delete node → stop/remove → unregister → drop handle
//
// Every cluster write re-fetches the row inside its own transaction. On
// failure the status captured before scaling is restored and the replica
// list keeps exactly the replicas that exist.
package scaling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/burrow/pkg/async"
	"github.com/cuemby/burrow/pkg/errdefs"
	"github.com/cuemby/burrow/pkg/events"
	"github.com/cuemby/burrow/pkg/failover"
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

// DefaultMaxReplicas is the upper bound of a scale target
const DefaultMaxReplicas = 10

// Config holds the scaling bounds, waits and retry budgets
type Config struct {
	MaxReplicas      int
	HealthTimeout    time.Duration
	Settle           time.Duration
	Drain            time.Duration
	StopTimeout      time.Duration
	ConfigureBackoff async.BackoffFactory
}

// DefaultConfig returns the built-in scaling settings
func DefaultConfig() Config {
	return Config{
		MaxReplicas:      DefaultMaxReplicas,
		HealthTimeout:    300 * time.Second,
		Settle:           30 * time.Second,
		Drain:            5 * time.Second,
		StopTimeout:      10 * time.Second,
		ConfigureBackoff: async.Constant(3, 10*time.Second),
	}
}

// Deps are the collaborators of the scaling engine
type Deps struct {
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

// Engine scales clusters
type Engine struct {
	Deps
	cfg    Config
	logger zerolog.Logger
}

// NewEngine creates a scaling engine
func NewEngine(deps Deps, cfg Config) *Engine {
	def := DefaultConfig()
	if cfg.MaxReplicas <= 0 {
		cfg.MaxReplicas = def.MaxReplicas
	}
	if cfg.ConfigureBackoff == nil {
		cfg.ConfigureBackoff = def.ConfigureBackoff
	}
	return &Engine{Deps: deps, cfg: cfg, logger: log.WithComponent("scaling")}
}

// MaxReplicas returns the upper bound of a scale target
func (e *Engine) MaxReplicas() int {
	return e.cfg.MaxReplicas
}

// ScaleCluster moves the cluster to SCALING and schedules the replica
// changes. It returns the cluster as stored after the status flip, or the
// unchanged cluster when target equals the current count.
func (e *Engine) ScaleCluster(ctx context.Context, clusterID string, target int, ownerID string) (*types.Cluster, error) {
	return e.scale(ctx, clusterID, target, ownerID, nil)
}

// ScaleClusterNotify is ScaleCluster with a callback run once the scaling
// workflow has finished
func (e *Engine) ScaleClusterNotify(ctx context.Context, clusterID string, target int, ownerID string, done func(error)) (*types.Cluster, error) {
	return e.scale(ctx, clusterID, target, ownerID, done)
}

func (e *Engine) scale(ctx context.Context, clusterID string, target int, ownerID string, done func(error)) (*types.Cluster, error) {
	if target < 0 || target > e.cfg.MaxReplicas {
		return nil, errdefs.InvalidArgument("replica count must be between 0 and %d, got %d", e.cfg.MaxReplicas, target)
	}

	current, err := e.Store.GetCluster(clusterID)
	if err != nil {
		return nil, err
	}
	if current.OwnerID != ownerID {
		return nil, errdefs.AccessDenied(clusterID)
	}
	if target == current.ReplicaCount && len(current.ReplicaContainerIDs) == target {
		if done != nil {
			done(nil)
		}
		return current, nil
	}

	var previous types.ClusterStatus
	cluster, err := e.Store.UpdateCluster(clusterID, func(c *types.Cluster) error {
		if c.Status.IsTransitional() || !c.Status.CanTransitionTo(types.ClusterStatusScaling) {
			return errdefs.InvalidState("cannot scale cluster %s in status %s", c.ID, c.Status)
		}
		previous = c.Status
		c.Status = types.ClusterStatusScaling
		c.ErrorMessage = ""
		return nil
	})
	if err != nil {
		return nil, err
	}

	from := len(cluster.ReplicaContainerIDs)
	e.Events.Publish(events.New(events.EventClusterScaling, clusterID,
		fmt.Sprintf("scaling from %d to %d replicas", from, target)).
		With("from", fmt.Sprint(from)).
		With("to", fmt.Sprint(target)))

	w := &workflow{
		engine:   e,
		id:       clusterID,
		target:   target,
		previous: previous,
		start:    time.Now(),
		logger: e.logger.With().
			Str("cluster_id", clusterID).
			Int("from", from).
			Int("to", target).
			Logger(),
		done: done,
	}
	w.logger.Info().Str("previous", string(previous)).Msg("Scaling cluster")

	if err := e.Pool.Submit(func() { w.next(context.WithoutCancel(ctx)) }); err != nil {
		w.fail(err)
	}
	return cluster, nil
}

// workflow adds or removes one replica per step until the handle list
// reaches target
type workflow struct {
	engine   *Engine
	id       string
	target   int
	previous types.ClusterStatus
	start    time.Time
	logger   zerolog.Logger
	done     func(error)
}

func (w *workflow) next(ctx context.Context) {
	cluster, err := w.engine.Store.GetCluster(w.id)
	if err != nil {
		w.fail(err)
		return
	}

	have := len(cluster.ReplicaContainerIDs)
	step := func(err error) {
		if err != nil {
			w.fail(err)
			return
		}
		w.next(ctx)
	}
	switch {
	case have < w.target:
		w.addReplica(ctx, cluster, step)
	case have > w.target:
		w.removeReplica(ctx, cluster, step)
	default:
		w.finish()
	}
}

func (w *workflow) addReplica(ctx context.Context, cluster *types.Cluster, done func(error)) {
	e := w.engine

	list, err := e.Nodes.ListByCluster(cluster.ID)
	if err != nil {
		done(err)
		return
	}
	ordinal := failover.DetermineNextReplicaNumber(list)
	logger := w.logger.With().Int("ordinal", ordinal).Logger()

	var replica *types.Node
	chain := async.NewChain(e.Pool, "scale_up", logger).
		Await("create", func(ctx context.Context, done func(error)) {
			e.Provision.CreateReplicaContainer(ctx, cluster, ordinal, e.Provision.DefaultReplicaResources(), func(n *types.Node, err error) {
				replica = n
				done(err)
			})
		}).
		Await("health", func(ctx context.Context, done func(error)) {
			e.Health.WaitForContainerHealthy(ctx, replica.ContainerID, e.cfg.HealthTimeout, done)
		}).
		Delay("settle", e.cfg.Settle).
		Retry("replication", e.cfg.ConfigureBackoff, func(ctx context.Context) error {
			primary, err := e.Nodes.FindByContainerID(cluster.ID, cluster.MasterContainerID)
			if err != nil {
				return err
			}
			return e.MySQL.ConfigureReplica(ctx, replica.ContainerID, primary.Host,
				e.Shared.ReplicationUser, e.Shared.ReplicationPassword)
		}).
		Retry("proxy", e.cfg.ConfigureBackoff, func(ctx context.Context) error {
			if cluster.ProxyContainerID == "" {
				return nil
			}
			return e.Router.AddServer(ctx, cluster.ProxyContainerID, proxysql.HostgroupRead,
				proxysql.Backend{Host: replica.Host, Port: replica.Port})
		}).
		Then("activate", func(ctx context.Context) error {
			if _, err := e.Nodes.SetStatus(replica.ID, types.NodeStatusRunning); err != nil {
				return err
			}
			_, err := e.Store.UpdateCluster(cluster.ID, func(c *types.Cluster) error {
				c.AddReplica(replica.ContainerID)
				return nil
			})
			return err
		})

	chain.Run(ctx, func(err error) {
		if err != nil && replica != nil {
			w.discard(replica)
		}
		if err == nil {
			if cluster.EnableRegistrar {
				if rerr := e.Registrar.Register(ctx, replica.Host, replica.Port); rerr != nil {
					logger.Warn().Err(rerr).Msg("Failed to register replica")
				}
			}
			logger.Info().Str("replica", replica.ContainerName).Msg("Replica added")
		}
		done(err)
	})
}

// discard removes a replica that never made it into the handle list
func (w *workflow) discard(replica *types.Node) {
	e := w.engine
	ctx := context.Background()

	if err := e.Driver.Remove(ctx, replica.ContainerID, true); err != nil && !errors.Is(err, runtime.ErrNotFound) {
		w.logger.Warn().Err(err).Str("container", replica.ContainerName).Msg("Failed to remove unfinished replica")
	}
	if err := e.Nodes.Delete(replica.ID); err != nil {
		w.logger.Warn().Err(err).Str("container", replica.ContainerName).Msg("Failed to delete unfinished replica node")
	}
}

func (w *workflow) removeReplica(ctx context.Context, cluster *types.Cluster, done func(error)) {
	e := w.engine
	containerID := cluster.ReplicaContainerIDs[len(cluster.ReplicaContainerIDs)-1]

	node, err := e.Nodes.FindByContainerID(cluster.ID, containerID)
	if err != nil && !errdefs.IsNotFound(err) {
		done(err)
		return
	}

	logger := w.logger.With().Str("container_id", containerID).Logger()
	if node != nil {
		logger = logger.With().Str("replica", node.ContainerName).Logger()
	}

	chain := async.NewChain(e.Pool, "scale_down", logger).
		Then("proxy", func(ctx context.Context) error {
			if node == nil || cluster.ProxyContainerID == "" {
				return nil
			}
			if err := e.Router.RemoveServer(ctx, cluster.ProxyContainerID, node.Host); err != nil {
				logger.Warn().Err(err).Msg("Failed to remove replica from the proxy")
			}
			return nil
		}).
		Delay("drain", e.cfg.Drain).
		Then("node", func(ctx context.Context) error {
			if node == nil {
				return nil
			}
			if err := e.Nodes.Delete(node.ID); err != nil && !errdefs.IsNotFound(err) {
				return err
			}
			return nil
		}).
		Then("container", func(ctx context.Context) error {
			if err := e.Driver.Stop(ctx, containerID, e.cfg.StopTimeout); err != nil && !errors.Is(err, runtime.ErrNotFound) {
				logger.Warn().Err(err).Msg("Failed to stop replica")
			}
			if err := e.Driver.Remove(ctx, containerID, true); err != nil && !errors.Is(err, runtime.ErrNotFound) {
				logger.Warn().Err(err).Msg("Failed to remove replica")
			}
			return nil
		}).
		Then("unregister", func(ctx context.Context) error {
			if node == nil || !cluster.EnableRegistrar {
				return nil
			}
			if err := e.Registrar.Unregister(ctx, node.Host, node.Port); err != nil {
				logger.Warn().Err(err).Msg("Failed to unregister replica")
			}
			return nil
		}).
		Then("handle", func(ctx context.Context) error {
			_, err := e.Store.UpdateCluster(cluster.ID, func(c *types.Cluster) error {
				c.RemoveReplica(containerID)
				return nil
			})
			return err
		})

	chain.Run(ctx, func(err error) {
		if err == nil {
			logger.Info().Msg("Replica removed")
		}
		done(err)
	})
}

func (w *workflow) finish() {
	cluster, err := w.engine.Store.UpdateCluster(w.id, func(c *types.Cluster) error {
		c.ReplicaCount = w.target
		c.Status = types.ClusterStatusRunning
		c.ErrorMessage = ""
		return nil
	})
	if err != nil {
		w.fail(err)
		return
	}

	metrics.WorkflowsTotal.WithLabelValues("scale", "success").Inc()
	metrics.WorkflowDuration.WithLabelValues("scale").Observe(time.Since(w.start).Seconds())
	w.engine.Events.Publish(events.New(events.EventClusterScaled, w.id,
		fmt.Sprintf("scaled to %d replicas", cluster.ReplicaCount)).
		With("replicas", fmt.Sprint(cluster.ReplicaCount)))
	w.logger.Info().Dur("duration", time.Since(w.start)).Msg("Scaling completed")

	if w.done != nil {
		w.done(nil)
	}
}

// fail restores the pre-scaling status. The replica count follows the
// handles that exist, so health evaluation stays truthful.
func (w *workflow) fail(cause error) {
	w.logger.Error().Err(cause).Msg("Scaling failed")
	metrics.WorkflowsTotal.WithLabelValues("scale", "failure").Inc()

	restore := w.previous
	if restore == "" {
		restore = types.ClusterStatusDegraded
	}
	_, err := w.engine.Store.UpdateCluster(w.id, func(c *types.Cluster) error {
		c.Status = restore
		c.ErrorMessage = fmt.Sprintf("scaling to %d replicas failed: %v", w.target, cause)
		c.ReplicaCount = len(c.ReplicaContainerIDs)
		return nil
	})
	if err != nil {
		w.logger.Error().Err(err).Msg("Failed to restore cluster status")
	}

	w.engine.Events.Publish(events.New(events.EventScaleFailed, w.id, cause.Error()).
		With("target", fmt.Sprint(w.target)).
		With("restored_status", string(restore)))

	if w.done != nil {
		w.done(cause)
	}
}

// Package provision creates the containers of a cluster.
//
// Every container creation is a bounded retry of transient driver errors,
// run inside one step of a two-step circuit breaker: the breaker is asked
// once per container, and the outcome of the whole retried call is reported
// back to it. A Node row is written in its own transaction as soon as a
// container exists.
package provision

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/burrow/pkg/async"
	"github.com/cuemby/burrow/pkg/errdefs"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/mysql"
	"github.com/cuemby/burrow/pkg/naming"
	"github.com/cuemby/burrow/pkg/network"
	"github.com/cuemby/burrow/pkg/nodes"
	"github.com/cuemby/burrow/pkg/proxysql"
	"github.com/cuemby/burrow/pkg/runtime"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/docker/go-units"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// Container labels
const (
	LabelCluster = "burrow.cluster"
	LabelRole    = "burrow.role"
	LabelManaged = "burrow.managed"
)

// Config controls images, defaults and resilience settings
type Config struct {
	MySQLImage     string // repository, the tag is the cluster version
	DefaultVersion string
	ProxyImage     string
	SharedNetwork  string
	Defaults       types.ProvisioningConfig

	CreateAttempts  uint64
	CreateBackoff   time.Duration
	BreakerFailures uint32
	BreakerOpen     time.Duration

	CacheSize int
	CacheTTL  time.Duration
}

// DefaultConfig returns the built-in provisioning settings
func DefaultConfig() Config {
	return Config{
		MySQLImage:     "mysql",
		DefaultVersion: "8.0",
		ProxyImage:     "proxysql/proxysql:2.6.3",
		Defaults: types.ProvisioningConfig{
			Master:  types.NodeResources{CPUCores: 1, Memory: "1G", Storage: "10G"},
			Replica: types.NodeResources{CPUCores: 1, Memory: "1G", Storage: "10G"},
			Proxy:   types.NodeResources{CPUCores: 0.5, Memory: "256M", Storage: "1G"},
		},
		CreateAttempts:  3,
		CreateBackoff:   2 * time.Second,
		BreakerFailures: 5,
		BreakerOpen:     60 * time.Second,
		CacheSize:       256,
		CacheTTL:        30 * time.Minute,
	}
}

// Result holds the handles created by CreateContainersWithRetry. On failure
// it holds whatever was created before the error.
type Result struct {
	NetworkID           string
	MasterContainerID   string
	ReplicaContainerIDs []string
	ProxyContainerID    string
}

// Apply copies the handles onto a cluster
func (r *Result) Apply(c *types.Cluster) {
	c.NetworkID = r.NetworkID
	c.MasterContainerID = r.MasterContainerID
	c.ReplicaContainerIDs = append([]string(nil), r.ReplicaContainerIDs...)
	c.ProxyContainerID = r.ProxyContainerID
}

// Engine creates cluster containers
type Engine struct {
	driver   runtime.Driver
	networks network.Driver
	nodes    *nodes.Repository
	pool     *async.Pool
	breaker  *gobreaker.TwoStepCircuitBreaker
	configs  *expirable.LRU[string, types.ProvisioningConfig]
	rootPw   func(clusterID string) string
	cfg      Config
	logger   zerolog.Logger
}

// NewEngine creates a provisioning engine running on pool. rootPassword
// derives the MySQL root password of a cluster.
func NewEngine(driver runtime.Driver, networks network.Driver, repo *nodes.Repository, pool *async.Pool, rootPassword func(string) string, cfg Config) *Engine {
	logger := log.WithComponent("provision")
	failures := cfg.BreakerFailures
	if failures == 0 {
		failures = 5
	}

	breaker := gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        "container-create",
		MaxRequests: 1,
		Timeout:     cfg.BreakerOpen,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("Circuit breaker state changed")
			metrics.BreakerState.WithLabelValues(name).Set(float64(to))
		},
	})

	return &Engine{
		driver:   driver,
		networks: networks,
		nodes:    repo,
		pool:     pool,
		breaker:  breaker,
		configs:  expirable.NewLRU[string, types.ProvisioningConfig](cfg.CacheSize, nil, cfg.CacheTTL),
		rootPw:   rootPassword,
		cfg:      cfg,
		logger:   logger,
	}
}

// StashConfig keeps per-node resources for the asynchronous phase
func (e *Engine) StashConfig(clusterID string, pc types.ProvisioningConfig) {
	e.configs.Add(clusterID, pc)
}

// DiscardConfig drops the stashed resources of a cluster
func (e *Engine) DiscardConfig(clusterID string) {
	e.configs.Remove(clusterID)
}

// Config returns the stashed resources of a cluster, or the defaults when
// the entry expired
func (e *Engine) Config(clusterID string) types.ProvisioningConfig {
	pc, ok := e.configs.Get(clusterID)
	if !ok {
		e.logger.Warn().Str("cluster_id", clusterID).Msg("Provisioning config expired, using default shapes")
		return e.cfg.Defaults
	}
	return types.ProvisioningConfig{
		Master:  pc.Master.Or(e.cfg.Defaults.Master),
		Replica: pc.Replica.Or(e.cfg.Defaults.Replica),
		Proxy:   pc.Proxy.Or(e.cfg.Defaults.Proxy),
	}
}

// DefaultReplicaResources is the shape used when a node's former shape is unknown
func (e *Engine) DefaultReplicaResources() types.NodeResources {
	return e.cfg.Defaults.Replica
}

// ParseMemory converts "4G", "512M" or a plain byte count to bytes
func ParseMemory(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	n, err := units.RAMInBytes(s)
	if err != nil {
		return 0, errdefs.InvalidArgument("invalid memory size %q", s)
	}
	return n, nil
}

// CreateContainersWithRetry creates the network, the primary, every replica
// and the proxy of cluster, in that order. done receives the handles created
// so far and the first unrecoverable error.
func (e *Engine) CreateContainersWithRetry(ctx context.Context, cluster *types.Cluster, done func(*Result, error)) {
	cluster = cluster.Copy()
	pc := e.Config(cluster.ID)
	res := &Result{}
	logger := log.ForCluster(e.logger, cluster.ID)

	chain := async.NewChain(e.pool, "provision", logger).
		Then("network", func(ctx context.Context) error {
			id, err := e.networks.CreateClusterNetwork(ctx, cluster.ID)
			if err != nil {
				return errdefs.Infrastructure(err, "create network for cluster %s", cluster.ID)
			}
			res.NetworkID = id
			cluster.NetworkID = id
			return nil
		}).
		Await("master", func(ctx context.Context, next func(error)) {
			spec, err := e.mysqlSpec(cluster, naming.MasterName(cluster.ID), 0, pc.Master)
			if err != nil {
				next(err)
				return
			}
			e.createContainer(ctx, cluster.ID, spec, types.NodeRoleMaster, pc.Master, func(id string, _ *types.Node, err error) {
				res.MasterContainerID = id
				next(err)
			})
		})

	for i := 1; i <= cluster.ReplicaCount; i++ {
		chain.Await(fmt.Sprintf("replica-%d", i), func(ctx context.Context, next func(error)) {
			spec, err := e.mysqlSpec(cluster, naming.ReplicaName(cluster.ID, i), i, pc.Replica)
			if err != nil {
				next(err)
				return
			}
			e.createContainer(ctx, cluster.ID, spec, types.NodeRoleReplica, pc.Replica, func(id string, _ *types.Node, err error) {
				if id != "" {
					res.ReplicaContainerIDs = append(res.ReplicaContainerIDs, id)
				}
				next(err)
			})
		})
	}

	chain.Await("proxy", func(ctx context.Context, next func(error)) {
		spec, err := e.proxySpec(cluster, pc.Proxy)
		if err != nil {
			next(err)
			return
		}
		e.createContainer(ctx, cluster.ID, spec, types.NodeRoleProxy, pc.Proxy, func(id string, _ *types.Node, err error) {
			res.ProxyContainerID = id
			next(err)
		})
	})

	chain.Run(ctx, func(err error) {
		if err != nil {
			e.DiscardConfig(cluster.ID)
			logger.Error().Err(err).Msg("Container creation failed")
		}
		done(res, err)
	})
}

// CreateReplicaContainer creates and starts replica ordinal of cluster with
// res, and records its Node
func (e *Engine) CreateReplicaContainer(ctx context.Context, cluster *types.Cluster, ordinal int, res types.NodeResources, done func(*types.Node, error)) {
	res = res.Or(e.cfg.Defaults.Replica)
	spec, err := e.mysqlSpec(cluster, naming.ReplicaName(cluster.ID, ordinal), ordinal, res)
	if err != nil {
		done(nil, err)
		return
	}
	e.createContainer(ctx, cluster.ID, spec, types.NodeRoleReplica, res, func(_ string, node *types.Node, err error) {
		done(node, err)
	})
}

// createContainer runs one breaker-guarded, retried creation. A container
// left without a Node row by a failed attempt is force-removed; done gets
// its ID only when that removal failed too.
func (e *Engine) createContainer(ctx context.Context, clusterID string, spec runtime.ContainerSpec, role types.NodeRole, res types.NodeResources, done func(string, *types.Node, error)) {
	logger := e.logger.With().Str("cluster_id", clusterID).Str("container", spec.Name).Logger()

	report, err := e.breaker.Allow()
	if err != nil {
		done("", nil, errdefs.Infrastructure(err, "container driver unavailable, not creating %s", spec.Name))
		return
	}

	var id string
	backoff := async.Constant(e.cfg.CreateAttempts, e.cfg.CreateBackoff)()
	async.Retry(ctx, e.pool, backoff, runtime.IsTransient, func(ctx context.Context) error {
		var err error
		id, err = e.startContainer(ctx, spec)
		if err != nil {
			logger.Warn().Err(err).Msg("Container creation attempt failed")
		}
		return err
	}, func(err error) {
		report(err == nil)
		if err != nil {
			done(e.discard(logger, id), nil, errdefs.Infrastructure(err, "create container %s", spec.Name))
			return
		}

		node, err := e.nodes.Create(clusterID, spec.Name, id, role, res)
		if err != nil {
			done(e.discard(logger, id), nil, err)
			return
		}
		logger.Info().Str("container_id", id).Str("role", string(role)).Msg("Container created")
		done(id, node, nil)
	})
}

// discard force-removes a container that has no Node row. It returns id
// when the container may still exist, "" otherwise.
func (e *Engine) discard(logger zerolog.Logger, id string) string {
	if id == "" {
		return ""
	}
	err := e.driver.Remove(context.Background(), id, true)
	if err != nil && !errors.Is(err, runtime.ErrNotFound) {
		logger.Warn().Err(err).Str("container_id", id).Msg("Failed to remove orphaned container")
		return id
	}
	return ""
}

// startContainer pulls, creates, starts and attaches one container. A
// retried call replaces a same-named container left by a failed attempt.
func (e *Engine) startContainer(ctx context.Context, spec runtime.ContainerSpec) (string, error) {
	if err := e.driver.EnsureImage(ctx, spec.Image); err != nil {
		return "", err
	}
	id, err := e.driver.Create(ctx, spec)
	if err != nil {
		return "", err
	}
	if err := e.driver.Start(ctx, id); err != nil {
		return id, err
	}
	if e.cfg.SharedNetwork != "" {
		if err := e.networks.Connect(ctx, e.cfg.SharedNetwork, id); err != nil {
			return id, err
		}
	}
	return id, nil
}

func (e *Engine) labels(clusterID string, role types.NodeRole) map[string]string {
	return map[string]string{
		LabelCluster: clusterID,
		LabelRole:    string(role),
		LabelManaged: "true",
	}
}

func clusterNetwork(c *types.Cluster) string {
	if c.NetworkID == "" || c.NetworkID == network.HostNetwork {
		return ""
	}
	return naming.NetworkName(c.ID)
}

// mysqlSpec builds a database container. ordinal 0 is the primary.
func (e *Engine) mysqlSpec(c *types.Cluster, name string, ordinal int, res types.NodeResources) (runtime.ContainerSpec, error) {
	mem, err := ParseMemory(res.Memory)
	if err != nil {
		return runtime.ContainerSpec{}, err
	}

	version := c.Version
	if version == "" {
		version = e.cfg.DefaultVersion
	}

	role := types.NodeRoleMaster
	cmd := mysql.PrimaryArgs(mysql.BufferPoolMB(mem))
	if ordinal > 0 {
		role = types.NodeRoleReplica
		cmd = mysql.ReplicaArgs(ordinal, mysql.BufferPoolMB(mem))
	}

	return runtime.ContainerSpec{
		Name:        name,
		Image:       e.cfg.MySQLImage + ":" + version,
		Env:         mysql.Env(e.rootPw(c.ID)),
		Labels:      e.labels(c.ID, role),
		Cmd:         cmd,
		Resources:   runtime.NewResources(res.CPUCores, mem),
		Healthcheck: mysql.Healthcheck(),
		Network:     clusterNetwork(c),
		Aliases:     []string{name},
	}, nil
}

// proxySpec builds the ProxySQL container, publishing its MySQL port
func (e *Engine) proxySpec(c *types.Cluster, res types.NodeResources) (runtime.ContainerSpec, error) {
	mem, err := ParseMemory(res.Memory)
	if err != nil {
		return runtime.ContainerSpec{}, err
	}
	name := naming.ProxyName(c.ID)

	spec := runtime.ContainerSpec{
		Name:      name,
		Image:     e.cfg.ProxyImage,
		Labels:    e.labels(c.ID, types.NodeRoleProxy),
		Resources: runtime.NewResources(res.CPUCores, mem),
		Network:   clusterNetwork(c),
		Aliases:   []string{name},
	}
	if c.ProxyPort != 0 {
		spec.Ports = []runtime.PortBinding{{ContainerPort: proxysql.MySQLPort, HostPort: c.ProxyPort}}
	}
	return spec, nil
}

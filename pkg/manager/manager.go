package manager

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cuemby/burrow/pkg/async"
	"github.com/cuemby/burrow/pkg/config"
	"github.com/cuemby/burrow/pkg/errdefs"
	"github.com/cuemby/burrow/pkg/events"
	"github.com/cuemby/burrow/pkg/failover"
	"github.com/cuemby/burrow/pkg/health"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/mysql"
	"github.com/cuemby/burrow/pkg/naming"
	"github.com/cuemby/burrow/pkg/network"
	"github.com/cuemby/burrow/pkg/nodes"
	"github.com/cuemby/burrow/pkg/provision"
	"github.com/cuemby/burrow/pkg/proxysql"
	"github.com/cuemby/burrow/pkg/registrar"
	"github.com/cuemby/burrow/pkg/runtime"
	"github.com/cuemby/burrow/pkg/scaling"
	"github.com/cuemby/burrow/pkg/security"
	"github.com/cuemby/burrow/pkg/storage"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/rs/zerolog"
)

// Manager is the cluster orchestrator. It owns the create, delete, start,
// stop and scale workflows and composes the single-purpose engines.
type Manager struct {
	cfg *config.Config

	store     storage.Store
	nodes     *nodes.Repository
	driver    runtime.Driver
	networks  network.Driver
	secrets   *security.SecretsManager
	mysql     *mysql.Client
	router    *proxysql.Router
	registrar registrar.Registrar
	broker    *events.Broker

	provision *provision.Engine
	health    *health.Engine
	scaling   *scaling.Engine
	failover  *failover.Engine
	recovery  *failover.Recovery

	provisionPool *async.Pool
	monitorPool   *async.Pool

	logger zerolog.Logger
}

// NewManager wires a Manager from configuration. The store and drivers are
// owned by the caller; pools and the event broker are owned by the Manager
// and released by Shutdown.
func NewManager(cfg *config.Config, store storage.Store, driver runtime.Driver, networks network.Driver) (*Manager, error) {
	masterKey := cfg.Secrets.MasterKey
	if masterKey == "" {
		key, created, err := security.LoadOrCreateMasterKey(cfg.Store.DataDir)
		if err != nil {
			return nil, err
		}
		if created {
			log.Logger.Warn().Str("data_dir", cfg.Store.DataDir).Msg("Generated a new master key")
		}
		masterKey = key
	}

	secrets, err := security.NewSecretsManagerFromMasterKey(masterKey, cfg.Secrets.BasePassword, security.SharedCredentials{
		ReplicationUser:     cfg.MySQL.ReplicationUser,
		ReplicationPassword: cfg.MySQL.ReplicationPassword,
		RegistrarUser:       cfg.Registrar.User,
		RegistrarPassword:   cfg.Registrar.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create secrets manager: %w", err)
	}

	provisionPool, err := async.NewPool("provisioning", cfg.Workers.ProvisioningSize, cfg.Workers.ProvisioningQueue, async.CallerRuns)
	if err != nil {
		return nil, fmt.Errorf("failed to create provisioning pool: %w", err)
	}
	monitorPool, err := async.NewPool("monitoring", cfg.Workers.MonitoringSize, cfg.Workers.MonitoringQueue, async.DiscardOldest)
	if err != nil {
		provisionPool.Close()
		return nil, fmt.Errorf("failed to create monitoring pool: %w", err)
	}

	broker := events.NewBroker()
	broker.Start()

	repo := nodes.NewRepository(store)
	mysqlClient := mysql.NewClient(driver)
	router := newRouter(cfg, driver)
	reg := newRegistrar(cfg)
	configure := async.Constant(cfg.Retry.ConfigureAttempts, cfg.Retry.ConfigureBackoff)

	prov := provision.NewEngine(driver, networks, repo, provisionPool, secrets.GenerateMySQLRootPassword, provision.Config{
		MySQLImage:     cfg.MySQL.Image,
		DefaultVersion: cfg.MySQL.DefaultVersion,
		ProxyImage:     cfg.ProxySQL.Image,
		SharedNetwork:  cfg.Network.SharedNetwork,
		Defaults: types.ProvisioningConfig{
			Master:  cfg.MySQL.DefaultMaster,
			Replica: cfg.MySQL.DefaultReplica,
			Proxy:   cfg.MySQL.DefaultProxy,
		},
		CreateAttempts:  cfg.Retry.CreateAttempts,
		CreateBackoff:   cfg.Retry.CreateBackoff,
		BreakerFailures: cfg.Retry.BreakerFailures,
		BreakerOpen:     cfg.Retry.BreakerOpen,
		CacheSize:       cfg.Timeouts.ConfigCacheSize,
		CacheTTL:        cfg.Timeouts.ConfigCacheTTL,
	})
	healthEngine := health.NewEngine(driver, monitorPool, cfg.Timeouts.HealthPoll)

	recovery := failover.NewRecovery(failover.RecoveryDeps{
		Store:     store,
		Nodes:     repo,
		Driver:    driver,
		Provision: prov,
		Health:    healthEngine,
		MySQL:     mysqlClient,
		Router:    router,
		Registrar: reg,
		Shared:    secrets.Shared(),
		Events:    broker,
		Pool:      provisionPool,
	}, failover.RecoveryConfig{
		HealthTimeout:    cfg.Timeouts.ScaleHealth,
		Settle:           cfg.Timeouts.Settle,
		ConfigureBackoff: configure,
	})

	scaler := scaling.NewEngine(scaling.Deps{
		Store:     store,
		Nodes:     repo,
		Driver:    driver,
		Provision: prov,
		Health:    healthEngine,
		MySQL:     mysqlClient,
		Router:    router,
		Registrar: reg,
		Shared:    secrets.Shared(),
		Events:    broker,
		Pool:      provisionPool,
	}, scaling.Config{
		MaxReplicas:      cfg.MySQL.MaxReplicas,
		HealthTimeout:    cfg.Timeouts.ScaleHealth,
		Settle:           cfg.Timeouts.Settle,
		Drain:            cfg.Timeouts.Drain,
		StopTimeout:      stopTimeout(cfg),
		ConfigureBackoff: configure,
	})

	return &Manager{
		cfg:           cfg,
		store:         store,
		nodes:         repo,
		driver:        driver,
		networks:      networks,
		secrets:       secrets,
		mysql:         mysqlClient,
		router:        router,
		registrar:     reg,
		broker:        broker,
		provision:     prov,
		health:        healthEngine,
		scaling:       scaler,
		failover:      failover.NewEngine(store, repo, router, broker, recovery, provisionPool),
		recovery:      recovery,
		provisionPool: provisionPool,
		monitorPool:   monitorPool,
		logger:        log.WithComponent("manager"),
	}, nil
}

// newRouter builds the proxy router for the configured admin mode. The
// first-time bootstrap always goes through exec because the default admin
// account only accepts local connections.
func newRouter(cfg *config.Config, driver runtime.Driver) *proxysql.Router {
	bootstrap := proxysql.NewExecAdmin(driver, cfg.ProxySQL.AdminUser, cfg.ProxySQL.AdminPassword)
	if cfg.ProxySQL.AdminMode == "sql" {
		return proxysql.NewRouter(bootstrap, proxysql.NewSQLAdmin(driver, cfg.Network.SharedNetwork, cfg.ProxySQL.RemoteUser, cfg.ProxySQL.RemotePassword))
	}
	return proxysql.NewRouter(bootstrap, proxysql.NewExecAdmin(driver, cfg.ProxySQL.RemoteUser, cfg.ProxySQL.RemotePassword))
}

func newRegistrar(cfg *config.Config) registrar.Registrar {
	if cfg.Registrar.URL == "" {
		return registrar.Noop{}
	}
	return registrar.NewOrchestratorClient(cfg.Registrar.URL, cfg.Registrar.User, cfg.Registrar.Password, cfg.Registrar.Timeout)
}

func stopTimeout(cfg *config.Config) time.Duration {
	return time.Duration(cfg.Runtime.StopTimeoutSecs) * time.Second
}

// Events returns the event broker
func (m *Manager) Events() *events.Broker {
	return m.broker
}

// Registrar returns the topology registrar client
func (m *Manager) Registrar() registrar.Registrar {
	return m.registrar
}

// MonitorPool returns the pool used for health polls and periodic checks
func (m *Manager) MonitorPool() *async.Pool {
	return m.monitorPool
}

// HealthEngine returns the health engine
func (m *Manager) HealthEngine() *health.Engine {
	return m.health
}

// MySQL returns the client used to run SQL in database containers
func (m *Manager) MySQL() *mysql.Client {
	return m.mysql
}

// Driver returns the container driver
func (m *Manager) Driver() runtime.Driver {
	return m.driver
}

// MaxReplicas returns the largest replica count a cluster may request
func (m *Manager) MaxReplicas() int {
	return m.scaling.MaxReplicas()
}

// Get returns a cluster owned by ownerID
func (m *Manager) Get(ctx context.Context, clusterID, ownerID string) (*types.Cluster, error) {
	cluster, err := m.store.GetCluster(clusterID)
	if err != nil {
		return nil, err
	}
	if cluster.OwnerID != ownerID {
		return nil, errdefs.AccessDenied(clusterID)
	}
	return cluster, nil
}

// List returns the clusters of ownerID, or every cluster when ownerID is empty
func (m *Manager) List(ctx context.Context, ownerID string) ([]*types.Cluster, error) {
	if ownerID == "" {
		return m.store.ListClusters()
	}
	return m.store.ListClustersByOwner(ownerID)
}

// Nodes returns the node records of a cluster owned by ownerID
func (m *Manager) Nodes(ctx context.Context, clusterID, ownerID string) ([]*types.Node, error) {
	if _, err := m.Get(ctx, clusterID, ownerID); err != nil {
		return nil, err
	}
	return m.nodes.ListByCluster(clusterID)
}

// Connection returns what a client needs to reach the cluster through its
// proxy, with the application password decrypted
func (m *Manager) Connection(ctx context.Context, clusterID, ownerID string) (*types.ConnectionInfo, error) {
	cluster, err := m.Get(ctx, clusterID, ownerID)
	if err != nil {
		return nil, err
	}
	password, err := m.secrets.DecryptString(cluster.DBPasswordEnc)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt application password: %w", err)
	}
	return &types.ConnectionInfo{
		ClusterID: cluster.ID,
		Host:      m.cfg.Network.AdvertiseHost,
		Port:      cluster.ProxyPort,
		User:      cluster.DBUser,
		Password:  password,
	}, nil
}

// Logs returns the tail of one node's container log. node is a container
// name or one of "master" and "proxy"; empty means the primary.
func (m *Manager) Logs(ctx context.Context, clusterID, ownerID, node string, tail int) (string, error) {
	cluster, err := m.Get(ctx, clusterID, ownerID)
	if err != nil {
		return "", err
	}

	var containerID string
	switch node {
	case "", "master":
		containerID = cluster.MasterContainerID
	case "proxy":
		containerID = cluster.ProxyContainerID
	default:
		n, err := m.nodes.FindByHost(clusterID, node)
		if err != nil {
			return "", err
		}
		containerID = n.ContainerID
	}
	if containerID == "" {
		return "", errdefs.NotFound(errdefs.CodeNodeNotFound, "cluster %s has no %s container", clusterID, node)
	}
	return m.driver.Logs(ctx, containerID, tail, true)
}

// Topology asks the registrar for the replication topology of the cluster
func (m *Manager) Topology(ctx context.Context, clusterID, ownerID string) ([]registrar.Instance, error) {
	cluster, err := m.Get(ctx, clusterID, ownerID)
	if err != nil {
		return nil, err
	}
	if !cluster.EnableRegistrar {
		return nil, errdefs.InvalidState("cluster %s is not registered with the topology registrar", clusterID)
	}
	return m.registrar.Topology(ctx, naming.ClusterAlias(clusterID))
}

// Takeover asks the registrar for a graceful primary switch. The resulting
// topology change arrives through the recovery webhook.
func (m *Manager) Takeover(ctx context.Context, clusterID, ownerID string) error {
	cluster, err := m.Get(ctx, clusterID, ownerID)
	if err != nil {
		return err
	}
	if !cluster.EnableRegistrar {
		return errdefs.InvalidState("cluster %s is not registered with the topology registrar", clusterID)
	}
	if cluster.Status != types.ClusterStatusRunning {
		return errdefs.InvalidState("cannot switch primary of cluster %s in status %s", clusterID, cluster.Status)
	}
	master, err := m.nodes.FindByContainerID(clusterID, cluster.MasterContainerID)
	if err != nil {
		return err
	}
	return m.registrar.GracefulTakeover(ctx, master.Host, master.Port)
}

// ReconcileInterrupted marks clusters left in a transitional state by a
// previous process as FAILED. Workflows do not survive a restart.
func (m *Manager) ReconcileInterrupted(ctx context.Context) (int, error) {
	clusters, err := m.store.ListClusters()
	if err != nil {
		return 0, err
	}

	marked := 0
	for _, c := range clusters {
		if !c.Status.IsTransitional() {
			continue
		}
		previous := c.Status
		_, err := m.store.UpdateCluster(c.ID, func(c *types.Cluster) error {
			if !c.Status.IsTransitional() {
				return nil
			}
			c.Status = types.ClusterStatusFailed
			c.ErrorMessage = fmt.Sprintf("%s interrupted by control-plane restart", strings.ToLower(string(previous)))
			return nil
		})
		if err != nil {
			m.logger.Error().Err(err).Str("cluster_id", c.ID).Msg("Failed to mark interrupted cluster")
			continue
		}
		m.logger.Warn().Str("cluster_id", c.ID).Str("status", string(previous)).Msg("Marked interrupted cluster FAILED")
		marked++
	}
	return marked, nil
}

// Shutdown stops the worker pools and the event broker. Workflows still
// queued are dropped.
func (m *Manager) Shutdown() error {
	m.provisionPool.Close()
	m.monitorPool.Close()
	if m.broker != nil {
		m.broker.Stop()
	}
	return nil
}

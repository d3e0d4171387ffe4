package manager

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cuemby/burrow/pkg/async"
	"github.com/cuemby/burrow/pkg/errdefs"
	"github.com/cuemby/burrow/pkg/events"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/mysql"
	"github.com/cuemby/burrow/pkg/naming"
	"github.com/cuemby/burrow/pkg/network"
	"github.com/cuemby/burrow/pkg/provision"
	"github.com/cuemby/burrow/pkg/proxysql"
	"github.com/cuemby/burrow/pkg/runtime"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// newClusterID returns the first 8 hex characters of a random UUID
func newClusterID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// Create records a PROVISIONING cluster and schedules its provisioning. No
// container is created before it returns.
func (m *Manager) Create(ctx context.Context, spec types.ClusterSpec, ownerID string) (*types.Cluster, error) {
	return m.create(ctx, spec, ownerID, nil)
}

// CreateNotify is Create with a callback run when the provisioning workflow
// has finished
func (m *Manager) CreateNotify(ctx context.Context, spec types.ClusterSpec, ownerID string, done func(error)) (*types.Cluster, error) {
	return m.create(ctx, spec, ownerID, done)
}

func (m *Manager) create(ctx context.Context, spec types.ClusterSpec, ownerID string, done func(error)) (*types.Cluster, error) {
	if spec.Name == "" {
		return nil, errdefs.InvalidArgument("cluster name is required")
	}
	if spec.ReplicaCount < 0 || spec.ReplicaCount > m.MaxReplicas() {
		return nil, errdefs.InvalidArgument("replica count must be between 0 and %d, got %d", m.MaxReplicas(), spec.ReplicaCount)
	}
	for role, res := range map[string]types.NodeResources{"master": spec.Master, "replica": spec.Replica, "proxy": spec.Proxy} {
		if _, err := provision.ParseMemory(res.Memory); err != nil {
			return nil, fmt.Errorf("%s memory: %w", role, err)
		}
	}

	id := newClusterID()
	rootEnc, err := m.secrets.EncryptString(m.secrets.GenerateMySQLRootPassword(id))
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt root password: %w", err)
	}
	appEnc, err := m.secrets.EncryptString(m.secrets.GenerateAppPassword(id))
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt application password: %w", err)
	}

	version := spec.Version
	if version == "" {
		version = m.cfg.MySQL.DefaultVersion
	}

	cluster := &types.Cluster{
		ID:              id,
		Name:            spec.Name,
		OwnerID:         ownerID,
		Version:         version,
		ReplicaCount:    spec.ReplicaCount,
		Status:          types.ClusterStatusProvisioning,
		Description:     spec.Description,
		EnableRegistrar: spec.EnableRegistrar,
		EnableBackup:    spec.EnableBackup,
		DBUser:          m.cfg.MySQL.AppUser,
		DBPasswordEnc:   appEnc,
		RootPasswordEnc: rootEnc,
	}
	if err := m.store.CreateClusterWithPort(cluster, m.allocateProxyPort); err != nil {
		return nil, err
	}

	m.provision.StashConfig(id, types.ProvisioningConfig{
		Master:  spec.Master,
		Replica: spec.Replica,
		Proxy:   spec.Proxy,
	})

	m.logger.Info().
		Str("cluster_id", id).
		Str("name", cluster.Name).
		Str("owner", ownerID).
		Int("replicas", cluster.ReplicaCount).
		Int("proxy_port", cluster.ProxyPort).
		Msg("Cluster created")
	m.broker.Publish(events.New(events.EventClusterCreated, id, fmt.Sprintf("cluster %s created", cluster.Name)).
		With("name", cluster.Name))

	w := &provisioning{
		manager: m,
		cluster: cluster.Copy(),
		start:   time.Now(),
		logger:  m.logger.With().Str("cluster_id", id).Str("workflow", "create").Logger(),
		done:    done,
	}
	if err := m.provisionPool.Submit(func() { w.run(context.WithoutCancel(ctx)) }); err != nil {
		w.fail(err)
	}
	return cluster, nil
}

// allocateProxyPort returns the lowest host port in the proxy range that
// is not in used
func (m *Manager) allocateProxyPort(used []int) (int, error) {
	port, err := network.AllocatePort(used, m.cfg.Network.ProxyPortMin, m.cfg.Network.ProxyPortMax)
	if err != nil {
		return 0, errdefs.Infrastructure(err, "cannot allocate proxy port")
	}
	return port, nil
}

// provisioning is one run of the four-phase create workflow
type provisioning struct {
	manager *Manager
	cluster *types.Cluster
	result  *provision.Result
	start   time.Time
	logger  zerolog.Logger
	done    func(error)
}

func (w *provisioning) run(ctx context.Context) {
	m := w.manager
	c := w.cluster
	configure := async.Constant(m.cfg.Retry.ConfigureAttempts, m.cfg.Retry.ConfigureBackoff)

	chain := async.NewChain(m.provisionPool, "create", w.logger).
		Await("containers", func(ctx context.Context, done func(error)) {
			m.provision.CreateContainersWithRetry(ctx, c, func(res *provision.Result, err error) {
				w.result = res
				if res != nil {
					res.Apply(c)
				}
				done(err)
			})
		}).
		Await("health", func(ctx context.Context, done func(error)) {
			m.health.WaitForContainersHealthy(ctx, c, m.cfg.Timeouts.ProvisionHealth, done)
		}).
		Delay("settle", m.cfg.Timeouts.Settle).
		Retry("primary", configure, w.setupPrimary).
		Retry("replication", configure, w.setupReplicas).
		Retry("proxy", configure, w.setupProxy).
		BestEffort("registrar", configure, w.register).
		Then("finalize", func(ctx context.Context) error { return w.finalize() })

	chain.Run(ctx, func(err error) {
		if err != nil {
			w.fail(err)
			return
		}
		if w.done != nil {
			w.done(nil)
		}
	})
}

func (w *provisioning) setupPrimary(ctx context.Context) error {
	m := w.manager
	shared := m.secrets.Shared()
	return m.mysql.SetupPrimary(ctx, w.cluster.MasterContainerID, mysql.Users{
		ReplicationUser:     shared.ReplicationUser,
		ReplicationPassword: shared.ReplicationPassword,
		RegistrarUser:       shared.RegistrarUser,
		RegistrarPassword:   shared.RegistrarPassword,
		AppUser:             m.cfg.MySQL.AppUser,
		AppPassword:         m.secrets.GenerateAppPassword(w.cluster.ID),
		MonitorUser:         m.cfg.ProxySQL.MonitorUser,
		MonitorPassword:     m.secrets.GenerateMonitoringPassword(w.cluster.ID),
	})
}

func (w *provisioning) setupReplicas(ctx context.Context) error {
	m := w.manager
	shared := m.secrets.Shared()
	primary := naming.MasterName(w.cluster.ID)
	for _, id := range w.cluster.ReplicaContainerIDs {
		if err := m.mysql.ConfigureReplica(ctx, id, primary, shared.ReplicationUser, shared.ReplicationPassword); err != nil {
			return err
		}
	}
	return nil
}

func (w *provisioning) setupProxy(ctx context.Context) error {
	m := w.manager
	c := w.cluster

	if err := m.router.Bootstrap(ctx, c.ProxyContainerID, m.cfg.ProxySQL.RemoteUser, m.cfg.ProxySQL.RemotePassword); err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}

	list, err := m.nodes.ListByCluster(c.ID)
	if err != nil {
		return err
	}
	cc := proxysql.ClusterConfig{
		AppUser:         m.cfg.MySQL.AppUser,
		AppPassword:     m.secrets.GenerateAppPassword(c.ID),
		MonitorUser:     m.cfg.ProxySQL.MonitorUser,
		MonitorPassword: m.secrets.GenerateMonitoringPassword(c.ID),
	}
	for _, n := range list {
		b := proxysql.Backend{Host: n.Host, Port: n.Port}
		switch n.Role {
		case types.NodeRoleMaster:
			cc.Primary = b
		case types.NodeRoleReplica:
			cc.Replicas = append(cc.Replicas, b)
		}
	}
	return m.router.ConfigureCluster(ctx, c.ProxyContainerID, cc)
}

func (w *provisioning) register(ctx context.Context) error {
	m := w.manager
	if !w.cluster.EnableRegistrar {
		return nil
	}
	// the registrar discovers replicas through the primary
	return m.registrar.Register(ctx, naming.MasterName(w.cluster.ID), mysql.Port)
}

// finalize copies the handles onto a freshly read cluster row and marks it
// RUNNING in one transaction, then promotes every STARTING node
func (w *provisioning) finalize() error {
	m := w.manager
	id := w.cluster.ID

	cluster, err := m.store.UpdateCluster(id, func(c *types.Cluster) error {
		if c.Status != types.ClusterStatusProvisioning {
			return errdefs.InvalidState("cluster %s left PROVISIONING during provisioning (now %s)", c.ID, c.Status)
		}
		w.result.Apply(c)
		c.Status = types.ClusterStatusRunning
		c.ErrorMessage = ""
		return nil
	})
	if err != nil {
		return err
	}
	if _, err := m.nodes.PromoteStarting(id); err != nil {
		return err
	}
	m.provision.DiscardConfig(id)

	elapsed := time.Since(w.start)
	metrics.WorkflowsTotal.WithLabelValues("create", "success").Inc()
	metrics.WorkflowDuration.WithLabelValues("create").Observe(elapsed.Seconds())
	w.logger.Info().Dur("duration", elapsed).Msg("Cluster is running")
	m.broker.Publish(events.New(events.EventClusterRunning, id, fmt.Sprintf("cluster %s is running", cluster.Name)).
		With("proxy_port", fmt.Sprint(cluster.ProxyPort)))
	return nil
}

// fail marks the cluster FAILED, then removes what was created. Handles of
// containers that could not be removed stay on the row so a later delete
// can retry.
func (w *provisioning) fail(cause error) {
	m := w.manager
	id := w.cluster.ID
	w.logger.Error().Err(cause).Msg("Provisioning failed")
	metrics.WorkflowsTotal.WithLabelValues("create", "failure").Inc()
	m.provision.DiscardConfig(id)

	_, err := m.store.UpdateCluster(id, func(c *types.Cluster) error {
		if c.Status == types.ClusterStatusDeleting {
			// the delete workflow owns the row now
			return nil
		}
		if w.result != nil {
			w.result.Apply(c)
		}
		c.Status = types.ClusterStatusFailed
		c.ErrorMessage = cause.Error()
		return nil
	})
	if err != nil {
		w.logger.Error().Err(err).Msg("Failed to record provisioning failure")
	}
	m.broker.Publish(events.New(events.EventClusterFailed, id, cause.Error()).
		With("workflow", "create"))

	remaining := w.cleanup()

	_, err = m.store.UpdateCluster(id, func(c *types.Cluster) error {
		if c.Status != types.ClusterStatusFailed {
			return nil
		}
		c.MasterContainerID = keep(c.MasterContainerID, remaining)
		c.ProxyContainerID = keep(c.ProxyContainerID, remaining)
		var replicas []string
		for _, r := range c.ReplicaContainerIDs {
			if keep(r, remaining) != "" {
				replicas = append(replicas, r)
			}
		}
		c.ReplicaContainerIDs = replicas
		if len(remaining) == 0 {
			c.NetworkID = ""
		}
		return nil
	})
	if err != nil {
		w.logger.Error().Err(err).Msg("Failed to record cleanup result")
	}

	if w.done != nil {
		w.done(cause)
	}
}

// cleanup removes every container that has a node record or a handle in
// the workflow result, then the cluster network. It returns the container
// IDs that could not be removed.
func (w *provisioning) cleanup() map[string]bool {
	m := w.manager
	ctx := context.Background()
	remaining := map[string]bool{}

	var handles []string
	if w.result != nil {
		handles = append(handles, w.result.MasterContainerID, w.result.ProxyContainerID)
		handles = append(handles, w.result.ReplicaContainerIDs...)
	}

	list, err := m.nodes.ListByCluster(w.cluster.ID)
	if err != nil {
		w.logger.Warn().Err(err).Msg("Cannot list nodes for cleanup")
		for _, id := range append(w.cluster.ContainerIDs(), handles...) {
			if id != "" {
				remaining[id] = true
			}
		}
		return remaining
	}

	covered := make(map[string]bool, len(list))
	for _, n := range list {
		covered[n.ContainerID] = true
		if err := removeContainer(ctx, m.driver, n.ContainerID, stopTimeout(m.cfg)); err != nil {
			w.logger.Warn().Err(err).Str("container", n.ContainerName).Msg("Cleanup could not remove container")
			remaining[n.ContainerID] = true
			continue
		}
		if err := m.nodes.Delete(n.ID); err != nil {
			w.logger.Warn().Err(err).Str("container", n.ContainerName).Msg("Cleanup could not delete node")
		}
	}

	// containers that exist without a node row
	for _, id := range handles {
		if id == "" || covered[id] {
			continue
		}
		if err := removeContainer(ctx, m.driver, id, stopTimeout(m.cfg)); err != nil {
			w.logger.Warn().Err(err).Str("container", id).Msg("Cleanup could not remove container")
			remaining[id] = true
		}
	}

	if len(remaining) == 0 && w.result != nil && w.result.NetworkID != "" && w.result.NetworkID != network.HostNetwork {
		if err := m.networks.Remove(ctx, w.result.NetworkID); err != nil {
			w.logger.Warn().Err(err).Msg("Cleanup could not remove network")
		}
	}
	return remaining
}

func keep(id string, remaining map[string]bool) string {
	if remaining[id] {
		return id
	}
	return ""
}

// removeContainer stops and force-removes a container. A container that is
// already gone counts as removed.
func removeContainer(ctx context.Context, driver runtime.Driver, id string, timeout time.Duration) error {
	if id == "" {
		return nil
	}
	// a failed stop is followed by a forced remove
	_ = driver.Stop(ctx, id, timeout)
	if err := driver.Remove(ctx, id, true); err != nil && !errors.Is(err, runtime.ErrNotFound) {
		return err
	}
	return nil
}

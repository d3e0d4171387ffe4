package manager

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/cuemby/burrow/pkg/config"
	"github.com/cuemby/burrow/pkg/errdefs"
	"github.com/cuemby/burrow/pkg/events"
	"github.com/cuemby/burrow/pkg/naming"
	"github.com/cuemby/burrow/pkg/runtime"
	"github.com/cuemby/burrow/pkg/runtime/fake"
	"github.com/cuemby/burrow/pkg/storage"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const owner = "user-1"

func testConfig(t *testing.T) *config.Config {
	cfg := config.Default()
	cfg.Store.DataDir = t.TempDir()
	cfg.Runtime.StopTimeoutSecs = 0
	cfg.MySQL.MaxReplicas = 5
	cfg.Workers.ProvisioningSize = 4
	cfg.Workers.MonitoringSize = 4
	cfg.Timeouts.HealthPoll = 2 * time.Millisecond
	cfg.Timeouts.ProvisionHealth = 2 * time.Second
	cfg.Timeouts.ScaleHealth = 2 * time.Second
	cfg.Timeouts.Settle = time.Millisecond
	cfg.Timeouts.Drain = time.Millisecond
	cfg.Retry.CreateAttempts = 1
	cfg.Retry.CreateBackoff = time.Millisecond
	cfg.Retry.ConfigureAttempts = 2
	cfg.Retry.ConfigureBackoff = time.Millisecond
	return cfg
}

func newTestManager(t *testing.T) (*Manager, *fake.Runtime, storage.Store) {
	t.Helper()
	cfg := testConfig(t)

	store, err := storage.NewBoltStore(cfg.Store.DataDir)
	require.NoError(t, err)
	rt := fake.New()

	m, err := NewManager(cfg, store, rt, rt.Networks())
	require.NoError(t, err)
	t.Cleanup(func() {
		m.Shutdown()
		store.Close()
	})
	return m, rt, store
}

func wait(t *testing.T, done chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(10 * time.Second):
		t.Fatal("workflow never finished")
		return nil
	}
}

func createCluster(t *testing.T, m *Manager, spec types.ClusterSpec) (*types.Cluster, error) {
	t.Helper()
	done := make(chan error, 1)
	c, err := m.CreateNotify(context.Background(), spec, owner, func(err error) { done <- err })
	require.NoError(t, err)
	require.Equal(t, types.ClusterStatusProvisioning, c.Status)
	return c, wait(t, done)
}

func waitEvent(t *testing.T, sub events.Subscriber, want events.EventType, match func(*events.Event) bool) *events.Event {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case e := <-sub:
			if e.Type == want && (match == nil || match(e)) {
				return e
			}
		case <-timeout:
			t.Fatalf("no %s event", want)
			return nil
		}
	}
}

// proxySQL joins the SQL of every exec against the proxy container
func proxySQL(rt *fake.Runtime, clusterID string) string {
	var b strings.Builder
	for _, call := range rt.CallsOf(fake.OpExec) {
		if call.Target == naming.ProxyName(clusterID) {
			b.WriteString(strings.Join(call.Args, " "))
			b.WriteString("\n")
		}
	}
	return b.String()
}

func nodesByName(t *testing.T, store storage.Store, clusterID string) map[string]*types.Node {
	t.Helper()
	list, err := store.ListNodesByCluster(clusterID)
	require.NoError(t, err)
	out := make(map[string]*types.Node, len(list))
	for _, n := range list {
		out[n.ContainerName] = n
	}
	return out
}

// create, wait for RUNNING, then check containers, nodes and proxy routing
func TestCreateCluster(t *testing.T) {
	m, rt, store := newTestManager(t)
	sub := m.Events().Subscribe()
	defer m.Events().Unsubscribe(sub)

	c, err := createCluster(t, m, types.ClusterSpec{Name: "orders", ReplicaCount: 2})
	require.NoError(t, err)
	waitEvent(t, sub, events.EventClusterRunning, nil)

	got, err := store.GetCluster(c.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ClusterStatusRunning, got.Status)
	assert.Equal(t, 2, got.ReplicaCount)
	assert.Len(t, got.ReplicaContainerIDs, 2)
	assert.NotEmpty(t, got.MasterContainerID)
	assert.NotEmpty(t, got.ProxyContainerID)
	assert.NotEmpty(t, got.NetworkID)
	assert.Empty(t, got.ErrorMessage)
	assert.Equal(t, "8.0", got.Version)
	assert.Equal(t, 16033, got.ProxyPort)

	nodes := nodesByName(t, store, c.ID)
	require.Len(t, nodes, 4)
	for _, name := range []string{
		naming.MasterName(c.ID),
		naming.ReplicaName(c.ID, 1),
		naming.ReplicaName(c.ID, 2),
		naming.ProxyName(c.ID),
	} {
		require.Contains(t, nodes, name)
		assert.Equal(t, types.NodeStatusRunning, nodes[name].Status, name)
	}
	assert.Equal(t, types.NodeRoleMaster, nodes[naming.MasterName(c.ID)].Role)
	assert.True(t, nodes[naming.ReplicaName(c.ID, 1)].ReadOnly)

	sql := proxySQL(rt, c.ID)
	assert.Equal(t, 1, strings.Count(sql, "VALUES (10, '"), "one server in the write group")
	assert.Equal(t, 2, strings.Count(sql, "VALUES (20, '"), "two servers in the read group")
	assert.Contains(t, sql, "VALUES (10, '"+naming.MasterName(c.ID)+"', 3306")

	conn, err := m.Connection(context.Background(), c.ID, owner)
	require.NoError(t, err)
	assert.Equal(t, "app", conn.User)
	assert.NotEmpty(t, conn.Password)
	assert.Equal(t, got.ProxyPort, conn.Port)
}

func TestCreateValidation(t *testing.T) {
	m, _, store := newTestManager(t)

	tests := []struct {
		name string
		spec types.ClusterSpec
	}{
		{name: "missing name", spec: types.ClusterSpec{ReplicaCount: 1}},
		{name: "negative replicas", spec: types.ClusterSpec{Name: "a", ReplicaCount: -1}},
		{name: "too many replicas", spec: types.ClusterSpec{Name: "a", ReplicaCount: 6}},
		{name: "bad memory", spec: types.ClusterSpec{Name: "a", Master: types.NodeResources{Memory: "lots"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Create(context.Background(), tt.spec, owner)
			require.Error(t, err)
			assert.True(t, errdefs.IsInvalidArgument(err), err.Error())
		})
	}

	clusters, err := store.ListClusters()
	require.NoError(t, err)
	assert.Empty(t, clusters)
}

func TestCreateDuplicateName(t *testing.T) {
	m, _, _ := newTestManager(t)

	_, err := createCluster(t, m, types.ClusterSpec{Name: "orders"})
	require.NoError(t, err)

	_, err = m.Create(context.Background(), types.ClusterSpec{Name: "orders"}, owner)
	require.Error(t, err)
	assert.True(t, errdefs.IsConflict(err))
}

func TestCreateFailureCleansUp(t *testing.T) {
	m, rt, store := newTestManager(t)
	rt.SetExec(func(c *fake.Container, cmd []string) (runtime.ExecResult, error) {
		if strings.HasSuffix(c.Name, "-master") {
			return runtime.ExecResult{}, errors.New("access denied for user 'root'")
		}
		return runtime.ExecResult{}, nil
	})

	c, err := createCluster(t, m, types.ClusterSpec{Name: "orders", ReplicaCount: 1})
	require.Error(t, err)

	got, err := store.GetCluster(c.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ClusterStatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "access denied")
	assert.Empty(t, got.ContainerIDs())
	assert.Empty(t, nodesByName(t, store, c.ID))
	assert.Empty(t, rt.Names())
	assert.Len(t, rt.CallsOf(fake.OpNetworkRemove), 1)

	// a failed cluster can still be deleted
	done := make(chan error, 1)
	_, err = m.DeleteNotify(context.Background(), c.ID, owner, func(err error) { done <- err })
	require.NoError(t, err)
	require.NoError(t, wait(t, done))
	_, err = store.GetCluster(c.ID)
	assert.True(t, errdefs.IsNotFound(err))
}

func TestCreateStartFailureRemovesContainer(t *testing.T) {
	m, rt, store := newTestManager(t)
	rt.Fail(fake.OpStart, "", -1, errors.New("cannot allocate memory"))

	c, err := createCluster(t, m, types.ClusterSpec{Name: "orders", ReplicaCount: 1})
	require.Error(t, err)

	got, err := store.GetCluster(c.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ClusterStatusFailed, got.Status)
	assert.Empty(t, got.ContainerIDs())
	assert.Empty(t, nodesByName(t, store, c.ID))
	assert.Empty(t, rt.Names(), "containers that never started must not be left behind")
	assert.NotEmpty(t, rt.CallsOf(fake.OpRemove))
}

func TestCreateFailureRecordsFailedBeforeCleanup(t *testing.T) {
	m, rt, store := newTestManager(t)
	rt.SetExec(func(c *fake.Container, cmd []string) (runtime.ExecResult, error) {
		if strings.HasSuffix(c.Name, "-master") {
			return runtime.ExecResult{}, errors.New("access denied for user 'root'")
		}
		return runtime.ExecResult{}, nil
	})

	seen := make(chan types.ClusterStatus, 8)
	rt.OnStop(func(string) {
		if list, err := store.ListClusters(); err == nil && len(list) == 1 {
			seen <- list[0].Status
		}
	})

	_, err := createCluster(t, m, types.ClusterSpec{Name: "orders", ReplicaCount: 1})
	require.Error(t, err)

	require.NotEmpty(t, seen)
	assert.Equal(t, types.ClusterStatusFailed, <-seen, "cluster must be FAILED while its containers are removed")
}

func TestCreateFailureKeepsUnremovableHandles(t *testing.T) {
	m, rt, store := newTestManager(t)
	rt.SetExec(func(c *fake.Container, cmd []string) (runtime.ExecResult, error) {
		if strings.HasSuffix(c.Name, "-master") {
			return runtime.ExecResult{}, errors.New("server has gone away")
		}
		return runtime.ExecResult{}, nil
	})
	rt.Fail(fake.OpRemove, "", -1, errors.New("device busy"))

	c, err := createCluster(t, m, types.ClusterSpec{Name: "orders", ReplicaCount: 1})
	require.Error(t, err)

	got, err := store.GetCluster(c.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ClusterStatusFailed, got.Status)
	assert.Len(t, got.ContainerIDs(), 3)
	assert.Len(t, nodesByName(t, store, c.ID), 3)
	assert.Empty(t, rt.CallsOf(fake.OpNetworkRemove))
}

// a failover notification promotes the successor and repoints the proxy
func TestFailoverWebhook(t *testing.T) {
	m, _, store := newTestManager(t)
	sub := m.Events().Subscribe()
	defer m.Events().Unsubscribe(sub)

	c, err := createCluster(t, m, types.ClusterSpec{Name: "orders", ReplicaCount: 2})
	require.NoError(t, err)

	before := nodesByName(t, store, c.ID)
	master := naming.MasterName(c.ID)
	successor := naming.ReplicaName(c.ID, 1)
	successorHandle := before[successor].ContainerID

	got, err := m.HandleFailoverWebhook(context.Background(), FailoverNotification{
		ClusterAlias:  naming.ClusterAlias(c.ID),
		FailedHost:    master + ":3306",
		SuccessorHost: successor + ":3306",
		FailureType:   "DeadMaster",
	})
	require.NoError(t, err)
	assert.Equal(t, successorHandle, got.MasterContainerID)

	demoted := waitEvent(t, sub, events.EventNodeUpdated, func(e *events.Event) bool {
		return e.Metadata["node_id"] == before[master].ID
	})
	assert.Equal(t, string(types.NodeRoleReplica), demoted.Metadata["role"])
	assert.Equal(t, string(types.NodeStatusFailed), demoted.Metadata["status"])

	waitEvent(t, sub, events.EventRecoveryCompleted, nil)

	after := nodesByName(t, store, c.ID)
	assert.NotContains(t, after, master)
	require.Contains(t, after, successor)
	assert.Equal(t, types.NodeRoleMaster, after[successor].Role)
	assert.Equal(t, types.NodeStatusRunning, after[successor].Status)
	assert.False(t, after[successor].ReadOnly)

	rebuilt := naming.ReplicaName(c.ID, 3)
	require.Contains(t, after, rebuilt)
	assert.Equal(t, types.NodeRoleReplica, after[rebuilt].Role)

	final, err := store.GetCluster(c.ID)
	require.NoError(t, err)
	assert.Equal(t, successorHandle, final.MasterContainerID)
	assert.True(t, final.HasReplica(after[rebuilt].ContainerID))
	assert.False(t, final.HasReplica(successorHandle))
}

func TestRecoveryWebhookResolvesByHost(t *testing.T) {
	m, _, store := newTestManager(t)

	c, err := createCluster(t, m, types.ClusterSpec{Name: "orders", ReplicaCount: 1})
	require.NoError(t, err)
	before := nodesByName(t, store, c.ID)

	got, err := m.HandleRecoveryWebhook(context.Background(), RecoveryNotification{
		AnalysisHost:  naming.MasterName(c.ID),
		SuccessorHost: naming.ReplicaName(c.ID, 1),
	})
	require.NoError(t, err)
	assert.Equal(t, before[naming.ReplicaName(c.ID, 1)].ContainerID, got.MasterContainerID)
	assert.True(t, got.HasReplica(before[naming.MasterName(c.ID)].ContainerID))

	_, err = m.HandleRecoveryWebhook(context.Background(), RecoveryNotification{
		AnalysisHost:  "db-1.example.com",
		SuccessorHost: "db-2.example.com",
	})
	assert.True(t, errdefs.IsInvalidArgument(err))
}

// scaling down removes the highest ordinals first
func TestScaleDown(t *testing.T) {
	m, rt, store := newTestManager(t)

	c, err := createCluster(t, m, types.ClusterSpec{Name: "orders", ReplicaCount: 2})
	require.NoError(t, err)

	done := make(chan error, 1)
	_, err = m.ScaleNotify(context.Background(), c.ID, 0, owner, func(err error) { done <- err })
	require.NoError(t, err)
	require.NoError(t, wait(t, done))

	got, err := store.GetCluster(c.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ClusterStatusRunning, got.Status)
	assert.Equal(t, 0, got.ReplicaCount)
	assert.Empty(t, got.ReplicaContainerIDs)

	nodes := nodesByName(t, store, c.ID)
	assert.Len(t, nodes, 2)

	sql := proxySQL(rt, c.ID)
	assert.Contains(t, sql, "DELETE FROM mysql_servers WHERE hostname='"+naming.ReplicaName(c.ID, 1)+"'")
	assert.Contains(t, sql, "DELETE FROM mysql_servers WHERE hostname='"+naming.ReplicaName(c.ID, 2)+"'")
}

func TestStopStart(t *testing.T) {
	m, rt, store := newTestManager(t)

	c, err := createCluster(t, m, types.ClusterSpec{Name: "orders", ReplicaCount: 1})
	require.NoError(t, err)

	_, err = m.Start(context.Background(), c.ID, owner)
	assert.True(t, errdefs.IsInvalidState(err))

	stopped, err := m.Stop(context.Background(), c.ID, owner)
	require.NoError(t, err)
	assert.Equal(t, types.ClusterStatusStopped, stopped.Status)

	stops := rt.CallsOf(fake.OpStop)
	require.Len(t, stops, 3)
	assert.Equal(t, naming.ProxyName(c.ID), stops[0].Target)
	assert.Equal(t, naming.ReplicaName(c.ID, 1), stops[1].Target)
	assert.Equal(t, naming.MasterName(c.ID), stops[2].Target)
	for name, n := range nodesByName(t, store, c.ID) {
		assert.Equal(t, types.NodeStatusStopped, n.Status, name)
	}

	_, err = m.Stop(context.Background(), c.ID, owner)
	assert.True(t, errdefs.IsInvalidState(err))

	startsBefore := len(rt.CallsOf(fake.OpStart))
	started, err := m.Start(context.Background(), c.ID, owner)
	require.NoError(t, err)
	assert.Equal(t, types.ClusterStatusRunning, started.Status)

	starts := rt.CallsOf(fake.OpStart)[startsBefore:]
	require.Len(t, starts, 3)
	assert.Equal(t, naming.MasterName(c.ID), starts[0].Target)
	assert.Equal(t, naming.ProxyName(c.ID), starts[2].Target)
}

func TestStopFailureMarksFailed(t *testing.T) {
	m, rt, store := newTestManager(t)

	c, err := createCluster(t, m, types.ClusterSpec{Name: "orders", ReplicaCount: 1})
	require.NoError(t, err)
	rt.Fail(fake.OpStop, naming.ReplicaName(c.ID, 1), 1, errors.New("timeout"))

	_, err = m.Stop(context.Background(), c.ID, owner)
	require.Error(t, err)

	got, err := store.GetCluster(c.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ClusterStatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "timeout")

	// the proxy was already stopped and keeps that state
	nodes := nodesByName(t, store, c.ID)
	assert.Equal(t, types.NodeStatusStopped, nodes[naming.ProxyName(c.ID)].Status)
	assert.Equal(t, types.NodeStatusRunning, nodes[naming.MasterName(c.ID)].Status)

	// FAILED may be stopped again
	_, err = m.Stop(context.Background(), c.ID, owner)
	require.NoError(t, err)
}

func TestDelete(t *testing.T) {
	m, rt, store := newTestManager(t)
	sub := m.Events().Subscribe()
	defer m.Events().Unsubscribe(sub)

	c, err := createCluster(t, m, types.ClusterSpec{Name: "orders", ReplicaCount: 1})
	require.NoError(t, err)

	_, err = m.Delete(context.Background(), c.ID, "someone-else")
	assert.True(t, errdefs.IsAccessDenied(err))

	done := make(chan error, 1)
	deleting, err := m.DeleteNotify(context.Background(), c.ID, owner, func(err error) { done <- err })
	require.NoError(t, err)
	assert.Equal(t, types.ClusterStatusDeleting, deleting.Status)
	require.NoError(t, wait(t, done))
	waitEvent(t, sub, events.EventClusterDeleted, nil)

	_, err = store.GetCluster(c.ID)
	assert.True(t, errdefs.IsNotFound(err))
	assert.Empty(t, nodesByName(t, store, c.ID))
	assert.Empty(t, rt.Names())
	assert.Len(t, rt.CallsOf(fake.OpNetworkRemove), 1)
}

func TestHealthDegradesAndRecovers(t *testing.T) {
	m, rt, store := newTestManager(t)

	c, err := createCluster(t, m, types.ClusterSpec{Name: "orders", ReplicaCount: 1})
	require.NoError(t, err)

	rt.SetHealth(naming.ReplicaName(c.ID, 1), runtime.HealthUnhealthy)
	h, err := m.Health(context.Background(), c.ID, owner)
	require.NoError(t, err)
	assert.Equal(t, types.ClusterStatusDegraded, h.Status)
	assert.True(t, h.MasterHealthy)
	assert.Equal(t, 0, h.HealthyReplicas)

	got, err := store.GetCluster(c.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ClusterStatusDegraded, got.Status)

	rt.SetHealth(naming.ReplicaName(c.ID, 1), runtime.HealthHealthy)
	h, err = m.Health(context.Background(), c.ID, owner)
	require.NoError(t, err)
	assert.Equal(t, types.ClusterStatusRunning, h.Status)

	got, err = store.GetCluster(c.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ClusterStatusRunning, got.Status)

	// unchanged health does not write
	version := got.ResourceVersion
	changed, err := m.ApplyHealth(context.Background(), c.ID, types.ClusterStatusRunning)
	require.NoError(t, err)
	assert.False(t, changed)
	got, err = store.GetCluster(c.ID)
	require.NoError(t, err)
	assert.Equal(t, version, got.ResourceVersion)
}

func TestReconcileInterrupted(t *testing.T) {
	m, _, store := newTestManager(t)

	for _, c := range []*types.Cluster{
		{ID: "a1", Name: "a", OwnerID: owner, Status: types.ClusterStatusProvisioning},
		{ID: "b1", Name: "b", OwnerID: owner, Status: types.ClusterStatusScaling},
		{ID: "c1", Name: "c", OwnerID: owner, Status: types.ClusterStatusRunning},
	} {
		require.NoError(t, store.CreateCluster(c))
	}

	n, err := m.ReconcileInterrupted(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	a, err := store.GetCluster("a1")
	require.NoError(t, err)
	assert.Equal(t, types.ClusterStatusFailed, a.Status)
	assert.Equal(t, "provisioning interrupted by control-plane restart", a.ErrorMessage)

	c, err := store.GetCluster("c1")
	require.NoError(t, err)
	assert.Equal(t, types.ClusterStatusRunning, c.Status)
}

func TestLogsAndOwnership(t *testing.T) {
	m, _, _ := newTestManager(t)

	c, err := createCluster(t, m, types.ClusterSpec{Name: "orders"})
	require.NoError(t, err)

	out, err := m.Logs(context.Background(), c.ID, owner, "proxy", 10)
	require.NoError(t, err)
	assert.Contains(t, out, naming.ProxyName(c.ID))

	_, err = m.Logs(context.Background(), c.ID, owner, "mysql-nope-replica-9", 10)
	assert.True(t, errdefs.IsNotFound(err))

	_, err = m.Get(context.Background(), c.ID, "intruder")
	assert.True(t, errdefs.IsAccessDenied(err))

	list, err := m.List(context.Background(), "intruder")
	require.NoError(t, err)
	assert.Empty(t, list)
}

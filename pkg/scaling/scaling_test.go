package scaling

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/cuemby/burrow/pkg/async"
	"github.com/cuemby/burrow/pkg/errdefs"
	"github.com/cuemby/burrow/pkg/events"
	"github.com/cuemby/burrow/pkg/health"
	"github.com/cuemby/burrow/pkg/mysql"
	"github.com/cuemby/burrow/pkg/naming"
	"github.com/cuemby/burrow/pkg/nodes"
	"github.com/cuemby/burrow/pkg/provision"
	"github.com/cuemby/burrow/pkg/proxysql"
	"github.com/cuemby/burrow/pkg/registrar"
	"github.com/cuemby/burrow/pkg/runtime"
	"github.com/cuemby/burrow/pkg/runtime/fake"
	"github.com/cuemby/burrow/pkg/security"
	"github.com/cuemby/burrow/pkg/storage"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type discard struct{}

func (discard) Publish(*events.Event) {}

type env struct {
	rt     *fake.Runtime
	store  storage.Store
	repo   *nodes.Repository
	engine *Engine
}

func newEnv(t *testing.T, replicas int, status types.ClusterStatus) *env {
	t.Helper()
	ctx := context.Background()

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	pool, err := async.NewPool(t.Name(), 4, 32, async.CallerRuns)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	rt := fake.New()
	repo := nodes.NewRepository(store)

	cluster := &types.Cluster{
		ID:           "c1",
		Name:         "orders",
		OwnerID:      "u1",
		Version:      "8.0",
		ReplicaCount: replicas,
		Status:       status,
	}
	add := func(name string, role types.NodeRole) string {
		id, err := rt.Create(ctx, runtime.ContainerSpec{Name: name})
		require.NoError(t, err)
		require.NoError(t, rt.Start(ctx, id))
		n, err := repo.Create("c1", name, id, role, types.NodeResources{})
		require.NoError(t, err)
		_, err = repo.SetStatus(n.ID, types.NodeStatusRunning)
		require.NoError(t, err)
		return id
	}
	cluster.MasterContainerID = add(naming.MasterName("c1"), types.NodeRoleMaster)
	for i := 1; i <= replicas; i++ {
		cluster.AddReplica(add(naming.ReplicaName("c1", i), types.NodeRoleReplica))
	}
	cluster.ProxyContainerID = add(naming.ProxyName("c1"), types.NodeRoleProxy)
	require.NoError(t, store.CreateCluster(cluster))

	pcfg := provision.DefaultConfig()
	pcfg.CreateAttempts = 1
	prov := provision.NewEngine(rt, rt.Networks(), repo, pool, func(string) string { return "root" }, pcfg)
	admin := proxysql.NewExecAdmin(rt, "radmin", "secret")

	engine := NewEngine(Deps{
		Store:     store,
		Nodes:     repo,
		Driver:    rt,
		Provision: prov,
		Health:    health.NewEngine(rt, pool, 5*time.Millisecond),
		MySQL:     mysql.NewClient(rt),
		Router:    proxysql.NewRouter(admin, admin),
		Registrar: registrar.Noop{},
		Shared:    security.SharedCredentials{ReplicationUser: "repl", ReplicationPassword: "replpw"},
		Events:    discard{},
		Pool:      pool,
	}, Config{
		MaxReplicas:      5,
		HealthTimeout:    time.Second,
		Drain:            time.Millisecond,
		ConfigureBackoff: async.Constant(2, time.Millisecond),
	})
	return &env{rt: rt, store: store, repo: repo, engine: engine}
}

func (e *env) scale(t *testing.T, target int) error {
	t.Helper()
	done := make(chan error, 1)
	c, err := e.engine.ScaleClusterNotify(context.Background(), "c1", target, "u1", func(err error) { done <- err })
	require.NoError(t, err)
	require.NotNil(t, c)
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("scaling never finished")
		return nil
	}
}

func (e *env) replicaNodes(t *testing.T) []*types.Node {
	t.Helper()
	list, err := e.repo.ListByCluster("c1")
	require.NoError(t, err)
	var out []*types.Node
	for _, n := range list {
		if n.Role == types.NodeRoleReplica {
			out = append(out, n)
		}
	}
	return out
}

func TestScaleClusterValidation(t *testing.T) {
	tests := []struct {
		name   string
		status types.ClusterStatus
		target int
		owner  string
		check  func(error) bool
	}{
		{name: "negative target", status: types.ClusterStatusRunning, target: -1, owner: "u1", check: errdefs.IsInvalidArgument},
		{name: "above maximum", status: types.ClusterStatusRunning, target: 6, owner: "u1", check: errdefs.IsInvalidArgument},
		{name: "other owner", status: types.ClusterStatusRunning, target: 2, owner: "u2", check: errdefs.IsAccessDenied},
		{name: "stopped", status: types.ClusterStatusStopped, target: 2, owner: "u1", check: errdefs.IsInvalidState},
		{name: "provisioning", status: types.ClusterStatusProvisioning, target: 2, owner: "u1", check: errdefs.IsInvalidState},
		{name: "already scaling", status: types.ClusterStatusScaling, target: 2, owner: "u1", check: errdefs.IsInvalidState},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t, 1, tt.status)
			_, err := e.engine.ScaleCluster(context.Background(), "c1", tt.target, tt.owner)
			require.Error(t, err)
			assert.True(t, tt.check(err), err.Error())

			c, err := e.store.GetCluster("c1")
			require.NoError(t, err)
			assert.Equal(t, tt.status, c.Status)
		})
	}
}

func TestScaleClusterNoop(t *testing.T) {
	e := newEnv(t, 2, types.ClusterStatusRunning)
	before, err := e.store.GetCluster("c1")
	require.NoError(t, err)

	c, err := e.engine.ScaleCluster(context.Background(), "c1", 2, "u1")
	require.NoError(t, err)
	assert.Equal(t, types.ClusterStatusRunning, c.Status)
	assert.Equal(t, before.ResourceVersion, c.ResourceVersion)
}

func TestScaleUp(t *testing.T) {
	e := newEnv(t, 1, types.ClusterStatusDegraded)
	require.NoError(t, e.scale(t, 3))

	c, err := e.store.GetCluster("c1")
	require.NoError(t, err)
	assert.Equal(t, types.ClusterStatusRunning, c.Status)
	assert.Equal(t, 3, c.ReplicaCount)
	assert.Len(t, c.ReplicaContainerIDs, 3)
	assert.Empty(t, c.ErrorMessage)

	replicas := e.replicaNodes(t)
	require.Len(t, replicas, 3)
	for _, n := range replicas {
		assert.Equal(t, types.NodeStatusRunning, n.Status)
		assert.True(t, c.HasReplica(n.ContainerID))
	}
	assert.Equal(t, "mysql-c1-replica-3", replicas[2].ContainerName)

	var added int
	for _, call := range e.rt.CallsOf(fake.OpExec) {
		if call.Target == "proxysql-c1" && strings.Contains(strings.Join(call.Args, " "), "VALUES (20, 'mysql-c1-replica-") {
			added++
		}
	}
	assert.Equal(t, 2, added)
}

// every replica leaves the proxy before its container is removed
func TestScaleDownToZero(t *testing.T) {
	e := newEnv(t, 2, types.ClusterStatusRunning)
	require.NoError(t, e.scale(t, 0))

	c, err := e.store.GetCluster("c1")
	require.NoError(t, err)
	assert.Equal(t, types.ClusterStatusRunning, c.Status)
	assert.Equal(t, 0, c.ReplicaCount)
	assert.Empty(t, c.ReplicaContainerIDs)
	assert.Empty(t, e.replicaNodes(t))

	calls := e.rt.Calls()
	indexOf := func(match func(fake.Call) bool) int {
		for i, call := range calls {
			if match(call) {
				return i
			}
		}
		return -1
	}
	removedFromProxy := 0
	for _, host := range []string{"mysql-c1-replica-1", "mysql-c1-replica-2"} {
		proxy := indexOf(func(call fake.Call) bool {
			return call.Op == fake.OpExec && call.Target == "proxysql-c1" &&
				strings.Contains(strings.Join(call.Args, " "), "DELETE FROM mysql_servers WHERE hostname='"+host+"'")
		})
		removed := indexOf(func(call fake.Call) bool {
			return call.Op == fake.OpRemove && call.Target == host
		})
		require.NotEqual(t, -1, proxy, host)
		require.NotEqual(t, -1, removed, host)
		assert.Less(t, proxy, removed, "%s must leave the proxy before its container goes", host)
		removedFromProxy++
	}
	assert.Equal(t, 2, removedFromProxy)

	// highest index first
	removes := e.rt.CallsOf(fake.OpRemove)
	require.Len(t, removes, 2)
	assert.Equal(t, "mysql-c1-replica-2", removes[0].Target)
}

func TestScaleUpFailureRestoresStatus(t *testing.T) {
	e := newEnv(t, 0, types.ClusterStatusRunning)
	e.rt.Fail(fake.OpCreate, "mysql-c1-replica-2", -1, errors.New("no space left on device"))

	err := e.scale(t, 2)
	require.Error(t, err)

	c, err := e.store.GetCluster("c1")
	require.NoError(t, err)
	assert.Equal(t, types.ClusterStatusRunning, c.Status)
	assert.Len(t, c.ReplicaContainerIDs, 1)
	assert.Equal(t, 1, c.ReplicaCount)
	assert.Contains(t, c.ErrorMessage, "no space left on device")

	replicas := e.replicaNodes(t)
	require.Len(t, replicas, 1)
	assert.Equal(t, c.ReplicaContainerIDs[0], replicas[0].ContainerID)
}

func TestScaleUpHealthTimeoutDiscardsReplica(t *testing.T) {
	e := newEnv(t, 0, types.ClusterStatusRunning)
	e.rt.HealthOnStart = runtime.HealthUnhealthy
	e.engine.cfg.HealthTimeout = 20 * time.Millisecond

	err := e.scale(t, 1)
	require.Error(t, err)
	assert.True(t, errdefs.IsNotReady(err))

	c, err := e.store.GetCluster("c1")
	require.NoError(t, err)
	assert.Empty(t, c.ReplicaContainerIDs)
	assert.Empty(t, e.replicaNodes(t))
	_, ok := e.rt.Container("mysql-c1-replica-1")
	assert.False(t, ok)
}

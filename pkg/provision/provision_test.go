package provision

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cuemby/burrow/pkg/async"
	"github.com/cuemby/burrow/pkg/errdefs"
	"github.com/cuemby/burrow/pkg/naming"
	"github.com/cuemby/burrow/pkg/nodes"
	"github.com/cuemby/burrow/pkg/runtime"
	"github.com/cuemby/burrow/pkg/runtime/fake"
	"github.com/cuemby/burrow/pkg/storage"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type env struct {
	rt      *fake.Runtime
	repo    *nodes.Repository
	engine  *Engine
	cluster *types.Cluster
}

func newEnv(t *testing.T, replicas int, mutate func(*Config)) *env {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cluster := &types.Cluster{
		ID:           "c1",
		Name:         "orders",
		OwnerID:      "u1",
		Version:      "8.0",
		ReplicaCount: replicas,
		ProxyPort:    16033,
		Status:       types.ClusterStatusProvisioning,
	}
	require.NoError(t, store.CreateCluster(cluster))

	pool, err := async.NewPool(t.Name(), 2, 16, async.CallerRuns)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	cfg := DefaultConfig()
	cfg.SharedNetwork = "burrow-shared"
	cfg.CreateBackoff = time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}

	rt := fake.New()
	repo := nodes.NewRepository(store)
	engine := NewEngine(rt, rt.Networks(), repo, pool, func(id string) string { return "root-" + id }, cfg)
	return &env{rt: rt, repo: repo, engine: engine, cluster: cluster}
}

func (e *env) create(t *testing.T) (*Result, error) {
	t.Helper()
	type out struct {
		res *Result
		err error
	}
	ch := make(chan out, 1)
	e.engine.CreateContainersWithRetry(context.Background(), e.cluster, func(r *Result, err error) { ch <- out{r, err} })
	select {
	case o := <-ch:
		return o.res, o.err
	case <-time.After(5 * time.Second):
		t.Fatal("provisioning never completed")
		return nil, nil
	}
}

func TestParseMemory(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{in: "4G", want: 4 << 30},
		{in: "512M", want: 512 << 20},
		{in: "1g", want: 1 << 30},
		{in: "2048", want: 2048},
		{in: "", want: 0},
		{in: "lots", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseMemory(tt.in)
			if tt.wantErr {
				assert.True(t, errdefs.IsInvalidArgument(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCreateContainersWithRetry(t *testing.T) {
	e := newEnv(t, 2, nil)
	e.engine.StashConfig("c1", types.ProvisioningConfig{
		Master: types.NodeResources{CPUCores: 2, Memory: "4G"},
	})

	res, err := e.create(t)
	require.NoError(t, err)

	assert.Equal(t, "net-c1", res.NetworkID)
	assert.NotEmpty(t, res.MasterContainerID)
	assert.Len(t, res.ReplicaContainerIDs, 2)
	assert.NotEmpty(t, res.ProxyContainerID)

	var created []string
	for _, c := range e.rt.CallsOf(fake.OpCreate) {
		created = append(created, c.Target)
	}
	assert.Equal(t, []string{"mysql-c1-master", "mysql-c1-replica-1", "mysql-c1-replica-2", "proxysql-c1"}, created)

	master, ok := e.rt.Container("mysql-c1-master")
	require.True(t, ok)
	assert.Equal(t, "mysql:8.0", master.Spec.Image)
	assert.Equal(t, int64(200000), master.Spec.Resources.CPUQuota)
	assert.Equal(t, int64(4<<30), master.Spec.Resources.Memory)
	assert.Contains(t, master.Spec.Cmd, "--innodb-buffer-pool-size=2867M")
	assert.Contains(t, master.Spec.Env, "MYSQL_ROOT_PASSWORD=root-c1")
	assert.Equal(t, "burrow-c1", master.Spec.Network)

	replica, _ := e.rt.Container("mysql-c1-replica-2")
	assert.Contains(t, replica.Spec.Cmd, "--server-id=102")
	assert.Contains(t, replica.Spec.Cmd, "--read-only=ON")
	// replicas fall back to the default shape
	assert.Equal(t, int64(1<<30), replica.Spec.Resources.Memory)

	proxy, _ := e.rt.Container("proxysql-c1")
	assert.Equal(t, []runtime.PortBinding{{ContainerPort: 6033, HostPort: 16033}}, proxy.Spec.Ports)

	assert.Len(t, e.rt.CallsOf(fake.OpNetworkConnect), 4)

	list, err := e.repo.ListByCluster("c1")
	require.NoError(t, err)
	require.Len(t, list, 4)
	for _, n := range list {
		assert.Equal(t, types.NodeStatusStarting, n.Status)
	}
}

func TestTransientFailureIsRetried(t *testing.T) {
	e := newEnv(t, 1, nil)
	e.rt.Fail(fake.OpStart, "mysql-c1-replica-1", 2, errors.New("daemon busy"))

	res, err := e.create(t)
	require.NoError(t, err)
	assert.Len(t, res.ReplicaContainerIDs, 1)
	assert.Len(t, e.rt.CallsOf(fake.OpStart), 5)
}

func TestFailureKeepsPartialHandles(t *testing.T) {
	e := newEnv(t, 2, nil)
	e.rt.Fail(fake.OpCreate, "mysql-c1-replica-2", -1, errors.New("no space left on device"))
	e.engine.StashConfig("c1", types.ProvisioningConfig{})

	res, err := e.create(t)
	require.Error(t, err)
	assert.True(t, errdefs.IsInfrastructure(err))
	assert.Contains(t, err.Error(), "replica-2")

	assert.NotEmpty(t, res.MasterContainerID)
	assert.Len(t, res.ReplicaContainerIDs, 1)
	assert.Empty(t, res.ProxyContainerID)
	assert.Len(t, e.rt.CallsOf(fake.OpCreate), 2+3)

	list, err := e.repo.ListByCluster("c1")
	require.NoError(t, err)
	assert.Len(t, list, 2)

	_, ok := e.engine.configs.Get("c1")
	assert.False(t, ok, "config must be discarded on failure")
}

func TestFailedStartRemovesContainer(t *testing.T) {
	tests := []struct {
		name   string
		op     string
		target string
	}{
		{name: "start fails", op: fake.OpStart, target: "mysql-c1-replica-1"},
		{name: "shared network attach fails", op: fake.OpNetworkConnect, target: "burrow-shared"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t, 1, nil)
			e.rt.Fail(tt.op, tt.target, -1, errors.New("cannot allocate memory"))

			res, err := e.create(t)
			require.Error(t, err)
			assert.Empty(t, res.ReplicaContainerIDs)
			assert.Empty(t, res.ProxyContainerID)

			list, err := e.repo.ListByCluster("c1")
			require.NoError(t, err)
			for _, n := range list {
				_, ok := e.rt.Container(n.ContainerName)
				assert.True(t, ok, "%s has a node row", n.ContainerName)
			}
			assert.Len(t, e.rt.Names(), len(list), "every remaining container has a node row")
			assert.NotEmpty(t, e.rt.CallsOf(fake.OpRemove))
		})
	}
}

func TestFailedStartKeepsHandleWhenRemoveFails(t *testing.T) {
	e := newEnv(t, 0, nil)
	e.rt.Fail(fake.OpStart, "mysql-c1-master", -1, errors.New("cannot allocate memory"))
	e.rt.Fail(fake.OpRemove, "", -1, errors.New("device busy"))

	res, err := e.create(t)
	require.Error(t, err)
	assert.NotEmpty(t, res.MasterContainerID, "a container that may still exist keeps its handle")
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	e := newEnv(t, 0, func(c *Config) {
		c.CreateAttempts = 1
		c.BreakerFailures = 2
		c.BreakerOpen = time.Minute
	})
	e.rt.Fail(fake.OpCreate, "", -1, errors.New("daemon down"))

	for i := 0; i < 2; i++ {
		_, err := e.create(t)
		require.Error(t, err)
	}
	before := len(e.rt.CallsOf(fake.OpCreate))

	_, err := e.create(t)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "container driver unavailable")
	assert.Equal(t, before, len(e.rt.CallsOf(fake.OpCreate)), "open breaker must not reach the driver")
}

func TestCreateReplicaContainer(t *testing.T) {
	e := newEnv(t, 0, nil)

	type out struct {
		node *types.Node
		err  error
	}
	done := make(chan out, 1)
	e.engine.CreateReplicaContainer(context.Background(), e.cluster, 4, types.NodeResources{Memory: "2G"}, func(n *types.Node, err error) {
		done <- out{n, err}
	})
	o := <-done
	require.NoError(t, o.err)
	node := o.node
	assert.Equal(t, naming.ReplicaName("c1", 4), node.ContainerName)
	assert.Equal(t, types.NodeRoleReplica, node.Role)
	assert.True(t, node.ReadOnly)
	assert.Equal(t, 1.0, node.Resources.CPUCores)

	c, ok := e.rt.Container(node.ContainerName)
	require.True(t, ok)
	assert.Equal(t, c.ID, node.ContainerID)
	assert.Contains(t, c.Spec.Cmd, "--server-id=104")
}

func TestConfigFallsBackToDefaults(t *testing.T) {
	e := newEnv(t, 0, nil)
	assert.Equal(t, DefaultConfig().Defaults, e.engine.Config("unknown"))

	e.engine.StashConfig("c1", types.ProvisioningConfig{Proxy: types.NodeResources{Memory: "128M"}})
	pc := e.engine.Config("c1")
	assert.Equal(t, "128M", pc.Proxy.Memory)
	assert.Equal(t, 0.5, pc.Proxy.CPUCores)

	e.engine.DiscardConfig("c1")
	assert.Equal(t, DefaultConfig().Defaults, e.engine.Config("c1"))
}

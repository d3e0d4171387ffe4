package nodes

import (
	"testing"

	"github.com/cuemby/burrow/pkg/errdefs"
	"github.com/cuemby/burrow/pkg/naming"
	"github.com/cuemby/burrow/pkg/storage"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRepo(t *testing.T, clusterID string) *Repository {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	require.NoError(t, store.CreateCluster(&types.Cluster{
		ID:      clusterID,
		Name:    "orders",
		OwnerID: "u1",
		Status:  types.ClusterStatusProvisioning,
	}))
	return NewRepository(store)
}

func TestCreate(t *testing.T) {
	repo := newTestRepo(t, "c1")
	res := types.NodeResources{CPUCores: 1, Memory: "1G"}

	tests := []struct {
		name     string
		role     types.NodeRole
		wantPort int
		wantRO   bool
	}{
		{name: naming.MasterName("c1"), role: types.NodeRoleMaster, wantPort: 3306},
		{name: naming.ReplicaName("c1", 1), role: types.NodeRoleReplica, wantPort: 3306, wantRO: true},
		{name: naming.ProxyName("c1"), role: types.NodeRoleProxy, wantPort: 6033},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			node, err := repo.Create("c1", tt.name, "id-"+tt.name, tt.role, res)
			require.NoError(t, err)
			assert.Equal(t, types.NodeStatusStarting, node.Status)
			assert.Equal(t, tt.name, node.Host)
			assert.Equal(t, tt.wantPort, node.Port)
			assert.Equal(t, tt.wantRO, node.ReadOnly)
			assert.Equal(t, res, node.Resources)
		})
	}

	_, err := repo.Create("missing", "x", "y", types.NodeRoleMaster, res)
	assert.True(t, errdefs.IsNotFound(err))
}

func TestFind(t *testing.T) {
	repo := newTestRepo(t, "c1")
	master, err := repo.Create("c1", naming.MasterName("c1"), "m-id", types.NodeRoleMaster, types.NodeResources{})
	require.NoError(t, err)
	replica, err := repo.Create("c1", naming.ReplicaName("c1", 1), "r-id", types.NodeRoleReplica, types.NodeResources{})
	require.NoError(t, err)

	got, err := repo.FindByContainerID("c1", "r-id")
	require.NoError(t, err)
	assert.Equal(t, replica.ID, got.ID)

	got, err = repo.FindByHost("c1", "mysql-c1-master:3306")
	require.NoError(t, err)
	assert.Equal(t, master.ID, got.ID)

	got, err = repo.FindByHost("c1", "mysql-c1-replica-1")
	require.NoError(t, err)
	assert.Equal(t, replica.ID, got.ID)

	_, err = repo.FindByHost("c1", "mysql-c1-replica-9")
	assert.True(t, errdefs.IsNotFound(err))

	list, err := repo.ListByCluster("c1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, naming.MasterName("c1"), list[0].ContainerName)
}

func TestSetRoleKeepsReadOnly(t *testing.T) {
	repo := newTestRepo(t, "c1")
	node, err := repo.Create("c1", naming.ReplicaName("c1", 1), "r-id", types.NodeRoleReplica, types.NodeResources{})
	require.NoError(t, err)

	promoted, err := repo.SetRole(node.ID, types.NodeRoleMaster, types.NodeStatusRunning)
	require.NoError(t, err)
	assert.False(t, promoted.ReadOnly)
	assert.Equal(t, types.NodeStatusRunning, promoted.Status)

	demoted, err := repo.SetRole(node.ID, types.NodeRoleReplica, types.NodeStatusFailed)
	require.NoError(t, err)
	assert.True(t, demoted.ReadOnly)

	stored, err := repo.Get(node.ID)
	require.NoError(t, err)
	assert.Equal(t, types.NodeRoleReplica, stored.Role)
	assert.Equal(t, types.NodeStatusFailed, stored.Status)
}

func TestPromoteStarting(t *testing.T) {
	repo := newTestRepo(t, "c1")
	a, err := repo.Create("c1", naming.MasterName("c1"), "m", types.NodeRoleMaster, types.NodeResources{})
	require.NoError(t, err)
	b, err := repo.Create("c1", naming.ReplicaName("c1", 1), "r", types.NodeRoleReplica, types.NodeResources{})
	require.NoError(t, err)
	_, err = repo.SetStatus(b.ID, types.NodeStatusFailed)
	require.NoError(t, err)

	changed, err := repo.PromoteStarting("c1")
	require.NoError(t, err)
	assert.Equal(t, 1, changed)

	got, err := repo.Get(a.ID)
	require.NoError(t, err)
	assert.Equal(t, types.NodeStatusRunning, got.Status)

	got, err = repo.Get(b.ID)
	require.NoError(t, err)
	assert.Equal(t, types.NodeStatusFailed, got.Status)
}

func TestDelete(t *testing.T) {
	repo := newTestRepo(t, "c1")
	node, err := repo.Create("c1", naming.MasterName("c1"), "m", types.NodeRoleMaster, types.NodeResources{})
	require.NoError(t, err)

	require.NoError(t, repo.Delete(node.ID))
	_, err = repo.Get(node.ID)
	assert.True(t, errdefs.IsNotFound(err))

	_, err = repo.SetStatus(node.ID, types.NodeStatusRunning)
	assert.True(t, errdefs.IsNotFound(err))
}

package network

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"testing"

	"github.com/docker/docker/api/types/network"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubnetForCluster(t *testing.T) {
	subnet, gateway := SubnetForCluster("172.28", "a1b2c3d4")
	again, _ := SubnetForCluster("172.28", "a1b2c3d4")
	assert.Equal(t, subnet, again)

	require.True(t, strings.HasPrefix(subnet, "172.28."))
	require.True(t, strings.HasSuffix(subnet, ".0/24"))
	assert.Equal(t, strings.TrimSuffix(subnet, "0/24")+"1", gateway)

	octet, err := strconv.Atoi(strings.Split(subnet, ".")[2])
	require.NoError(t, err)
	assert.GreaterOrEqual(t, octet, 0)
	assert.Less(t, octet, 254)
}

func TestAllocatePort(t *testing.T) {
	tests := []struct {
		name    string
		used    []int
		want    int
		wantErr bool
	}{
		{name: "empty range start", used: nil, want: 16033},
		{name: "skips used", used: []int{16033, 16034}, want: 16035},
		{name: "fills gaps", used: []int{16033, 16035}, want: 16034},
		{name: "exhausted", used: []int{16033, 16034, 16035}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := AllocatePort(tt.used, 16033, 16035)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrNoFreePort)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

type stubNetworkAPI struct {
	networks  map[string]string // name -> id
	created   []network.CreateOptions
	connected []string
	removed   []string
	createErr error
}

func (s *stubNetworkAPI) NetworkCreate(ctx context.Context, name string, options network.CreateOptions) (network.CreateResponse, error) {
	s.created = append(s.created, options)
	if s.createErr != nil && options.IPAM != nil {
		return network.CreateResponse{}, s.createErr
	}
	id := "net-" + name
	s.networks[name] = id
	return network.CreateResponse{ID: id}, nil
}

func (s *stubNetworkAPI) NetworkList(ctx context.Context, options network.ListOptions) ([]network.Summary, error) {
	var out []network.Summary
	for name, id := range s.networks {
		out = append(out, network.Summary{Name: name, ID: id})
	}
	return out, nil
}

func (s *stubNetworkAPI) NetworkConnect(ctx context.Context, networkID, containerID string, config *network.EndpointSettings) error {
	s.connected = append(s.connected, networkID+"/"+containerID)
	return nil
}

func (s *stubNetworkAPI) NetworkRemove(ctx context.Context, networkID string) error {
	s.removed = append(s.removed, networkID)
	return nil
}

func TestCreateClusterNetwork(t *testing.T) {
	api := &stubNetworkAPI{networks: map[string]string{"burrow-a1b2c3d4x": "other"}}
	n := newDockerNetworks(api, "172.28")

	id, err := n.CreateClusterNetwork(context.Background(), "a1b2c3d4")
	require.NoError(t, err)
	assert.Equal(t, "net-burrow-a1b2c3d4", id)

	require.Len(t, api.created, 1)
	subnet, gateway := SubnetForCluster("172.28", "a1b2c3d4")
	assert.Equal(t, subnet, api.created[0].IPAM.Config[0].Subnet)
	assert.Equal(t, gateway, api.created[0].IPAM.Config[0].Gateway)
	assert.Equal(t, "a1b2c3d4", api.created[0].Labels["burrow.cluster"])

	// Reused on a second call
	again, err := n.CreateClusterNetwork(context.Background(), "a1b2c3d4")
	require.NoError(t, err)
	assert.Equal(t, id, again)
	assert.Len(t, api.created, 1)
}

func TestCreateClusterNetworkOverlap(t *testing.T) {
	api := &stubNetworkAPI{
		networks:  map[string]string{},
		createErr: errors.New("Pool overlaps with other one on this address space"),
	}
	n := newDockerNetworks(api, "172.28")

	id, err := n.CreateClusterNetwork(context.Background(), "a1b2c3d4")
	require.NoError(t, err)
	assert.Equal(t, "net-burrow-a1b2c3d4", id)
	require.Len(t, api.created, 2)
	assert.Nil(t, api.created[1].IPAM)
}

func TestConnectCreatesSharedNetwork(t *testing.T) {
	api := &stubNetworkAPI{networks: map[string]string{}}
	n := newDockerNetworks(api, "172.28")

	require.NoError(t, n.Connect(context.Background(), "burrow-shared", "proxy-1"))
	require.NoError(t, n.Connect(context.Background(), "burrow-shared", "proxy-2"))

	assert.Len(t, api.created, 1)
	assert.Equal(t, []string{"net-burrow-shared/proxy-1", "net-burrow-shared/proxy-2"}, api.connected)
}

func TestRemove(t *testing.T) {
	api := &stubNetworkAPI{networks: map[string]string{}}
	n := newDockerNetworks(api, "172.28")

	require.NoError(t, n.Remove(context.Background(), ""))
	require.NoError(t, n.Remove(context.Background(), "net-1"))
	assert.Equal(t, []string{"net-1"}, api.removed)
}

func TestHostNetworks(t *testing.T) {
	var d Driver = HostNetworks{}
	id, err := d.CreateClusterNetwork(context.Background(), "a1b2c3d4")
	require.NoError(t, err)
	assert.Equal(t, HostNetwork, id)
	assert.NoError(t, d.Connect(context.Background(), "burrow-shared", "c1"))
	assert.NoError(t, d.Remove(context.Background(), id))
}

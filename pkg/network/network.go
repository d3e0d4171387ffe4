package network

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/naming"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/rs/zerolog"
)

// HostNetwork is the network handle returned by HostNetworks
const HostNetwork = "host"

// ErrNoFreePort is returned when the proxy port range is exhausted
var ErrNoFreePort = errors.New("no free proxy port in range")

// Driver manages the networks cluster containers attach to
type Driver interface {
	// CreateClusterNetwork creates the isolated network of a cluster and
	// returns its handle. An existing network with the same name is reused.
	CreateClusterNetwork(ctx context.Context, clusterID string) (string, error)

	// Connect attaches a container to the named network, creating the
	// network first if it does not exist
	Connect(ctx context.Context, networkName, containerID string) error

	// Remove deletes a network. A missing network is not an error.
	Remove(ctx context.Context, networkID string) error
}

// SubnetForCluster derives the /24 of a cluster network from its ID. The
// third octet is the ID's hash modulo 254.
func SubnetForCluster(base, clusterID string) (subnet, gateway string) {
	h := fnv.New32a()
	_, _ = h.Write([]byte(clusterID))
	octet := h.Sum32() % 254
	return fmt.Sprintf("%s.%d.0/24", base, octet), fmt.Sprintf("%s.%d.1", base, octet)
}

// AllocatePort returns the lowest port in [min, max] that is not in used
func AllocatePort(used []int, min, max int) (int, error) {
	taken := make(map[int]bool, len(used))
	for _, p := range used {
		taken[p] = true
	}
	for p := min; p <= max; p++ {
		if !taken[p] {
			return p, nil
		}
	}
	return 0, fmt.Errorf("%w [%d-%d]", ErrNoFreePort, min, max)
}

// dockerNetworkAPI is the subset of the Docker client used here
type dockerNetworkAPI interface {
	NetworkCreate(ctx context.Context, name string, options network.CreateOptions) (network.CreateResponse, error)
	NetworkList(ctx context.Context, options network.ListOptions) ([]network.Summary, error)
	NetworkConnect(ctx context.Context, networkID, containerID string, config *network.EndpointSettings) error
	NetworkRemove(ctx context.Context, networkID string) error
}

// DockerNetworks implements Driver with Docker bridge networks
type DockerNetworks struct {
	api        dockerNetworkAPI
	subnetBase string
	logger     zerolog.Logger
}

// NewDockerNetworks creates a network driver sharing the runtime's client
func NewDockerNetworks(cli *client.Client, subnetBase string) *DockerNetworks {
	return newDockerNetworks(cli, subnetBase)
}

func newDockerNetworks(api dockerNetworkAPI, subnetBase string) *DockerNetworks {
	return &DockerNetworks{
		api:        api,
		subnetBase: subnetBase,
		logger:     log.WithComponent("network"),
	}
}

// CreateClusterNetwork creates burrow-{clusterID} on the cluster's subnet.
// If the derived subnet overlaps an existing network, Docker picks one.
func (n *DockerNetworks) CreateClusterNetwork(ctx context.Context, clusterID string) (string, error) {
	name := naming.NetworkName(clusterID)

	if id, err := n.find(ctx, name); err != nil {
		return "", err
	} else if id != "" {
		return id, nil
	}

	subnet, gateway := SubnetForCluster(n.subnetBase, clusterID)
	opts := network.CreateOptions{
		Driver: "bridge",
		IPAM: &network.IPAM{
			Config: []network.IPAMConfig{{Subnet: subnet, Gateway: gateway}},
		},
		Labels: map[string]string{
			"burrow.cluster": clusterID,
			"burrow.managed": "true",
		},
	}

	resp, err := n.api.NetworkCreate(ctx, name, opts)
	if err != nil && strings.Contains(err.Error(), "overlaps") {
		n.logger.Warn().Str("network", name).Str("subnet", subnet).Msg("Subnet overlaps an existing network, letting the runtime choose")
		opts.IPAM = nil
		resp, err = n.api.NetworkCreate(ctx, name, opts)
	}
	if err != nil {
		return "", fmt.Errorf("create network %s: %w", name, err)
	}

	n.logger.Info().Str("network", name).Str("subnet", subnet).Msg("Cluster network created")
	return resp.ID, nil
}

// Connect attaches containerID to networkName
func (n *DockerNetworks) Connect(ctx context.Context, networkName, containerID string) error {
	id, err := n.find(ctx, networkName)
	if err != nil {
		return err
	}
	if id == "" {
		resp, err := n.api.NetworkCreate(ctx, networkName, network.CreateOptions{
			Driver: "bridge",
			Labels: map[string]string{"burrow.managed": "true"},
		})
		if err != nil {
			return fmt.Errorf("create network %s: %w", networkName, err)
		}
		id = resp.ID
		n.logger.Info().Str("network", networkName).Msg("Shared network created")
	}

	if err := n.api.NetworkConnect(ctx, id, containerID, &network.EndpointSettings{}); err != nil {
		if strings.Contains(err.Error(), "already exists") {
			return nil
		}
		return fmt.Errorf("connect %s to %s: %w", containerID, networkName, err)
	}
	return nil
}

// Remove deletes a network
func (n *DockerNetworks) Remove(ctx context.Context, networkID string) error {
	if networkID == "" {
		return nil
	}
	if err := n.api.NetworkRemove(ctx, networkID); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("remove network %s: %w", networkID, err)
	}
	return nil
}

// find returns the ID of the network named exactly name, or ""
func (n *DockerNetworks) find(ctx context.Context, name string) (string, error) {
	list, err := n.api.NetworkList(ctx, network.ListOptions{
		Filters: filters.NewArgs(filters.Arg("name", name)),
	})
	if err != nil {
		return "", fmt.Errorf("list networks: %w", err)
	}
	// The name filter matches substrings
	for _, nw := range list {
		if nw.Name == name {
			return nw.ID, nil
		}
	}
	return "", nil
}

// HostNetworks is the Driver used with runtimes that share the host network
// namespace. Every operation is a no-op.
type HostNetworks struct{}

// CreateClusterNetwork returns HostNetwork
func (HostNetworks) CreateClusterNetwork(ctx context.Context, clusterID string) (string, error) {
	return HostNetwork, nil
}

// Connect does nothing
func (HostNetworks) Connect(ctx context.Context, networkName, containerID string) error {
	return nil
}

// Remove does nothing
func (HostNetworks) Remove(ctx context.Context, networkID string) error {
	return nil
}

// Package nodes persists the per-container Node records of a cluster.
//
// Every write is its own store transaction, committed immediately. A Node
// row therefore survives the failure of the workflow that created it, which
// is what lets cleanup find containers that a failed workflow left behind.
package nodes

import (
	"fmt"
	"sort"
	"time"

	"github.com/cuemby/burrow/pkg/errdefs"
	"github.com/cuemby/burrow/pkg/naming"
	"github.com/cuemby/burrow/pkg/storage"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/google/uuid"
)

// Ports the node containers listen on
const (
	MySQLPort = 3306
	ProxyPort = 6033
)

// Repository reads and writes Node records
type Repository struct {
	store storage.Store
}

// NewRepository creates a repository over store
func NewRepository(store storage.Store) *Repository {
	return &Repository{store: store}
}

// Create records a freshly created container in STARTING state. The node's
// host is its container name, which resolves on the cluster network.
func (r *Repository) Create(clusterID, containerName, containerID string, role types.NodeRole, res types.NodeResources) (*types.Node, error) {
	port := MySQLPort
	if role == types.NodeRoleProxy {
		port = ProxyPort
	}

	node := &types.Node{
		ID:            uuid.NewString(),
		ClusterID:     clusterID,
		ContainerName: containerName,
		ContainerID:   containerID,
		Status:        types.NodeStatusStarting,
		Host:          containerName,
		Port:          port,
		Resources:     res,
		CreatedAt:     time.Now(),
	}
	node.SetRole(role)

	if err := r.store.CreateNode(node); err != nil {
		return nil, fmt.Errorf("failed to create node %s: %w", containerName, err)
	}
	return node, nil
}

// Get returns a node by ID
func (r *Repository) Get(id string) (*types.Node, error) {
	return r.store.GetNode(id)
}

// ListByCluster returns the nodes of a cluster ordered by container name
func (r *Repository) ListByCluster(clusterID string) ([]*types.Node, error) {
	nodes, err := r.store.ListNodesByCluster(clusterID)
	if err != nil {
		return nil, err
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ContainerName < nodes[j].ContainerName })
	return nodes, nil
}

// FindByContainerID returns the node of a container handle
func (r *Repository) FindByContainerID(clusterID, containerID string) (*types.Node, error) {
	return r.find(clusterID, func(n *types.Node) bool { return n.ContainerID == containerID }, containerID)
}

// FindByHost resolves a host reported by the registrar ("name" or
// "name:port") to a node, matching the container name or the host field
func (r *Repository) FindByHost(clusterID, host string) (*types.Node, error) {
	h := naming.StripPort(host)
	return r.find(clusterID, func(n *types.Node) bool {
		return n.ContainerName == h || naming.StripPort(n.Host) == h
	}, host)
}

func (r *Repository) find(clusterID string, match func(*types.Node) bool, what string) (*types.Node, error) {
	nodes, err := r.store.ListNodesByCluster(clusterID)
	if err != nil {
		return nil, err
	}
	for _, n := range nodes {
		if match(n) {
			return n, nil
		}
	}
	return nil, errdefs.NodeNotFound(what)
}

// Update applies fn to the stored node and saves it
func (r *Repository) Update(id string, fn func(n *types.Node)) (*types.Node, error) {
	node, err := r.store.GetNode(id)
	if err != nil {
		return nil, err
	}
	fn(node)
	if err := r.store.UpdateNode(node); err != nil {
		return nil, fmt.Errorf("failed to update node %s: %w", node.ContainerName, err)
	}
	return node, nil
}

// SetStatus changes the status of one node
func (r *Repository) SetStatus(id string, status types.NodeStatus) (*types.Node, error) {
	return r.Update(id, func(n *types.Node) { n.Status = status })
}

// SetRole changes role and status together, keeping ReadOnly consistent
func (r *Repository) SetRole(id string, role types.NodeRole, status types.NodeStatus) (*types.Node, error) {
	return r.Update(id, func(n *types.Node) {
		n.SetRole(role)
		n.Status = status
	})
}

// PromoteStarting flips every STARTING node of a cluster to RUNNING and
// returns how many changed
func (r *Repository) PromoteStarting(clusterID string) (int, error) {
	nodes, err := r.store.ListNodesByCluster(clusterID)
	if err != nil {
		return 0, err
	}
	changed := 0
	for _, n := range nodes {
		if n.Status != types.NodeStatusStarting {
			continue
		}
		n.Status = types.NodeStatusRunning
		if err := r.store.UpdateNode(n); err != nil {
			return changed, fmt.Errorf("failed to update node %s: %w", n.ContainerName, err)
		}
		changed++
	}
	return changed, nil
}

// Delete removes a node record
func (r *Repository) Delete(id string) error {
	return r.store.DeleteNode(id)
}

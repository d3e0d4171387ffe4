package storage

import (
	"github.com/cuemby/burrow/pkg/types"
)

// MutateFunc changes a freshly read cluster inside a write transaction.
// Returning an error aborts the transaction.
type MutateFunc func(c *types.Cluster) error

// PortAllocator picks a free port given the ports already in use
type PortAllocator func(used []int) (int, error)

// Store defines the interface for cluster state storage
type Store interface {
	// Clusters
	CreateCluster(cluster *types.Cluster) error
	CreateClusterWithPort(cluster *types.Cluster, allocate PortAllocator) error
	GetCluster(id string) (*types.Cluster, error)
	ListClusters() ([]*types.Cluster, error)
	ListClustersByOwner(ownerID string) ([]*types.Cluster, error)
	// UpdateCluster re-reads the cluster, applies fn and saves it in one
	// transaction, bumping ResourceVersion. It returns the saved copy.
	UpdateCluster(id string, fn MutateFunc) (*types.Cluster, error)
	// SaveCluster writes cluster only if its ResourceVersion matches the
	// stored one.
	SaveCluster(cluster *types.Cluster) error
	// DeleteCluster removes the cluster and all of its nodes in one transaction
	DeleteCluster(id string) error

	// Nodes
	CreateNode(node *types.Node) error
	GetNode(id string) (*types.Node, error)
	ListNodes() ([]*types.Node, error)
	ListNodesByCluster(clusterID string) ([]*types.Node, error)
	UpdateNode(node *types.Node) error
	DeleteNode(id string) error

	// Utility
	Close() error
}

package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/cuemby/burrow/pkg/errdefs"
	"github.com/cuemby/burrow/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketClusters     = []byte("clusters")
	bucketNodes        = []byte("nodes")
	bucketClusterNames = []byte("cluster_names") // owner/name -> cluster ID
)

// DBFile is the database file name inside the data directory
const DBFile = "burrow.db"

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, DBFile)

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketClusters, bucketNodes, bucketClusterNames} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// DB exposes the underlying database for maintenance tools
func (s *BoltStore) DB() *bolt.DB {
	return s.db
}

func nameKey(ownerID, name string) []byte {
	return []byte(ownerID + "/" + name)
}

func getCluster(tx *bolt.Tx, id string) (*types.Cluster, error) {
	data := tx.Bucket(bucketClusters).Get([]byte(id))
	if data == nil {
		return nil, errdefs.ClusterNotFound(id)
	}
	cluster, err := decodeCluster(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode cluster %s: %w", id, err)
	}
	return cluster, nil
}

// clusterRecord is the stored form of a cluster. The encrypted passwords
// are hidden from API responses but must survive a round trip.
type clusterRecord struct {
	*types.Cluster
	DBPasswordEnc   string `json:"db_password_enc,omitempty"`
	RootPasswordEnc string `json:"root_password_enc,omitempty"`
}

func decodeCluster(data []byte) (*types.Cluster, error) {
	rec := clusterRecord{Cluster: &types.Cluster{}}
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	rec.Cluster.DBPasswordEnc = rec.DBPasswordEnc
	rec.Cluster.RootPasswordEnc = rec.RootPasswordEnc
	return rec.Cluster, nil
}

func putCluster(tx *bolt.Tx, cluster *types.Cluster) error {
	data, err := json.Marshal(clusterRecord{
		Cluster:         cluster,
		DBPasswordEnc:   cluster.DBPasswordEnc,
		RootPasswordEnc: cluster.RootPasswordEnc,
	})
	if err != nil {
		return err
	}
	return tx.Bucket(bucketClusters).Put([]byte(cluster.ID), data)
}

// Cluster operations
func (s *BoltStore) CreateCluster(cluster *types.Cluster) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return createCluster(tx, cluster)
	})
}

// CreateClusterWithPort assigns cluster.ProxyPort from allocate and stores
// the cluster in the same transaction, so concurrent creates never share a
// port.
func (s *BoltStore) CreateClusterWithPort(cluster *types.Cluster, allocate PortAllocator) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var used []int
		err := tx.Bucket(bucketClusters).ForEach(func(k, v []byte) error {
			c, err := decodeCluster(v)
			if err != nil {
				return fmt.Errorf("failed to decode cluster %s: %w", k, err)
			}
			if c.ProxyPort != 0 {
				used = append(used, c.ProxyPort)
			}
			return nil
		})
		if err != nil {
			return err
		}

		port, err := allocate(used)
		if err != nil {
			return err
		}
		cluster.ProxyPort = port
		return createCluster(tx, cluster)
	})
}

func createCluster(tx *bolt.Tx, cluster *types.Cluster) error {
	b := tx.Bucket(bucketClusters)
	if b.Get([]byte(cluster.ID)) != nil {
		return errdefs.Conflict("cluster %s already exists", cluster.ID)
	}

	names := tx.Bucket(bucketClusterNames)
	key := nameKey(cluster.OwnerID, cluster.Name)
	if names.Get(key) != nil {
		return errdefs.Conflict("cluster name %q already in use", cluster.Name)
	}

	now := time.Now()
	cluster.CreatedAt = now
	cluster.UpdatedAt = now
	cluster.ResourceVersion = 1

	if err := putCluster(tx, cluster); err != nil {
		return err
	}
	return names.Put(key, []byte(cluster.ID))
}

func (s *BoltStore) GetCluster(id string) (*types.Cluster, error) {
	var cluster *types.Cluster
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		cluster, err = getCluster(tx, id)
		return err
	})
	return cluster, err
}

func (s *BoltStore) ListClusters() ([]*types.Cluster, error) {
	return s.listClusters(func(*types.Cluster) bool { return true })
}

func (s *BoltStore) ListClustersByOwner(ownerID string) ([]*types.Cluster, error) {
	return s.listClusters(func(c *types.Cluster) bool { return c.OwnerID == ownerID })
}

func (s *BoltStore) listClusters(keep func(*types.Cluster) bool) ([]*types.Cluster, error) {
	var clusters []*types.Cluster
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketClusters)
		return b.ForEach(func(k, v []byte) error {
			cluster, err := decodeCluster(v)
			if err != nil {
				return err
			}
			if keep(cluster) {
				clusters = append(clusters, cluster)
			}
			return nil
		})
	})
	return clusters, err
}

func (s *BoltStore) UpdateCluster(id string, fn MutateFunc) (*types.Cluster, error) {
	var saved *types.Cluster
	err := s.db.Update(func(tx *bolt.Tx) error {
		cluster, err := getCluster(tx, id)
		if err != nil {
			return err
		}
		version := cluster.ResourceVersion

		if err := fn(cluster); err != nil {
			return err
		}

		// The mutation must not move the cluster under another identity
		cluster.ID = id
		cluster.ResourceVersion = version + 1
		cluster.UpdatedAt = time.Now()
		if err := putCluster(tx, cluster); err != nil {
			return err
		}
		saved = cluster
		return nil
	})
	if err != nil {
		return nil, err
	}
	return saved, nil
}

func (s *BoltStore) SaveCluster(cluster *types.Cluster) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		current, err := getCluster(tx, cluster.ID)
		if err != nil {
			return err
		}
		if current.ResourceVersion != cluster.ResourceVersion {
			return errdefs.Conflict("cluster %s was modified (version %d, have %d)",
				cluster.ID, current.ResourceVersion, cluster.ResourceVersion)
		}
		cluster.ResourceVersion++
		cluster.UpdatedAt = time.Now()
		return putCluster(tx, cluster)
	})
}

func (s *BoltStore) DeleteCluster(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		cluster, err := getCluster(tx, id)
		if err != nil {
			return err
		}

		nodes := tx.Bucket(bucketNodes)
		var doomed [][]byte
		err = nodes.ForEach(func(k, v []byte) error {
			var node types.Node
			if err := json.Unmarshal(v, &node); err != nil {
				return err
			}
			if node.ClusterID == id {
				doomed = append(doomed, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range doomed {
			if err := nodes.Delete(k); err != nil {
				return err
			}
		}

		if err := tx.Bucket(bucketClusterNames).Delete(nameKey(cluster.OwnerID, cluster.Name)); err != nil {
			return err
		}
		return tx.Bucket(bucketClusters).Delete([]byte(id))
	})
}

// Node operations
func (s *BoltStore) CreateNode(node *types.Node) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketClusters).Get([]byte(node.ClusterID)) == nil {
			return errdefs.ClusterNotFound(node.ClusterID)
		}
		return putNode(tx, node)
	})
}

func putNode(tx *bolt.Tx, node *types.Node) error {
	data, err := json.Marshal(node)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketNodes).Put([]byte(node.ID), data)
}

func (s *BoltStore) GetNode(id string) (*types.Node, error) {
	var node types.Node
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		data := b.Get([]byte(id))
		if data == nil {
			return errdefs.NodeNotFound(id)
		}
		return json.Unmarshal(data, &node)
	})
	if err != nil {
		return nil, err
	}
	return &node, nil
}

func (s *BoltStore) ListNodes() ([]*types.Node, error) {
	return s.listNodes(func(*types.Node) bool { return true })
}

func (s *BoltStore) ListNodesByCluster(clusterID string) ([]*types.Node, error) {
	return s.listNodes(func(n *types.Node) bool { return n.ClusterID == clusterID })
}

func (s *BoltStore) listNodes(keep func(*types.Node) bool) ([]*types.Node, error) {
	var nodes []*types.Node
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		return b.ForEach(func(k, v []byte) error {
			var node types.Node
			if err := json.Unmarshal(v, &node); err != nil {
				return err
			}
			if keep(&node) {
				nodes = append(nodes, &node)
			}
			return nil
		})
	})
	return nodes, err
}

func (s *BoltStore) UpdateNode(node *types.Node) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketNodes).Get([]byte(node.ID)) == nil {
			return errdefs.NodeNotFound(node.ID)
		}
		return putNode(tx, node)
	})
}

func (s *BoltStore) DeleteNode(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		return b.Delete([]byte(id))
	})
}

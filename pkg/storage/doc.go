/*
Package storage provides BoltDB-backed persistence for clusters and nodes.

All data is serialized as JSON into three buckets:

	clusters       cluster ID -> types.Cluster
	nodes          node ID    -> types.Node
	cluster_names  owner/name -> cluster ID (per-owner name uniqueness)

# Write discipline

Cluster writes never trust a copy read earlier. UpdateCluster re-reads the
cluster inside the bbolt write transaction, applies the caller's mutation and
bumps ResourceVersion before committing:

	cluster, err := store.UpdateCluster(id, func(c *types.Cluster) error {
		c.Status = types.ClusterStatusRunning
		c.ErrorMessage = ""
		return nil
	})

SaveCluster is the raw optimistic path: it fails with an errdefs conflict when
the stored ResourceVersion no longer matches the one the caller read.

Node writes are single, independent transactions. A node row committed while a
workflow is still running survives any later failure of that workflow, which
is what lets cleanup find containers that were created.

DeleteCluster removes a cluster, its name index entry and every node that
references it in one transaction.
*/
package storage

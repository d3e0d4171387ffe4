/*
Package types defines the data model shared by every burrow package.

The two persisted aggregates are Cluster and Node. A Cluster is the root of one
MySQL topology (one primary, N replicas, one ProxySQL instance); a Node is the
logical identity of a single container inside it. Nodes never outlive their
Cluster: deleting a cluster cascades to its nodes in the storage layer.

# Cluster lifecycle

	PROVISIONING ──► RUNNING ◄──► DEGRADED
	                    │  ▲
	                    ▼  │
	                  SCALING
	RUNNING ◄──► STOPPED
	any ──► DELETING ──► (removed)
	any ──► FAILED

FAILED is not terminal. Start, stop and scale may be retried from FAILED once
the stored ErrorMessage has been addressed. ClusterStatus.CanTransitionTo
encodes these edges.

# Optimistic concurrency

Cluster.ResourceVersion is incremented by every store write. Writers always
re-read the cluster inside the write transaction (see storage.Store), so the
counter only guards against writers that bypass that path.

# Nodes

Node.ReadOnly is true iff the role is REPLICA. Use Node.SetRole to change roles
so the flag stays consistent.
*/
package types

/*
Package manager implements the burrow cluster orchestrator.

The Manager owns the create, delete, start, stop and scale workflows of
MySQL clusters and composes the single-purpose engines: provision, health,
scaling and failover. It is the only package the API server and the CLI
talk to.

# Workflows

Create and delete return as soon as the cluster row is written. The rest
runs as an async.Chain on the provisioning pool:

	Create  PROVISIONING ─► containers ─► health ─► settle ─► primary
	                        ─► replication ─► proxy ─► registrar ─► RUNNING
	Delete  DELETING ─► unregister ─► containers ─► network ─► rows removed

Any error in a create step marks the cluster FAILED with the message,
removes what was created (best effort) and leaves the handles of containers
that could not be removed on the row so a later delete can retry. Start and
stop are synchronous and walk the containers in dependency order: the
primary comes up first and goes down last.

# Concurrency

There is no per-cluster lock. Every write to a cluster row goes through
storage.Store.UpdateCluster, which re-reads the row inside one bbolt
transaction, so a workflow never overwrites a newer version with a stale
copy. Status guards (start needs STOPPED or FAILED, scale needs a state that
may move to SCALING) are the only protection against two workflows on the
same cluster.

# Health

CheckHealth maps container health to RUNNING or DEGRADED and ApplyHealth
persists the change. The reconciler calls both periodically; the health
endpoint calls them on demand.

# Registrar webhooks

HandleFailoverWebhook and HandleRecoveryWebhook resolve the cluster from the
registrar alias ("mysql-{id}") or from the container naming convention of
either host, then hand over to the failover engine.

# Restart

Workflows do not survive a restart. ReconcileInterrupted marks clusters
left in PROVISIONING, SCALING or DELETING as FAILED at startup.
*/
package manager

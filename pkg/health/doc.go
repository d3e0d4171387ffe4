/*
Package health decides whether a cluster is RUNNING or DEGRADED and waits
for containers to become healthy.

CheckClusterHealth is a pure function of a Snapshot: the primary must be
healthy and the number of healthy replicas must equal the requested replica
count. The same function backs the on-demand health endpoint, the
background reconciler and the provisioning wait.

Engine waits by polling on the monitoring pool. Every poll is a timer
continuation submitted through async.Pool.After, so a wait never holds a
worker:

	start ─► check ─► healthy? ─yes─► done(nil)
	           ▲         │no
	           │         ▼
	       After(interval) ◄── elapsed < timeout
	                     │else
	                     ▼
	              done(NotReady)

Container health comes from the runtime's own healthcheck (mysqladmin ping
for database nodes). Replication health is checked separately through
ReplicationChecker and debounced with Status.
*/
package health

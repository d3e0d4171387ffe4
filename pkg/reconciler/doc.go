/*
Package reconciler keeps cluster status in line with observed health.

Every interval (30s by default) the reconciler lists the RUNNING and
DEGRADED clusters and checks each one on the manager's monitoring pool:

  - container health of the primary and every replica (the proxy is
    reported but does not change the status)
  - replication threads of every replica, read with SHOW REPLICA STATUS

A replica's replication result is debounced with health.Status: it must
fail health.Config.Retries consecutive checks before the cluster is marked
DEGRADED, and one success clears it. The resulting status is written with
manager.ApplyHealth, which only touches RUNNING and DEGRADED clusters and
publishes cluster.degraded or cluster.recovered when it changes. Clusters
owned by a workflow (PROVISIONING, SCALING, DELETING) and STOPPED or FAILED
clusters are never touched.

The reconciler never repairs anything. Rebuilding a failed primary is the
topology registrar's decision and arrives through the failover webhook.
*/
package reconciler

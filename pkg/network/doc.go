/*
Package network creates the networks cluster containers live on.

Every cluster gets a private bridge network named burrow-{clusterID} whose
/24 subnet is derived from the cluster ID (SubnetForCluster), so the same
cluster always lands on the same addresses. Containers join it under their
own name as DNS alias, which is how replicas reach the primary and the proxy
reaches its backends.

Proxy containers are additionally connected to a shared network
(burrow-shared by default) that is created on first use.

HostNetworks is used with the containerd runtime, where containers share the
host network namespace and there is nothing to create.
*/
package network

/*
Package client is a Go client for the burrow HTTP API, used by the burrow
CLI.

A Client acts for one owner; every request carries the owner in X-User-ID.
Failed calls return *APIError with the HTTP status and the stable error code
rendered by the server:

	c := client.NewClient("localhost:8080", "u1")
	cluster, err := c.CreateCluster(ctx, types.ClusterSpec{Name: "orders", ReplicaCount: 2})
	if err != nil {
		return err
	}
	cluster, err = c.WaitForStatus(ctx, cluster.ID, 2*time.Second, types.ClusterStatusRunning)

Probe checks the gRPC health service of a running control plane.
*/
package client

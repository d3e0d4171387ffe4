/*
Package runtime abstracts the container runtime that hosts cluster nodes.

Driver is the capability the engines consume: create, start, stop, remove,
exec, inspect, stats, logs and image pulls. Two implementations exist:

  - DockerRuntime talks to the Docker Engine API. It is the default and the
    only driver that supports per-cluster bridge networks, network aliases
    and published proxy ports.
  - ContainerdRuntime talks to containerd directly. Containers run in the
    host network namespace, health is probed by executing the container's
    health check command, and logs are written to files under the data
    directory. Stats are not available.

Errors for missing containers wrap ErrNotFound. IsTransient separates
errors worth retrying from permanent ones.

The fake subpackage provides an in-memory Driver for tests.
*/
package runtime

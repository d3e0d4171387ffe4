/*
Package api implements the burrow HTTP API and the gRPC health service.

The API is a thin layer over pkg/manager. Handlers decode the request, call
one manager operation with the caller's identity and render the result. All
cluster work that takes longer than a store write (create, delete, scale)
answers 202 Accepted with the cluster record; clients follow progress through
GET /api/v1/clusters/{id} or the event stream.

# Endpoints

	GET    /health                                  component health (503 when unhealthy)
	GET    /ready                                   store and driver readiness
	GET    /livez                                   process liveness
	GET    /metrics                                 Prometheus metrics

	POST   /api/v1/clusters                         create (body: types.ClusterSpec)
	GET    /api/v1/clusters                         list the caller's clusters
	GET    /api/v1/clusters/{id}                    get
	DELETE /api/v1/clusters/{id}                    delete
	POST   /api/v1/clusters/{id}/start              start a STOPPED or FAILED cluster
	POST   /api/v1/clusters/{id}/stop               stop
	POST   /api/v1/clusters/{id}/scale              scale (body: {"replica_count": n})
	GET    /api/v1/clusters/{id}/health             on-demand health check
	GET    /api/v1/clusters/{id}/connection         proxy endpoint and app credentials
	GET    /api/v1/clusters/{id}/logs?node=&tail=   container log tail
	GET    /api/v1/clusters/{id}/nodes              node records
	GET    /api/v1/clusters/{id}/topology           registrar topology
	POST   /api/v1/clusters/{id}/takeover           graceful primary switch
	GET    /api/v1/events[?cluster=id]              websocket notification stream

	POST   /webhooks/orchestrator/failover          registrar failover hook
	POST   /webhooks/orchestrator/recovery          registrar recovery hook

Every /api/v1 request must carry the owner in the X-User-ID header. Identity
is established by the gateway in front of burrow; the API only scopes data.

Webhooks are rate limited per remote address (server.webhook_rate and
server.webhook_burst) and, when server.webhook_secret is set, must carry it
in X-Burrow-Webhook-Secret.

# Errors

Failures are rendered as

	{"code": "CLUSTER_NOT_FOUND", "message": "cluster abc not found"}

with the HTTP status derived from the errdefs kind: not found 404, invalid
state and conflicts 409, access denied 403, invalid arguments 400,
infrastructure failures 502, readiness timeouts 504.

Request bodies are decoded strictly, webhook payloads leniently, and both are
checked against their validate struct tags before they reach the manager.
Either failure answers 400 INVALID_ARGUMENT.

# gRPC

The gRPC listener (server.grpc_addr) serves grpc.health.v1.Health. Every
registered component is a service name; the empty service reports overall
readiness, so standard probes such as grpc_health_probe work unchanged.
*/
package api

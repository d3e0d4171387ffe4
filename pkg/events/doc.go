/*
Package events distributes cluster lifecycle notifications.

Engines publish typed events (cluster.running, failover.completed,
recovery.failed, ...) to a Broker, which fans them out to subscribers such
as the websocket stream of the API server. Delivery is best-effort: a full
queue or a slow subscriber drops events instead of stalling a workflow.
*/
package events

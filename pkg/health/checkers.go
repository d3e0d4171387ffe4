package health

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/burrow/pkg/mysql"
	"github.com/cuemby/burrow/pkg/runtime"
)

// ContainerChecker reports the runtime health of one container
type ContainerChecker struct {
	driver      runtime.Driver
	containerID string
}

// NewContainerChecker creates a checker for containerID
func NewContainerChecker(driver runtime.Driver, containerID string) *ContainerChecker {
	return &ContainerChecker{driver: driver, containerID: containerID}
}

// Check inspects the container. A container without a healthcheck is
// healthy while it runs.
func (c *ContainerChecker) Check(ctx context.Context) Result {
	start := time.Now()
	if c.containerID == "" {
		return Result{Message: "no container", CheckedAt: start}
	}

	state, err := c.driver.Inspect(ctx, c.containerID)
	if err != nil {
		return Result{
			Message:   fmt.Sprintf("inspect failed: %v", err),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}

	return Result{
		Healthy:   state.Healthy(),
		Message:   fmt.Sprintf("running=%t restarting=%t health=%q", state.Running, state.Restarting, state.Health),
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}

// Type returns the health check type
func (c *ContainerChecker) Type() CheckType {
	return CheckTypeContainer
}

// ReplicationChecker runs SHOW REPLICA STATUS inside a replica
type ReplicationChecker struct {
	client      *mysql.Client
	containerID string
	timeout     time.Duration
}

// NewReplicationChecker creates a replication checker for containerID
func NewReplicationChecker(client *mysql.Client, containerID string) *ReplicationChecker {
	return &ReplicationChecker{
		client:      client,
		containerID: containerID,
		timeout:     10 * time.Second,
	}
}

// Check reports healthy when both replication threads run. A node that is
// not configured as a replica is unhealthy.
func (r *ReplicationChecker) Check(ctx context.Context) Result {
	start := time.Now()

	execCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	status, ok, err := r.client.ReplicationStatus(execCtx, r.containerID)
	result := Result{CheckedAt: start}
	switch {
	case err != nil:
		result.Message = err.Error()
	case !ok:
		result.Message = "replication not configured"
	case !status.Healthy():
		result.Message = fmt.Sprintf("io=%t sql=%t io_error=%q sql_error=%q",
			status.IORunning, status.SQLRunning, status.LastIOError, status.LastSQLError)
	default:
		result.Healthy = true
		result.Message = "replicating from " + status.SourceHost
	}
	result.Duration = time.Since(start)
	return result
}

// Type returns the health check type
func (r *ReplicationChecker) Type() CheckType {
	return CheckTypeReplication
}

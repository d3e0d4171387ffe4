package health

import (
	"context"
	"time"

	"github.com/cuemby/burrow/pkg/types"
)

// Snapshot is the container health of one cluster at one instant
type Snapshot struct {
	MasterHealthy     bool
	HealthyReplicas   int
	RequestedReplicas int
	ProxyHealthy      bool
}

// CheckClusterHealth maps a snapshot to RUNNING or DEGRADED. The proxy does
// not take part: a cluster with a healthy primary and all replicas is
// RUNNING even while its proxy restarts.
func CheckClusterHealth(s Snapshot) types.ClusterStatus {
	if !s.MasterHealthy {
		return types.ClusterStatusDegraded
	}
	if s.HealthyReplicas < s.RequestedReplicas {
		return types.ClusterStatusDegraded
	}
	return types.ClusterStatusRunning
}

// AllHealthy is the provisioning readiness condition: primary, every
// requested replica and the proxy
func (s Snapshot) AllHealthy() bool {
	return s.MasterHealthy && s.HealthyReplicas == s.RequestedReplicas && s.ProxyHealthy
}

// CheckType represents the type of health check
type CheckType string

const (
	CheckTypeContainer   CheckType = "container"
	CheckTypeReplication CheckType = "replication"
)

// Result represents the outcome of a health check
type Result struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
}

// Checker is the interface that all health checkers must implement
type Checker interface {
	// Check performs the health check and returns the result
	Check(ctx context.Context) Result

	// Type returns the type of health check
	Type() CheckType
}

// Config contains common configuration for debounced checks
type Config struct {
	// Retries is the number of consecutive failures before marking as unhealthy
	Retries int
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{Retries: 3}
}

// Status tracks the debounced health of one checked target
type Status struct {
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	LastCheck            time.Time
	LastResult           Result

	// Healthy indicates if the target is currently considered healthy
	Healthy bool
}

// NewStatus creates a Status that starts healthy
func NewStatus() *Status {
	return &Status{Healthy: true}
}

// Update updates the status based on a new health check result
func (s *Status) Update(result Result, config Config) {
	s.LastCheck = result.CheckedAt
	s.LastResult = result

	if result.Healthy {
		s.ConsecutiveSuccesses++
		s.ConsecutiveFailures = 0

		// Mark as healthy after first success
		s.Healthy = true
	} else {
		s.ConsecutiveFailures++
		s.ConsecutiveSuccesses = 0

		if s.ConsecutiveFailures >= config.Retries {
			s.Healthy = false
		}
	}
}

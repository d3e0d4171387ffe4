package runtime

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotFound is returned when a container does not exist
var ErrNotFound = errors.New("container not found")

// Container health states reported by Inspect
const (
	HealthNone      = ""
	HealthStarting  = "starting"
	HealthHealthy   = "healthy"
	HealthUnhealthy = "unhealthy"
)

// CPUPeriod is the CFS period used for all CPU quotas
const CPUPeriod int64 = 100000

// Resources are the limits applied to a container
type Resources struct {
	CPUPeriod int64
	CPUQuota  int64
	Memory    int64
}

// NewResources converts a core count and a memory ceiling in bytes to CFS
// limits. Swap is always disabled.
func NewResources(cpuCores float64, memory int64) Resources {
	r := Resources{Memory: memory}
	if cpuCores > 0 {
		r.CPUPeriod = CPUPeriod
		r.CPUQuota = int64(cpuCores * float64(CPUPeriod))
	}
	return r
}

// Healthcheck is the in-container health probe
type Healthcheck struct {
	Test        []string
	Interval    time.Duration
	Timeout     time.Duration
	StartPeriod time.Duration
	Retries     int
}

// PortBinding publishes a container port on the host
type PortBinding struct {
	ContainerPort int
	HostPort      int
}

// ContainerSpec describes a container to create
type ContainerSpec struct {
	Name        string
	Image       string
	Env         []string
	Labels      map[string]string
	Cmd         []string
	Resources   Resources
	Healthcheck *Healthcheck
	Ports       []PortBinding

	// Network is attached at creation time under Aliases
	Network string
	Aliases []string
}

// ContainerState is the inspected runtime state of a container
type ContainerState struct {
	Running    bool
	Restarting bool
	Health     string
	// IPs maps network name to address
	IPs map[string]string
}

// Healthy reports whether the container is running and passing its health
// check. A container without a health check is healthy while running.
func (s ContainerState) Healthy() bool {
	if !s.Running || s.Restarting {
		return false
	}
	return s.Health == HealthNone || s.Health == HealthHealthy
}

// NetworkIO is the traffic of one interface
type NetworkIO struct {
	RxBytes uint64
	TxBytes uint64
}

// Stats is a point-in-time resource usage sample
type Stats struct {
	CPUDelta       uint64
	SystemCPUDelta uint64
	OnlineCPUs     uint32
	MemoryUsage    uint64
	MemoryLimit    uint64
	Networks       map[string]NetworkIO
	BlkioRead      uint64
	BlkioWrite     uint64
}

// CPUPercent returns CPU usage the way `docker stats` reports it
func (s Stats) CPUPercent() float64 {
	if s.SystemCPUDelta == 0 || s.CPUDelta == 0 {
		return 0
	}
	cpus := s.OnlineCPUs
	if cpus == 0 {
		cpus = 1
	}
	return float64(s.CPUDelta) / float64(s.SystemCPUDelta) * float64(cpus) * 100
}

// NetworkTotals sums traffic across all interfaces
func (s Stats) NetworkTotals() (rx, tx uint64) {
	for _, n := range s.Networks {
		rx += n.RxBytes
		tx += n.TxBytes
	}
	return rx, tx
}

// ExecResult is the outcome of a command run inside a container
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Driver abstracts the container runtime
type Driver interface {
	// EnsureImage pulls image unless it is already present
	EnsureImage(ctx context.Context, image string) error

	// Create creates (but does not start) a container and returns its ID
	Create(ctx context.Context, spec ContainerSpec) (string, error)

	Start(ctx context.Context, id string) error
	Stop(ctx context.Context, id string, timeout time.Duration) error
	Remove(ctx context.Context, id string, force bool) error

	// Exec runs cmd inside the container. A non-zero exit code is not an
	// error at this level; see Run.
	Exec(ctx context.Context, id string, cmd []string) (ExecResult, error)

	Inspect(ctx context.Context, id string) (ContainerState, error)
	Stats(ctx context.Context, id string) (Stats, error)
	Logs(ctx context.Context, id string, tail int, timestamps bool) (string, error)

	Close() error
}

// Run executes cmd and turns a non-zero exit code into an error carrying
// stderr. It returns stdout.
func Run(ctx context.Context, d Driver, id string, cmd []string) (string, error) {
	res, err := d.Exec(ctx, id, cmd)
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		msg := strings.TrimSpace(res.Stderr)
		if msg == "" {
			msg = strings.TrimSpace(res.Stdout)
		}
		return res.Stdout, fmt.Errorf("command %q exited with code %d: %s", cmd[0], res.ExitCode, msg)
	}
	return res.Stdout, nil
}

// IsTransient reports whether err is worth retrying. Missing containers and
// cancelled contexts are not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, context.Canceled) {
		return false
	}
	return true
}

package health

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/burrow/pkg/async"
	"github.com/cuemby/burrow/pkg/errdefs"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/runtime"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/rs/zerolog"
)

// DefaultPollInterval is the interval between health polls
const DefaultPollInterval = 5 * time.Second

// Engine evaluates cluster health and waits for containers
type Engine struct {
	driver   runtime.Driver
	pool     *async.Pool
	interval time.Duration
	logger   zerolog.Logger
}

// NewEngine creates an engine polling every interval on pool
func NewEngine(driver runtime.Driver, pool *async.Pool, interval time.Duration) *Engine {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Engine{
		driver:   driver,
		pool:     pool,
		interval: interval,
		logger:   log.WithComponent("health"),
	}
}

// ContainerHealthy reports whether a container runs and passes its healthcheck
func (e *Engine) ContainerHealthy(ctx context.Context, containerID string) bool {
	return NewContainerChecker(e.driver, containerID).Check(ctx).Healthy
}

// Snapshot inspects every container handle of the cluster
func (e *Engine) Snapshot(ctx context.Context, cluster *types.Cluster) Snapshot {
	s := Snapshot{
		MasterHealthy:     e.ContainerHealthy(ctx, cluster.MasterContainerID),
		RequestedReplicas: cluster.ReplicaCount,
		ProxyHealthy:      e.ContainerHealthy(ctx, cluster.ProxyContainerID),
	}
	for _, id := range cluster.ReplicaContainerIDs {
		if e.ContainerHealthy(ctx, id) {
			s.HealthyReplicas++
		}
	}
	return s
}

// Check evaluates the cluster now
func (e *Engine) Check(ctx context.Context, cluster *types.Cluster) types.ClusterHealth {
	s := e.Snapshot(ctx, cluster)
	return types.ClusterHealth{
		ClusterID:         cluster.ID,
		Status:            CheckClusterHealth(s),
		MasterHealthy:     s.MasterHealthy,
		HealthyReplicas:   s.HealthyReplicas,
		RequestedReplicas: s.RequestedReplicas,
		ProxyHealthy:      s.ProxyHealthy,
		CheckedAt:         time.Now(),
	}
}

// WaitForContainersHealthy calls done once the primary, every requested
// replica and the proxy of cluster are healthy, or with a not-ready error
// after timeout
func (e *Engine) WaitForContainersHealthy(ctx context.Context, cluster *types.Cluster, timeout time.Duration, done func(error)) {
	cluster = cluster.Copy()
	e.poll(ctx, "cluster "+cluster.ID, timeout, func() bool {
		s := e.Snapshot(ctx, cluster)
		e.logger.Debug().
			Str("cluster_id", cluster.ID).
			Bool("master", s.MasterHealthy).
			Int("replicas", s.HealthyReplicas).
			Int("requested", s.RequestedReplicas).
			Bool("proxy", s.ProxyHealthy).
			Msg("Health poll")
		return s.AllHealthy()
	}, done)
}

// WaitForContainerHealthy is WaitForContainersHealthy for a single container
func (e *Engine) WaitForContainerHealthy(ctx context.Context, containerID string, timeout time.Duration, done func(error)) {
	e.poll(ctx, "container "+containerID, timeout, func() bool {
		return e.ContainerHealthy(ctx, containerID)
	}, done)
}

// poll runs check on the pool every interval until it passes or timeout
// elapses. done is called exactly once. The deadline runs on its own timer,
// so a tick dropped by a saturated pool cannot hold the wait open.
func (e *Engine) poll(ctx context.Context, what string, timeout time.Duration, check func() bool, done func(error)) {
	start := time.Now()
	var once sync.Once
	var finished atomic.Bool
	finish := func(err error) {
		once.Do(func() {
			finished.Store(true)
			done(err)
		})
	}

	deadline := time.AfterFunc(timeout, func() {
		finish(errdefs.NotReady(what, time.Since(start)))
	})

	var tick func()
	tick = func() {
		if finished.Load() {
			return
		}
		if err := ctx.Err(); err != nil {
			deadline.Stop()
			finish(err)
			return
		}
		if check() {
			deadline.Stop()
			e.logger.Debug().Str("target", what).Dur("elapsed", time.Since(start)).Msg("Healthy")
			finish(nil)
			return
		}
		e.pool.After(e.interval, tick)
	}

	if err := e.pool.Submit(tick); err != nil {
		deadline.Stop()
		finish(err)
	}
}

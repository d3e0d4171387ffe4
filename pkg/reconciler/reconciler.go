package reconciler

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/burrow/pkg/health"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/manager"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/rs/zerolog"
)

// Reconciler keeps the stored RUNNING/DEGRADED status of every cluster in
// line with the health of its containers and replication threads
type Reconciler struct {
	manager  *manager.Manager
	interval time.Duration
	config   health.Config

	mu          sync.Mutex
	replication map[string]*health.Status // replica container ID -> debounced status

	stopCh   chan struct{}
	stopOnce sync.Once
	logger   zerolog.Logger
}

// NewReconciler creates a new reconciler
func NewReconciler(mgr *manager.Manager, interval time.Duration) *Reconciler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Reconciler{
		manager:     mgr,
		interval:    interval,
		config:      health.DefaultConfig(),
		replication: make(map[string]*health.Status),
		stopCh:      make(chan struct{}),
		logger:      log.WithComponent("reconciler"),
	}
}

// Start begins the reconciliation loop
func (r *Reconciler) Start() {
	go r.run()
}

// Stop stops the reconciler
func (r *Reconciler) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

func (r *Reconciler) run() {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := r.Reconcile(context.Background()); err != nil {
				r.logger.Error().Err(err).Msg("Reconciliation failed")
			}
		case <-r.stopCh:
			return
		}
	}
}

// Reconcile performs one cycle. Each RUNNING or DEGRADED cluster is checked
// on the monitoring pool; the cycle waits at most one interval for them.
func (r *Reconciler) Reconcile(ctx context.Context) error {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReconciliationDuration)
		metrics.ReconciliationCyclesTotal.Inc()
	}()

	clusters, err := r.manager.List(ctx, "")
	if err != nil {
		return err
	}

	pool := r.manager.MonitorPool()
	finished := make(chan struct{}, len(clusters))
	submitted := 0
	live := make(map[string]bool)
	for _, c := range clusters {
		if c.Status != types.ClusterStatusRunning && c.Status != types.ClusterStatusDegraded {
			continue
		}
		for _, id := range c.ReplicaContainerIDs {
			live[id] = true
		}
		cluster := c
		if err := pool.Submit(func() {
			defer func() { finished <- struct{}{} }()
			r.reconcileCluster(ctx, cluster)
		}); err != nil {
			r.logger.Warn().Err(err).Str("cluster_id", c.ID).Msg("Health check not scheduled")
			continue
		}
		submitted++
	}

	deadline := time.NewTimer(r.interval)
	defer deadline.Stop()
wait:
	for i := 0; i < submitted; i++ {
		select {
		case <-finished:
		case <-deadline.C:
			r.logger.Warn().Int("pending", submitted-i).Msg("Health checks still running at end of cycle")
			break wait
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	r.prune(live)
	return nil
}

// reconcileCluster checks one cluster and persists a RUNNING/DEGRADED change
func (r *Reconciler) reconcileCluster(ctx context.Context, cluster *types.Cluster) {
	logger := log.ForCluster(r.logger, cluster.ID)

	h := r.manager.CheckHealth(ctx, cluster)
	status := h.Status
	if status == types.ClusterStatusRunning {
		for _, id := range cluster.ReplicaContainerIDs {
			result := health.NewReplicationChecker(r.manager.MySQL(), id).Check(ctx)
			if !r.observe(id, result) {
				logger.Warn().Str("container", id).Str("detail", result.Message).Msg("Replication unhealthy")
				status = types.ClusterStatusDegraded
			}
		}
	}

	changed, err := r.manager.ApplyHealth(ctx, cluster.ID, status)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to record cluster health")
		return
	}
	if changed {
		logger.Info().
			Str("status", string(status)).
			Bool("master_healthy", h.MasterHealthy).
			Int("healthy_replicas", h.HealthyReplicas).
			Int("requested_replicas", h.RequestedReplicas).
			Msg("Cluster health changed")
	}
}

// observe feeds a replication result into the debounced status of a
// replica and reports whether it is still considered healthy
func (r *Reconciler) observe(containerID string, result health.Result) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.replication[containerID]
	if !ok {
		s = health.NewStatus()
		r.replication[containerID] = s
	}
	s.Update(result, r.config)
	return s.Healthy
}

func (r *Reconciler) prune(live map[string]bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id := range r.replication {
		if !live[id] {
			delete(r.replication, id)
		}
	}
}

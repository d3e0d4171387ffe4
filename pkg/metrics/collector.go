package metrics

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/runtime"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

// statsConcurrency bounds the driver stats calls in flight
const statsConcurrency = 8

// NodeSource lists the node records whose containers are sampled
type NodeSource interface {
	ListNodes() ([]*types.Node, error)
}

// StatsSource reads container resource usage
type StatsSource interface {
	Stats(ctx context.Context, id string) (runtime.Stats, error)
}

// Collector samples the resource usage of every running node container and
// exports it as gauges
type Collector struct {
	nodes    NodeSource
	stats    StatsSource
	interval time.Duration

	mu      sync.Mutex
	exposed map[string]prometheus.Labels // container name -> labels

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewCollector creates a stats collector
func NewCollector(nodes NodeSource, stats StatsSource, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		nodes:    nodes,
		stats:    stats,
		interval: interval,
		exposed:  make(map[string]prometheus.Labels),
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		// Collect immediately on start
		c.Collect(context.Background())

		for {
			select {
			case <-ticker.C:
				c.Collect(context.Background())
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

// Collect takes one sample of every RUNNING node. Series of containers that
// are gone or no longer running are dropped.
func (c *Collector) Collect(ctx context.Context) {
	all, err := c.nodes.ListNodes()
	if err != nil {
		log.Logger.Warn().Err(err).Msg("Stats collector cannot list nodes")
		return
	}
	var nodes []*types.Node
	for _, n := range all {
		if n.Status == types.NodeStatusRunning && n.ContainerID != "" {
			nodes = append(nodes, n)
		}
	}

	samples := make([]*runtime.Stats, len(nodes))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(statsConcurrency)
	for i, n := range nodes {
		g.Go(func() error {
			sctx, cancel := context.WithTimeout(gctx, c.interval)
			defer cancel()
			s, err := c.stats.Stats(sctx, n.ContainerID)
			if err != nil {
				log.Logger.Debug().Err(err).Str("container", n.ContainerName).Msg("Stats unavailable")
				return nil
			}
			samples[i] = &s
			return nil
		})
	}
	_ = g.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()

	seen := make(map[string]bool, len(nodes))
	for i, n := range nodes {
		if samples[i] == nil {
			continue
		}
		labels := prometheus.Labels{
			"cluster_id": n.ClusterID,
			"container":  n.ContainerName,
			"role":       strings.ToLower(string(n.Role)),
		}
		record(labels, *samples[i])
		c.exposed[n.ContainerName] = labels
		seen[n.ContainerName] = true
	}

	for name, labels := range c.exposed {
		if !seen[name] {
			forget(labels)
			delete(c.exposed, name)
		}
	}
}

func record(l prometheus.Labels, s runtime.Stats) {
	ContainerCPUPercent.With(l).Set(s.CPUPercent())
	ContainerMemoryUsage.With(l).Set(float64(s.MemoryUsage))
	ContainerMemoryLimit.With(l).Set(float64(s.MemoryLimit))

	rx, tx := s.NetworkTotals()
	ContainerNetworkBytes.With(with(l, "direction", "rx")).Set(float64(rx))
	ContainerNetworkBytes.With(with(l, "direction", "tx")).Set(float64(tx))
	ContainerBlockIOBytes.With(with(l, "op", "read")).Set(float64(s.BlkioRead))
	ContainerBlockIOBytes.With(with(l, "op", "write")).Set(float64(s.BlkioWrite))
}

func forget(l prometheus.Labels) {
	ContainerCPUPercent.Delete(l)
	ContainerMemoryUsage.Delete(l)
	ContainerMemoryLimit.Delete(l)
	ContainerNetworkBytes.DeletePartialMatch(l)
	ContainerBlockIOBytes.DeletePartialMatch(l)
}

func with(l prometheus.Labels, key, value string) prometheus.Labels {
	out := make(prometheus.Labels, len(l)+1)
	for k, v := range l {
		out[k] = v
	}
	out[key] = value
	return out
}

package metrics

import (
	"sort"
	"sync"
	"time"
)

// Report statuses
const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
	StatusReady     = "ready"
	StatusNotReady  = "not_ready"
)

// Report is the health or readiness view of the control plane
type Report struct {
	Status     string            `json:"status"`
	Timestamp  time.Time         `json:"timestamp"`
	Components map[string]string `json:"components,omitempty"`
	Message    string            `json:"message,omitempty"`
	Version    string            `json:"version,omitempty"`
	Uptime     string            `json:"uptime,omitempty"`
}

// Component is the last reported state of one dependency
type Component struct {
	Name    string
	Healthy bool
	Message string
	Updated time.Time
}

// Components tracks the control plane's own dependencies: the store, the
// container driver, the worker pools and the listeners. Critical components
// gate readiness; every registered component gates health.
type Components struct {
	mu         sync.RWMutex
	components map[string]Component
	critical   []string
	watchers   []func(name string, healthy bool)
	start      time.Time
	version    string
}

// NewComponents creates a registry. Readiness waits for every critical name.
func NewComponents(version string, critical ...string) *Components {
	return &Components{
		components: make(map[string]Component),
		critical:   critical,
		start:      time.Now(),
		version:    version,
	}
}

// Set records the state of a component and notifies watchers when it changed
func (c *Components) Set(name string, healthy bool, message string) {
	c.mu.Lock()
	prev, existed := c.components[name]
	c.components[name] = Component{Name: name, Healthy: healthy, Message: message, Updated: time.Now()}
	watchers := c.watchers
	c.mu.Unlock()

	if existed && prev.Healthy == healthy {
		return
	}
	for _, fn := range watchers {
		fn(name, healthy)
	}
}

// Watch registers fn to run whenever a component flips state
func (c *Components) Watch(fn func(name string, healthy bool)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.watchers = append(c.watchers, fn)
}

// Get returns the last state of a component
func (c *Components) Get(name string) (Component, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	comp, ok := c.components[name]
	return comp, ok
}

// Names returns the registered component names in order
func (c *Components) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.components))
	for name := range c.components {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Health is unhealthy as soon as one registered component is
func (c *Components) Health() Report {
	c.mu.RLock()
	defer c.mu.RUnlock()

	report := c.report(StatusHealthy)
	for name, comp := range c.components {
		if comp.Healthy {
			report.Components[name] = StatusHealthy
			continue
		}
		report.Status = StatusUnhealthy
		report.Components[name] = "unhealthy: " + comp.Message
	}
	return report
}

// Readiness is ready once every critical component reported healthy
func (c *Components) Readiness() Report {
	c.mu.RLock()
	defer c.mu.RUnlock()

	report := c.report(StatusReady)
	for _, name := range c.critical {
		comp, ok := c.components[name]
		switch {
		case !ok:
			report.Status = StatusNotReady
			report.Message = "waiting for " + name + " initialization"
			report.Components[name] = "not registered"
		case !comp.Healthy:
			report.Status = StatusNotReady
			report.Message = "waiting for " + name
			report.Components[name] = "not ready: " + comp.Message
		default:
			report.Components[name] = StatusReady
		}
	}
	return report
}

func (c *Components) report(status string) Report {
	return Report{
		Status:     status,
		Timestamp:  time.Now(),
		Components: make(map[string]string),
		Version:    c.version,
		Uptime:     time.Since(c.start).Truncate(time.Second).String(),
	}
}

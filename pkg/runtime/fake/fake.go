// Package fake provides an in-memory container runtime and network driver
// that record every call in order. Tests inject failures per operation.
package fake

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/burrow/pkg/network"
	"github.com/cuemby/burrow/pkg/runtime"
)

// Operations recorded by Runtime and Networks
const (
	OpEnsureImage    = "image.ensure"
	OpCreate         = "container.create"
	OpStart          = "container.start"
	OpStop           = "container.stop"
	OpRemove         = "container.remove"
	OpExec           = "container.exec"
	OpInspect        = "container.inspect"
	OpStats          = "container.stats"
	OpLogs           = "container.logs"
	OpNetworkCreate  = "network.create"
	OpNetworkConnect = "network.connect"
	OpNetworkRemove  = "network.remove"
)

// Call is one recorded driver call. Target is the container name for
// container operations and the network name or ID for network operations.
type Call struct {
	Op     string
	Target string
	Args   []string
}

// Container is the fake's view of a container
type Container struct {
	ID      string
	Name    string
	Spec    runtime.ContainerSpec
	IP      string
	Running bool
	Health  string
}

type failure struct {
	op     string
	target string
	times  int
	err    error
}

// ExecFunc answers Exec calls
type ExecFunc func(c *Container, cmd []string) (runtime.ExecResult, error)

// Runtime is an in-memory runtime.Driver
type Runtime struct {
	mu         sync.Mutex
	seq        int
	containers map[string]*Container // by ID
	networks   map[string]string     // name -> ID
	calls      []Call
	failures   []*failure
	exec       ExecFunc
	stats      runtime.Stats
	onStop     func(name string)

	// HealthOnStart is the health a container reports once started
	HealthOnStart string
}

var (
	_ runtime.Driver = (*Runtime)(nil)
	_ network.Driver = (*Networks)(nil)
)

// New creates an empty fake runtime whose containers turn healthy on start
func New() *Runtime {
	return &Runtime{
		containers:    make(map[string]*Container),
		networks:      make(map[string]string),
		HealthOnStart: runtime.HealthHealthy,
	}
}

// Networks returns a network driver sharing the runtime's call log
func (r *Runtime) Networks() *Networks {
	return &Networks{r: r}
}

// SetExec installs the handler for Exec calls
func (r *Runtime) SetExec(fn ExecFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exec = fn
}

// OnStop installs fn, called with the container name before every Stop.
// fn runs without the runtime lock held.
func (r *Runtime) OnStop(fn func(name string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onStop = fn
}

// SetStats sets the sample every Stats call returns
func (r *Runtime) SetStats(s runtime.Stats) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats = s
}

// Fail makes the next times calls of op against target return err. An
// empty target matches every target; times < 0 fails forever.
func (r *Runtime) Fail(op, target string, times int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, &failure{op: op, target: target, times: times, err: err})
}

// SetHealth changes the reported health of the container named name
func (r *Runtime) SetHealth(name, health string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c := r.byName(name); c != nil {
		c.Health = health
	}
}

// SetRunning changes the running state of the container named name
func (r *Runtime) SetRunning(name string, running bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c := r.byName(name); c != nil {
		c.Running = running
	}
}

// Calls returns a copy of the call log
func (r *Runtime) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Call, len(r.calls))
	copy(out, r.calls)
	return out
}

// CallsOf returns the recorded calls of op
func (r *Runtime) CallsOf(op string) []Call {
	var out []Call
	for _, c := range r.Calls() {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

// Container returns a copy of the container named name
func (r *Runtime) Container(name string) (Container, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.byName(name)
	if c == nil {
		return Container{}, false
	}
	return *c, true
}

// Names returns the names of all existing containers, sorted
func (r *Runtime) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.containers))
	for _, c := range r.containers {
		names = append(names, c.Name)
	}
	sort.Strings(names)
	return names
}

// NetworkNames returns the names of all existing networks, sorted
func (r *Runtime) NetworkNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.networks))
	for name := range r.networks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Runtime) byName(name string) *Container {
	for _, c := range r.containers {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// lookup resolves an ID or a name
func (r *Runtime) lookup(idOrName string) *Container {
	if c, ok := r.containers[idOrName]; ok {
		return c
	}
	return r.byName(idOrName)
}

// record logs a call and returns the injected failure for it, if any.
// Callers hold r.mu.
func (r *Runtime) record(op, target string, alias string, args ...string) error {
	r.calls = append(r.calls, Call{Op: op, Target: target, Args: args})
	for _, f := range r.failures {
		if f.op != op || f.times == 0 {
			continue
		}
		if f.target != "" && f.target != target && f.target != alias {
			continue
		}
		if f.times > 0 {
			f.times--
		}
		return f.err
	}
	return nil
}

func (r *Runtime) resolve(op, idOrName string, args ...string) (*Container, error) {
	c := r.lookup(idOrName)
	name := idOrName
	if c != nil {
		name = c.Name
	}
	if err := r.record(op, name, idOrName, args...); err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("%s %s: %w", op, idOrName, runtime.ErrNotFound)
	}
	return c, nil
}

// EnsureImage records the call
func (r *Runtime) EnsureImage(ctx context.Context, image string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.record(OpEnsureImage, image, "")
}

// Create adds a stopped container. An existing container with the same
// name is replaced.
func (r *Runtime) Create(ctx context.Context, spec runtime.ContainerSpec) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.record(OpCreate, spec.Name, ""); err != nil {
		return "", err
	}
	if old := r.byName(spec.Name); old != nil {
		delete(r.containers, old.ID)
	}
	r.seq++
	id := fmt.Sprintf("ctr-%04d", r.seq)
	r.containers[id] = &Container{
		ID:     id,
		Name:   spec.Name,
		Spec:   spec,
		IP:     fmt.Sprintf("10.0.%d.%d", r.seq/250, r.seq%250+2),
		Health: runtime.HealthStarting,
	}
	return id, nil
}

// Start marks the container running with HealthOnStart
func (r *Runtime) Start(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, err := r.resolve(OpStart, id)
	if err != nil {
		return err
	}
	c.Running = true
	c.Health = r.HealthOnStart
	return nil
}

// Stop marks the container stopped
func (r *Runtime) Stop(ctx context.Context, id string, timeout time.Duration) error {
	r.mu.Lock()
	hook := r.onStop
	name := id
	if c := r.lookup(id); c != nil {
		name = c.Name
	}
	r.mu.Unlock()
	if hook != nil {
		hook(name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	c, err := r.resolve(OpStop, id)
	if err != nil {
		return err
	}
	c.Running = false
	return nil
}

// Remove deletes the container
func (r *Runtime) Remove(ctx context.Context, id string, force bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, err := r.resolve(OpRemove, id)
	if err != nil {
		return err
	}
	delete(r.containers, c.ID)
	return nil
}

// Exec records cmd and answers through the ExecFunc, succeeding silently
// when none is installed
func (r *Runtime) Exec(ctx context.Context, id string, cmd []string) (runtime.ExecResult, error) {
	r.mu.Lock()
	c, err := r.resolve(OpExec, id, cmd...)
	fn := r.exec
	var snapshot Container
	if c != nil {
		snapshot = *c
	}
	r.mu.Unlock()

	if err != nil {
		return runtime.ExecResult{}, err
	}
	if fn == nil {
		return runtime.ExecResult{}, nil
	}
	return fn(&snapshot, cmd)
}

// Inspect reports the container's running state and health
func (r *Runtime) Inspect(ctx context.Context, id string) (runtime.ContainerState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, err := r.resolve(OpInspect, id)
	if err != nil {
		return runtime.ContainerState{}, err
	}
	state := runtime.ContainerState{Running: c.Running, IPs: map[string]string{}}
	if c.Running {
		state.Health = c.Health
	}
	if c.Spec.Network != "" {
		state.IPs[c.Spec.Network] = c.IP
	}
	return state, nil
}

// Stats returns the configured sample
func (r *Runtime) Stats(ctx context.Context, id string) (runtime.Stats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.resolve(OpStats, id); err != nil {
		return runtime.Stats{}, err
	}
	return r.stats, nil
}

// Logs returns a single synthetic line
func (r *Runtime) Logs(ctx context.Context, id string, tail int, timestamps bool) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, err := r.resolve(OpLogs, id)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s: ready for connections\n", c.Name), nil
}

// Close does nothing
func (r *Runtime) Close() error {
	return nil
}

// Networks is an in-memory network.Driver sharing its Runtime's call log
type Networks struct {
	r *Runtime
}

// CreateClusterNetwork creates burrow-{clusterID}
func (n *Networks) CreateClusterNetwork(ctx context.Context, clusterID string) (string, error) {
	r := n.r
	r.mu.Lock()
	defer r.mu.Unlock()
	name := "burrow-" + clusterID
	if err := r.record(OpNetworkCreate, name, clusterID); err != nil {
		return "", err
	}
	if id, ok := r.networks[name]; ok {
		return id, nil
	}
	id := "net-" + clusterID
	r.networks[name] = id
	return id, nil
}

// Connect creates networkName if needed and records the attachment
func (n *Networks) Connect(ctx context.Context, networkName, containerID string) error {
	r := n.r
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.record(OpNetworkConnect, networkName, "", containerID); err != nil {
		return err
	}
	if _, ok := r.networks[networkName]; !ok {
		r.networks[networkName] = "net-" + networkName
	}
	return nil
}

// Remove deletes the network with the given ID
func (n *Networks) Remove(ctx context.Context, networkID string) error {
	r := n.r
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.record(OpNetworkRemove, networkID, ""); err != nil {
		return err
	}
	for name, id := range r.networks {
		if id == networkID {
			delete(r.networks, name)
		}
	}
	return nil
}

package runtime

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	cerrdefs "github.com/containerd/containerd/errdefs"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/google/uuid"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/rs/zerolog"
)

const (
	// DefaultNamespace is the containerd namespace for burrow containers
	DefaultNamespace = "burrow"

	// DefaultSocketPath is the default containerd socket
	DefaultSocketPath = "/run/containerd/containerd.sock"

	// healthLabel carries the JSON-encoded health probe of a container
	healthLabel = "burrow.healthcheck"
)

// ErrStatsUnsupported is returned by ContainerdRuntime.Stats
var ErrStatsUnsupported = errors.New("stats are not supported by the containerd driver")

// ContainerdRuntime implements Driver using containerd. Containers share the
// host network namespace, so per-cluster networks and published ports are
// not available with this driver.
type ContainerdRuntime struct {
	client    *containerd.Client
	namespace string
	logDir    string
	logger    zerolog.Logger
}

// NewContainerdRuntime creates a new containerd runtime client
func NewContainerdRuntime(socketPath, namespace, logDir string) (*ContainerdRuntime, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	if namespace == "" {
		namespace = DefaultNamespace
	}

	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to containerd: %w", err)
	}

	return &ContainerdRuntime{
		client:    client,
		namespace: namespace,
		logDir:    logDir,
		logger:    log.WithComponent("runtime").With().Str("driver", "containerd").Logger(),
	}, nil
}

// Close closes the containerd client connection
func (r *ContainerdRuntime) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

func (r *ContainerdRuntime) logPath(id string) string {
	return filepath.Join(r.logDir, id+".log")
}

// EnsureImage pulls a container image unless it is already present
func (r *ContainerdRuntime) EnsureImage(ctx context.Context, imageRef string) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	if _, err := r.client.GetImage(ctx, imageRef); err == nil {
		return nil
	} else if !cerrdefs.IsNotFound(err) {
		return fmt.Errorf("failed to get image %s: %w", imageRef, err)
	}

	if _, err := r.client.Pull(ctx, imageRef, containerd.WithPullUnpack); err != nil {
		return fmt.Errorf("failed to pull image %s: %w", imageRef, err)
	}
	return nil
}

// Create creates a container named spec.Name. The name is also the ID.
func (r *ContainerdRuntime) Create(ctx context.Context, spec ContainerSpec) (string, error) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	image, err := r.client.GetImage(ctx, spec.Image)
	if err != nil {
		return "", fmt.Errorf("failed to get image %s: %w", spec.Image, err)
	}

	opts := []oci.SpecOpts{
		oci.WithImageConfigArgs(image, spec.Cmd),
		oci.WithEnv(spec.Env),
		oci.WithHostNamespace(specs.NetworkNamespace),
		oci.WithHostHostsFile,
		oci.WithHostResolvconf,
	}
	if spec.Resources.CPUQuota > 0 {
		opts = append(opts, oci.WithCPUCFS(spec.Resources.CPUQuota, uint64(spec.Resources.CPUPeriod)))
	}
	if spec.Resources.Memory > 0 {
		opts = append(opts, oci.WithMemoryLimit(uint64(spec.Resources.Memory)))
	}

	labels := make(map[string]string, len(spec.Labels)+1)
	for k, v := range spec.Labels {
		labels[k] = v
	}
	if spec.Healthcheck != nil {
		probe, err := json.Marshal(spec.Healthcheck.Test)
		if err != nil {
			return "", fmt.Errorf("failed to encode health check: %w", err)
		}
		labels[healthLabel] = string(probe)
	}

	// Leftover from an earlier attempt
	if existing, err := r.client.LoadContainer(ctx, spec.Name); err == nil {
		r.logger.Warn().Str("container", spec.Name).Msg("Removing stale container with the same name")
		_ = r.stopTask(ctx, existing, 10*time.Second)
		if err := existing.Delete(ctx, containerd.WithSnapshotCleanup); err != nil {
			return "", fmt.Errorf("failed to remove stale container %s: %w", spec.Name, err)
		}
	}

	container, err := r.client.NewContainer(
		ctx,
		spec.Name,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(spec.Name+"-snapshot", image),
		containerd.WithNewSpec(opts...),
		containerd.WithContainerLabels(labels),
	)
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}

	return container.ID(), nil
}

// Start creates and starts the container's task, logging to a file
func (r *ContainerdRuntime) Start(ctx context.Context, id string) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.load(ctx, id)
	if err != nil {
		return err
	}

	// A stopped task is still around until deleted
	if task, err := container.Task(ctx, nil); err == nil {
		status, err := task.Status(ctx)
		if err == nil && status.Status == containerd.Running {
			return nil
		}
		if _, err := task.Delete(ctx); err != nil {
			return fmt.Errorf("failed to delete old task: %w", err)
		}
	}

	task, err := container.NewTask(ctx, cio.LogFile(r.logPath(id)))
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}

	if err := task.Start(ctx); err != nil {
		return fmt.Errorf("failed to start task: %w", err)
	}

	return nil
}

// Stop stops a running container
func (r *ContainerdRuntime) Stop(ctx context.Context, id string, timeout time.Duration) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.load(ctx, id)
	if err != nil {
		return err
	}
	return r.stopTask(ctx, container, timeout)
}

func (r *ContainerdRuntime) stopTask(ctx context.Context, container containerd.Container, timeout time.Duration) error {
	task, err := container.Task(ctx, nil)
	if err != nil {
		// No task, container is not running
		return nil
	}

	// Register the wait before signalling so the exit is not missed
	statusC, err := task.Wait(ctx)
	if err != nil {
		return fmt.Errorf("failed to wait for task: %w", err)
	}

	// Try graceful shutdown first (SIGTERM)
	if err := task.Kill(ctx, syscall.SIGTERM); err != nil && !cerrdefs.IsNotFound(err) {
		return fmt.Errorf("failed to kill task: %w", err)
	}

	select {
	case <-statusC:
	case <-time.After(timeout):
		// Timeout - force kill (SIGKILL)
		if err := task.Kill(ctx, syscall.SIGKILL); err != nil {
			return fmt.Errorf("failed to force kill task: %w", err)
		}
		<-statusC
	}

	if _, err := task.Delete(ctx); err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}

	return nil
}

// Remove removes a container and its snapshot
func (r *ContainerdRuntime) Remove(ctx context.Context, id string, force bool) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.load(ctx, id)
	if err != nil {
		return err
	}

	if task, err := container.Task(ctx, nil); err == nil {
		if !force {
			if status, err := task.Status(ctx); err == nil && status.Status == containerd.Running {
				return fmt.Errorf("container %s is running", id)
			}
		}
		if err := r.stopTask(ctx, container, 10*time.Second); err != nil {
			r.logger.Warn().Err(err).Str("container", id).Msg("Failed to stop container before delete")
		}
	}

	if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil {
		return fmt.Errorf("failed to delete container: %w", err)
	}

	_ = os.Remove(r.logPath(id))
	return nil
}

// Exec runs cmd in the container's running task
func (r *ContainerdRuntime) Exec(ctx context.Context, id string, cmd []string) (ExecResult, error) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.load(ctx, id)
	if err != nil {
		return ExecResult{}, err
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		return ExecResult{}, fmt.Errorf("container %s is not running: %w", id, err)
	}

	spec, err := container.Spec(ctx)
	if err != nil {
		return ExecResult{}, fmt.Errorf("failed to load spec: %w", err)
	}
	pspec := *spec.Process
	pspec.Args = cmd
	pspec.Terminal = false

	var stdout, stderr bytes.Buffer
	process, err := task.Exec(ctx, "exec-"+uuid.NewString()[:8], &pspec,
		cio.NewCreator(cio.WithStreams(nil, &stdout, &stderr)))
	if err != nil {
		return ExecResult{}, fmt.Errorf("exec create in %s: %w", id, err)
	}
	defer func() { _, _ = process.Delete(ctx) }()

	statusC, err := process.Wait(ctx)
	if err != nil {
		return ExecResult{}, fmt.Errorf("exec wait in %s: %w", id, err)
	}
	if err := process.Start(ctx); err != nil {
		return ExecResult{}, fmt.Errorf("exec start in %s: %w", id, err)
	}

	var status containerd.ExitStatus
	select {
	case status = <-statusC:
	case <-ctx.Done():
		_ = process.Kill(context.WithoutCancel(ctx), syscall.SIGKILL)
		return ExecResult{}, ctx.Err()
	}
	process.IO().Wait()

	code, _, err := status.Result()
	if err != nil {
		return ExecResult{}, fmt.Errorf("exec result in %s: %w", id, err)
	}

	return ExecResult{
		ExitCode: int(code),
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}, nil
}

// Inspect reports the task state. Health is probed by executing the
// container's health check command.
func (r *ContainerdRuntime) Inspect(ctx context.Context, id string) (ContainerState, error) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.load(ctx, id)
	if err != nil {
		return ContainerState{}, err
	}

	state := ContainerState{IPs: map[string]string{}}

	task, err := container.Task(ctx, nil)
	if err != nil {
		// No task means container is not running
		return state, nil
	}
	status, err := task.Status(ctx)
	if err != nil {
		return state, fmt.Errorf("failed to get task status: %w", err)
	}
	state.Running = status.Status == containerd.Running || status.Status == containerd.Paused
	if !state.Running {
		return state, nil
	}

	labels, err := container.Labels(ctx)
	if err != nil {
		return state, fmt.Errorf("failed to get labels: %w", err)
	}
	probe, ok := labels[healthLabel]
	if !ok {
		return state, nil
	}

	var test []string
	if err := json.Unmarshal([]byte(probe), &test); err != nil || len(test) < 2 {
		return state, nil
	}
	var cmd []string
	switch test[0] {
	case "CMD-SHELL":
		cmd = []string{"sh", "-c", strings.Join(test[1:], " ")}
	case "CMD":
		cmd = test[1:]
	default:
		return state, nil
	}

	res, err := r.Exec(ctx, id, cmd)
	switch {
	case err != nil:
		state.Health = HealthStarting
	case res.ExitCode == 0:
		state.Health = HealthHealthy
	default:
		state.Health = HealthUnhealthy
	}
	return state, nil
}

// Stats is not implemented for containerd
func (r *ContainerdRuntime) Stats(ctx context.Context, id string) (Stats, error) {
	return Stats{}, ErrStatsUnsupported
}

// Logs returns the last tail lines of the container's log file
func (r *ContainerdRuntime) Logs(ctx context.Context, id string, tail int, timestamps bool) (string, error) {
	f, err := os.Open(r.logPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("failed to open log file: %w", err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
		if tail > 0 && len(lines) > tail {
			lines = lines[1:]
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("failed to read log file: %w", err)
	}
	if len(lines) == 0 {
		return "", nil
	}
	return strings.Join(lines, "\n") + "\n", nil
}

func (r *ContainerdRuntime) load(ctx context.Context, id string) (containerd.Container, error) {
	container, err := r.client.LoadContainer(ctx, id)
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return nil, fmt.Errorf("load container %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load container %s: %w", id, err)
	}
	return container, nil
}

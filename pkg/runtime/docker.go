package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	dockererrdefs "github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"github.com/rs/zerolog"
)

// DefaultDockerHost is the local Docker Engine socket
const DefaultDockerHost = "unix:///var/run/docker.sock"

// DockerRuntime implements Driver against the Docker Engine API
type DockerRuntime struct {
	cli    *client.Client
	logger zerolog.Logger
}

// NewDockerRuntime connects to the Docker Engine at host
func NewDockerRuntime(host string) (*DockerRuntime, error) {
	if host == "" {
		host = DefaultDockerHost
	}

	cli, err := client.NewClientWithOpts(
		client.WithHost(host),
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	return &DockerRuntime{
		cli:    cli,
		logger: log.WithComponent("runtime").With().Str("driver", "docker").Logger(),
	}, nil
}

// Client returns the underlying Docker client, shared with the network driver
func (r *DockerRuntime) Client() *client.Client {
	return r.cli
}

// Close closes the Docker client
func (r *DockerRuntime) Close() error {
	return r.cli.Close()
}

// EnsureImage pulls image if it is not present locally
func (r *DockerRuntime) EnsureImage(ctx context.Context, img string) error {
	if _, _, err := r.cli.ImageInspectWithRaw(ctx, img); err == nil {
		return nil
	} else if !client.IsErrNotFound(err) {
		return fmt.Errorf("inspect image %s: %w", img, err)
	}

	r.logger.Info().Str("image", img).Msg("Pulling image")
	reader, err := r.cli.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", img, err)
	}
	defer reader.Close()
	// Drain the pull output
	_, _ = io.Copy(io.Discard, reader)
	return nil
}

// Create creates a container. A leftover container with the same name, from
// an earlier attempt, is force-removed first.
func (r *DockerRuntime) Create(ctx context.Context, spec ContainerSpec) (string, error) {
	config, hostConfig, netConfig := dockerConfigs(spec)

	resp, err := r.cli.ContainerCreate(ctx, config, hostConfig, netConfig, nil, spec.Name)
	if dockererrdefs.IsConflict(err) {
		r.logger.Warn().Str("container", spec.Name).Msg("Removing stale container with the same name")
		if rmErr := r.cli.ContainerRemove(ctx, spec.Name, container.RemoveOptions{Force: true, RemoveVolumes: true}); rmErr != nil {
			return "", fmt.Errorf("remove stale container %s: %w", spec.Name, rmErr)
		}
		resp, err = r.cli.ContainerCreate(ctx, config, hostConfig, netConfig, nil, spec.Name)
	}
	if err != nil {
		return "", fmt.Errorf("create container %s: %w", spec.Name, err)
	}
	for _, w := range resp.Warnings {
		r.logger.Warn().Str("container", spec.Name).Msg(w)
	}
	return resp.ID, nil
}

func dockerConfigs(spec ContainerSpec) (*container.Config, *container.HostConfig, *network.NetworkingConfig) {
	exposedPorts := nat.PortSet{}
	portBindings := nat.PortMap{}
	for _, pb := range spec.Ports {
		cp := nat.Port(strconv.Itoa(pb.ContainerPort) + "/tcp")
		exposedPorts[cp] = struct{}{}
		hostPort := ""
		if pb.HostPort != 0 {
			hostPort = strconv.Itoa(pb.HostPort)
		}
		portBindings[cp] = []nat.PortBinding{{HostPort: hostPort}}
	}

	config := &container.Config{
		Image:        spec.Image,
		Env:          spec.Env,
		Labels:       spec.Labels,
		Cmd:          spec.Cmd,
		ExposedPorts: exposedPorts,
	}
	if spec.Healthcheck != nil {
		config.Healthcheck = &container.HealthConfig{
			Test:        spec.Healthcheck.Test,
			Interval:    spec.Healthcheck.Interval,
			Timeout:     spec.Healthcheck.Timeout,
			StartPeriod: spec.Healthcheck.StartPeriod,
			Retries:     spec.Healthcheck.Retries,
		}
	}

	hostConfig := &container.HostConfig{
		PortBindings:  portBindings,
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyUnlessStopped},
		Resources: container.Resources{
			CPUPeriod:  spec.Resources.CPUPeriod,
			CPUQuota:   spec.Resources.CPUQuota,
			Memory:     spec.Resources.Memory,
			MemorySwap: spec.Resources.Memory,
		},
	}

	var netConfig *network.NetworkingConfig
	if spec.Network != "" {
		netConfig = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				spec.Network: {Aliases: spec.Aliases},
			},
		}
	}

	return config, hostConfig, netConfig
}

// Start starts a container
func (r *DockerRuntime) Start(ctx context.Context, id string) error {
	if err := r.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return wrapNotFound(err, "start container %s", id)
	}
	return nil
}

// Stop stops a container, killing it after timeout
func (r *DockerRuntime) Stop(ctx context.Context, id string, timeout time.Duration) error {
	secs := int(timeout.Seconds())
	if err := r.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &secs}); err != nil {
		return wrapNotFound(err, "stop container %s", id)
	}
	return nil
}

// Remove removes a container together with its anonymous volumes
func (r *DockerRuntime) Remove(ctx context.Context, id string, force bool) error {
	err := r.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: force, RemoveVolumes: true})
	if err != nil {
		return wrapNotFound(err, "remove container %s", id)
	}
	return nil
}

// Exec runs cmd inside a container and collects its output
func (r *DockerRuntime) Exec(ctx context.Context, id string, cmd []string) (ExecResult, error) {
	execID, err := r.cli.ContainerExecCreate(ctx, id, container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return ExecResult{}, wrapNotFound(err, "exec create in %s", id)
	}

	resp, err := r.cli.ContainerExecAttach(ctx, execID.ID, container.ExecAttachOptions{})
	if err != nil {
		return ExecResult{}, fmt.Errorf("exec attach in %s: %w", id, err)
	}
	defer resp.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, resp.Reader); err != nil {
		return ExecResult{}, fmt.Errorf("exec read output in %s: %w", id, err)
	}

	inspect, err := r.cli.ContainerExecInspect(ctx, execID.ID)
	if err != nil {
		return ExecResult{}, fmt.Errorf("exec inspect in %s: %w", id, err)
	}

	return ExecResult{
		ExitCode: inspect.ExitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}, nil
}

// Inspect returns the running and health state of a container
func (r *DockerRuntime) Inspect(ctx context.Context, id string) (ContainerState, error) {
	info, err := r.cli.ContainerInspect(ctx, id)
	if err != nil {
		return ContainerState{}, wrapNotFound(err, "inspect container %s", id)
	}

	state := ContainerState{IPs: make(map[string]string)}
	if info.State != nil {
		state.Running = info.State.Running
		state.Restarting = info.State.Restarting
		if info.State.Health != nil {
			state.Health = info.State.Health.Status
		}
	}
	if info.NetworkSettings != nil {
		for name, ep := range info.NetworkSettings.Networks {
			if ep != nil {
				state.IPs[name] = ep.IPAddress
			}
		}
	}
	return state, nil
}

// Stats takes a single non-streaming stats sample
func (r *DockerRuntime) Stats(ctx context.Context, id string) (Stats, error) {
	resp, err := r.cli.ContainerStats(ctx, id, false)
	if err != nil {
		return Stats{}, wrapNotFound(err, "stats for container %s", id)
	}
	defer resp.Body.Close()

	return decodeStats(resp.Body)
}

type dockerCPUStats struct {
	CPUUsage struct {
		TotalUsage  uint64   `json:"total_usage"`
		PercpuUsage []uint64 `json:"percpu_usage"`
	} `json:"cpu_usage"`
	SystemUsage uint64 `json:"system_cpu_usage"`
	OnlineCPUs  uint32 `json:"online_cpus"`
}

type dockerStats struct {
	CPUStats    dockerCPUStats `json:"cpu_stats"`
	PreCPUStats dockerCPUStats `json:"precpu_stats"`
	MemoryStats struct {
		Usage uint64 `json:"usage"`
		Limit uint64 `json:"limit"`
	} `json:"memory_stats"`
	Networks map[string]struct {
		RxBytes uint64 `json:"rx_bytes"`
		TxBytes uint64 `json:"tx_bytes"`
	} `json:"networks"`
	BlkioStats struct {
		IoServiceBytesRecursive []struct {
			Op    string `json:"op"`
			Value uint64 `json:"value"`
		} `json:"io_service_bytes_recursive"`
	} `json:"blkio_stats"`
}

func decodeStats(r io.Reader) (Stats, error) {
	var raw dockerStats
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return Stats{}, fmt.Errorf("decode stats: %w", err)
	}

	s := Stats{
		OnlineCPUs:  raw.CPUStats.OnlineCPUs,
		MemoryUsage: raw.MemoryStats.Usage,
		MemoryLimit: raw.MemoryStats.Limit,
		Networks:    make(map[string]NetworkIO, len(raw.Networks)),
	}
	if raw.CPUStats.CPUUsage.TotalUsage > raw.PreCPUStats.CPUUsage.TotalUsage {
		s.CPUDelta = raw.CPUStats.CPUUsage.TotalUsage - raw.PreCPUStats.CPUUsage.TotalUsage
	}
	if raw.CPUStats.SystemUsage > raw.PreCPUStats.SystemUsage {
		s.SystemCPUDelta = raw.CPUStats.SystemUsage - raw.PreCPUStats.SystemUsage
	}
	if s.OnlineCPUs == 0 {
		s.OnlineCPUs = uint32(len(raw.CPUStats.CPUUsage.PercpuUsage))
	}
	for name, n := range raw.Networks {
		s.Networks[name] = NetworkIO{RxBytes: n.RxBytes, TxBytes: n.TxBytes}
	}
	for _, e := range raw.BlkioStats.IoServiceBytesRecursive {
		switch e.Op {
		case "Read", "read":
			s.BlkioRead += e.Value
		case "Write", "write":
			s.BlkioWrite += e.Value
		}
	}
	return s, nil
}

// Logs returns the last tail lines of a container's output
func (r *DockerRuntime) Logs(ctx context.Context, id string, tail int, timestamps bool) (string, error) {
	opts := container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Timestamps: timestamps,
	}
	if tail > 0 {
		opts.Tail = strconv.Itoa(tail)
	}

	reader, err := r.cli.ContainerLogs(ctx, id, opts)
	if err != nil {
		return "", wrapNotFound(err, "logs for container %s", id)
	}
	defer reader.Close()

	var out bytes.Buffer
	if _, err := stdcopy.StdCopy(&out, &out, reader); err != nil {
		return "", fmt.Errorf("read logs for container %s: %w", id, err)
	}
	return out.String(), nil
}

func wrapNotFound(err error, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	if client.IsErrNotFound(err) {
		return fmt.Errorf("%s: %w", msg, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", msg, err)
}

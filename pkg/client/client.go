package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/burrow/pkg/registrar"
	"github.com/cuemby/burrow/pkg/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const ownerHeader = "X-User-ID"

// APIError is a failed API call
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("burrow API returned %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Client talks to the burrow HTTP API on behalf of one owner
type Client struct {
	base  string
	owner string
	http  *http.Client
}

// NewClient creates a client for the API at addr ("host:port" or a URL)
func NewClient(addr, owner string) *Client {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return &Client{
		base:  strings.TrimRight(addr, "/"),
		owner: owner,
		http:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.owner != "" {
		req.Header.Set(ownerHeader, c.owner)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach burrow at %s: %w", c.base, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		if json.Unmarshal(data, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(data))
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func clusterPath(id string, parts ...string) string {
	p := "/api/v1/clusters/" + url.PathEscape(id)
	for _, part := range parts {
		p += "/" + part
	}
	return p
}

// CreateCluster submits a spec and returns the PROVISIONING record
func (c *Client) CreateCluster(ctx context.Context, spec types.ClusterSpec) (*types.Cluster, error) {
	var cluster types.Cluster
	if err := c.do(ctx, http.MethodPost, "/api/v1/clusters", spec, &cluster); err != nil {
		return nil, err
	}
	return &cluster, nil
}

func (c *Client) ListClusters(ctx context.Context) ([]*types.Cluster, error) {
	var clusters []*types.Cluster
	if err := c.do(ctx, http.MethodGet, "/api/v1/clusters", nil, &clusters); err != nil {
		return nil, err
	}
	return clusters, nil
}

func (c *Client) GetCluster(ctx context.Context, id string) (*types.Cluster, error) {
	return c.clusterCall(ctx, http.MethodGet, clusterPath(id), nil)
}

func (c *Client) DeleteCluster(ctx context.Context, id string) (*types.Cluster, error) {
	return c.clusterCall(ctx, http.MethodDelete, clusterPath(id), nil)
}

func (c *Client) StartCluster(ctx context.Context, id string) (*types.Cluster, error) {
	return c.clusterCall(ctx, http.MethodPost, clusterPath(id, "start"), nil)
}

func (c *Client) StopCluster(ctx context.Context, id string) (*types.Cluster, error) {
	return c.clusterCall(ctx, http.MethodPost, clusterPath(id, "stop"), nil)
}

// ScaleCluster requests a new replica count
func (c *Client) ScaleCluster(ctx context.Context, id string, replicas int) (*types.Cluster, error) {
	return c.clusterCall(ctx, http.MethodPost, clusterPath(id, "scale"), map[string]int{"replica_count": replicas})
}

func (c *Client) clusterCall(ctx context.Context, method, path string, in any) (*types.Cluster, error) {
	var cluster types.Cluster
	if err := c.do(ctx, method, path, in, &cluster); err != nil {
		return nil, err
	}
	return &cluster, nil
}

func (c *Client) ClusterHealth(ctx context.Context, id string) (*types.ClusterHealth, error) {
	var health types.ClusterHealth
	if err := c.do(ctx, http.MethodGet, clusterPath(id, "health"), nil, &health); err != nil {
		return nil, err
	}
	return &health, nil
}

func (c *Client) Connection(ctx context.Context, id string) (*types.ConnectionInfo, error) {
	var info types.ConnectionInfo
	if err := c.do(ctx, http.MethodGet, clusterPath(id, "connection"), nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Logs returns the last tail lines of node ("master", "proxy" or a
// container name)
func (c *Client) Logs(ctx context.Context, id, node string, tail int) (string, error) {
	q := url.Values{}
	if node != "" {
		q.Set("node", node)
	}
	if tail > 0 {
		q.Set("tail", strconv.Itoa(tail))
	}
	path := clusterPath(id, "logs")
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var out struct {
		Logs string `json:"logs"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return "", err
	}
	return out.Logs, nil
}

func (c *Client) Nodes(ctx context.Context, id string) ([]*types.Node, error) {
	var nodes []*types.Node
	if err := c.do(ctx, http.MethodGet, clusterPath(id, "nodes"), nil, &nodes); err != nil {
		return nil, err
	}
	return nodes, nil
}

func (c *Client) Topology(ctx context.Context, id string) ([]registrar.Instance, error) {
	var instances []registrar.Instance
	if err := c.do(ctx, http.MethodGet, clusterPath(id, "topology"), nil, &instances); err != nil {
		return nil, err
	}
	return instances, nil
}

func (c *Client) Takeover(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, clusterPath(id, "takeover"), nil, nil)
}

// WaitForStatus polls a cluster until it reaches one of want, FAILED, or
// until ctx expires. A FAILED cluster returns an error carrying its message.
func (c *Client) WaitForStatus(ctx context.Context, id string, interval time.Duration, want ...types.ClusterStatus) (*types.Cluster, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		cluster, err := c.GetCluster(ctx, id)
		if err != nil {
			return nil, err
		}
		for _, s := range want {
			if cluster.Status == s {
				return cluster, nil
			}
		}
		if cluster.Status == types.ClusterStatusFailed {
			return cluster, fmt.Errorf("cluster %s failed: %s", id, cluster.ErrorMessage)
		}

		select {
		case <-ctx.Done():
			return cluster, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Probe asks the gRPC health service at addr for service ("" is overall
// readiness)
func Probe(ctx context.Context, addr, service string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.Status, nil
}

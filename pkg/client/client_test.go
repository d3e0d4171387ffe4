package client

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cuemby/burrow/pkg/api"
	"github.com/cuemby/burrow/pkg/config"
	"github.com/cuemby/burrow/pkg/manager"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/runtime/fake"
	"github.com/cuemby/burrow/pkg/storage"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	cfg := config.Default()
	cfg.Store.DataDir = t.TempDir()
	cfg.Runtime.StopTimeoutSecs = 0
	cfg.Timeouts.HealthPoll = 2 * time.Millisecond
	cfg.Timeouts.Settle = time.Millisecond
	cfg.Retry.CreateAttempts = 1
	cfg.Retry.ConfigureAttempts = 1

	store, err := storage.NewBoltStore(cfg.Store.DataDir)
	require.NoError(t, err)
	rt := fake.New()
	mgr, err := manager.NewManager(cfg, store, rt, rt.Networks())
	require.NoError(t, err)

	srv := api.NewServer(mgr, metrics.NewComponents("test"), cfg.Server)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		mgr.Shutdown()
		store.Close()
	})
	return ts
}

func TestClientRoundTrip(t *testing.T) {
	ts := newTestServer(t)
	c := NewClient(ts.URL, "u1")
	ctx := context.Background()

	created, err := c.CreateCluster(ctx, types.ClusterSpec{Name: "orders", ReplicaCount: 1})
	require.NoError(t, err)
	assert.Equal(t, types.ClusterStatusProvisioning, created.Status)

	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	running, err := c.WaitForStatus(waitCtx, created.ID, 5*time.Millisecond, types.ClusterStatusRunning)
	require.NoError(t, err)
	assert.Len(t, running.ReplicaContainerIDs, 1)

	list, err := c.ListClusters(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	info, err := c.Connection(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, running.ProxyPort, info.Port)

	nodes, err := c.Nodes(ctx, created.ID)
	require.NoError(t, err)
	assert.Len(t, nodes, 3)

	logs, err := c.Logs(ctx, created.ID, "", 5)
	require.NoError(t, err)
	assert.Contains(t, logs, "ready for connections")

	stopped, err := c.StopCluster(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ClusterStatusStopped, stopped.Status)

	_, err = c.DeleteCluster(ctx, created.ID)
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		_, err := c.GetCluster(ctx, created.ID)
		var apiErr *APIError
		return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
	}, 10*time.Second, 5*time.Millisecond)
}

func TestClientErrors(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	_, err := NewClient(ts.URL, "u1").GetCluster(ctx, "missing")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
	assert.Equal(t, "CLUSTER_NOT_FOUND", apiErr.Code)

	_, err = NewClient(ts.URL, "").ListClusters(ctx)
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)

	_, err = NewClient("127.0.0.1:1", "u1").ListClusters(ctx)
	assert.ErrorContains(t, err, "failed to reach burrow")
}

func TestProbe(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus("runtime", healthpb.HealthCheckResponse_NOT_SERVING)
	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	go srv.Serve(lis)
	defer srv.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	status, err := Probe(ctx, lis.Addr().String(), "")
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, status)

	status, err = Probe(ctx, lis.Addr().String(), "runtime")
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, status)
}

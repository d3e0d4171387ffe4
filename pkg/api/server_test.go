package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/cuemby/burrow/pkg/config"
	"github.com/cuemby/burrow/pkg/errdefs"
	"github.com/cuemby/burrow/pkg/events"
	"github.com/cuemby/burrow/pkg/manager"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/naming"
	"github.com/cuemby/burrow/pkg/runtime/fake"
	"github.com/cuemby/burrow/pkg/storage"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const owner = "u1"

type testEnv struct {
	srv        *Server
	http       *httptest.Server
	mgr        *manager.Manager
	rt         *fake.Runtime
	components *metrics.Components
}

func newTestEnv(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()
	cfg := config.Default()
	cfg.Store.DataDir = t.TempDir()
	cfg.Runtime.StopTimeoutSecs = 0
	cfg.Timeouts.HealthPoll = 2 * time.Millisecond
	cfg.Timeouts.ProvisionHealth = 2 * time.Second
	cfg.Timeouts.Settle = time.Millisecond
	cfg.Retry.CreateAttempts = 1
	cfg.Retry.ConfigureAttempts = 1
	cfg.Retry.ConfigureBackoff = time.Millisecond
	if mutate != nil {
		mutate(cfg)
	}

	store, err := storage.NewBoltStore(cfg.Store.DataDir)
	require.NoError(t, err)
	rt := fake.New()
	mgr, err := manager.NewManager(cfg, store, rt, rt.Networks())
	require.NoError(t, err)

	components := metrics.NewComponents("test", "store", "runtime")
	srv := NewServer(mgr, components, cfg.Server)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		mgr.Shutdown()
		store.Close()
	})
	return &testEnv{srv: srv, http: ts, mgr: mgr, rt: rt, components: components}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, headers map[string]string) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.http.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (e *testEnv) as(t *testing.T, user, method, path string, body any) *http.Response {
	t.Helper()
	return e.do(t, method, path, body, map[string]string{OwnerHeader: user})
}

func decodeJSON[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

// waitStatus polls the cluster until it reaches want
func (e *testEnv) waitStatus(t *testing.T, id string, want types.ClusterStatus) *types.Cluster {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		c, err := e.mgr.Get(context.Background(), id, owner)
		require.NoError(t, err)
		if c.Status == want {
			return c
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("cluster %s never reached %s", id, want)
	return nil
}

func (e *testEnv) createRunning(t *testing.T, replicas int) *types.Cluster {
	t.Helper()
	resp := e.as(t, owner, http.MethodPost, "/api/v1/clusters", types.ClusterSpec{Name: "orders", ReplicaCount: replicas})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	created := decodeJSON[types.Cluster](t, resp)
	assert.Equal(t, types.ClusterStatusProvisioning, created.Status)
	return e.waitStatus(t, created.ID, types.ClusterStatusRunning)
}

func TestClusterLifecycle(t *testing.T) {
	e := newTestEnv(t, nil)
	c := e.createRunning(t, 1)

	resp := e.as(t, owner, http.MethodGet, "/api/v1/clusters", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decodeJSON[[]types.Cluster](t, resp), 1)

	resp = e.as(t, owner, http.MethodGet, "/api/v1/clusters/"+c.ID+"/connection", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	info := decodeJSON[types.ConnectionInfo](t, resp)
	assert.Equal(t, 16033, info.Port)
	assert.Equal(t, "app", info.User)
	assert.NotEmpty(t, info.Password)

	resp = e.as(t, owner, http.MethodGet, "/api/v1/clusters/"+c.ID+"/nodes", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decodeJSON[[]types.Node](t, resp), 3)

	resp = e.as(t, owner, http.MethodGet, "/api/v1/clusters/"+c.ID+"/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	health := decodeJSON[types.ClusterHealth](t, resp)
	assert.True(t, health.MasterHealthy)
	assert.Equal(t, 1, health.HealthyReplicas)

	resp = e.as(t, owner, http.MethodGet, "/api/v1/clusters/"+c.ID+"/logs?node=proxy&tail=10", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	logs := decodeJSON[LogsResponse](t, resp)
	assert.Equal(t, "proxy", logs.Node)
	assert.Contains(t, logs.Logs, naming.ProxyName(c.ID))

	resp = e.as(t, owner, http.MethodPost, "/api/v1/clusters/"+c.ID+"/stop", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, types.ClusterStatusStopped, decodeJSON[types.Cluster](t, resp).Status)

	resp = e.as(t, owner, http.MethodPost, "/api/v1/clusters/"+c.ID+"/start", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, types.ClusterStatusRunning, decodeJSON[types.Cluster](t, resp).Status)

	resp = e.as(t, owner, http.MethodPost, "/api/v1/clusters/"+c.ID+"/scale", ScaleRequest{ReplicaCount: 2})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	scaled := e.waitStatus(t, c.ID, types.ClusterStatusRunning)
	assert.Equal(t, 2, scaled.ReplicaCount)

	resp = e.as(t, owner, http.MethodDelete, "/api/v1/clusters/"+c.ID, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Eventually(t, func() bool {
		_, err := e.mgr.Get(context.Background(), c.ID, owner)
		return errdefs.IsNotFound(err)
	}, 10*time.Second, 5*time.Millisecond)
}

func TestErrorResponses(t *testing.T) {
	e := newTestEnv(t, nil)
	c := e.createRunning(t, 0)

	tests := []struct {
		name     string
		user     string
		method   string
		path     string
		body     any
		wantCode int
		wantErr  string
	}{
		{"missing owner", "", http.MethodGet, "/api/v1/clusters", nil, http.StatusUnauthorized, errdefs.CodeClusterAccessDenied},
		{"unknown cluster", owner, http.MethodGet, "/api/v1/clusters/nope", nil, http.StatusNotFound, errdefs.CodeClusterNotFound},
		{"foreign cluster", "u2", http.MethodGet, "/api/v1/clusters/" + c.ID, nil, http.StatusForbidden, errdefs.CodeClusterAccessDenied},
		{"unknown field", owner, http.MethodPost, "/api/v1/clusters", map[string]any{"name": "x", "replicas": 2}, http.StatusBadRequest, errdefs.CodeInvalidArgument},
		{"missing name", owner, http.MethodPost, "/api/v1/clusters", types.ClusterSpec{ReplicaCount: 1}, http.StatusBadRequest, errdefs.CodeInvalidArgument},
		{"bad memory", owner, http.MethodPost, "/api/v1/clusters", types.ClusterSpec{Name: "m", Master: types.NodeResources{Memory: "lots"}}, http.StatusBadRequest, errdefs.CodeInvalidArgument},
		{"negative scale", owner, http.MethodPost, "/api/v1/clusters/" + c.ID + "/scale", ScaleRequest{ReplicaCount: -1}, http.StatusBadRequest, errdefs.CodeInvalidArgument},
		{"too many replicas", owner, http.MethodPost, "/api/v1/clusters", types.ClusterSpec{Name: "big", ReplicaCount: 99}, http.StatusBadRequest, errdefs.CodeInvalidArgument},
		{"duplicate name", owner, http.MethodPost, "/api/v1/clusters", types.ClusterSpec{Name: "orders"}, http.StatusConflict, errdefs.CodeVersionConflict},
		{"bad tail", owner, http.MethodGet, "/api/v1/clusters/" + c.ID + "/logs?tail=-1", nil, http.StatusBadRequest, errdefs.CodeInvalidArgument},
		{"start running cluster", owner, http.MethodPost, "/api/v1/clusters/" + c.ID + "/start", nil, http.StatusConflict, errdefs.CodeClusterInvalidState},
		{"takeover without registrar", owner, http.MethodPost, "/api/v1/clusters/" + c.ID + "/takeover", nil, http.StatusConflict, errdefs.CodeClusterInvalidState},
		{"topology without registrar", owner, http.MethodGet, "/api/v1/clusters/" + c.ID + "/topology", nil, http.StatusConflict, errdefs.CodeClusterInvalidState},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			headers := map[string]string{}
			if tt.user != "" {
				headers[OwnerHeader] = tt.user
			}
			resp := e.do(t, tt.method, tt.path, tt.body, headers)
			assert.Equal(t, tt.wantCode, resp.StatusCode)
			assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
			body := decodeJSON[ErrorResponse](t, resp)
			assert.Equal(t, tt.wantErr, body.Code)
			assert.NotEmpty(t, body.Message)
		})
	}
}

func TestFailoverWebhookEndpoint(t *testing.T) {
	e := newTestEnv(t, func(cfg *config.Config) {
		cfg.Server.WebhookSecret = "s3cret"
	})
	c := e.createRunning(t, 1)
	successor := naming.ReplicaName(c.ID, 1)

	payload := map[string]any{
		"clusterAlias":  naming.ClusterAlias(c.ID),
		"failedHost":    naming.MasterName(c.ID) + ":3306",
		"successorHost": successor + ":3306",
		"failureType":   "DeadMaster",
		"isSuccessful":  true,
	}

	resp := e.do(t, http.MethodPost, "/webhooks/orchestrator/failover", payload, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	sub := e.mgr.Events().Subscribe()
	defer e.mgr.Events().Unsubscribe(sub)

	resp = e.do(t, http.MethodPost, "/webhooks/orchestrator/failover", payload, map[string]string{SignatureHeader: "s3cret"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decodeJSON[types.Cluster](t, resp)
	nodes, err := e.mgr.Nodes(context.Background(), c.ID, owner)
	require.NoError(t, err)
	for _, n := range nodes {
		if n.ContainerName == successor {
			assert.Equal(t, n.ContainerID, got.MasterContainerID)
		}
	}

	// the old primary is rebuilt as a replica in the background
	timeout := time.After(10 * time.Second)
	for done := false; !done; {
		select {
		case ev := <-sub:
			done = ev.Type == events.EventRecoveryCompleted
		case <-timeout:
			t.Fatal("old primary was never rebuilt")
		}
	}

	resp = e.do(t, http.MethodPost, "/webhooks/orchestrator/recovery", map[string]any{
		"analysisHost":  "db-1.example.com",
		"successorHost": "db-2.example.com",
	}, map[string]string{SignatureHeader: "s3cret"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestWebhookRateLimit(t *testing.T) {
	e := newTestEnv(t, func(cfg *config.Config) {
		cfg.Server.WebhookRate = 0.001
		cfg.Server.WebhookBurst = 2
	})

	for i := 0; i < 2; i++ {
		resp := e.do(t, http.MethodPost, "/webhooks/orchestrator/recovery", map[string]any{}, nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "call %d", i)
	}
	resp := e.do(t, http.MethodPost, "/webhooks/orchestrator/recovery", map[string]any{}, nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestHealthEndpoints(t *testing.T) {
	e := newTestEnv(t, nil)
	ctx := context.Background()

	resp := e.do(t, http.MethodGet, "/ready", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	check, err := e.srv.health.grpc.Check(ctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check.Status)

	e.components.Set("store", true, "")
	e.components.Set("runtime", true, "")

	resp = e.do(t, http.MethodGet, "/ready", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, metrics.StatusReady, decodeJSON[metrics.Report](t, resp).Status)
	check, err = e.srv.health.grpc.Check(ctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check.Status)

	e.components.Set("runtime", false, "docker unreachable")
	resp = e.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	check, err = e.srv.health.grpc.Check(ctx, &healthpb.HealthCheckRequest{Service: "runtime"})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check.Status)

	resp = e.do(t, http.MethodGet, "/livez", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = e.do(t, http.MethodGet, "/metrics", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestEventStream(t *testing.T) {
	e := newTestEnv(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(e.http.URL, "http") + "/api/v1/events"
	ws, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: http.Header{OwnerHeader: []string{owner}},
	})
	require.NoError(t, err)
	defer ws.Close(websocket.StatusNormalClosure, "")

	// another owner's cluster must not show up
	theirs, err := e.mgr.Create(ctx, types.ClusterSpec{Name: "theirs"}, "u2")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return e.mgr.Events().SubscriberCount() == 1
	}, 5*time.Second, 5*time.Millisecond)
	c, err := e.mgr.Create(ctx, types.ClusterSpec{Name: "orders"}, owner)
	require.NoError(t, err)

read:
	for {
		_, data, err := ws.Read(ctx)
		require.NoError(t, err)
		var ev events.Event
		require.NoError(t, json.Unmarshal(data, &ev))
		require.Equal(t, c.ID, ev.ClusterID, "event %s leaked from another owner", ev.Type)
		if ev.Type == events.EventClusterRunning {
			break read
		}
	}

	assert.Eventually(t, func() bool {
		got, err := e.mgr.Get(ctx, theirs.ID, "u2")
		return err == nil && got.Status == types.ClusterStatusRunning
	}, 10*time.Second, 5*time.Millisecond)
}

// Package registrar talks to the external topology registrar, an
// orchestrator instance that watches MySQL replication, detects primary
// failure and calls back through webhooks.
//
// Every call is best-effort from the workflows' point of view: callers log
// errors and carry on.
package registrar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/rs/zerolog"
)

// ErrDisabled is returned by Noop for reads
var ErrDisabled = errors.New("topology registrar is not configured")

// InstanceKey identifies a MySQL server in the registrar
type InstanceKey struct {
	Hostname string `json:"Hostname"`
	Port     int    `json:"Port"`
}

func (k InstanceKey) String() string {
	return k.Hostname + ":" + strconv.Itoa(k.Port)
}

// Instance is one server of a registrar topology
type Instance struct {
	Key              InstanceKey `json:"Key"`
	MasterKey        InstanceKey `json:"MasterKey"`
	ReadOnly         bool        `json:"ReadOnly"`
	IsLastCheckValid bool        `json:"IsLastCheckValid"`
	ExecutedGtidSet  string      `json:"ExecutedGtidSet"`
	SlaveLagSeconds  nullInt64   `json:"SlaveLagSeconds"`

	// orchestrator spells these with a single n
	IOThreadRunning  bool `json:"ReplicationIOThreadRuning"`
	SQLThreadRunning bool `json:"ReplicationSQLThreadRuning"`

	SecondsBehind *int64 `json:"-"`
}

// IsPrimary reports whether the instance replicates from nobody
func (i Instance) IsPrimary() bool {
	return i.MasterKey.Hostname == ""
}

type nullInt64 struct {
	Int64 int64 `json:"Int64"`
	Valid bool  `json:"Valid"`
}

// Registrar is the topology registrar capability
type Registrar interface {
	// Register asks the registrar to discover host:port
	Register(ctx context.Context, host string, port int) error
	// Unregister makes the registrar forget host:port
	Unregister(ctx context.Context, host string, port int) error
	// Topology returns the instances of the cluster known as alias
	Topology(ctx context.Context, alias string) ([]Instance, error)
	// GracefulTakeover promotes a replica of the cluster host:port belongs to
	GracefulTakeover(ctx context.Context, host string, port int) error
	// Health checks that the registrar is reachable
	Health(ctx context.Context) error
}

// response is the envelope of every orchestrator API answer
type response struct {
	Code    string          `json:"Code"`
	Message string          `json:"Message"`
	Details json.RawMessage `json:"Details"`
}

// OrchestratorClient implements Registrar over the orchestrator HTTP API
type OrchestratorClient struct {
	baseURL    string
	user       string
	password   string
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewOrchestratorClient creates a client for the API at baseURL. user may be
// empty when the API does not require basic auth.
func NewOrchestratorClient(baseURL, user, password string, timeout time.Duration) *OrchestratorClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &OrchestratorClient{
		baseURL:  baseURL,
		user:     user,
		password: password,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: log.WithComponent("registrar"),
	}
}

// Register discovers host:port
func (c *OrchestratorClient) Register(ctx context.Context, host string, port int) error {
	c.logger.Debug().Str("host", host).Int("port", port).Msg("Registering instance")
	_, err := c.call(ctx, instancePath("discover", host, port))
	return err
}

// Unregister forgets host:port
func (c *OrchestratorClient) Unregister(ctx context.Context, host string, port int) error {
	c.logger.Debug().Str("host", host).Int("port", port).Msg("Forgetting instance")
	_, err := c.call(ctx, instancePath("forget", host, port))
	return err
}

// Topology lists the instances of a cluster alias
func (c *OrchestratorClient) Topology(ctx context.Context, alias string) ([]Instance, error) {
	body, err := c.get(ctx, "/api/cluster/alias/"+url.PathEscape(alias))
	if err != nil {
		return nil, err
	}
	var instances []Instance
	if err := json.Unmarshal(body, &instances); err != nil {
		return nil, fmt.Errorf("decode topology of %s: %w", alias, err)
	}
	for i := range instances {
		if lag := instances[i].SlaveLagSeconds; lag.Valid {
			v := lag.Int64
			instances[i].SecondsBehind = &v
		}
	}
	return instances, nil
}

// GracefulTakeover starts a planned primary switch
func (c *OrchestratorClient) GracefulTakeover(ctx context.Context, host string, port int) error {
	_, err := c.call(ctx, instancePath("graceful-master-takeover-auto", host, port))
	return err
}

// Health calls /api/health
func (c *OrchestratorClient) Health(ctx context.Context) error {
	_, err := c.call(ctx, "/api/health")
	return err
}

func instancePath(action, host string, port int) string {
	return fmt.Sprintf("/api/%s/%s/%d", action, url.PathEscape(host), port)
}

// call performs a GET and checks the response envelope
func (c *OrchestratorClient) call(ctx context.Context, path string) (*response, error) {
	body, err := c.get(ctx, path)
	if err != nil {
		return nil, err
	}
	var r response
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, fmt.Errorf("decode registrar response for %s: %w", path, err)
	}
	if r.Code != "" && r.Code != "OK" {
		return &r, fmt.Errorf("registrar %s: %s", path, r.Message)
	}
	return &r, nil
}

func (c *OrchestratorClient) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	if c.user != "" {
		req.SetBasicAuth(c.user, c.password)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("registrar %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read registrar response for %s: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("registrar %s returned %d: %s", path, resp.StatusCode, string(body))
	}
	return body, nil
}

// Noop is used when no registrar is configured. Writes succeed silently.
type Noop struct{}

func (Noop) Register(ctx context.Context, host string, port int) error { return nil }

func (Noop) Unregister(ctx context.Context, host string, port int) error { return nil }

func (Noop) Topology(ctx context.Context, alias string) ([]Instance, error) {
	return nil, ErrDisabled
}

func (Noop) GracefulTakeover(ctx context.Context, host string, port int) error {
	return ErrDisabled
}

func (Noop) Health(ctx context.Context) error { return nil }

var (
	_ Registrar = (*OrchestratorClient)(nil)
	_ Registrar = Noop{}
)

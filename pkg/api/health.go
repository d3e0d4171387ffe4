package api

import (
	"net/http"
	"time"

	"github.com/cuemby/burrow/pkg/metrics"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthServer exposes the component registry over HTTP and through the
// standard gRPC health service
type HealthServer struct {
	components *metrics.Components
	grpc       *health.Server
}

// NewHealthServer mirrors every component flip into the gRPC health service.
// The empty service name reports overall readiness.
func NewHealthServer(components *metrics.Components) *HealthServer {
	hs := &HealthServer{
		components: components,
		grpc:       health.NewServer(),
	}
	hs.sync()
	components.Watch(func(name string, healthy bool) {
		hs.sync()
	})
	return hs
}

func (hs *HealthServer) sync() {
	for _, name := range hs.components.Names() {
		comp, _ := hs.components.Get(name)
		hs.grpc.SetServingStatus(name, servingStatus(comp.Healthy))
	}
	ready := hs.components.Readiness().Status == metrics.StatusReady
	hs.grpc.SetServingStatus("", servingStatus(ready))
}

func servingStatus(ok bool) healthpb.HealthCheckResponse_ServingStatus {
	if ok {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}

// Shutdown flips every service to NOT_SERVING
func (hs *HealthServer) Shutdown() {
	hs.grpc.Shutdown()
}

// Health is the liveness view: 503 once a component reported unhealthy
func (hs *HealthServer) Health(w http.ResponseWriter, r *http.Request) {
	report := hs.components.Health()
	status := http.StatusOK
	if report.Status != metrics.StatusHealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

// Ready is 200 once the store and the container driver are usable
func (hs *HealthServer) Ready(w http.ResponseWriter, r *http.Request) {
	report := hs.components.Readiness()
	status := http.StatusOK
	if report.Status != metrics.StatusReady {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

// Live answers as long as the process serves requests
func (hs *HealthServer) Live(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "alive",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

package api

import (
	"net/http"
	"strconv"

	"github.com/cuemby/burrow/pkg/errdefs"
	"github.com/cuemby/burrow/pkg/manager"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/go-chi/chi/v5"
)

// ScaleRequest is the body of POST /clusters/{id}/scale
type ScaleRequest struct {
	ReplicaCount int `json:"replica_count" validate:"gte=0"`
}

// LogsResponse is the body of GET /clusters/{id}/logs
type LogsResponse struct {
	ClusterID string `json:"cluster_id"`
	Node      string `json:"node"`
	Logs      string `json:"logs"`
}

// Clusters serves the cluster resource
type Clusters struct {
	mgr *manager.Manager
}

func NewClusters(mgr *manager.Manager) *Clusters {
	return &Clusters{mgr: mgr}
}

// Create accepts a cluster spec and answers 202 with the PROVISIONING record
func (h *Clusters) Create(w http.ResponseWriter, r *http.Request) {
	var spec types.ClusterSpec
	if err := decode(r, &spec); err != nil {
		writeServiceError(w, err)
		return
	}
	cluster, err := h.mgr.Create(r.Context(), spec, ownerOf(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, cluster)
}

func (h *Clusters) List(w http.ResponseWriter, r *http.Request) {
	clusters, err := h.mgr.List(r.Context(), ownerOf(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if clusters == nil {
		clusters = []*types.Cluster{}
	}
	writeJSON(w, http.StatusOK, clusters)
}

func (h *Clusters) Get(w http.ResponseWriter, r *http.Request) {
	cluster, err := h.mgr.Get(r.Context(), chi.URLParam(r, "id"), ownerOf(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cluster)
}

func (h *Clusters) Delete(w http.ResponseWriter, r *http.Request) {
	cluster, err := h.mgr.Delete(r.Context(), chi.URLParam(r, "id"), ownerOf(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, cluster)
}

func (h *Clusters) Start(w http.ResponseWriter, r *http.Request) {
	cluster, err := h.mgr.Start(r.Context(), chi.URLParam(r, "id"), ownerOf(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cluster)
}

func (h *Clusters) Stop(w http.ResponseWriter, r *http.Request) {
	cluster, err := h.mgr.Stop(r.Context(), chi.URLParam(r, "id"), ownerOf(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cluster)
}

func (h *Clusters) Scale(w http.ResponseWriter, r *http.Request) {
	var req ScaleRequest
	if err := decode(r, &req); err != nil {
		writeServiceError(w, err)
		return
	}
	cluster, err := h.mgr.Scale(r.Context(), chi.URLParam(r, "id"), req.ReplicaCount, ownerOf(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, cluster)
}

func (h *Clusters) Health(w http.ResponseWriter, r *http.Request) {
	health, err := h.mgr.Health(r.Context(), chi.URLParam(r, "id"), ownerOf(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, health)
}

func (h *Clusters) Connection(w http.ResponseWriter, r *http.Request) {
	info, err := h.mgr.Connection(r.Context(), chi.URLParam(r, "id"), ownerOf(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// Logs returns the tail of one node's log. node defaults to the primary and
// tail to 100 lines.
func (h *Clusters) Logs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	node := r.URL.Query().Get("node")
	tail := 100
	if v := r.URL.Query().Get("tail"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeServiceError(w, errdefs.InvalidArgument("tail must be a non-negative integer, got %q", v))
			return
		}
		tail = n
	}

	logs, err := h.mgr.Logs(r.Context(), id, ownerOf(r), node, tail)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if node == "" {
		node = "master"
	}
	writeJSON(w, http.StatusOK, LogsResponse{ClusterID: id, Node: node, Logs: logs})
}

func (h *Clusters) Nodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := h.mgr.Nodes(r.Context(), chi.URLParam(r, "id"), ownerOf(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if nodes == nil {
		nodes = []*types.Node{}
	}
	writeJSON(w, http.StatusOK, nodes)
}

func (h *Clusters) Topology(w http.ResponseWriter, r *http.Request) {
	instances, err := h.mgr.Topology(r.Context(), chi.URLParam(r, "id"), ownerOf(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, instances)
}

// Takeover asks the registrar for a graceful primary switch
func (h *Clusters) Takeover(w http.ResponseWriter, r *http.Request) {
	if err := h.mgr.Takeover(r.Context(), chi.URLParam(r, "id"), ownerOf(r)); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

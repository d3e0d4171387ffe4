package api

import (
	"net/http"

	"github.com/cuemby/burrow/pkg/manager"
	"github.com/rs/zerolog"
)

// Webhooks receives topology notifications from the registrar
type Webhooks struct {
	mgr *manager.Manager
}

func NewWebhooks(mgr *manager.Manager) *Webhooks {
	return &Webhooks{mgr: mgr}
}

// Failover handles a completed primary promotion
func (h *Webhooks) Failover(w http.ResponseWriter, r *http.Request) {
	var n manager.FailoverNotification
	if err := decodeNotification(r, &n); err != nil {
		writeServiceError(w, err)
		return
	}
	zerolog.Ctx(r.Context()).Info().
		Str("alias", n.ClusterAlias).
		Str("failed", n.FailedHost).
		Str("successor", n.SuccessorHost).
		Msg("Failover notification received")

	cluster, err := h.mgr.HandleFailoverWebhook(r.Context(), n)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cluster)
}

// Recovery handles a topology recovery of a failed server
func (h *Webhooks) Recovery(w http.ResponseWriter, r *http.Request) {
	var n manager.RecoveryNotification
	if err := decodeNotification(r, &n); err != nil {
		writeServiceError(w, err)
		return
	}
	zerolog.Ctx(r.Context()).Info().
		Str("alias", n.ClusterAlias).
		Str("failed", n.Failed()).
		Str("successor", n.SuccessorHost).
		Msg("Recovery notification received")

	cluster, err := h.mgr.HandleRecoveryWebhook(r.Context(), n)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cluster)
}

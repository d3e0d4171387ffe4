package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/cuemby/burrow/pkg/events"
	"github.com/cuemby/burrow/pkg/manager"
	"github.com/rs/zerolog"
)

const eventWriteTimeout = 5 * time.Second

// Events streams cluster notifications over a websocket
type Events struct {
	mgr *manager.Manager
}

func NewEvents(mgr *manager.Manager) *Events {
	return &Events{mgr: mgr}
}

// Stream upgrades the request and forwards every event about a cluster the
// caller owns. ?cluster=<id> narrows the stream to one cluster.
func (h *Events) Stream(w http.ResponseWriter, r *http.Request) {
	owner := ownerOf(r)
	only := r.URL.Query().Get("cluster")
	if only != "" {
		if _, err := h.mgr.Get(r.Context(), only, owner); err != nil {
			writeServiceError(w, err)
			return
		}
	}

	// the server write timeout is meant for request/response calls
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer ws.Close(websocket.StatusNormalClosure, "")

	logger := zerolog.Ctx(r.Context())
	broker := h.mgr.Events()
	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	// CloseRead drains control frames and cancels ctx once the peer goes away
	ctx := ws.CloseRead(r.Context())

	owned := map[string]bool{}
	visible := func(ev *events.Event) bool {
		if only != "" {
			return ev.ClusterID == only
		}
		allowed, seen := owned[ev.ClusterID]
		if !seen {
			_, err := h.mgr.Get(ctx, ev.ClusterID, owner)
			allowed = err == nil
			owned[ev.ClusterID] = allowed
		}
		return allowed
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub:
			if !ok {
				ws.Close(websocket.StatusGoingAway, "server shutting down")
				return
			}
			if !visible(ev) {
				continue
			}
			if err := writeEvent(ctx, ws, ev); err != nil {
				logger.Debug().Err(err).Msg("Event stream closed")
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, ws *websocket.Conn, ev *events.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
	defer cancel()
	return ws.Write(ctx, websocket.MessageText, data)
}

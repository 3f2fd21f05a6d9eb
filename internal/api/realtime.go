package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/btouchard/taskpulse/internal/auth"
	"github.com/btouchard/taskpulse/internal/realtime"
)

// subscribe opens the task event stream for the userId query parameter.
func (h *handlers) subscribe(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.URL.Query().Get("userId"))
	if userID == "" {
		writeError(w, r, realtime.ErrMissingSubscriber)
		return
	}

	fw, err := realtime.NewHTTPFrameWriter(w, h.deps.Realtime.WriteTimeout)
	if err != nil {
		// Headers are already out; nothing useful can be written.
		slog.Error("cannot stream events", "user_id", userID, "error", err)
		return
	}

	if err := h.deps.Streams.Serve(r.Context(), userID, fw); err != nil {
		slog.Debug("stream ended", "user_id", userID, "error", err)
	}
}

// broadcastRequest is a DomainEvent without its timestamp. A timestamp sent
// by the caller is ignored; the server stamps every event.
type broadcastRequest struct {
	Type   string          `json:"type" validate:"required,oneof=task_created task_updated task_deleted task_assigned comment_added"`
	Data   json.RawMessage `json:"data" validate:"required"`
	UserID string          `json:"userId" validate:"omitempty,max=128"`
}

type broadcastResponse struct {
	Success bool `json:"success"`
	Sent    int  `json:"sent"`
}

// broadcast fans a task event out to every open stream. End users always
// broadcast as themselves; internal callers may name any origin or none.
func (h *handlers) broadcast(w http.ResponseWriter, r *http.Request) {
	var req broadcastRequest
	if err := h.validate.decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	origin := req.UserID
	if id, ok := auth.IdentityFrom(r.Context()); ok {
		origin = id.ID
	}

	ev := realtime.DomainEvent{Kind: realtime.Kind(req.Type), Payload: req.Data}
	if origin != "" {
		ev.OriginUserID = &origin
	}

	sent, err := h.deps.Broadcaster.BroadcastTaskEvent(ev)
	if err != nil {
		writeError(w, r, err)
		return
	}

	caller, internal := auth.InternalCallerFrom(r.Context())
	slog.Info("task event broadcast",
		"kind", req.Type, "origin", origin, "internal", internal, "service", caller, "reached", sent)
	writeJSON(w, http.StatusOK, broadcastResponse{Success: true, Sent: sent})
}

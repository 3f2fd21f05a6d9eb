package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/btouchard/taskpulse/internal/auth"
	"github.com/btouchard/taskpulse/internal/realtime"
	"github.com/btouchard/taskpulse/internal/store"
)

const maxNotificationLimit = 100

// listNotifications returns the caller's most recent notifications, newest
// first. The optional limit query parameter overrides realtime.recent_limit.
func (h *handlers) listNotifications(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.IdentityFrom(r.Context())
	if !ok {
		writeError(w, r, auth.ErrUnauthorized)
		return
	}

	limit := h.deps.Realtime.RecentLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxNotificationLimit {
			writeError(w, r, &realtime.ValidationError{Field: "limit", Message: "must be between 1 and 100"})
			return
		}
		limit = n
	}

	ns, err := h.deps.Store.RecentNotifications(r.Context(), id.ID, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if ns == nil {
		ns = []store.Notification{}
	}
	writeJSON(w, http.StatusOK, ns)
}

func (h *handlers) unreadCount(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.IdentityFrom(r.Context())
	if !ok {
		writeError(w, r, auth.ErrUnauthorized)
		return
	}

	n, err := h.deps.Store.UnreadCount(r.Context(), id.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": n})
}

// markRead marks one of the caller's notifications as read. Another user's
// notification is reported as not found.
func (h *handlers) markRead(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.IdentityFrom(r.Context())
	if !ok {
		writeError(w, r, auth.ErrUnauthorized)
		return
	}

	if err := h.deps.Store.MarkRead(r.Context(), id.ID, chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type notifyRequest struct {
	UserID  string  `json:"userId" validate:"required,max=128"`
	Message string  `json:"message" validate:"required,max=2000"`
	Link    *string `json:"link" validate:"omitempty,max=2048"`
}

// createNotification lets another server process notify a user: the row is
// stored first and then pushed to the user's sockets.
func (h *handlers) createNotification(w http.ResponseWriter, r *http.Request) {
	var req notifyRequest
	if err := h.validate.decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	n, err := h.deps.Broadcaster.NotifyUser(r.Context(), req.UserID, req.Message, req.Link)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, n)
}

package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/btouchard/taskpulse/internal/auth"
	"github.com/btouchard/taskpulse/internal/realtime"
	"github.com/btouchard/taskpulse/internal/store"
)

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error     string `json:"error"`
	Field     string `json:"field,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to write response", "error", err)
	}
}

// writeError maps err to a status code and writes an error body.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := mapError(err)
	body.RequestID = chimw.GetReqID(r.Context())
	writeJSON(w, status, body)
}

func mapError(err error) (int, errorBody) {
	var verr *realtime.ValidationError
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest, errorBody{Error: verr.Message, Field: verr.Field}
	case errors.Is(err, auth.ErrUnauthorized),
		errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrWrongTokenType):
		return http.StatusUnauthorized, errorBody{Error: "unauthorized"}
	case errors.Is(err, realtime.ErrMissingSubscriber):
		return http.StatusBadRequest, errorBody{Error: "userId is required", Field: "userId"}
	case errors.Is(err, realtime.ErrInvalidEvent), errors.Is(err, store.ErrInvalidInput):
		return http.StatusBadRequest, errorBody{Error: err.Error()}
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, errorBody{Error: "notification not found"}
	case errors.Is(err, realtime.ErrPersistence):
		return http.StatusInternalServerError, errorBody{Error: "failed to store notification"}
	default:
		slog.Error("unhandled error", "error", err)
		return http.StatusInternalServerError, errorBody{Error: "internal error"}
	}
}

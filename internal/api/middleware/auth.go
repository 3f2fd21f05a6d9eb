package middleware

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/btouchard/taskpulse/internal/auth"
)

// InternalTokenHeader carries a signed server-to-server token.
const InternalTokenHeader = "X-Internal-Token"

// InternalVerifier validates internal tokens and returns the calling service.
type InternalVerifier interface {
	Verify(token string) (string, error)
}

// BearerAuth returns middleware that resolves an end-user Bearer token and
// stores the resulting identity in the request context.
func BearerAuth(users auth.Resolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				challengeAuth(w, r)
				return
			}

			id, err := users.Resolve(r.Context(), token)
			if err != nil {
				slog.Debug("token validation failed", "error", err)
				invalidToken(w, r)
				return
			}

			next.ServeHTTP(w, r.WithContext(auth.WithIdentity(r.Context(), id)))
		})
	}
}

// InternalAuth returns middleware that only admits requests carrying a valid
// internal token in X-Internal-Token.
func InternalAuth(verifier InternalVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := strings.TrimSpace(r.Header.Get(InternalTokenHeader))
			if token == "" {
				challengeAuth(w, r)
				return
			}

			service, err := verifier.Verify(token)
			if err != nil {
				slog.Warn("internal token rejected", "error", err, "remote", r.RemoteAddr)
				invalidToken(w, r)
				return
			}

			next.ServeHTTP(w, r.WithContext(auth.WithInternalCaller(r.Context(), service)))
		})
	}
}

// UserOrInternal admits either credential form. An internal token wins when
// both are present; a request with neither is rejected before next runs.
func UserOrInternal(users auth.Resolver, verifier InternalVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token := strings.TrimSpace(r.Header.Get(InternalTokenHeader)); token != "" {
				service, err := verifier.Verify(token)
				if err != nil {
					slog.Warn("internal token rejected", "error", err, "remote", r.RemoteAddr)
					invalidToken(w, r)
					return
				}
				next.ServeHTTP(w, r.WithContext(auth.WithInternalCaller(r.Context(), service)))
				return
			}

			token, ok := bearerToken(r)
			if !ok {
				challengeAuth(w, r)
				return
			}
			id, err := users.Resolve(r.Context(), token)
			if err != nil {
				slog.Debug("token validation failed", "error", err)
				invalidToken(w, r)
				return
			}
			next.ServeHTTP(w, r.WithContext(auth.WithIdentity(r.Context(), id)))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	return token, token != ""
}

// challengeAuth sends a 401 with a Bearer challenge for unauthenticated requests.
func challengeAuth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="taskpulse"`)
	unauthorized(w, r)
}

// invalidToken sends a 401 for requests with an invalid or expired token.
func invalidToken(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
	unauthorized(w, r)
}

func unauthorized(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":      "unauthorized",
		"request_id": chimw.GetReqID(r.Context()),
	})
}

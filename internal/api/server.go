// Package api exposes the realtime core over HTTP: the task event stream,
// the broadcast trigger, the notification log and the notification socket.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/btouchard/taskpulse/internal/api/middleware"
	"github.com/btouchard/taskpulse/internal/auth"
	"github.com/btouchard/taskpulse/internal/config"
	"github.com/btouchard/taskpulse/internal/realtime"
	"github.com/btouchard/taskpulse/internal/store"
)

// Deps holds the shared, process-lifetime components the routes use.
type Deps struct {
	Broadcaster *realtime.Broadcaster
	Streams     *realtime.StreamManager
	Sockets     *realtime.SocketManager
	Store       store.Store
	Users       auth.Resolver
	Internal    middleware.InternalVerifier

	// MCP is mounted at /mcp behind internal auth when non-nil.
	MCP http.Handler

	Server    config.ServerConfig
	Realtime  config.RealtimeConfig
	RateLimit config.RateLimitConfig
}

type handlers struct {
	deps     *Deps
	validate *requestValidator
}

// NewRouter builds the HTTP handler for every route.
func NewRouter(deps *Deps) http.Handler {
	h := &handlers{deps: deps, validate: newRequestValidator()}

	origins := deps.Server.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(chimw.Recoverer)
	r.Use(middleware.SecurityHeaders)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", middleware.InternalTokenHeader},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	}))

	r.Get("/health", h.health)

	// The socket endpoint upgrades before any REST route sees it; identity
	// is claimed inside the register handshake.
	r.Handle(deps.Realtime.SocketPath, deps.Sockets)

	r.Get("/api/realtime", h.subscribe)

	// One limiter shared by every user-facing route. It runs after auth so
	// verified internal callers bypass it.
	limit := middleware.RateLimit(deps.RateLimit)

	r.With(middleware.UserOrInternal(deps.Users, deps.Internal), limit).
		Post("/api/realtime/broadcast", h.broadcast)

	r.With(middleware.InternalAuth(deps.Internal)).
		Post("/api/notifications", h.createNotification)

	r.Group(func(r chi.Router) {
		r.Use(middleware.BearerAuth(deps.Users))
		r.Use(limit)
		r.Get("/api/notifications", h.listNotifications)
		r.Get("/api/notifications/unread_count", h.unreadCount)
		r.Post("/api/notifications/{id}/read", h.markRead)
	})

	if deps.MCP != nil {
		r.With(middleware.InternalAuth(deps.Internal)).Handle("/mcp", deps.MCP)
	}

	return r
}

// NewHTTPServer wraps handler with the server timeouts. WriteTimeout only
// bounds ordinary responses; event streams manage their own deadlines.
func NewHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       2 * time.Minute,
	}
}

func (h *handlers) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"streams": h.deps.Streams.Registry().Len(),
		"sockets": h.deps.Sockets.Registry().Len(),
		"users":   h.deps.Sockets.Registry().Users(),
	})
}

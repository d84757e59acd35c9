// Package core provides the API chassis: a chi router with the cross-cutting
// middleware chain (request ID, logging, recovery, bearer auth for internal
// endpoints) and the JSON response envelope shared by all handlers.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"rewritely/internal/config"
)

// requestTimeout is the soft deadline applied to every request context.
const requestTimeout = 29 * time.Second

// Pinger is the minimal health-check surface of the database pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RouteRegistrar mounts a handler group onto the router. Handlers register
// themselves through this indirection to avoid an import cycle between core
// and the handler packages.
type RouteRegistrar func(r chi.Router)

// Server wires configuration, the logger, and the router together.
type Server struct {
	Config *config.Config
	Logger *slog.Logger
	DB     Pinger

	router *chi.Mux
}

// NewServer validates dependencies and prepares an empty router. Routes are
// mounted afterwards via MountRoutes.
func NewServer(cfg *config.Config, db Pinger, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}
	return &Server{
		Config: cfg,
		Logger: logger,
		DB:     db,
		router: chi.NewRouter(),
	}, nil
}

// Handler returns the router as an http.Handler for http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router returns the underlying chi.Mux for tests.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// MountRoutes registers the global middleware chain, the health endpoint,
// and every provided handler group under /v1. Internal registrars mount
// outside the /v1 namespace and carry their own auth middleware.
//
// Middleware order matters: Recoverer is outermost so a panic anywhere in
// the chain still produces a JSON 500; RequestID precedes the logger so
// every log line carries the correlation ID.
func (s *Server) MountRoutes(public []RouteRegistrar, internalRoutes []RouteRegistrar) {
	s.router.Use(s.Recoverer)
	s.router.Use(ContextTimeout(requestTimeout))
	s.router.Use(RequestID)
	s.router.Use(RequestLogger(s.Logger))

	s.router.Get("/health", s.HandleHealth)

	s.router.Route("/v1", func(r chi.Router) {
		for _, register := range public {
			register(r)
		}
	})

	for _, register := range internalRoutes {
		register(s.router)
	}
}

// HandleHealth pings the database with a short deadline. Returns 200 when
// reachable, 503 otherwise.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if s.DB != nil {
		if err := s.DB.Ping(ctx); err != nil {
			JSON(w, r, http.StatusServiceUnavailable, map[string]string{
				"status":   "unhealthy",
				"database": err.Error(),
			})
			return
		}
	}
	JSON(w, r, http.StatusOK, map[string]string{"status": "healthy"})
}

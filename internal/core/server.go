// Package core provides the HTTP chassis for the billing API: a chi router
// with the cross-cutting middleware (recovery, request ids, logging, CORS,
// authentication) applied before requests reach the billing handlers.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"carpoolhub/internal/config"
)

// RouteRegistrar mounts a group of handlers on a router. Handler packages
// provide registrars so core never imports them.
type RouteRegistrar func(r chi.Router)

// Server holds the dependencies of the HTTP API.
type Server struct {
	Config        *config.Config
	Logger        *slog.Logger
	Validator     *Validator
	Authenticator Authenticator
	HealthProbes  []HealthProbe

	// V1RouteRegistrars mount authenticated endpoints under /v1.
	V1RouteRegistrars []RouteRegistrar
	// PublicRouteRegistrars mount unauthenticated endpoints (webhooks).
	PublicRouteRegistrars []RouteRegistrar

	// OnShutdown runs in order during Shutdown, e.g. closing the pool.
	OnShutdown []func()

	router *chi.Mux
}

// NewServer prepares a Server. Routes are mounted separately by MountRoutes
// once the registrars are in place.
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}

	return &Server{
		Config:    cfg,
		Logger:    logger,
		Validator: NewValidator(logger),
		router:    chi.NewRouter(),
	}, nil
}

// Handler returns the router as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router returns the underlying chi.Mux.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Shutdown releases server resources.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Logger.InfoContext(ctx, "server shutdown initiated")
	for _, fn := range s.OnShutdown {
		fn()
	}
	s.Logger.InfoContext(ctx, "server shutdown complete")
	return nil
}

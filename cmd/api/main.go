// Package main is the entry point for the billing API server.
//
// It loads configuration, wires the billing engine against Postgres and AWS,
// mounts the tenant, admin and webhook routes on the core chassis, and serves
// HTTP until SIGINT or SIGTERM.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"carpoolhub/internal/api/handlers"
	"carpoolhub/internal/app"
	"carpoolhub/internal/billing"
	"carpoolhub/internal/config"
	"carpoolhub/internal/core"
	"carpoolhub/internal/external"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// run encapsulates the startup lifecycle so that main() can cleanly exit on error.
func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg)
	logger.Info("billing API starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"commit", cfg.Build.Commit,
		"port", cfg.Server.Port,
	)

	startCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	engine, err := app.New(startCtx, cfg, logger)
	cancel()
	if err != nil {
		return fmt.Errorf("initializing billing engine: %w", err)
	}

	srv, err := buildServer(cfg, engineServices{
		Catalog:   engine.Catalog,
		Plans:     engine.Tracker,
		Tenants:   engine.Tracker,
		Quotes:    engine.Quotes,
		Overrides: engine.Overrides,
		Webhooks:  engine.Webhooks,
	}, logger)
	if err != nil {
		engine.Close()
		return err
	}
	srv.HealthProbes = append(srv.HealthProbes, core.PingProbe{Component: "database", Ping: engine.Pool.Ping})
	srv.OnShutdown = append(srv.OnShutdown, func() {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := engine.Outbox.Wait(ctx); err != nil {
			logger.Warn("post-commit deliveries still running at shutdown; the dispatcher will retry them", "error", err)
		}
	}, engine.Close)

	return runHTTPServer(srv, cfg, logger)
}

// engineServices is the slice of the billing engine the HTTP layer needs.
type engineServices struct {
	Catalog   billing.Catalog
	Plans     handlers.PlanService
	Tenants   handlers.TenantAdministration
	Quotes    handlers.QuoteApprover
	Overrides handlers.OverrideManager
	Webhooks  handlers.WebhookApplier
}

// buildServer creates the core server and mounts every route group:
//
//	POST /webhooks/stripe      signature-authenticated
//	/v1/billing/*              tenant callers
//	/v1/admin/*                platform administrators
func buildServer(cfg *config.Config, svc engineServices, logger *slog.Logger) (*core.Server, error) {
	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("creating server: %w", err)
	}
	srv.Authenticator = &core.GatewayAuthenticator{AdminAPIKey: cfg.Security.AdminAPIKey}

	webhookHandler := handlers.NewStripeWebhookHandler(
		&external.StripeVerifier{Tolerance: cfg.Billing.WebhookTolerance},
		svc.Webhooks,
		cfg.Billing.StripeWebhookSecret,
		logger,
	)
	billingHandler := handlers.NewBillingHandler(svc.Plans, svc.Overrides, svc.Catalog, srv.Validator, logger)
	adminHandler := handlers.NewAdminHandler(svc.Tenants, svc.Quotes, svc.Overrides, srv.Validator, logger)

	srv.PublicRouteRegistrars = append(srv.PublicRouteRegistrars, webhookHandler.RegisterRoutes)
	srv.V1RouteRegistrars = append(srv.V1RouteRegistrars,
		func(r chi.Router) {
			r.Group(func(r chi.Router) {
				r.Use(srv.RequireTenant)
				billingHandler.RegisterRoutes(r)
			})
		},
		func(r chi.Router) {
			r.Group(func(r chi.Router) {
				r.Use(srv.RequireAdmin)
				adminHandler.RegisterRoutes(r)
			})
		},
	)

	srv.MountRoutes()
	return srv, nil
}

// runHTTPServer starts the server in standard HTTP mode with graceful shutdown.
func runHTTPServer(srv *core.Server, cfg *config.Config, logger *slog.Logger) error {
	addr := ":" + cfg.Server.Port

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)

	go func() {
		logger.Info("HTTP server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			_ = srv.Shutdown(context.Background())
			return fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info("initiating graceful shutdown")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	// Drains post-commit deliveries, then closes the database pool.
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server resource shutdown error", "error", err)
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("server stopped cleanly")
	return nil
}

// newLogger creates a JSON slog.Logger at the configured level, tagged with
// the service name.
func newLogger(cfg *config.Config) *slog.Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	})
	return slog.New(handler).With("service", cfg.Service)
}

// Package hub is the composition root that ties all hub components together.
package hub

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/rigpulse/rigpulse/hub/internal/api"
	"github.com/rigpulse/rigpulse/hub/internal/auth"
	"github.com/rigpulse/rigpulse/hub/internal/config"
	"github.com/rigpulse/rigpulse/hub/internal/router"
	"github.com/rigpulse/rigpulse/hub/internal/store"
)

// Hub is the main hub process.
type Hub struct {
	cfg    *config.Config
	store  store.Store
	router *router.Router
	api    *api.Server
	logger *slog.Logger
}

// New creates a new hub from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Hub, error) {
	// Initialize storage.
	db, err := store.New(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	// Create the identity verifiers based on config.
	sessions, devices, err := auth.NewProvider(cfg.Auth, db)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init auth provider: %w", err)
	}

	// Bootstrap (creates the admin user for the builtin provider).
	if err := sessions.Bootstrap(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bootstrap auth: %w", err)
	}

	var loginProvider auth.LoginProvider
	if lp, ok := sessions.(auth.LoginProvider); ok {
		loginProvider = lp
	}

	// Initialize the relay router.
	rt := router.New(db, sessions, devices, logger, router.Options{
		AllowedOrigins:    cfg.Server.AllowedOrigins,
		HeartbeatTimeout:  cfg.Relay.HeartbeatTimeout.Duration,
		MaxMessageBytes:   cfg.Relay.MaxMessageBytes,
		SnapshotCacheSize: cfg.Relay.SnapshotCacheSize,
	})

	// Initialize the API server.
	apiSrv := api.NewServer(db, sessions, loginProvider, rt, cfg, logger)

	h := &Hub{
		cfg:    cfg,
		store:  db,
		router: rt,
		api:    apiSrv,
		logger: logger.With("component", "hub"),
	}

	// Startup validation warnings (only for the builtin provider).
	if sessions.Name() == "builtin" {
		if len(cfg.Auth.JWTSecret) < 32 {
			logger.Warn("JWT secret is shorter than 32 characters; use a stronger secret in production")
		}
		if cfg.Auth.InitialAdmin != nil &&
			cfg.Auth.InitialAdmin.Username == "admin" && cfg.Auth.InitialAdmin.Password == "admin" {
			logger.Warn("default admin credentials detected (admin/admin); change immediately in production")
		}
	}
	for _, origin := range cfg.Server.AllowedOrigins {
		if origin == "*" {
			logger.Warn("CORS allowed_origins contains wildcard '*'; restrict to specific origins in production")
			break
		}
	}

	return h, nil
}

// Run starts the hub HTTP server and blocks until the context is canceled.
func (h *Hub) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    h.cfg.Server.Addr,
		Handler: h.api.Handler(),
	}

	// Start the liveness sweep for relay connections.
	h.router.StartLivenessMonitor(ctx, h.cfg.Relay.SweepInterval.Duration)

	// Start rate limiter cleanup tasks.
	h.api.StartBackgroundTasks(ctx)

	// Start the metrics retention purger.
	if h.cfg.Storage.MetricsRetention.Duration > 0 {
		go h.runRetentionPurger(ctx, h.cfg.Storage.MetricsRetention.Duration)
	}

	errCh := make(chan error, 1)
	go func() {
		h.logger.Info("hub listening", "addr", h.cfg.Server.Addr)
		if h.cfg.Server.TLSCert != "" && h.cfg.Server.TLSKey != "" {
			errCh <- srv.ListenAndServeTLS(h.cfg.Server.TLSCert, h.cfg.Server.TLSKey)
		} else {
			h.logger.Warn("TLS not configured, running without encryption (development only)")
			errCh <- srv.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		h.logger.Info("shutting down hub gracefully")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		h.router.Close()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			h.logger.Warn("graceful shutdown failed, forcing close", "error", err)
			_ = srv.Close()
		} else {
			h.logger.Info("http server stopped gracefully")
		}

		h.logger.Info("closing store")
		_ = h.store.Close()
		h.logger.Info("shutdown complete")
		return ctx.Err()

	case err := <-errCh:
		_ = h.store.Close()
		return err
	}
}

func (h *Hub) runRetentionPurger(ctx context.Context, retention time.Duration) {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-retention)
			if n, err := h.store.PurgeOldMetrics(ctx, cutoff); err != nil {
				h.logger.Warn("retention purge failed", "error", err)
			} else if n > 0 {
				h.logger.Info("retention purge: deleted old metrics", "count", n)
			}
		}
	}
}

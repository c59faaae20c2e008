// Package api provides the management HTTP API for the hub.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/rigpulse/rigpulse/hub/internal/auth"
	"github.com/rigpulse/rigpulse/hub/internal/config"
	"github.com/rigpulse/rigpulse/hub/internal/router"
	"github.com/rigpulse/rigpulse/hub/internal/store"
)

// Server is the HTTP API server. It manages users and device registrations
// and mounts the relay WebSocket endpoint.
type Server struct {
	store         store.Store
	authProvider  auth.Provider
	loginProvider auth.LoginProvider
	router        *router.Router
	logger        *slog.Logger
	mux           *chi.Mux
	startTime     time.Time
	maxBodyBytes  int64
	loginRL       *rateLimiter
	rl            *rateLimiter
}

// NewServer creates a new API server.
func NewServer(s store.Store, ap auth.Provider, lp auth.LoginProvider, rt *router.Router, cfg *config.Config, logger *slog.Logger) *Server {
	srv := &Server{
		store:         s,
		authProvider:  ap,
		loginProvider: lp,
		router:        rt,
		logger:        logger.With("component", "api"),
		startTime:     time.Now(),
		maxBodyBytes:  cfg.Server.MaxBodyBytes,
	}

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)
	mux.Use(securityHeadersMiddleware)
	mux.Use(makeCORSMiddleware(cfg.Server.AllowedOrigins))

	// Health check routes (unauthenticated)
	mux.Get("/healthz", srv.handleHealthz)
	mux.Get("/readyz", srv.handleReadyz)

	// Login route only registered when using builtin auth.
	if lp != nil {
		srv.loginRL = newRateLimiter(5, 10)
		mux.With(loginIPRateLimitMiddleware(srv.loginRL)).Post("/api/auth/login", srv.handleLogin)
	}

	// Relay WebSocket endpoint (auth handled in-band by the router)
	mux.Get("/ws", rt.HandleWS)

	// Authenticated API routes
	srv.rl = newRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	mux.Group(func(r chi.Router) {
		r.Use(srv.authMiddleware)
		r.Use(rateLimitMiddleware(srv.rl))

		r.Get("/api/me", srv.handleGetMe)
		r.Get("/api/stats", srv.handleStats)
		r.Get("/api/devices", srv.handleListDevices)
		r.Post("/api/devices", srv.handleCreateDevice)
		r.Delete("/api/devices/{deviceID}", srv.handleDeleteDevice)

		// Admin routes
		r.Group(func(r chi.Router) {
			r.Use(srv.adminMiddleware)
			r.Get("/api/users", srv.handleListUsers)
			if lp != nil {
				r.Post("/api/users", srv.handleCreateUser)
			}
		})
	})

	srv.mux = mux
	return srv
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return http.MaxBytesHandler(s.mux, s.maxBodyBytes)
}

// StartBackgroundTasks starts periodic rate limiter cleanup.
func (s *Server) StartBackgroundTasks(ctx context.Context) {
	s.rl.StartCleanup(ctx, 10*time.Minute, 30*time.Minute)
	if s.loginRL != nil {
		s.loginRL.StartCleanup(ctx, 10*time.Minute, 30*time.Minute)
	}
}

// --- Health ---

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.startTime).String(),
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// --- Auth ---

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	token, err := s.loginProvider.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		s.logger.Warn("login failed", "username", req.Username, "error", err)
		writeError(w, http.StatusInternalServerError, "login failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) handleGetMe(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{
		"user_id":  identity.UserID,
		"username": identity.Username,
		"role":     identity.Role,
	})
}

// --- Stats ---

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.router.GetStats())
}

// --- Devices ---

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())

	devices, err := s.store.ListDevicesByUser(r.Context(), identity.UserID)
	if err != nil {
		s.logger.Warn("list devices failed", "user_id", identity.UserID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list devices")
		return
	}
	if devices == nil {
		devices = []store.Device{}
	}
	writeJSON(w, http.StatusOK, devices)
}

func (s *Server) handleCreateDevice(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())

	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	token, err := auth.GenerateDeviceToken()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to generate token")
		return
	}

	dev := &store.Device{
		ID:        uuid.New().String(),
		UserID:    identity.UserID,
		Name:      req.Name,
		TokenHash: auth.HashDeviceToken(token),
		LastSeen:  time.Now(),
		CreatedAt: time.Now(),
	}
	if err := s.store.CreateDevice(r.Context(), dev); err != nil {
		s.logger.Warn("create device failed", "user_id", identity.UserID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create device")
		return
	}

	s.logger.Info("device registered", "device_id", dev.ID, "user_id", identity.UserID)

	// The plaintext token is returned exactly once; only its hash is stored.
	writeJSON(w, http.StatusCreated, map[string]any{
		"device": dev,
		"token":  token,
	})
}

func (s *Server) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	deviceID := chi.URLParam(r, "deviceID")

	dev, err := s.store.GetDeviceForUser(r.Context(), deviceID, identity.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to look up device")
		return
	}
	if dev == nil {
		writeError(w, http.StatusNotFound, "device not found")
		return
	}

	if err := s.store.DeleteDevice(r.Context(), deviceID, identity.UserID); err != nil {
		s.logger.Warn("delete device failed", "device_id", deviceID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to delete device")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// --- Users (admin) ---

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.store.ListUsers(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list users")
		return
	}
	if users == nil {
		users = []store.User{}
	}
	writeJSON(w, http.StatusOK, users)
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
		Role     string `json:"role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Username == "" || len(req.Password) < 8 {
		writeError(w, http.StatusBadRequest, "username and a password of at least 8 characters are required")
		return
	}

	user, err := s.loginProvider.Register(r.Context(), req.Username, req.Password, req.Role)
	if err != nil {
		if errors.Is(err, auth.ErrUserExists) {
			writeError(w, http.StatusConflict, "user already exists")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to create user")
		return
	}

	writeJSON(w, http.StatusCreated, user)
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

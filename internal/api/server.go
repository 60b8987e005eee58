// Package api exposes the bridge over HTTP: terminal connection checks,
// cached position polling, trade history and a WebSocket event stream.
package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/mt5-bridge/internal/engine"
	"github.com/eddiefleurent/mt5-bridge/internal/session"
)

// Version is reported by the service root endpoint.
const Version = "1.0.0"

type Server struct {
	router   *chi.Mux
	server   *http.Server
	engine   *engine.Manager
	registry *session.Registry
	logger   *logrus.Logger
	addr     string
	apiKey   string
	origins  []string
}

type Config struct {
	Addr   string
	APIKey string
	// AllowedOrigins is matched against the Origin header for CORS and
	// WebSocket upgrades. "*" allows any origin.
	AllowedOrigins []string
}

func NewServer(cfg Config, eng *engine.Manager, registry *session.Registry, logger *logrus.Logger) *Server {
	s := &Server{
		router:   chi.NewRouter(),
		engine:   eng,
		registry: registry,
		logger:   logger,
		addr:     cfg.Addr,
		apiKey:   cfg.APIKey,
		origins:  cfg.AllowedOrigins,
	}

	if s.apiKey == "" {
		s.logger.Warn("API key not configured, request authentication is disabled")
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-API-Key"},
		MaxAge:         300,
	}))

	s.router.Get("/", s.handleRoot)
	s.router.Get("/status", s.handleStatus)
	s.router.Handle("/metrics", promhttp.Handler())

	s.router.Route("/mt5", func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))
		r.Use(s.authMiddleware)

		r.Post("/disconnect", s.handleDisconnect)
		r.Get("/connections", s.handleConnections)

		r.Group(func(r chi.Router) {
			r.Use(s.requireEngine)

			r.Post("/connect", s.handleConnect)
			r.Post("/account", s.handleAccount)
			r.Post("/trades", s.handleTrades)
			r.Post("/positions", s.handlePositions)
		})
	})

	// No timeout middleware here, the stream stays open until the client
	// hangs up.
	s.router.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Get("/events", s.handleEvents)
	})
}

// authMiddleware checks the X-API-Key header (or api_key query parameter,
// which WebSocket clients need since they cannot set headers from browsers).
// An empty configured key disables authentication.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey == "" {
			next.ServeHTTP(w, r)
			return
		}

		key := r.Header.Get("X-API-Key")
		if key == "" {
			key = r.URL.Query().Get("api_key")
		}

		if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
			s.writeError(w, http.StatusUnauthorized, "invalid API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// requireEngine rejects terminal-backed requests while the polling engine is
// stopped, instead of letting callers wait out their full timeout.
func (s *Server) requireEngine(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.engine.Status().Running {
			s.writeError(w, http.StatusServiceUnavailable, "polling engine is not running")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Handler returns the configured router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Infof("Starting HTTP server on %s", s.addr)
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// Package http provides the HTTP server and handlers.
package http //nolint:revive // package name conflicts with stdlib but is acceptable in this context

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/terracat/terracat/internal/application"
	"github.com/terracat/terracat/internal/config"
	"github.com/terracat/terracat/internal/ports/output"
)

// Server wraps the HTTP server with application handlers.
type Server struct {
	server    *http.Server
	router    *mux.Router
	inventory *application.InventoryService
	catalog   output.Catalog
	drivers   application.Drivers
	health    *application.HealthService
	scheduler *application.RectifyScheduler
	logger    *slog.Logger
	config    config.ServerConfig
}

// NewServer creates a new HTTP server.
func NewServer(
	cfg config.ServerConfig,
	inventory *application.InventoryService,
	catalog output.Catalog,
	drivers application.Drivers,
	health *application.HealthService,
	scheduler *application.RectifyScheduler,
	logger *slog.Logger,
) *Server {
	s := &Server{
		inventory: inventory,
		catalog:   catalog,
		drivers:   drivers,
		health:    health,
		scheduler: scheduler,
		logger:    logger,
		config:    cfg,
	}

	s.router = s.setupRoutes()

	s.server = &http.Server{
		Addr:         cfg.Address(),
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return s
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() *mux.Router {
	r := mux.NewRouter()

	// Add middleware
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)

	// Health endpoints
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/health/live", s.handleLiveness).Methods(http.MethodGet)
	r.HandleFunc("/health/ready", s.handleReadiness).Methods(http.MethodGet)

	// API v1
	api := r.PathPrefix("/api/v1").Subrouter()

	// Driver endpoints
	api.HandleFunc("/drivers", s.handleListDrivers).Methods(http.MethodGet)
	api.HandleFunc("/drivers/{driver}", s.handleGetDriver).Methods(http.MethodGet)
	api.HandleFunc("/drivers/{driver}/tiles", s.handleListTiles).Methods(http.MethodGet)
	api.HandleFunc("/drivers/{driver}/tiles/{tile}/dates", s.handleListDates).Methods(http.MethodGet)

	// Catalog search endpoints
	api.HandleFunc("/assets", s.handleSearchAssets).Methods(http.MethodGet)
	api.HandleFunc("/products", s.handleSearchProducts).Methods(http.MethodGet)

	// Inventory resolution
	api.HandleFunc("/inventory", s.handleInventory).Methods(http.MethodPost)

	// Rectify trigger (only if the scheduler is configured)
	if s.scheduler != nil {
		api.HandleFunc("/rectify/{driver}", s.handleRectify).Methods(http.MethodPost)
	}

	return r
}

// Router returns the mux router.
func (s *Server) Router() *mux.Router {
	return s.router
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", "address", s.config.Address())
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// loggingMiddleware logs incoming requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Wrap response writer to capture status code
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			"duration", time.Since(start),
			"remote_addr", r.RemoteAddr,
		)
	})
}

// recoveryMiddleware recovers from panics.
func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				s.logger.Error("panic recovered", "error", err, "path", r.URL.Path)
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

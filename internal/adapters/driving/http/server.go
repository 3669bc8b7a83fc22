package http

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"time"

	_ "github.com/custodia-labs/permitflow/internal/adapters/driving/http/docs"
	"github.com/custodia-labs/permitflow/internal/core/domain"
	"github.com/custodia-labs/permitflow/internal/core/ports/driven"
	"github.com/custodia-labs/permitflow/internal/core/ports/driving"
)

// Pinger is a simple health check interface
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server represents the HTTP server
type Server struct {
	httpServer *http.Server
	router     *http.ServeMux
	version    string
	maxUpload  int64
	logger     *slog.Logger

	// Services
	authService        driving.AuthService
	pipelineService    driving.PipelineService
	guidelineService   driving.GuidelineService
	appointmentService driving.AppointmentService

	// Infrastructure
	attachments driven.BlobWriter
	taskQueue   driven.TaskQueue
	checks      map[string]Pinger
}

// Config holds server configuration
type Config struct {
	Host    string
	Port    int
	Version string

	// MaxUploadBytes bounds attachment uploads.
	MaxUploadBytes int64

	// AllowedOrigins enables CORS for browser clients. Empty disables CORS.
	AllowedOrigins []string

	Logger *slog.Logger
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Host:           "0.0.0.0",
		Port:           8080,
		Version:        "dev",
		MaxUploadBytes: 25 << 20,
	}
}

// Dependencies are the services and backends the API serves.
type Dependencies struct {
	Auth         driving.AuthService
	Pipeline     driving.PipelineService
	Guidelines   driving.GuidelineService
	Appointments driving.AppointmentService

	Attachments driven.BlobWriter
	TaskQueue   driven.TaskQueue

	// HealthChecks are pinged by /ready, keyed by component name.
	HealthChecks map[string]Pinger
}

// NewServer creates a new HTTP server
func NewServer(cfg Config, deps Dependencies) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = DefaultConfig().MaxUploadBytes
	}

	s := &Server{
		router:             http.NewServeMux(),
		version:            cfg.Version,
		maxUpload:          cfg.MaxUploadBytes,
		logger:             cfg.Logger,
		authService:        deps.Auth,
		pipelineService:    deps.Pipeline,
		guidelineService:   deps.Guidelines,
		appointmentService: deps.Appointments,
		attachments:        deps.Attachments,
		taskQueue:          deps.TaskQueue,
		checks:             deps.HealthChecks,
	}
	s.setupRoutes()

	var handler http.Handler = s.router
	if len(cfg.AllowedOrigins) > 0 {
		handler = NewCORSMiddleware(cfg.AllowedOrigins).Handler(handler)
	}
	handler = NewLoggingMiddleware(cfg.Logger).Handler(handler)
	handler = NewRecoveryMiddleware(cfg.Logger).Handler(handler)
	handler = WithRequestID(handler)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler returns the root handler including middleware.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	authMiddleware := NewAuthMiddleware(s.authService)
	ingest := func(h http.HandlerFunc) http.Handler {
		return authMiddleware.Authenticate(authMiddleware.RequireScope(domain.ScopeIngest)(h))
	}
	admin := func(h http.HandlerFunc) http.Handler {
		return authMiddleware.Authenticate(authMiddleware.RequireScope(domain.ScopeAdmin)(h))
	}

	// Health endpoints (no auth)
	s.router.HandleFunc("GET /health", s.handleHealth)
	s.router.HandleFunc("GET /ready", s.handleReady)
	s.router.HandleFunc("GET /version", s.handleVersion)
	s.router.HandleFunc("GET /swagger/doc.json", s.handleSwagger)

	// Client credentials exchange (public)
	s.router.HandleFunc("POST /api/v1/auth/token", s.handleIssueToken)

	// Ingestion
	s.router.Handle("POST /api/v1/attachments", ingest(s.handleUploadAttachment))
	s.router.Handle("POST /api/v1/submissions", ingest(s.handleSubmit))
	s.router.Handle("GET /api/v1/submissions/{id}", ingest(s.handleGetSubmission))

	// Operator corrections
	s.router.Handle("POST /api/v1/submissions/{id}/cancel", admin(s.handleCancelSubmission))
	s.router.Handle("POST /api/v1/submissions/{id}/reevaluate", admin(s.handleReevaluate))
	s.router.Handle("GET /api/v1/stats", admin(s.handleStats))

	// Guideline corpus
	s.router.Handle("GET /api/v1/guidelines", ingest(s.handleGuidelineStats))
	s.router.Handle("POST /api/v1/guidelines/query", ingest(s.handleGuidelineQuery))
	s.router.Handle("POST /api/v1/guidelines/load", admin(s.handleGuidelineLoad))

	// Appointment calendar
	s.router.Handle("GET /api/v1/slots", ingest(s.handleListSlots))
	s.router.Handle("POST /api/v1/slots", admin(s.handleGenerateSlots))
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Printf("Starting server on %s", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Println("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	log.Println("Server stopped")
	return nil
}

// Stop stops the server
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

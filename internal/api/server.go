// Package api provides the admin HTTP API of the autostop orchestrator.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"github.com/hugo-lorenzo-mato/autostop/internal/app"
	"github.com/hugo-lorenzo-mato/autostop/internal/core"
	"github.com/hugo-lorenzo-mato/autostop/internal/logging"
	"github.com/hugo-lorenzo-mato/autostop/internal/metrics"
	"github.com/hugo-lorenzo-mato/autostop/internal/monitor"
)

// Orchestrator is the set of operations the API exposes.
type Orchestrator interface {
	Status(ctx context.Context) (app.Status, error)
	Suspend(ctx context.Context) (core.RoutingState, error)
	Resume(ctx context.Context) (core.StartResult, error)
	CheckIdle(ctx context.Context, dryRun bool) monitor.Result
	Reconcile(ctx context.Context) (*core.StartResult, error)
}

// Server provides the admin endpoints.
type Server struct {
	router chi.Router
	orch   Orchestrator
	logger *logging.Logger
	cors   []string
}

// ServerOption configures the server.
type ServerOption func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger *logging.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithCORS allows browser requests from origins.
func WithCORS(origins []string) ServerOption {
	return func(s *Server) {
		s.cors = origins
	}
}

// NewServer creates a new API server.
func NewServer(orch Orchestrator, opts ...ServerOption) *Server {
	s := &Server{
		orch:   orch,
		logger: logging.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.setupRouter()
	return s
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(s.loggingMiddleware)

	if len(s.cors) > 0 {
		r.Use(cors.New(cors.Options{
			AllowedOrigins: s.cors,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type", "X-Requested-With"},
			MaxAge:         300,
		}).Handler)
	}

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Post("/suspend", s.handleSuspend)
		r.Post("/resume", s.handleResume)
		r.Post("/idle-check", s.handleIdleCheck)
		r.Post("/reconcile", s.handleReconcile)
	})

	return r
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			s.logger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
			)
		}()

		next.ServeHTTP(ww, r)
	})
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// domainErrorStatus maps error categories to HTTP statuses. Categories not
// listed answer 500.
var domainErrorStatus = map[core.ErrorCategory]int{
	core.ErrCatValidation: http.StatusUnprocessableEntity,
	core.ErrCatNotFound:   http.StatusNotFound,
	core.ErrCatConflict:   http.StatusConflict,
	core.ErrCatTimeout:    http.StatusGatewayTimeout,
	core.ErrCatTransient:  http.StatusBadGateway,
}

// respondDomainError writes err with the status of its category and its code.
func respondDomainError(w http.ResponseWriter, err error) {
	var de *core.DomainError
	if !errors.As(err, &de) || de == nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	status, ok := domainErrorStatus[de.Category]
	if !ok {
		status = http.StatusInternalServerError
	}
	respondJSON(w, status, map[string]string{
		"error":    err.Error(),
		"category": string(de.Category),
		"code":     de.Code,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// Serve runs handler on addr until ctx is cancelled, then shuts it down gracefully.
func Serve(ctx context.Context, addr string, handler http.Handler, logger *logging.Logger) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return ServeListener(ctx, lis, handler, logger)
}

// ServeListener is Serve on an existing listener.
func ServeListener(ctx context.Context, lis net.Listener, handler http.Handler, logger *logging.Logger) error {
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("http server listening", "addr", lis.Addr().String())
	if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

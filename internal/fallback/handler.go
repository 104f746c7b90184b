// Package fallback serves traffic routed away from a suspended workload. Every
// request gets a prompt interim response and, if no resume is running, starts one.
package fallback

import (
	"bytes"
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jellydator/ttlcache/v3"

	"github.com/hugo-lorenzo-mato/autostop/internal/core"
	"github.com/hugo-lorenzo-mato/autostop/internal/logging"
	"github.com/hugo-lorenzo-mato/autostop/internal/metrics"
)

// StatusHeader carries the resume status on every fallback response.
const StatusHeader = "X-Autostop-Status"

// Resumer is what the handler needs from the resume engine.
type Resumer interface {
	core.ResumeStarter
	core.ResumeObserver
}

// Config configures the handler.
type Config struct {
	Workload       core.WorkloadID
	RefreshSeconds int
	StatusCacheTTL time.Duration
	Page           Page
}

// Handler is the fallback HTTP target.
type Handler struct {
	workload core.WorkloadID
	refresh  int
	resumer  Resumer
	alerts   core.AlertSink
	log      *logging.Logger
	cache    *ttlcache.Cache[core.WorkloadID, core.ResumeStatus]
	router   chi.Router

	mu   sync.RWMutex
	page Page
}

// New creates a fallback handler.
func New(cfg Config, resumer Resumer, alerts core.AlertSink, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.NewNop()
	}
	h := &Handler{
		workload: cfg.Workload,
		refresh:  cfg.RefreshSeconds,
		resumer:  resumer,
		alerts:   alerts,
		log:      logger.WithComponent("fallback").WithWorkload(string(cfg.Workload)),
		page:     cfg.Page,
	}
	if cfg.StatusCacheTTL > 0 {
		h.cache = ttlcache.New(
			ttlcache.WithTTL[core.WorkloadID, core.ResumeStatus](cfg.StatusCacheTTL),
			ttlcache.WithDisableTouchOnHit[core.WorkloadID, core.ResumeStatus](),
		)
	}
	h.router = h.setupRouter()
	return h
}

func (h *Handler) setupRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.NoCache)
	r.HandleFunc("/*", h.serve)
	return r
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

// SetPage replaces the page copy, e.g. after a config reload.
func (h *Handler) SetPage(p Page) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.page = p
}

func (h *Handler) currentPage() Page {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.page
}

func (h *Handler) serve(w http.ResponseWriter, r *http.Request) {
	status := h.Status(r.Context())
	w.Header().Set(StatusHeader, string(status))

	if r.Method != http.MethodGet {
		metrics.RecordFallbackRequest("probe", string(status))
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(status.Label() + "\n"))
		return
	}

	var buf bytes.Buffer
	if err := renderPage(&buf, h.currentPage(), h.refresh, status); err != nil {
		h.log.Error("rendering fallback page", "error", err)
		http.Error(w, status.Label(), http.StatusInternalServerError)
		return
	}
	metrics.RecordFallbackRequest("page", string(status))
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

// Status derives the client-visible resume status, starting a resume when the
// workload is suspended and none is running. It never waits for the workflow.
func (h *Handler) Status(ctx context.Context) core.ResumeStatus {
	if h.cache != nil {
		if item := h.cache.Get(h.workload); item != nil {
			return item.Value()
		}
	}

	status, ok := h.derive(ctx)
	if ok && h.cache != nil {
		h.cache.Set(h.workload, status, ttlcache.DefaultTTL)
	}
	return status
}

// derive reports false when the status is a guess that should not be cached.
func (h *Handler) derive(ctx context.Context) (core.ResumeStatus, bool) {
	view, err := h.resumer.ResumeView(ctx, h.workload)
	if err != nil {
		h.log.Warn("reading resume state", "error", err)
		return core.StatusInitial, false
	}
	switch {
	case view.Running:
		return view.Status, true
	case !view.Stashed:
		// Routing is being restored or already has been; the next refresh
		// reaches the workload.
		return core.StatusReady, true
	}

	res, err := h.resumer.StartIfNotRunning(ctx, h.workload)
	if err != nil {
		h.log.Error("starting resume", "error", err)
		h.alerts.Publish(ctx, core.AlertFromError(h.workload, "fallback", "could not start resume", err))
		return core.StatusInitial, false
	}
	if !res.AlreadyRunning {
		h.log.Info("resume triggered by request", "execution_id", res.ExecutionID)
	}
	return core.StatusInitial, true
}

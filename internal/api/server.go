// Package api exposes the build orchestrator over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/buildforge/internal/model"
	"github.com/sells-group/buildforge/internal/monitoring"
	"github.com/sells-group/buildforge/internal/orchestrator"
	"github.com/sells-group/buildforge/internal/progress"
	"github.com/sells-group/buildforge/internal/store"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
	maxBodyBytes     = 1 << 20
)

// Builder starts and cancels jobs. *orchestrator.Orchestrator implements it.
type Builder interface {
	Submit(ctx context.Context, instruction string, opts model.BuildOptions) (string, error)
	Cancel(jobID string) error
}

// Jobs reads job progress. *progress.Tracker implements it.
type Jobs interface {
	Snapshot(ctx context.Context, jobID string) (*progress.Snapshot, error)
	List(ctx context.Context, filter store.JobFilter) ([]*progress.Snapshot, error)
}

// Limits reports provider rate-limit state. *ratelimit.Registry implements it.
type Limits interface {
	Status() map[string]model.ProviderStatus
}

// Metrics collects a metrics snapshot. *monitoring.Collector implements it.
type Metrics interface {
	Collect(ctx context.Context, lookbackHours int) (*monitoring.MetricsSnapshot, error)
}

// Deps are the collaborators behind the HTTP handlers. Metrics may be nil.
type Deps struct {
	Builder       Builder
	Jobs          Jobs
	Limits        Limits
	Metrics       Metrics
	LookbackHours int
	CORSOrigins   []string
}

// BuildRequest is the body of POST /build.
type BuildRequest struct {
	Instruction string             `json:"instruction"`
	Options     model.BuildOptions `json:"options"`
}

type handler struct {
	deps Deps
}

// NewRouter builds the chi router serving the API.
func NewRouter(deps Deps) http.Handler {
	h := &handler{deps: deps}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	origins := deps.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", h.health)
	r.Post("/build", h.submit)
	r.Get("/build/{id}/progress", h.progress)
	r.Post("/build/{id}/cancel", h.cancel)
	r.Get("/builds", h.list)
	r.Get("/providers/status", h.providers)
	r.Get("/metrics", h.metrics)

	return r
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) submit(w http.ResponseWriter, r *http.Request) {
	var req BuildRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Instruction) == "" {
		writeError(w, http.StatusBadRequest, "instruction is required")
		return
	}

	id, err := h.deps.Builder.Submit(r.Context(), req.Instruction, req.Options)
	if err != nil {
		zap.L().Error("api: submit failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to submit build")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": id})
}

func (h *handler) progress(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	snap, err := h.deps.Jobs.Snapshot(r.Context(), id)
	if err != nil {
		if errors.Is(err, progress.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, fmt.Sprintf("job %s not found", id))
			return
		}
		zap.L().Error("api: snapshot failed", zap.String("job_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *handler) cancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := h.deps.Builder.Cancel(id)
	if err == nil {
		writeJSON(w, http.StatusAccepted, map[string]string{"job_id": id, "status": "cancelling"})
		return
	}
	if !errors.Is(err, orchestrator.ErrNotRunning) {
		writeError(w, http.StatusInternalServerError, "failed to cancel job")
		return
	}

	// Not running: distinguish an unknown job from a finished one.
	snap, serr := h.deps.Jobs.Snapshot(r.Context(), id)
	switch {
	case errors.Is(serr, progress.ErrJobNotFound):
		writeError(w, http.StatusNotFound, fmt.Sprintf("job %s not found", id))
	case serr != nil:
		writeError(w, http.StatusInternalServerError, "failed to load job")
	default:
		writeError(w, http.StatusConflict, fmt.Sprintf("job %s is %s", id, snap.Status))
	}
}

func (h *handler) list(w http.ResponseWriter, r *http.Request) {
	filter := store.JobFilter{
		Status: model.JobStatus(r.URL.Query().Get("status")),
		Limit:  defaultListLimit,
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = min(n, maxListLimit)
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "offset must be a non-negative integer")
			return
		}
		filter.Offset = n
	}

	jobs, err := h.deps.Jobs.List(r.Context(), filter)
	if err != nil {
		zap.L().Error("api: list failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "count": len(jobs)})
}

func (h *handler) providers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.Limits.Status())
}

func (h *handler) metrics(w http.ResponseWriter, r *http.Request) {
	if h.deps.Metrics == nil {
		writeError(w, http.StatusNotFound, "metrics disabled")
		return
	}
	hours := h.deps.LookbackHours
	if v := r.URL.Query().Get("hours"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "hours must be a non-negative integer")
			return
		}
		hours = n
	}
	snap, err := h.deps.Metrics.Collect(r.Context(), hours)
	if err != nil {
		zap.L().Error("api: collect metrics failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to collect metrics")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Debug("api: request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("api: encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// ListenAndServe serves handler on port until ctx is cancelled, then shuts
// down gracefully.
func ListenAndServe(ctx context.Context, handler http.Handler, port int) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return eris.Wrap(err, "api: listen")
		}
		return nil
	case <-ctx.Done():
	}

	zap.L().Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return eris.Wrap(err, "api: shutdown")
	}
	return nil
}

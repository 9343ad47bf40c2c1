package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/flexinfer/mentatlab/services/pipeline-go/internal/config"
	"github.com/flexinfer/mentatlab/services/pipeline-go/internal/engine"
	"github.com/flexinfer/mentatlab/services/pipeline-go/internal/outbox"
	"github.com/flexinfer/mentatlab/services/pipeline-go/internal/pipelinestore"
	"github.com/flexinfer/mentatlab/services/pipeline-go/internal/runstore"
	"github.com/flexinfer/mentatlab/services/pipeline-go/internal/validator"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 4 << 20

// Handlers contains all HTTP handlers and their dependencies.
type Handlers struct {
	pipelines pipelinestore.Store
	runs      runstore.RunStore
	engine    *engine.Engine
	validator *validator.Validator
	outbox    *outbox.Dispatcher
	config    *config.Config
	logger    *slog.Logger

	heartbeat time.Duration
	limiter   *RunLimiter

	// Background runs outlive their request and stop on Shutdown.
	runCtx    context.Context
	cancelRun context.CancelFunc
	wg        sync.WaitGroup
}

// Deps groups the collaborators of the HTTP layer. Outbox may be nil.
type Deps struct {
	Pipelines pipelinestore.Store
	Runs      runstore.RunStore
	Engine    *engine.Engine
	Validator *validator.Validator
	Outbox    *outbox.Dispatcher
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(deps Deps, cfg *config.Config, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg == nil {
		cfg = &config.Config{}
	}
	var limiter *RunLimiter
	if cfg.RunRateLimitRPS > 0 {
		limiter = NewRunLimiter(cfg.RunRateLimitRPS, cfg.RunRateLimitBurst, 10*time.Minute)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Handlers{
		pipelines: deps.Pipelines,
		runs:      deps.Runs,
		engine:    deps.Engine,
		validator: deps.Validator,
		outbox:    deps.Outbox,
		config:    cfg,
		logger:    logger,
		heartbeat: 15 * time.Second,
		limiter:   limiter,
		runCtx:    ctx,
		cancelRun: cancel,
	}
}

// Shutdown cancels background runs and waits for them to finish or for ctx
// to expire.
func (h *Handlers) Shutdown(ctx context.Context) error {
	h.cancelRun()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// --- Health Endpoints ---

// Health handles the /health and /healthz endpoints.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready handles the /ready endpoint, checking dependencies.
func (h *Handlers) Ready(w http.ResponseWriter, r *http.Request) {
	info, err := h.runs.AdapterInfo(r.Context())
	if err != nil {
		h.respondError(w, r, http.StatusServiceUnavailable, "runstore unhealthy", err)
		return
	}
	if healthy, ok := info["healthy"].(bool); ok && !healthy {
		h.respondError(w, r, http.StatusServiceUnavailable, "runstore unhealthy", errors.New("runstore ping failed"))
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ready",
		"runstore": info,
	})
}

// RunStoreInfo handles GET /api/v1/runstore/info
func (h *Handlers) RunStoreInfo(w http.ResponseWriter, r *http.Request) {
	info, err := h.runs.AdapterInfo(r.Context())
	if err != nil {
		h.respondError(w, r, http.StatusInternalServerError, "failed to get runstore info", err)
		return
	}
	h.respondJSON(w, http.StatusOK, info)
}

// --- Helper Methods ---

func (h *Handlers) decodeBody(w http.ResponseWriter, r *http.Request, out any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(out); err != nil {
		h.respondError(w, r, http.StatusBadRequest, "invalid request body", err)
		return false
	}
	return true
}

func (h *Handlers) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handlers) respondError(w http.ResponseWriter, r *http.Request, status int, message string, err error) {
	var details map[string]interface{}
	if err != nil {
		details = map[string]interface{}{"cause": err.Error()}
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error(message, "error", err, "status", status, "request_id", GetRequestID(r.Context(), r))
	} else {
		h.logger.Debug(message, "error", err, "status", status)
	}
	writeErrorResponse(w, r, status, HTTPStatusToErrorCode(status), message, details)
}

// storeError maps pipeline store errors to HTTP responses.
func (h *Handlers) storeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, pipelinestore.ErrPipelineNotFound):
		h.respondError(w, r, http.StatusNotFound, "pipeline not found", err)
	case errors.Is(err, pipelinestore.ErrPipelineExists):
		h.respondError(w, r, http.StatusConflict, "pipeline already exists", err)
	case errors.Is(err, pipelinestore.ErrVersionConflict):
		h.respondError(w, r, http.StatusConflict, "pipeline was modified concurrently", err)
	default:
		h.respondError(w, r, http.StatusInternalServerError, "pipeline store failure", err)
	}
}

package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/flexinfer/mentatlab/services/pipeline-go/internal/engine"
	"github.com/flexinfer/mentatlab/services/pipeline-go/internal/runstore"
	"github.com/flexinfer/mentatlab/services/pipeline-go/pkg/types"
)

// ExecuteRequest is the body of execute and run requests. An empty body runs
// the pipeline without external inputs.
type ExecuteRequest struct {
	Inputs map[string]any `json:"inputs,omitempty"`
}

// CreateRunResponse is returned when a run is started asynchronously.
type CreateRunResponse struct {
	RunID  string          `json:"runId"`
	Status types.RunStatus `json:"status"`
	SSEURL string          `json:"sseUrl"`
	WSURL  string          `json:"wsUrl"`
}

func (h *Handlers) readExecuteRequest(w http.ResponseWriter, r *http.Request) (*ExecuteRequest, bool) {
	req := &ExecuteRequest{}
	if r.ContentLength == 0 {
		return req, true
	}
	if !h.decodeBody(w, r, req) {
		return nil, false
	}
	return req, true
}

// ExecutePipeline handles POST /api/v1/pipelines/{id}/execute. It blocks until
// the run finishes and answers with the full execution result. A failed run is
// still a 200; the status lives in the body.
func (h *Handlers) ExecutePipeline(w http.ResponseWriter, r *http.Request) {
	req, ok := h.readExecuteRequest(w, r)
	if !ok {
		return
	}

	in := types.ExecutePipelineInput{PipelineID: mux.Vars(r)["id"], Inputs: req.Inputs}
	result, err := h.engine.ExecutePipeline(r.Context(), in, nil)
	if err != nil {
		h.storeError(w, r, err)
		return
	}

	if h.outbox != nil {
		if p, err := h.pipelines.Get(r.Context(), in.PipelineID); err == nil {
			h.dispatch(r.Context(), p, result)
		} else {
			h.logger.Warn("outbox skipped: pipeline unavailable", "run_id", result.RunID, "error", err)
		}
	}
	h.respondJSON(w, http.StatusOK, result)
}

// StartRun handles POST /api/v1/pipelines/{id}/runs. The run executes in the
// background; clients follow it through the returned stream URLs.
func (h *Handlers) StartRun(w http.ResponseWriter, r *http.Request) {
	req, ok := h.readExecuteRequest(w, r)
	if !ok {
		return
	}

	p, err := h.pipelines.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.storeError(w, r, err)
		return
	}

	runID := engine.NewRunID()
	if err := h.runs.CreateRun(r.Context(), runID, p.ID); err != nil {
		h.respondError(w, r, http.StatusInternalServerError, "failed to create run", err)
		return
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		result := h.engine.Run(h.runCtx, runID, p, req.Inputs, nil)
		h.dispatch(h.runCtx, p, result)
		h.logger.Info("run finished",
			"run_id", runID,
			"pipeline_id", p.ID,
			"status", result.Status,
		)
	}()

	h.logger.Info("run started", "run_id", runID, "pipeline_id", p.ID)
	h.respondJSON(w, http.StatusAccepted, CreateRunResponse{
		RunID:  runID,
		Status: types.RunStatusPending,
		SSEURL: "/api/v1/runs/" + runID + "/events",
		WSURL:  "/api/v1/runs/" + runID + "/ws",
	})
}

// GetRun handles GET /api/v1/runs/{id}
func (h *Handlers) GetRun(w http.ResponseWriter, r *http.Request) {
	meta, err := h.runs.GetRunMeta(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.runError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, meta)
}

// dispatch hands emit and store outputs of a finished run to the outbox.
func (h *Handlers) dispatch(ctx context.Context, p *types.Pipeline, result *types.PipelineExecutionResult) {
	if h.outbox == nil || result == nil {
		return
	}
	sum := h.outbox.Dispatch(ctx, p, result)
	if sum.Emitted+sum.Stored+sum.Failures > 0 {
		h.logger.Info("outbox dispatched",
			"run_id", result.RunID,
			"emitted", sum.Emitted,
			"stored", sum.Stored,
			"failures", sum.Failures,
		)
	}
}

func (h *Handlers) runError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, runstore.ErrRunNotFound) {
		h.respondError(w, r, http.StatusNotFound, "run not found", err)
		return
	}
	h.respondError(w, r, http.StatusInternalServerError, "run store failure", err)
}

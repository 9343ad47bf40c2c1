package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/flexinfer/mentatlab/services/pipeline-go/internal/pipelinestore"
	"github.com/flexinfer/mentatlab/services/pipeline-go/internal/validator"
	"github.com/flexinfer/mentatlab/services/pipeline-go/pkg/types"
)

// readPipeline reads and validates a pipeline document from the request body.
func (h *Handlers) readPipeline(w http.ResponseWriter, r *http.Request) (*types.Pipeline, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.respondError(w, r, http.StatusBadRequest, "failed to read request body", err)
		return nil, false
	}

	result := h.validator.ValidateJSON(body)
	if !result.Valid {
		h.respondValidation(w, r, result)
		return nil, false
	}

	var p types.Pipeline
	if err := json.Unmarshal(body, &p); err != nil {
		h.respondError(w, r, http.StatusBadRequest, "invalid pipeline document", err)
		return nil, false
	}
	return &p, true
}

func (h *Handlers) respondValidation(w http.ResponseWriter, r *http.Request, result *validator.ValidationResult) {
	writeErrorResponse(w, r, http.StatusUnprocessableEntity, ErrCodeValidationFailed, "pipeline validation failed",
		map[string]interface{}{
			"errors":   result.Errors,
			"warnings": result.Warnings,
		})
}

// CreatePipeline handles POST /api/v1/pipelines
func (h *Handlers) CreatePipeline(w http.ResponseWriter, r *http.Request) {
	p, ok := h.readPipeline(w, r)
	if !ok {
		return
	}

	created, err := h.pipelines.Create(r.Context(), p)
	if err != nil {
		h.storeError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusCreated, created)
}

// ListPipelines handles GET /api/v1/pipelines?limit=&offset=&canvasId=
func (h *Handlers) ListPipelines(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := &pipelinestore.ListOptions{CanvasID: q.Get("canvasId")}

	for name, dst := range map[string]*int{"limit": &opts.Limit, "offset": &opts.Offset} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			h.respondError(w, r, http.StatusBadRequest, "invalid "+name, err)
			return
		}
		*dst = n
	}

	pipelines, err := h.pipelines.List(r.Context(), opts)
	if err != nil {
		h.storeError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"pipelines": pipelines,
		"count":     len(pipelines),
	})
}

// GetPipeline handles GET /api/v1/pipelines/{id}
func (h *Handlers) GetPipeline(w http.ResponseWriter, r *http.Request) {
	p, err := h.pipelines.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.storeError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, p)
}

// UpdatePipeline handles PUT /api/v1/pipelines/{id}. The body must carry the
// version it was based on.
func (h *Handlers) UpdatePipeline(w http.ResponseWriter, r *http.Request) {
	p, ok := h.readPipeline(w, r)
	if !ok {
		return
	}
	p.ID = mux.Vars(r)["id"]

	updated, err := h.pipelines.Update(r.Context(), p)
	if err != nil {
		h.storeError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, updated)
}

// DeletePipeline handles DELETE /api/v1/pipelines/{id}
func (h *Handlers) DeletePipeline(w http.ResponseWriter, r *http.Request) {
	if err := h.pipelines.Delete(r.Context(), mux.Vars(r)["id"]); err != nil {
		h.storeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ValidatePipeline handles POST /api/v1/pipelines/validate. It always answers
// 200 with the validation result.
func (h *Handlers) ValidatePipeline(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.respondError(w, r, http.StatusBadRequest, "failed to read request body", err)
		return
	}
	h.respondJSON(w, http.StatusOK, h.validator.ValidateJSON(body))
}

package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/flexinfer/mentatlab/services/lineage-go/internal/config"
	"github.com/flexinfer/mentatlab/services/lineage-go/internal/dataflow"
	"github.com/flexinfer/mentatlab/services/lineage-go/internal/events"
	"github.com/flexinfer/mentatlab/services/lineage-go/internal/runstore"
	"github.com/flexinfer/mentatlab/services/lineage-go/internal/scheduler"
	"github.com/flexinfer/mentatlab/services/lineage-go/internal/validator"
	"github.com/flexinfer/mentatlab/services/lineage-go/pkg/types"
)

// maxDefinitionBytes caps request bodies carrying pipeline definitions.
const maxDefinitionBytes = 1 << 20

// Handlers contains all HTTP handlers and their dependencies.
type Handlers struct {
	store     runstore.Store
	scheduler *scheduler.Scheduler
	bus       events.Bus
	artifacts *dataflow.Store
	validator *validator.Validator
	config    *config.Config
	logger    *slog.Logger
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(store runstore.Store, sched *scheduler.Scheduler, bus events.Bus, artifacts *dataflow.Store, v *validator.Validator, cfg *config.Config, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		store:     store,
		scheduler: sched,
		bus:       bus,
		artifacts: artifacts,
		validator: v,
		config:    cfg,
		logger:    logger,
	}
}

// --- Health Endpoints ---

// Health handles the /health and /healthz endpoints.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready handles the /ready endpoint, checking the metadata store.
func (h *Handlers) Ready(w http.ResponseWriter, r *http.Request) {
	info, err := h.store.AdapterInfo(r.Context())
	if err != nil {
		h.respondError(w, r, http.StatusServiceUnavailable, "metadata store unhealthy", err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ready",
		"store":       info,
		"active_runs": len(h.scheduler.Active()),
	})
}

// --- Pipelines ---

// RegisterPipeline handles POST /api/v1/pipelines. The body is a YAML or
// JSON pipeline definition; registering an existing name adds a version.
func (h *Handlers) RegisterPipeline(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxDefinitionBytes))
	if err != nil {
		h.respondError(w, r, http.StatusBadRequest, "failed to read body", err)
		return
	}
	spec, res := h.validator.ParsePipeline(body)
	if !res.Valid {
		h.respondValidation(w, r, res)
		return
	}

	p := &types.Pipeline{
		Name:  spec.Name,
		Spec:  spec,
		Owner: r.URL.Query().Get("owner"),
	}
	if err := h.store.CreatePipeline(r.Context(), p); err != nil {
		h.respondDomainError(w, r, "failed to register pipeline", err)
		return
	}
	h.logger.Info("pipeline registered",
		slog.String("pipeline_id", p.ID),
		slog.String("pipeline", p.Name),
		slog.Int("version", p.Version))
	h.respondJSON(w, http.StatusCreated, p)
}

// ListPipelines handles GET /api/v1/pipelines. With ?name= it returns the
// latest version of that pipeline only.
func (h *Handlers) ListPipelines(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if name := r.URL.Query().Get("name"); name != "" {
		p, err := h.store.GetPipelineByName(ctx, name)
		if err != nil {
			h.respondDomainError(w, r, "failed to get pipeline", err)
			return
		}
		h.respondJSON(w, http.StatusOK, map[string]interface{}{"pipelines": []*types.Pipeline{p}})
		return
	}
	ps, err := h.store.ListPipelines(ctx)
	if err != nil {
		h.respondDomainError(w, r, "failed to list pipelines", err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{"pipelines": ps})
}

// GetPipeline handles GET /api/v1/pipelines/{id}
func (h *Handlers) GetPipeline(w http.ResponseWriter, r *http.Request) {
	p, err := h.store.GetPipeline(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondDomainError(w, r, "failed to get pipeline", err)
		return
	}
	h.respondJSON(w, http.StatusOK, p)
}

// --- Runs ---

// SubmitRunRequest is the request body for starting a run: either a
// registered pipeline or an inline spec.
type SubmitRunRequest struct {
	PipelineID string              `json:"pipeline_id" validate:"required_without=Spec"`
	Spec       *types.PipelineSpec `json:"spec" validate:"required_without=PipelineID"`
	Name       string              `json:"name" validate:"omitempty,max=256"`
	Env        map[string]string   `json:"env"`
}

// SubmitRunResponse is the response body after submitting a run.
type SubmitRunResponse struct {
	Run    *types.PipelineRun `json:"run"`
	SSEURL string             `json:"sse_url"`
}

// SubmitRun handles POST /api/v1/runs
func (h *Handlers) SubmitRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req SubmitRunRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxDefinitionBytes)).Decode(&req); err != nil {
		h.respondError(w, r, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if res := h.validator.Struct(req); !res.Valid {
		h.respondValidation(w, r, res)
		return
	}

	spec := req.Spec
	if req.PipelineID != "" {
		p, err := h.store.GetPipeline(ctx, req.PipelineID)
		if err != nil {
			h.respondDomainError(w, r, "failed to get pipeline", err)
			return
		}
		spec = p.Spec
	} else if res := h.validator.ValidatePipeline(spec); !res.Valid {
		h.respondValidation(w, r, res)
		return
	}

	run, err := h.scheduler.Submit(ctx, &scheduler.RunRequest{
		Spec:       spec,
		PipelineID: req.PipelineID,
		Name:       req.Name,
		Env:        req.Env,
	})
	if err != nil {
		h.respondDomainError(w, r, "failed to submit run", err)
		return
	}
	h.respondJSON(w, http.StatusAccepted, SubmitRunResponse{
		Run:    run,
		SSEURL: "/api/v1/runs/" + run.ID + "/events",
	})
}

// ListRuns handles GET /api/v1/runs?pipeline_id=&status=&limit=
func (h *Handlers) ListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := types.RunFilter{
		PipelineID: q.Get("pipeline_id"),
		Status:     types.RunStatus(q.Get("status")),
	}
	if l := q.Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 0 {
			h.respondError(w, r, http.StatusBadRequest, "invalid limit", errors.New("limit must be a non-negative integer"))
			return
		}
		filter.Limit = n
	}

	runs, err := h.store.ListRuns(r.Context(), filter)
	if err != nil {
		h.respondDomainError(w, r, "failed to list runs", err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{"runs": runs})
}

// GetRun handles GET /api/v1/runs/{id}. The response lists every declared
// step, including steps that never became ready.
func (h *Handlers) GetRun(w http.ResponseWriter, r *http.Request) {
	summary, err := scheduler.Summarize(r.Context(), h.store, mux.Vars(r)["id"])
	if err != nil {
		h.respondDomainError(w, r, "failed to get run", err)
		return
	}
	h.respondJSON(w, http.StatusOK, summary)
}

// DeleteRun handles DELETE /api/v1/runs/{id}
func (h *Handlers) DeleteRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	runID := mux.Vars(r)["id"]

	for _, id := range h.scheduler.Active() {
		if id == runID {
			h.respondDomainError(w, r, "run is still executing", scheduler.ErrRunActive)
			return
		}
	}
	if err := h.store.DeleteRun(ctx, runID); err != nil {
		h.respondDomainError(w, r, "failed to delete run", err)
		return
	}
	if err := h.bus.Forget(ctx, runID); err != nil {
		h.logger.Warn("failed to drop run events", slog.String("run_id", runID), slog.Any("error", err))
	}
	w.WriteHeader(http.StatusNoContent)
}

// CancelRun handles POST /api/v1/runs/{id}/cancel
func (h *Handlers) CancelRun(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["id"]
	if err := h.scheduler.Cancel(r.Context(), runID); err != nil {
		h.respondDomainError(w, r, "failed to cancel run", err)
		return
	}
	h.respondJSON(w, http.StatusAccepted, map[string]string{"run_id": runID, "status": "cancelling"})
}

// ResumeRun handles POST /api/v1/runs/{id}/resume
func (h *Handlers) ResumeRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.scheduler.Resume(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondDomainError(w, r, "failed to resume run", err)
		return
	}
	h.respondJSON(w, http.StatusAccepted, SubmitRunResponse{
		Run:    run,
		SSEURL: "/api/v1/runs/" + run.ID + "/events",
	})
}

// ListStepRuns handles GET /api/v1/runs/{id}/steps
func (h *Handlers) ListStepRuns(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	runID := mux.Vars(r)["id"]
	if _, err := h.store.GetRun(ctx, runID); err != nil {
		h.respondDomainError(w, r, "failed to get run", err)
		return
	}
	srs, err := h.store.ListStepRuns(ctx, runID)
	if err != nil {
		h.respondDomainError(w, r, "failed to list step runs", err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{"step_runs": srs})
}

// --- Step runs and artifacts ---

// StepRunResponse is a step run with the artifacts it consumed and produced.
type StepRunResponse struct {
	StepRun *types.StepRun             `json:"step_run"`
	Inputs  map[string]*types.Artifact `json:"inputs"`
	Outputs map[string]*types.Artifact `json:"outputs"`
}

// GetStepRun handles GET /api/v1/steps/{id}
func (h *Handlers) GetStepRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sr, err := h.store.GetStepRun(ctx, mux.Vars(r)["id"])
	if err != nil {
		h.respondDomainError(w, r, "failed to get step run", err)
		return
	}
	inputs, err := runstore.StepArtifacts(ctx, h.store, sr.ID, types.LinkInput)
	if err != nil {
		h.respondDomainError(w, r, "failed to load inputs", err)
		return
	}
	outputs, err := runstore.StepArtifacts(ctx, h.store, sr.ID, types.LinkOutput)
	if err != nil {
		h.respondDomainError(w, r, "failed to load outputs", err)
		return
	}
	h.respondJSON(w, http.StatusOK, StepRunResponse{StepRun: sr, Inputs: inputs, Outputs: outputs})
}

// ListArtifacts handles GET /api/v1/artifacts
func (h *Handlers) ListArtifacts(w http.ResponseWriter, r *http.Request) {
	as, err := h.store.ListArtifacts(r.Context())
	if err != nil {
		h.respondDomainError(w, r, "failed to list artifacts", err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{"artifacts": as})
}

// GetArtifact handles GET /api/v1/artifacts/{id}?depth=N. The response
// carries the artifact's producer, reusers, consumers and upstream inputs
// to the given depth (0 = unlimited, default 1).
func (h *Handlers) GetArtifact(w http.ResponseWriter, r *http.Request) {
	depth := 1
	if d := r.URL.Query().Get("depth"); d != "" {
		n, err := strconv.Atoi(d)
		if err != nil || n < 0 {
			h.respondError(w, r, http.StatusBadRequest, "invalid depth", errors.New("depth must be a non-negative integer"))
			return
		}
		depth = n
	}
	lin, err := runstore.TraceLineage(r.Context(), h.store, mux.Vars(r)["id"], depth)
	if err != nil {
		h.respondDomainError(w, r, "failed to trace lineage", err)
		return
	}
	h.respondJSON(w, http.StatusOK, lin)
}

// DownloadResponse points at an artifact's contents.
type DownloadResponse struct {
	URL       string     `json:"url"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// DownloadArtifact handles GET /api/v1/artifacts/{id}/download?expiry=15m.
// Stores that cannot presign get a link to the content endpoint instead.
func (h *Handlers) DownloadArtifact(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	expiry := 15 * time.Minute
	if e := r.URL.Query().Get("expiry"); e != "" {
		d, err := time.ParseDuration(e)
		if err != nil || d <= 0 || d > 7*24*time.Hour {
			h.respondError(w, r, http.StatusBadRequest, "invalid expiry", errors.New("expiry must be a duration up to 168h"))
			return
		}
		expiry = d
	}

	a, err := h.store.GetArtifact(ctx, mux.Vars(r)["id"])
	if err != nil {
		h.respondDomainError(w, r, "failed to get artifact", err)
		return
	}
	url, err := h.artifacts.DownloadURL(ctx, a.URI, expiry)
	if errors.Is(err, dataflow.ErrUnsupported) {
		h.respondJSON(w, http.StatusOK, DownloadResponse{URL: "/api/v1/artifacts/" + a.ID + "/content"})
		return
	}
	if err != nil {
		h.respondDomainError(w, r, "failed to presign artifact", err)
		return
	}
	expires := time.Now().UTC().Add(expiry)
	h.respondJSON(w, http.StatusOK, DownloadResponse{URL: url, ExpiresAt: &expires})
}

// ArtifactContent handles GET /api/v1/artifacts/{id}/content by streaming
// the stored object.
func (h *Handlers) ArtifactContent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	a, err := h.store.GetArtifact(ctx, mux.Vars(r)["id"])
	if err != nil {
		h.respondDomainError(w, r, "failed to get artifact", err)
		return
	}
	rc, err := h.artifacts.Open(ctx, a.URI)
	if err != nil {
		h.respondDomainError(w, r, "failed to open artifact", err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("X-Artifact-Materializer", a.Materializer)
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		h.logger.Warn("artifact stream interrupted", slog.String("artifact_id", a.ID), slog.Any("error", err))
	}
}

// --- Helper Methods ---

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
		details = map[string]interface{}{"reason": err.Error()}
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error(message, "error", err, "status", status, "request_id", GetRequestID(r.Context(), r))
	}
	writeErrorResponse(w, r, status, HTTPStatusToErrorCode(status), message, details)
}

// respondDomainError picks the status and code from the error's type.
func (h *Handlers) respondDomainError(w http.ResponseWriter, r *http.Request, message string, err error) {
	status, code := classify(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error(message, "error", err, "status", status, "request_id", GetRequestID(r.Context(), r))
	}
	writeErrorResponse(w, r, status, code, message, map[string]interface{}{"reason": err.Error()})
}

func (h *Handlers) respondValidation(w http.ResponseWriter, r *http.Request, res *validator.ValidationResult) {
	writeErrorResponse(w, r, http.StatusUnprocessableEntity, ErrCodeValidation, "validation failed",
		map[string]interface{}{"errors": res.Errors})
}

package handler

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/yourorg/fedcoord/internal/domain"
	"github.com/yourorg/fedcoord/internal/guard"
	"github.com/yourorg/fedcoord/internal/security/middleware"
	"github.com/yourorg/fedcoord/internal/service"
)

// RunHandler handles run lifecycle and artifact transfer endpoints
type RunHandler struct {
	runService  *service.RunService
	guard       *guard.RunAccessGuard
	artifactDir string
	logger      *slog.Logger
}

// NewRunHandler creates a new run handler
func NewRunHandler(runService *service.RunService, accessGuard *guard.RunAccessGuard, artifactDir string, logger *slog.Logger) *RunHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &RunHandler{
		runService:  runService,
		guard:       accessGuard,
		artifactDir: artifactDir,
		logger:      logger,
	}
}

// CreateRunRequest represents a run creation request
type CreateRunRequest struct {
	ConsortiumID string `json:"consortiumId"`
}

// Create handles POST /api/runs
func (h *RunHandler) Create(w http.ResponseWriter, r *http.Request) {
	p := middleware.GetPrincipalFromContext(r.Context())
	var req CreateRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ConsortiumID == "" {
		writeError(w, http.StatusBadRequest, "consortiumId is required")
		return
	}

	run, err := h.runService.CreateRun(r.Context(), p, req.ConsortiumID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	h.logger.Info("run created",
		slog.String("run_id", run.ID),
		slog.String("consortium_id", run.ConsortiumID),
		slog.String("type", string(run.Type)),
	)
	writeJSON(w, http.StatusCreated, run)
}

// List handles GET /api/runs
func (h *RunHandler) List(w http.ResponseWriter, r *http.Request) {
	p := middleware.GetPrincipalFromContext(r.Context())
	runs, err := h.runService.ListRuns(r.Context(), p)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if runs == nil {
		runs = []*domain.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

// Get handles GET /api/runs/{id}
func (h *RunHandler) Get(w http.ResponseWriter, r *http.Request) {
	p := middleware.GetPrincipalFromContext(r.Context())
	run, err := h.runService.GetRun(r.Context(), p, r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// UpdateState handles PATCH /api/runs/{id}/state. Pushed by the execution
// layer; the caller must be a run participant.
func (h *RunHandler) UpdateState(w http.ResponseWriter, r *http.Request) {
	p := middleware.GetPrincipalFromContext(r.Context())
	runID := r.PathValue("id")
	if _, err := h.guard.CanUpload(r.Context(), p, runID); err != nil {
		writeDomainError(w, err)
		return
	}

	var state domain.RemotePipelineState
	if err := json.NewDecoder(r.Body).Decode(&state); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}

	run, err := h.runService.UpdateRemoteState(r.Context(), runID, state)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// SaveResults handles POST /api/runs/{id}/results
func (h *RunHandler) SaveResults(w http.ResponseWriter, r *http.Request) {
	p := middleware.GetPrincipalFromContext(r.Context())
	runID := r.PathValue("id")
	if _, err := h.guard.CanUpload(r.Context(), p, runID); err != nil {
		writeDomainError(w, err)
		return
	}

	results, err := io.ReadAll(io.LimitReader(r.Body, 32<<20))
	if err != nil || !json.Valid(results) {
		writeError(w, http.StatusBadRequest, "invalid results payload")
		return
	}

	run, err := h.runService.SaveResults(r.Context(), runID, results)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// SaveError handles POST /api/runs/{id}/error
func (h *RunHandler) SaveError(w http.ResponseWriter, r *http.Request) {
	p := middleware.GetPrincipalFromContext(r.Context())
	runID := r.PathValue("id")
	if _, err := h.guard.CanUpload(r.Context(), p, runID); err != nil {
		writeDomainError(w, err)
		return
	}

	var req struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}

	if err := h.runService.SaveError(r.Context(), runID, req.Message); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Stop handles POST /api/runs/{id}/stop
func (h *RunHandler) Stop(w http.ResponseWriter, r *http.Request) {
	p := middleware.GetPrincipalFromContext(r.Context())
	if err := h.runService.StopRun(r.Context(), p, r.PathValue("id")); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "stopping"})
}

// UploadArtifact handles POST /api/runs/{id}/artifacts. Only principals in
// the run's client map may upload; the artifact is stored per uploader.
func (h *RunHandler) UploadArtifact(w http.ResponseWriter, r *http.Request) {
	p := middleware.GetPrincipalFromContext(r.Context())
	runID, err := h.guard.CanUpload(r.Context(), p, r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	name := r.URL.Query().Get("name")
	if name == "" || name != filepath.Base(name) {
		writeError(w, http.StatusBadRequest, "valid artifact name is required")
		return
	}

	dir := filepath.Join(h.artifactDir, runID, p.ID())
	if err := os.MkdirAll(dir, 0o750); err != nil {
		h.logger.Error("failed to create artifact dir", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	dst, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		h.logger.Error("failed to create artifact file", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	defer dst.Close()

	written, err := io.Copy(dst, r.Body)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	h.logger.Info("artifact uploaded",
		slog.String("run_id", runID),
		slog.String("principal", p.ID()),
		slog.String("name", name),
		slog.Int64("bytes", written),
	)
	writeJSON(w, http.StatusCreated, map[string]string{"status": "stored"})
}

// DownloadArtifact handles GET /api/runs/{id}/artifacts. Any consortium
// participant may download; the source site and name select the file.
func (h *RunHandler) DownloadArtifact(w http.ResponseWriter, r *http.Request) {
	p := middleware.GetPrincipalFromContext(r.Context())
	runID, err := h.guard.CanDownload(r.Context(), p, r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	site := r.URL.Query().Get("site")
	name := r.URL.Query().Get("name")
	if site == "" || name == "" || site != filepath.Base(site) || name != filepath.Base(name) {
		writeError(w, http.StatusBadRequest, "site and artifact name are required")
		return
	}

	path := filepath.Join(h.artifactDir, runID, site, name)
	f, err := os.Open(path)
	if err != nil {
		writeError(w, http.StatusNotFound, "artifact not found")
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	if _, err := io.Copy(w, f); err != nil {
		h.logger.Error("artifact download interrupted",
			slog.String("run_id", runID),
			slog.String("error", err.Error()),
		)
	}
}

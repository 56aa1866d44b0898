package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/yourorg/fedcoord/internal/domain"
	"github.com/yourorg/fedcoord/internal/security/middleware"
	"github.com/yourorg/fedcoord/internal/service"
)

// ConsortiumHandler handles consortium endpoints
type ConsortiumHandler struct {
	consortiumService *service.ConsortiumService
	logger            *slog.Logger
}

// NewConsortiumHandler creates a new consortium handler
func NewConsortiumHandler(consortiumService *service.ConsortiumService, logger *slog.Logger) *ConsortiumHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConsortiumHandler{consortiumService: consortiumService, logger: logger}
}

// ConsortiumRequest represents create/update payloads
type ConsortiumRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	IsPrivate   bool   `json:"isPrivate"`
}

// Create handles POST /api/consortia
func (h *ConsortiumHandler) Create(w http.ResponseWriter, r *http.Request) {
	p := middleware.GetPrincipalFromContext(r.Context())
	var req ConsortiumRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}

	c, err := h.consortiumService.Create(r.Context(), p, req.Name, req.Description, req.IsPrivate)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

// Update handles PATCH /api/consortia/{id}
func (h *ConsortiumHandler) Update(w http.ResponseWriter, r *http.Request) {
	p := middleware.GetPrincipalFromContext(r.Context())
	var req ConsortiumRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}

	c, err := h.consortiumService.Update(r.Context(), p, r.PathValue("id"), req.Name, req.Description, req.IsPrivate)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// List handles GET /api/consortia
func (h *ConsortiumHandler) List(w http.ResponseWriter, r *http.Request) {
	p := middleware.GetPrincipalFromContext(r.Context())
	consortia, err := h.consortiumService.List(r.Context(), p)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, consortia)
}

// Join handles POST /api/consortia/{id}/members
func (h *ConsortiumHandler) Join(w http.ResponseWriter, r *http.Request) {
	p := middleware.GetPrincipalFromContext(r.Context())
	c, err := h.consortiumService.Join(r.Context(), p, r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// Leave handles DELETE /api/consortia/{id}/members
func (h *ConsortiumHandler) Leave(w http.ResponseWriter, r *http.Request) {
	p := middleware.GetPrincipalFromContext(r.Context())
	c, err := h.consortiumService.Leave(r.Context(), p, r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// SetActive handles POST /api/consortia/{id}/active
func (h *ConsortiumHandler) SetActive(w http.ResponseWriter, r *http.Request) {
	p := middleware.GetPrincipalFromContext(r.Context())
	var req struct {
		Active bool `json:"active"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}

	c, err := h.consortiumService.SetActive(r.Context(), p, r.PathValue("id"), req.Active)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// SetDataMapping handles POST /api/consortia/{id}/mapping
func (h *ConsortiumHandler) SetDataMapping(w http.ResponseWriter, r *http.Request) {
	p := middleware.GetPrincipalFromContext(r.Context())
	var req struct {
		Complete bool `json:"complete"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}

	c, err := h.consortiumService.SetDataMapping(r.Context(), p, r.PathValue("id"), req.Complete)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// SetActivePipeline handles POST /api/consortia/{id}/pipeline
func (h *ConsortiumHandler) SetActivePipeline(w http.ResponseWriter, r *http.Request) {
	p := middleware.GetPrincipalFromContext(r.Context())
	var req struct {
		PipelineID string `json:"pipelineId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}

	c, err := h.consortiumService.SetActivePipeline(r.Context(), p, r.PathValue("id"), req.PipelineID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// Delete handles DELETE /api/consortia/{id}
func (h *ConsortiumHandler) Delete(w http.ResponseWriter, r *http.Request) {
	p := middleware.GetPrincipalFromContext(r.Context())
	c, err := h.consortiumService.Delete(r.Context(), p, r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	h.logger.Info("consortium deleted",
		slog.String("consortium_id", c.ID),
		slog.String("actor", p.ID()),
	)
	writeJSON(w, http.StatusOK, c)
}

// PipelineRequest represents pipeline create/update payloads
type PipelineRequest struct {
	ID              string            `json:"id"`
	Name            string            `json:"name"`
	ConsortiumID    string            `json:"consortiumId"`
	Decentralized   bool              `json:"decentralized"`
	HeadlessMembers map[string]string `json:"headlessMembers"`
}

// SavePipeline handles POST /api/pipelines
func (h *ConsortiumHandler) SavePipeline(w http.ResponseWriter, r *http.Request) {
	p := middleware.GetPrincipalFromContext(r.Context())
	var req PipelineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}

	pipe, err := h.consortiumService.SavePipeline(r.Context(), p, &domain.Pipeline{
		ID:              req.ID,
		Name:            req.Name,
		ConsortiumID:    req.ConsortiumID,
		Decentralized:   req.Decentralized,
		HeadlessMembers: req.HeadlessMembers,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	status := http.StatusOK
	if req.ID == "" {
		status = http.StatusCreated
	}
	writeJSON(w, status, pipe)
}

// DeletePipeline handles DELETE /api/pipelines/{id}
func (h *ConsortiumHandler) DeletePipeline(w http.ResponseWriter, r *http.Request) {
	p := middleware.GetPrincipalFromContext(r.Context())
	pipe, err := h.consortiumService.DeletePipeline(r.Context(), p, r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pipe)
}

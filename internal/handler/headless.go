package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/yourorg/fedcoord/internal/security/middleware"
	"github.com/yourorg/fedcoord/internal/service"
)

// HeadlessHandler handles headless client management endpoints
type HeadlessHandler struct {
	headlessService *service.HeadlessService
	logger          *slog.Logger
}

// NewHeadlessHandler creates a new headless client handler
func NewHeadlessHandler(headlessService *service.HeadlessService, logger *slog.Logger) *HeadlessHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &HeadlessHandler{headlessService: headlessService, logger: logger}
}

// HeadlessRequest represents create/update payloads
type HeadlessRequest struct {
	Name                 string            `json:"name"`
	ComputationWhitelist []string          `json:"computationWhitelist"`
	Owners               map[string]string `json:"owners"`
}

// Create handles POST /api/headless-clients
func (h *HeadlessHandler) Create(w http.ResponseWriter, r *http.Request) {
	p := middleware.GetPrincipalFromContext(r.Context())
	var req HeadlessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}

	client, err := h.headlessService.Create(r.Context(), p, req.Name, req.Owners)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewHeadless(client))
}

// Update handles PATCH /api/headless-clients/{id}
func (h *HeadlessHandler) Update(w http.ResponseWriter, r *http.Request) {
	p := middleware.GetPrincipalFromContext(r.Context())
	var req HeadlessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}

	var whitelist map[string]struct{}
	if req.ComputationWhitelist != nil {
		whitelist = make(map[string]struct{}, len(req.ComputationWhitelist))
		for _, id := range req.ComputationWhitelist {
			whitelist[id] = struct{}{}
		}
	}

	client, err := h.headlessService.Update(r.Context(), p, r.PathValue("id"), req.Name, whitelist, req.Owners)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewHeadless(client))
}

// Delete handles DELETE /api/headless-clients/{id}
func (h *HeadlessHandler) Delete(w http.ResponseWriter, r *http.Request) {
	p := middleware.GetPrincipalFromContext(r.Context())
	client, err := h.headlessService.Delete(r.Context(), p, r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	h.logger.Info("headless client deleted",
		slog.String("client_id", client.ID),
		slog.String("actor", p.ID()),
	)
	writeJSON(w, http.StatusOK, viewHeadless(client))
}

// List handles GET /api/headless-clients
func (h *HeadlessHandler) List(w http.ResponseWriter, r *http.Request) {
	p := middleware.GetPrincipalFromContext(r.Context())
	clients, err := h.headlessService.List(r.Context(), p)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	views := make([]headlessView, 0, len(clients))
	for _, c := range clients {
		views = append(views, viewHeadless(c))
	}
	writeJSON(w, http.StatusOK, views)
}

// GenerateAPIKey handles POST /api/headless-clients/{id}/apikey. The
// plaintext key appears in this response and nowhere else.
func (h *HeadlessHandler) GenerateAPIKey(w http.ResponseWriter, r *http.Request) {
	p := middleware.GetPrincipalFromContext(r.Context())
	key, err := h.headlessService.GenerateAPIKey(r.Context(), p, r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"apiKey": key})
}

package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/yourorg/fedcoord/internal/security/middleware"
	"github.com/yourorg/fedcoord/internal/service"
)

// UserHandler handles user role endpoints
type UserHandler struct {
	userService *service.UserService
	logger      *slog.Logger
}

// NewUserHandler creates a new user handler
func NewUserHandler(userService *service.UserService, logger *slog.Logger) *UserHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &UserHandler{userService: userService, logger: logger}
}

// RoleRequest represents a scoped role grant or revocation
type RoleRequest struct {
	Table string `json:"table"`
	DocID string `json:"docId"`
	Role  string `json:"role"`
}

// AddRole handles POST /api/users/{id}/roles
func (h *UserHandler) AddRole(w http.ResponseWriter, r *http.Request) {
	p := middleware.GetPrincipalFromContext(r.Context())
	var req RoleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}

	user, err := h.userService.AddRole(r.Context(), p, r.PathValue("id"), req.Table, req.DocID, req.Role)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewUser(user))
}

// RemoveRole handles DELETE /api/users/{id}/roles
func (h *UserHandler) RemoveRole(w http.ResponseWriter, r *http.Request) {
	p := middleware.GetPrincipalFromContext(r.Context())
	var req RoleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}

	user, err := h.userService.RemoveRole(r.Context(), p, r.PathValue("id"), req.Table, req.DocID, req.Role)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewUser(user))
}

// GlobalRoleRequest represents an admin/author toggle
type GlobalRoleRequest struct {
	Role    string `json:"role"`
	Enabled bool   `json:"enabled"`
}

// SetGlobalRole handles POST /api/users/{id}/global-roles
func (h *UserHandler) SetGlobalRole(w http.ResponseWriter, r *http.Request) {
	p := middleware.GetPrincipalFromContext(r.Context())
	var req GlobalRoleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}

	user, err := h.userService.SetGlobalRole(r.Context(), p, r.PathValue("id"), req.Role, req.Enabled)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewUser(user))
}

// List handles GET /api/users
func (h *UserHandler) List(w http.ResponseWriter, r *http.Request) {
	p := middleware.GetPrincipalFromContext(r.Context())
	users, err := h.userService.List(r.Context(), p)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	views := make([]userView, 0, len(users))
	for _, u := range users {
		views = append(views, viewUser(u))
	}
	writeJSON(w, http.StatusOK, views)
}

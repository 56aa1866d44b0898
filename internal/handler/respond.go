package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/yourorg/fedcoord/internal/domain"
)

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Error: message})
}

// writeDomainError maps the service error taxonomy to HTTP statuses.
// Anything outside the taxonomy is an internal error and stays opaque.
func writeDomainError(w http.ResponseWriter, err error) {
	if reason, ok := domain.IsPrecondition(err); ok {
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{
			Error:  "precondition failed",
			Reason: reason,
		})
		return
	}

	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrInvalidCredential), errors.Is(err, domain.ErrInvalidToken):
		writeError(w, http.StatusUnauthorized, "invalid credentials")
	case errors.Is(err, domain.ErrExpiredCredential):
		writeError(w, http.StatusUnauthorized, "credential expired")
	case errors.Is(err, domain.ErrNotAuthorized):
		writeError(w, http.StatusForbidden, "not authorized")
	case errors.Is(err, domain.ErrDuplicateResource):
		writeError(w, http.StatusConflict, "resource already exists")
	case errors.Is(err, domain.ErrUpstreamUnavailable):
		writeError(w, http.StatusBadGateway, "upstream unavailable")
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// userView strips the credential blob before a user record leaves the server.
type userView struct {
	ID                string               `json:"id"`
	Username          string               `json:"username"`
	Email             string               `json:"email"`
	Permissions       domain.PermissionSet `json:"permissions"`
	ConsortiaStatuses map[string]string    `json:"consortiaStatuses"`
}

func viewUser(u *domain.User) userView {
	return userView{
		ID:                u.ID,
		Username:          u.Username,
		Email:             u.Email,
		Permissions:       u.Permissions,
		ConsortiaStatuses: u.ConsortiaStatuses,
	}
}

// headlessView strips the API key blob.
type headlessView struct {
	ID                   string            `json:"id"`
	Name                 string            `json:"name"`
	HasAPIKey            bool              `json:"hasApiKey"`
	ComputationWhitelist []string          `json:"computationWhitelist"`
	Owners               map[string]string `json:"owners"`
}

func viewHeadless(c *domain.HeadlessClient) headlessView {
	whitelist := make([]string, 0, len(c.ComputationWhitelist))
	for id := range c.ComputationWhitelist {
		whitelist = append(whitelist, id)
	}
	return headlessView{
		ID:                   c.ID,
		Name:                 c.Name,
		HasAPIKey:            c.HasAPIKey,
		ComputationWhitelist: whitelist,
		Owners:               c.Owners,
	}
}

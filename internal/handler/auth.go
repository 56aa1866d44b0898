package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/yourorg/fedcoord/internal/domain"
	"github.com/yourorg/fedcoord/internal/security/auth"
	"github.com/yourorg/fedcoord/internal/security/middleware"
	"github.com/yourorg/fedcoord/internal/service"
)

// AuthHandler handles authentication endpoints
type AuthHandler struct {
	authService *service.AuthService
	tokens      *auth.TokenService
	logger      *slog.Logger
}

// NewAuthHandler creates a new auth handler
func NewAuthHandler(authService *service.AuthService, tokens *auth.TokenService, logger *slog.Logger) *AuthHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthHandler{authService: authService, tokens: tokens, logger: logger}
}

// RegisterRequest represents registration request
type RegisterRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// LoginRequest represents login request
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// AuthResponse carries a token plus the authenticated identity.
type AuthResponse struct {
	Token string      `json:"token"`
	User  interface{} `json:"user"`
}

// Register handles POST /api/auth/register
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}

	result, err := h.authService.Register(r.Context(), req.Username, req.Email, req.Password)
	if err != nil {
		if err == domain.ErrDuplicateResource {
			writeDomainError(w, err)
			return
		}
		h.logger.Info("registration failed", slog.String("error", err.Error()))
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	h.logger.Info("user registered",
		slog.String("user_id", result.User.ID),
		slog.String("username", result.User.Username),
	)
	writeJSON(w, http.StatusCreated, AuthResponse{Token: result.Token, User: viewUser(result.User)})
}

// Login handles POST /api/auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}

	result, err := h.authService.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, AuthResponse{Token: result.Token, User: viewUser(result.User)})
}

// APIKeyRequest represents a headless authentication request
type APIKeyRequest struct {
	Name   string `json:"name"`
	APIKey string `json:"apiKey"`
}

// APIKeyLogin handles POST /api/auth/apikey
func (h *AuthHandler) APIKeyLogin(w http.ResponseWriter, r *http.Request) {
	var req APIKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}

	result, err := h.authService.AuthenticateHeadless(r.Context(), req.Name, req.APIKey)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, AuthResponse{Token: result.Token, User: viewHeadless(result.Client)})
}

// Refresh handles POST /api/auth/token. The caller already passed the bearer
// middleware; a fresh token is minted for the same principal.
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	p := middleware.GetPrincipalFromContext(r.Context())
	if p == nil {
		writeError(w, http.StatusUnauthorized, "invalid token")
		return
	}

	var token string
	var err error
	var view interface{}
	switch p.Kind {
	case domain.PrincipalUser:
		token, err = h.tokens.IssueInteractive(p.ID())
		view = viewUser(p.User)
	case domain.PrincipalHeadless:
		claims := middleware.GetClaimsFromContext(r.Context())
		if claims == nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		token, err = h.tokens.IssueHeadless(p.ID(), claims.APIKey)
		view = viewHeadless(p.Headless)
	}
	if err != nil {
		h.logger.Error("token refresh failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, AuthResponse{Token: token, User: view})
}

// ChangePasswordRequest represents a password change
type ChangePasswordRequest struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
}

// ChangePassword handles POST /api/auth/password
func (h *AuthHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	p := middleware.GetPrincipalFromContext(r.Context())
	var req ChangePasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}

	if err := h.authService.ChangePassword(r.Context(), p, req.CurrentPassword, req.NewPassword); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ForgotPassword handles POST /api/auth/forgot-password. The response never
// reveals whether the email exists.
func (h *AuthHandler) ForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Email == "" {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}

	if err := h.authService.ForgotPassword(r.Context(), req.Email); err != nil {
		h.logger.Error("forgot password failed", slog.String("error", err.Error()))
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ResetPassword handles POST /api/auth/reset-password
func (h *AuthHandler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token       string `json:"token"`
		NewPassword string `json:"newPassword"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}

	if err := h.authService.ResetPassword(r.Context(), req.Token, req.NewPassword); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

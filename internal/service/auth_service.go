package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/yourorg/fedcoord/internal/domain"
	"github.com/yourorg/fedcoord/internal/fanout"
	"github.com/yourorg/fedcoord/internal/observability/metrics"
	"github.com/yourorg/fedcoord/internal/security/auth"
	"github.com/yourorg/fedcoord/internal/security/credential"
	"github.com/yourorg/fedcoord/pkg/cache"
)

// ResetNotifier delivers a password-reset token to the account holder.
// The default implementation only logs; mail delivery is deployment wiring.
type ResetNotifier func(email, token string)

// ResetTokenStore records issued reset tokens so each is single-use.
// Satisfied by repository.ResetTokenStore.
type ResetTokenStore interface {
	Issue(ctx context.Context, email, token string) error
	Consume(ctx context.Context, email, token string) error
}

// AuthService handles registration, login and credential lifecycle for both
// interactive users and headless vault clients.
type AuthService struct {
	users       domain.UserRepository
	headless    domain.HeadlessClientRepository
	credentials *credential.Store
	tokens      *auth.TokenService
	resetTokens ResetTokenStore
	dispatcher  *fanout.Dispatcher
	principals  *cache.Cache
	notify      ResetNotifier

	// PasswordLifetime of zero disables expiry.
	passwordLifetime time.Duration
	logger           *slog.Logger
}

// NewAuthService creates a new authentication service
func NewAuthService(
	users domain.UserRepository,
	headless domain.HeadlessClientRepository,
	credentials *credential.Store,
	tokens *auth.TokenService,
	resetTokens ResetTokenStore,
	dispatcher *fanout.Dispatcher,
	principals *cache.Cache,
	passwordLifetimeDays int,
	logger *slog.Logger,
) *AuthService {
	if logger == nil {
		logger = slog.Default()
	}
	s := &AuthService{
		users:            users,
		headless:         headless,
		credentials:      credentials,
		tokens:           tokens,
		resetTokens:      resetTokens,
		dispatcher:       dispatcher,
		principals:       principals,
		passwordLifetime: time.Duration(passwordLifetimeDays) * 24 * time.Hour,
		logger:           logger,
	}
	s.notify = func(email, token string) {
		s.logger.Info("password reset token issued", slog.String("email", email))
	}
	return s
}

// SetResetNotifier installs the delivery hook for reset tokens.
func (s *AuthService) SetResetNotifier(fn ResetNotifier) {
	if fn != nil {
		s.notify = fn
	}
}

// LoginResult is the outcome of a successful authentication.
type LoginResult struct {
	User  *domain.User
	Token string
}

// Register creates a new user account and logs it in.
func (s *AuthService) Register(ctx context.Context, username, email, password string) (*LoginResult, error) {
	if username == "" || email == "" || password == "" {
		return nil, errors.New("username, email, and password are required")
	}
	if len(password) < 8 {
		return nil, errors.New("password must be at least 8 characters")
	}

	start := time.Now()
	result := <-s.credentials.HashAsync(ctx, password)
	if result.Err != nil {
		s.logger.Error("failed to hash password", slog.String("error", result.Err.Error()))
		return nil, errors.New("failed to register user")
	}
	metrics.ObserveCredentialHash(time.Since(start))

	user := &domain.User{
		ID:                uuid.New().String(),
		Username:          username,
		Email:             email,
		PasswordBlob:      result.Blob,
		Permissions:       domain.NewPermissionSet(),
		ConsortiaStatuses: map[string]string{},
	}

	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, domain.ErrDuplicateResource) {
			return nil, domain.ErrDuplicateResource
		}
		s.logger.Error("failed to create user", slog.String("error", err.Error()))
		return nil, errors.New("failed to register user")
	}

	token, err := s.tokens.IssueInteractive(user.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to issue token: %w", err)
	}

	s.dispatcher.Publish(fanout.EntityUser, user.ID, user)

	return &LoginResult{User: user, Token: token}, nil
}

// Login authenticates a username and password. Every failure except password
// expiry collapses into ErrInvalidCredential so callers learn nothing about
// which field was wrong.
func (s *AuthService) Login(ctx context.Context, username, password string) (*LoginResult, error) {
	user, err := s.users.GetByUsername(ctx, username)
	if err != nil || user == nil {
		metrics.ObserveAuthAttempt("password", "invalid")
		return nil, domain.ErrInvalidCredential
	}

	if !s.credentials.Verify(password, user.PasswordBlob) {
		metrics.ObserveAuthAttempt("password", "invalid")
		return nil, domain.ErrInvalidCredential
	}

	if s.passwordLifetime > 0 && time.Since(user.PasswordChangedAt) > s.passwordLifetime {
		metrics.ObserveAuthAttempt("password", "expired")
		return nil, domain.ErrExpiredCredential
	}

	token, err := s.tokens.IssueInteractive(user.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to issue token: %w", err)
	}

	metrics.ObserveAuthAttempt("password", "ok")
	return &LoginResult{User: user, Token: token}, nil
}

// HeadlessLoginResult is the outcome of a successful API key authentication.
type HeadlessLoginResult struct {
	Client *domain.HeadlessClient
	Token  string
}

// AuthenticateHeadless exchanges a client name and API key for a bearer
// token.
func (s *AuthService) AuthenticateHeadless(ctx context.Context, name, apiKey string) (*HeadlessLoginResult, error) {
	client, err := s.headless.GetByName(ctx, name)
	if err != nil || client == nil {
		metrics.ObserveAuthAttempt("apikey", "invalid")
		return nil, domain.ErrInvalidCredential
	}

	if !client.HasAPIKey || !s.credentials.Verify(apiKey, client.APIKeyBlob) {
		metrics.ObserveAuthAttempt("apikey", "invalid")
		return nil, domain.ErrInvalidCredential
	}

	token, err := s.tokens.IssueHeadless(client.ID, apiKey)
	if err != nil {
		return nil, fmt.Errorf("failed to issue token: %w", err)
	}

	metrics.ObserveAuthAttempt("apikey", "ok")
	return &HeadlessLoginResult{Client: client, Token: token}, nil
}

// ChangePassword replaces the caller's own password after re-verifying the
// current one.
func (s *AuthService) ChangePassword(ctx context.Context, p *domain.Principal, currentPassword, newPassword string) error {
	if p == nil || p.Kind != domain.PrincipalUser {
		return domain.ErrNotAuthorized
	}
	if len(newPassword) < 8 {
		return errors.New("password must be at least 8 characters")
	}

	user := p.User
	if !s.credentials.Verify(currentPassword, user.PasswordBlob) {
		return domain.ErrInvalidCredential
	}

	result := <-s.credentials.HashAsync(ctx, newPassword)
	if result.Err != nil {
		return fmt.Errorf("failed to hash password: %w", result.Err)
	}

	user.PasswordBlob = result.Blob
	user.PasswordChangedAt = time.Now()
	if err := s.users.Update(ctx, user); err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}

	s.principals.Invalidate("principal:" + user.ID)
	return nil
}

// ForgotPassword issues a reset token for the email if an account exists.
// The outcome is deliberately indistinguishable from the caller's side.
func (s *AuthService) ForgotPassword(ctx context.Context, email string) error {
	user, err := s.users.GetByEmail(ctx, email)
	if err != nil || user == nil {
		s.logger.Info("reset requested for unknown email")
		return nil
	}

	token, err := s.tokens.IssuePasswordReset(email)
	if err != nil {
		return fmt.Errorf("failed to issue reset token: %w", err)
	}
	if err := s.resetTokens.Issue(ctx, email, token); err != nil {
		return err
	}

	s.notify(email, token)
	return nil
}

// ResetPassword consumes a reset token and installs a new password.
func (s *AuthService) ResetPassword(ctx context.Context, token, newPassword string) error {
	if len(newPassword) < 8 {
		return errors.New("password must be at least 8 characters")
	}

	claims, err := s.tokens.Verify(token)
	if err != nil {
		return domain.ErrInvalidToken
	}
	if claims.Email == "" {
		return domain.ErrInvalidToken
	}

	if err := s.resetTokens.Consume(ctx, claims.Email, token); err != nil {
		return err
	}

	user, err := s.users.GetByEmail(ctx, claims.Email)
	if err != nil || user == nil {
		return domain.ErrInvalidToken
	}

	result := <-s.credentials.HashAsync(ctx, newPassword)
	if result.Err != nil {
		return fmt.Errorf("failed to hash password: %w", result.Err)
	}

	user.PasswordBlob = result.Blob
	user.PasswordChangedAt = time.Now()
	if err := s.users.Update(ctx, user); err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}

	s.principals.Invalidate("principal:" + user.ID)
	return nil
}

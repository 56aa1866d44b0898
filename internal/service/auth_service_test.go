package service

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/yourorg/fedcoord/internal/domain"
	"github.com/yourorg/fedcoord/internal/fanout"
	"github.com/yourorg/fedcoord/internal/security/auth"
	"github.com/yourorg/fedcoord/internal/security/credential"
	"github.com/yourorg/fedcoord/pkg/cache"
)

func newAuthService(t *testing.T, passwordLifetimeDays int) (*AuthService, *memUsers, *memHeadless, *memResetTokens) {
	t.Helper()
	users := newMemUsers()
	headless := newMemHeadless()
	resetTokens := newMemResetTokens()
	creds := credential.NewStore(512)
	tokens := auth.NewTokenService("test-secret", "fedcoord", "fedcoord-clients", "coordination",
		users, headless, creds, slog.Default())
	dispatcher := fanout.NewDispatcher(8, slog.Default())
	svc := NewAuthService(users, headless, creds, tokens, resetTokens, dispatcher,
		cache.New(), passwordLifetimeDays, slog.Default())
	return svc, users, headless, resetTokens
}

func TestRegisterAndLogin(t *testing.T) {
	svc, _, _, _ := newAuthService(t, 0)
	ctx := context.Background()

	reg, err := svc.Register(ctx, "alice", "alice@example.org", "correct horse battery")
	require.NoError(t, err)
	require.NotEmpty(t, reg.Token)
	require.NotEmpty(t, reg.User.ID)

	login, err := svc.Login(ctx, "alice", "correct horse battery")
	require.NoError(t, err)
	require.Equal(t, reg.User.ID, login.User.ID)
	require.NotEmpty(t, login.Token)
}

func TestRegisterDuplicate(t *testing.T) {
	svc, _, _, _ := newAuthService(t, 0)
	ctx := context.Background()

	_, err := svc.Register(ctx, "alice", "alice@example.org", "correct horse battery")
	require.NoError(t, err)

	_, err = svc.Register(ctx, "alice", "other@example.org", "correct horse battery")
	require.ErrorIs(t, err, domain.ErrDuplicateResource)
}

func TestLoginFailuresAreUniform(t *testing.T) {
	svc, _, _, _ := newAuthService(t, 0)
	ctx := context.Background()

	_, err := svc.Register(ctx, "alice", "alice@example.org", "correct horse battery")
	require.NoError(t, err)

	_, badUser := svc.Login(ctx, "nobody", "correct horse battery")
	_, badPass := svc.Login(ctx, "alice", "wrong password!")
	require.ErrorIs(t, badUser, domain.ErrInvalidCredential)
	require.ErrorIs(t, badPass, domain.ErrInvalidCredential)
	require.Equal(t, badUser.Error(), badPass.Error())
}

func TestLoginExpiredPassword(t *testing.T) {
	svc, users, _, _ := newAuthService(t, 30)
	ctx := context.Background()

	reg, err := svc.Register(ctx, "alice", "alice@example.org", "correct horse battery")
	require.NoError(t, err)

	stored, err := users.GetByID(ctx, reg.User.ID)
	require.NoError(t, err)
	stored.PasswordChangedAt = time.Now().Add(-31 * 24 * time.Hour)

	_, err = svc.Login(ctx, "alice", "correct horse battery")
	require.ErrorIs(t, err, domain.ErrExpiredCredential)
}

func TestAuthenticateHeadless(t *testing.T) {
	svc, _, headless, _ := newAuthService(t, 0)
	ctx := context.Background()

	creds := credential.NewStore(512)
	blob, err := creds.Hash("vault-api-key")
	require.NoError(t, err)
	require.NoError(t, headless.Create(ctx, &domain.HeadlessClient{
		ID: "hc-1", Name: "vault-east", APIKeyBlob: blob, HasAPIKey: true,
	}))

	result, err := svc.AuthenticateHeadless(ctx, "vault-east", "vault-api-key")
	require.NoError(t, err)
	require.Equal(t, "hc-1", result.Client.ID)
	require.NotEmpty(t, result.Token)

	_, err = svc.AuthenticateHeadless(ctx, "vault-east", "wrong key")
	require.ErrorIs(t, err, domain.ErrInvalidCredential)
}

func TestChangePassword(t *testing.T) {
	svc, users, _, _ := newAuthService(t, 0)
	ctx := context.Background()

	reg, err := svc.Register(ctx, "alice", "alice@example.org", "correct horse battery")
	require.NoError(t, err)
	user, err := users.GetByID(ctx, reg.User.ID)
	require.NoError(t, err)
	p := &domain.Principal{Kind: domain.PrincipalUser, User: user}

	err = svc.ChangePassword(ctx, p, "wrong password!", "new password here")
	require.ErrorIs(t, err, domain.ErrInvalidCredential)

	require.NoError(t, svc.ChangePassword(ctx, p, "correct horse battery", "new password here"))

	_, err = svc.Login(ctx, "alice", "new password here")
	require.NoError(t, err)
	_, err = svc.Login(ctx, "alice", "correct horse battery")
	require.ErrorIs(t, err, domain.ErrInvalidCredential)
}

func TestPasswordResetFlow(t *testing.T) {
	svc, _, _, _ := newAuthService(t, 0)
	ctx := context.Background()

	var delivered string
	svc.SetResetNotifier(func(email, token string) { delivered = token })

	_, err := svc.Register(ctx, "alice", "alice@example.org", "correct horse battery")
	require.NoError(t, err)

	require.NoError(t, svc.ForgotPassword(ctx, "alice@example.org"))
	require.NotEmpty(t, delivered)

	require.NoError(t, svc.ResetPassword(ctx, delivered, "reset password now"))

	_, err = svc.Login(ctx, "alice", "reset password now")
	require.NoError(t, err)

	// Second use of the same token must fail.
	err = svc.ResetPassword(ctx, delivered, "another password!")
	require.True(t, errors.Is(err, domain.ErrInvalidToken))
}

func TestForgotPasswordUnknownEmailIsSilent(t *testing.T) {
	svc, _, _, resetTokens := newAuthService(t, 0)

	require.NoError(t, svc.ForgotPassword(context.Background(), "nobody@example.org"))
	require.Empty(t, resetTokens.tokens)
}

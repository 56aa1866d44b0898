// Package auth issues and verifies the signed bearer tokens used by both
// interactive users and headless vault clients, and resolves verified claims
// into a typed principal.
package auth

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/yourorg/fedcoord/internal/domain"
	"github.com/yourorg/fedcoord/internal/featureflags"
	"github.com/yourorg/fedcoord/internal/security/credential"
)

const (
	interactiveTokenLifetime = 12 * time.Hour
	resetTokenLifetime       = 24 * time.Hour

	// Applied only when the headless_token_expiry flag is on. The reference
	// behavior issues headless tokens with no expiry.
	flaggedHeadlessLifetime = 30 * 24 * time.Hour
)

// Claims is the claim set carried by every token this service issues. ID is
// the principal id for login tokens or empty for reset tokens; APIKey is set
// only on headless tokens; Email only on password-reset tokens.
type Claims struct {
	ID     string `json:"id,omitempty"`
	APIKey string `json:"apiKey,omitempty"`
	Email  string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// TokenService signs and verifies bearer tokens. Audience, issuer and
// subject are fixed strings shared by every token so tokens minted for one
// deployment cannot be replayed against another.
type TokenService struct {
	secret      []byte
	issuer      string
	audience    string
	subject     string
	users       domain.UserRepository
	headless    domain.HeadlessClientRepository
	credentials *credential.Store
	logger      *slog.Logger
}

// NewTokenService creates a token service. The repositories are only needed
// by ResolvePrincipal; issuance and verification are pure.
func NewTokenService(
	secret, issuer, audience, subject string,
	users domain.UserRepository,
	headless domain.HeadlessClientRepository,
	credentials *credential.Store,
	logger *slog.Logger,
) *TokenService {
	if logger == nil {
		logger = slog.Default()
	}
	return &TokenService{
		secret:      []byte(secret),
		issuer:      issuer,
		audience:    audience,
		subject:     subject,
		users:       users,
		headless:    headless,
		credentials: credentials,
		logger:      logger,
	}
}

// IssueInteractive signs a 12h token carrying only the user id.
func (ts *TokenService) IssueInteractive(principalID string) (string, error) {
	if principalID == "" {
		return "", fmt.Errorf("principal id required")
	}
	expiry := time.Now().Add(interactiveTokenLifetime)
	return ts.sign(Claims{ID: principalID}, &expiry)
}

// IssueHeadless signs a token carrying both id and API key so a headless
// client self-identifies without a second lookup. No expiry unless the
// headless_token_expiry flag opts in.
func (ts *TokenService) IssueHeadless(principalID, apiKey string) (string, error) {
	if principalID == "" || apiKey == "" {
		return "", fmt.Errorf("principal id and api key required")
	}
	var expiry *time.Time
	if featureflags.Enabled("headless_token_expiry") {
		t := time.Now().Add(flaggedHeadlessLifetime)
		expiry = &t
	}
	return ts.sign(Claims{ID: principalID, APIKey: apiKey}, expiry)
}

// IssuePasswordReset signs a 24h token scoped to an email address, so it can
// be validated before any account lookup happens.
func (ts *TokenService) IssuePasswordReset(email string) (string, error) {
	if email == "" {
		return "", fmt.Errorf("email required")
	}
	expiry := time.Now().Add(resetTokenLifetime)
	return ts.sign(Claims{Email: email}, &expiry)
}

func (ts *TokenService) sign(claims Claims, expiry *time.Time) (string, error) {
	now := time.Now()
	claims.RegisteredClaims = jwt.RegisteredClaims{
		Issuer:   ts.issuer,
		Audience: jwt.ClaimStrings{ts.audience},
		Subject:  ts.subject,
		IssuedAt: jwt.NewNumericDate(now),
	}
	if expiry != nil {
		claims.ExpiresAt = jwt.NewNumericDate(*expiry)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(ts.secret)
	if err != nil {
		// A broken signing primitive must stop the operation, never fall
		// back to an unsigned path.
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Verify checks signature, issuer, audience, subject and (when present)
// expiry. Every failure collapses into domain.ErrInvalidToken.
func (ts *TokenService) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return ts.secret, nil
	},
		jwt.WithIssuer(ts.issuer),
		jwt.WithAudience(ts.audience),
		jwt.WithSubject(ts.subject),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, domain.ErrInvalidToken
	}

	return claims, nil
}

// ResolvePrincipal turns verified claims into a typed principal. Interactive
// and headless tokens share one verification path but different claim shapes
// and backing stores: a user lookup by id is tried first, then a headless
// client matching both id and API key blob. A nil principal with nil error
// means "no such principal"; the caller decides how to fail.
func (ts *TokenService) ResolvePrincipal(ctx context.Context, claims *Claims) (*domain.Principal, error) {
	if claims == nil || claims.ID == "" {
		return nil, nil
	}

	user, err := ts.users.GetByID(ctx, claims.ID)
	if err == nil && user != nil {
		return &domain.Principal{Kind: domain.PrincipalUser, User: user}, nil
	}

	if claims.APIKey == "" {
		return nil, nil
	}

	client, err := ts.headless.GetByID(ctx, claims.ID)
	if err != nil || client == nil {
		return nil, nil
	}
	if !ts.credentials.Verify(claims.APIKey, client.APIKeyBlob) {
		ts.logger.Warn("headless token carries stale api key",
			slog.String("client_id", claims.ID),
		)
		return nil, nil
	}

	return &domain.Principal{Kind: domain.PrincipalHeadless, Headless: client}, nil
}

// ExtractToken pulls the bearer token out of an Authorization header.
func ExtractToken(authHeader string) (string, error) {
	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || parts[0] != "Bearer" {
		return "", fmt.Errorf("invalid authorization header")
	}
	return parts[1], nil
}

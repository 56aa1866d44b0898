package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/yourorg/fedcoord/internal/domain"
	"github.com/yourorg/fedcoord/internal/observability/metrics"
	"github.com/yourorg/fedcoord/internal/security/auth"
	"github.com/yourorg/fedcoord/internal/security/ratelimit"
	"github.com/yourorg/fedcoord/pkg/cache"
)

type PrincipalContextKey struct{}
type ClaimsContextKey struct{}

const principalCacheTTL = 30 * time.Second

// publicPath reports whether the path is reachable without a bearer token.
// The websocket endpoint authenticates itself from a query parameter because
// browsers cannot set headers on websocket upgrades.
func publicPath(path string) bool {
	return path == "/healthz" || path == "/readyz" || path == "/metrics" ||
		path == "/api/auth/login" || path == "/api/auth/register" ||
		path == "/api/auth/apikey" || path == "/api/auth/forgot-password" ||
		path == "/api/auth/reset-password" ||
		strings.HasPrefix(path, "/ws/")
}

// JWTMiddleware verifies the bearer token and resolves it into a typed
// principal on the request context. Resolved principals are cached per token
// for a short window so request bursts do not hammer the user store.
func JWTMiddleware(ts *auth.TokenService, principals *cache.Cache, log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if publicPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, `{"error":"missing auth"}`, http.StatusUnauthorized)
				return
			}

			tokenString, err := auth.ExtractToken(authHeader)
			if err != nil {
				http.Error(w, `{"error":"invalid auth"}`, http.StatusUnauthorized)
				return
			}

			claims, err := ts.Verify(tokenString)
			if err != nil {
				metrics.ObserveAuthAttempt("bearer", "invalid")
				http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
				return
			}

			principal, err := resolveCached(r.Context(), ts, principals, claims, tokenString)
			if err != nil {
				log.Error("principal resolution failed",
					slog.String("error", err.Error()),
				)
				http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
				return
			}
			if principal == nil {
				metrics.ObserveAuthAttempt("bearer", "unknown_principal")
				http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
				return
			}
			metrics.ObserveAuthAttempt("bearer", "ok")

			ctx := context.WithValue(r.Context(), ClaimsContextKey{}, claims)
			ctx = context.WithValue(ctx, PrincipalContextKey{}, principal)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func resolveCached(ctx context.Context, ts *auth.TokenService, principals *cache.Cache, claims *auth.Claims, token string) (*domain.Principal, error) {
	key := "principal:" + claims.ID + ":" + token
	if cached, ok := principals.Get(key); ok {
		return cached.(*domain.Principal), nil
	}

	principal, err := ts.ResolvePrincipal(ctx, claims)
	if err != nil {
		return nil, err
	}
	if principal != nil {
		principals.Set(key, principal, principalCacheTTL)
	}
	return principal, nil
}

// RateLimitMiddleware applies per-principal request limits.
func RateLimitMiddleware(limiter *ratelimit.Limiter, log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/healthz" || r.URL.Path == "/readyz" || r.URL.Path == "/metrics" {
				next.ServeHTTP(w, r)
				return
			}

			principalID := ""
			if p := GetPrincipalFromContext(r.Context()); p != nil {
				principalID = p.ID()
			}

			if !limiter.Allow(principalID) {
				http.Error(w, `{"error":"rate limit exceeded"}`, http.StatusTooManyRequests)
				return
			}

			// Credential endpoints get strict per-address limits on top of the
			// principal limit, since they are reachable unauthenticated.
			if strings.HasPrefix(r.URL.Path, "/api/auth/") && r.Method == http.MethodPost {
				if !limiter.AllowStrict(clientAddr(r), 10, time.Minute) {
					http.Error(w, `{"error":"rate limit exceeded"}`, http.StatusTooManyRequests)
					return
				}
			}

			next.ServeHTTP(w, r)
		})
	}
}

func clientAddr(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	host := r.RemoteAddr
	if i := strings.LastIndex(host, ":"); i > 0 {
		host = host[:i]
	}
	return host
}

// CORSMiddleware allows the configured browser origins.
func CORSMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if _, ok := allowed[origin]; ok {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// GetPrincipalFromContext returns the resolved principal, or nil on public
// paths.
func GetPrincipalFromContext(ctx context.Context) *domain.Principal {
	if p := ctx.Value(PrincipalContextKey{}); p != nil {
		return p.(*domain.Principal)
	}
	return nil
}

func GetClaimsFromContext(ctx context.Context) *auth.Claims {
	if c := ctx.Value(ClaimsContextKey{}); c != nil {
		return c.(*auth.Claims)
	}
	return nil
}

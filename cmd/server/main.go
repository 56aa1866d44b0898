package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/yourorg/fedcoord/internal/fanout"
	"github.com/yourorg/fedcoord/internal/guard"
	"github.com/yourorg/fedcoord/internal/handler"
	"github.com/yourorg/fedcoord/internal/infrastructure/pipeline"
	"github.com/yourorg/fedcoord/internal/infrastructure/redis"
	"github.com/yourorg/fedcoord/internal/observability/metrics"
	"github.com/yourorg/fedcoord/internal/observability/tracing"
	"github.com/yourorg/fedcoord/internal/presence"
	"github.com/yourorg/fedcoord/internal/repository"
	"github.com/yourorg/fedcoord/internal/security/audit"
	"github.com/yourorg/fedcoord/internal/security/auth"
	"github.com/yourorg/fedcoord/internal/security/credential"
	"github.com/yourorg/fedcoord/internal/security/middleware"
	"github.com/yourorg/fedcoord/internal/security/permission"
	"github.com/yourorg/fedcoord/internal/security/ratelimit"
	"github.com/yourorg/fedcoord/internal/service"
	"github.com/yourorg/fedcoord/internal/worker"
	"github.com/yourorg/fedcoord/pkg/cache"
	"github.com/yourorg/fedcoord/pkg/config"
	"github.com/yourorg/fedcoord/pkg/database"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := newLogger(cfg.LogLevel)
	log.Info("starting fedcoord server", slog.String("environment", cfg.Environment))

	shutdownTracing, err := tracing.Init(context.Background(), log, "fedcoord", cfg.Environment)
	if err != nil {
		log.Error("failed to initialize tracing", slog.String("error", err.Error()))
		os.Exit(1)
	}

	db, err := database.Open(cfg.PostgresURL)
	if err != nil {
		log.Error("failed to connect to postgres", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer db.Close()

	redisClient, err := redis.NewClient(cfg.RedisURL)
	if err != nil {
		log.Error("failed to connect to redis", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer redisClient.Close()

	// Repositories
	userRepo := repository.NewPostgresUserRepository(db, log)
	headlessRepo := repository.NewPostgresHeadlessRepository(db, log)
	consortiumRepo := repository.NewPostgresConsortiumRepository(db, log)
	pipelineRepo := repository.NewPostgresPipelineRepository(db, log)
	runRepo := repository.NewPostgresRunRepository(db, log)
	resetTokens := repository.NewResetTokenStore(redisClient)

	// Security components
	credentials := credential.NewStore(cfg.HashIterations)
	tokens := auth.NewTokenService(cfg.JWTSecret, cfg.TokenIssuer, cfg.TokenAudience,
		cfg.TokenSubject, userRepo, headlessRepo, credentials, log)
	resolver := permission.NewResolver(log)
	principalCache := cache.New()
	auditLogger := audit.NewLogger(log)
	rateLimiter := ratelimit.NewLimiter(300, time.Minute)

	// Coordination core
	dispatcher := fanout.NewDispatcher(256, log)
	tracker := presence.NewTracker(func(principalID string, online bool) {
		dispatcher.Publish(fanout.EntityPresence, principalID, map[string]interface{}{
			"id":     principalID,
			"online": online,
		})
	}, log)
	accessGuard := guard.NewRunAccessGuard(runRepo, consortiumRepo, log)
	orchestrator := pipeline.NewClient(cfg.PipelineServerURL, log)

	// Services
	authService := service.NewAuthService(userRepo, headlessRepo, credentials, tokens,
		resetTokens, dispatcher, principalCache, cfg.PasswordLifetimeDays, log)
	userService := service.NewUserService(userRepo, resolver, dispatcher, principalCache, auditLogger, log)
	headlessService := service.NewHeadlessService(headlessRepo, userRepo, resolver,
		credentials, dispatcher, principalCache, auditLogger, log)
	consortiumService := service.NewConsortiumService(consortiumRepo, pipelineRepo,
		userRepo, resolver, dispatcher, principalCache, log)
	runService := service.NewRunService(runRepo, consortiumRepo, pipelineRepo,
		accessGuard, orchestrator, dispatcher, auditLogger, log)

	// Handlers
	authHandler := handler.NewAuthHandler(authService, tokens, log)
	userHandler := handler.NewUserHandler(userService, log)
	headlessHandler := handler.NewHeadlessHandler(headlessService, log)
	consortiumHandler := handler.NewConsortiumHandler(consortiumService, log)
	runHandler := handler.NewRunHandler(runService, accessGuard, cfg.ArtifactDir, log)
	eventsHandler := handler.NewEventsHandler(tokens, dispatcher, tracker, cfg.CORSAllowedOrigins, log)
	healthHandler := handler.NewHealthHandler(db, redisClient, log)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/auth/register", authHandler.Register)
	mux.HandleFunc("POST /api/auth/login", authHandler.Login)
	mux.HandleFunc("POST /api/auth/apikey", authHandler.APIKeyLogin)
	mux.HandleFunc("POST /api/auth/token", authHandler.Refresh)
	mux.HandleFunc("POST /api/auth/password", authHandler.ChangePassword)
	mux.HandleFunc("POST /api/auth/forgot-password", authHandler.ForgotPassword)
	mux.HandleFunc("POST /api/auth/reset-password", authHandler.ResetPassword)

	mux.HandleFunc("GET /api/users", userHandler.List)
	mux.HandleFunc("POST /api/users/{id}/roles", userHandler.AddRole)
	mux.HandleFunc("DELETE /api/users/{id}/roles", userHandler.RemoveRole)
	mux.HandleFunc("POST /api/users/{id}/global-roles", userHandler.SetGlobalRole)

	mux.HandleFunc("GET /api/headless-clients", headlessHandler.List)
	mux.HandleFunc("POST /api/headless-clients", headlessHandler.Create)
	mux.HandleFunc("PATCH /api/headless-clients/{id}", headlessHandler.Update)
	mux.HandleFunc("DELETE /api/headless-clients/{id}", headlessHandler.Delete)
	mux.HandleFunc("POST /api/headless-clients/{id}/apikey", headlessHandler.GenerateAPIKey)

	mux.HandleFunc("GET /api/consortia", consortiumHandler.List)
	mux.HandleFunc("POST /api/consortia", consortiumHandler.Create)
	mux.HandleFunc("PATCH /api/consortia/{id}", consortiumHandler.Update)
	mux.HandleFunc("DELETE /api/consortia/{id}", consortiumHandler.Delete)
	mux.HandleFunc("POST /api/consortia/{id}/members", consortiumHandler.Join)
	mux.HandleFunc("DELETE /api/consortia/{id}/members", consortiumHandler.Leave)
	mux.HandleFunc("POST /api/consortia/{id}/active", consortiumHandler.SetActive)
	mux.HandleFunc("POST /api/consortia/{id}/mapping", consortiumHandler.SetDataMapping)
	mux.HandleFunc("POST /api/consortia/{id}/pipeline", consortiumHandler.SetActivePipeline)

	mux.HandleFunc("POST /api/pipelines", consortiumHandler.SavePipeline)
	mux.HandleFunc("DELETE /api/pipelines/{id}", consortiumHandler.DeletePipeline)

	mux.HandleFunc("GET /api/runs", runHandler.List)
	mux.HandleFunc("POST /api/runs", runHandler.Create)
	mux.HandleFunc("GET /api/runs/{id}", runHandler.Get)
	mux.HandleFunc("PATCH /api/runs/{id}/state", runHandler.UpdateState)
	mux.HandleFunc("POST /api/runs/{id}/results", runHandler.SaveResults)
	mux.HandleFunc("POST /api/runs/{id}/error", runHandler.SaveError)
	mux.HandleFunc("POST /api/runs/{id}/stop", runHandler.Stop)
	mux.HandleFunc("GET /api/runs/{id}/artifacts", runHandler.DownloadArtifact)
	mux.HandleFunc("POST /api/runs/{id}/artifacts", runHandler.UploadArtifact)

	mux.Handle("GET /ws/events", eventsHandler)

	mux.HandleFunc("GET /healthz", healthHandler.Health)
	mux.HandleFunc("GET /readyz", healthHandler.Ready)
	mux.Handle("/metrics", promhttp.Handler())

	// Middleware chain: request ID -> metrics -> CORS -> content type ->
	// JWT -> rate limit.
	rootHandler := withRequestID(
		metrics.HTTPMetricsMiddleware(
			middleware.CORSMiddleware(cfg.CORSAllowedOrigins)(
				middleware.ValidateJSONContentType(log)(
					middleware.JWTMiddleware(tokens, principalCache, log)(
						middleware.RateLimitMiddleware(rateLimiter, log)(mux),
					),
				),
			),
		),
		log,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	statusWorker := worker.NewStatusWorker(runRepo, tracker, log, 30*time.Second)
	go statusWorker.Start(ctx)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.ServerPort),
		Handler:      otelhttp.NewHandler(rootHandler, "fedcoord"),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	log.Info("server starting",
		slog.Int("port", cfg.ServerPort),
		slog.String("pipeline_server", cfg.PipelineServerURL),
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", slog.String("error", err.Error()))
		}
	}()

	<-sigChan
	log.Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", slog.String("error", err.Error()))
	}

	cancel()
	tracker.Close()
	rateLimiter.Stop()
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Error("tracing shutdown error", slog.String("error", err.Error()))
	}
	log.Info("server stopped")
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

type requestIDKey struct{}

// withRequestID attaches a request ID to the context and response headers for
// traceability
func withRequestID(next http.Handler, log *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := generateRequestID()
		w.Header().Set("X-Request-ID", reqID)

		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		start := time.Now()

		next.ServeHTTP(w, r.WithContext(ctx))

		log.Info("request completed",
			slog.String("request_id", reqID),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Duration("duration_ms", time.Since(start)),
		)
	})
}

func generateRequestID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

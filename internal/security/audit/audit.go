package audit

import (
	"context"
	"log/slog"
	"time"
)

// Logger emits structured audit entries for security-relevant actions:
// role changes, API key generation, run lifecycle and denied access.
type Logger struct {
	logger *slog.Logger
}

func NewLogger(logger *slog.Logger) *Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Logger{logger: logger}
}

func (al *Logger) LogAction(ctx context.Context, actorID, action, resource, resourceID, status, details string) {
	al.logger.Info("audit",
		slog.String("action", action),
		slog.String("resource", resource),
		slog.String("resource_id", resourceID),
		slog.String("actor_id", actorID),
		slog.String("status", status),
		slog.String("details", details),
		slog.Time("timestamp", time.Now()),
	)
}

func (al *Logger) LogRoleChange(ctx context.Context, actorID, targetUserID, role, status string) {
	al.LogAction(ctx, actorID, "role_change", "user", targetUserID, status, role)
}

func (al *Logger) LogAPIKeyGeneration(ctx context.Context, actorID, clientID, status string) {
	al.LogAction(ctx, actorID, "apikey_generate", "headless_client", clientID, status, "")
}

func (al *Logger) LogRunStart(ctx context.Context, actorID, runID, consortiumID, status string) {
	al.LogAction(ctx, actorID, "run_start", "run", runID, status, consortiumID)
}

func (al *Logger) LogDenied(ctx context.Context, actorID, reason string) {
	al.LogAction(ctx, actorID, "access_denied", "api", "", "denied", reason)
}

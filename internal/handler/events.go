package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/yourorg/fedcoord/internal/fanout"
	"github.com/yourorg/fedcoord/internal/presence"
	"github.com/yourorg/fedcoord/internal/security/auth"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// EventsHandler serves the websocket change feed. Each connection is one
// presence unit: opening it marks the principal online, closing it releases
// that reference.
type EventsHandler struct {
	tokens         *auth.TokenService
	dispatcher     *fanout.Dispatcher
	tracker        *presence.Tracker
	allowedOrigins []string
	logger         *slog.Logger
}

// NewEventsHandler creates a new events handler
func NewEventsHandler(
	tokens *auth.TokenService,
	dispatcher *fanout.Dispatcher,
	tracker *presence.Tracker,
	allowedOrigins []string,
	logger *slog.Logger,
) *EventsHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventsHandler{
		tokens:         tokens,
		dispatcher:     dispatcher,
		tracker:        tracker,
		allowedOrigins: allowedOrigins,
		logger:         logger,
	}
}

func (h *EventsHandler) getUpgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			for _, allowed := range h.allowedOrigins {
				if origin == allowed {
					return true
				}
			}
			h.logger.Warn("websocket origin rejected", slog.String("origin", origin))
			return false
		},
	}
}

// ServeHTTP handles GET /ws/events. Browsers cannot set headers on websocket
// upgrades, so the bearer token travels as a query parameter.
func (h *EventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	tokenString := r.URL.Query().Get("token")
	if tokenString == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}

	claims, err := h.tokens.Verify(tokenString)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}
	principal, err := h.tokens.ResolvePrincipal(r.Context(), claims)
	if err != nil || principal == nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	var types []fanout.EntityType
	if raw := r.URL.Query().Get("types"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			if trimmed := strings.TrimSpace(t); trimmed != "" {
				types = append(types, fanout.EntityType(trimmed))
			}
		}
	}

	upgrader := h.getUpgrader()
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	connectionID := uuid.New().String()
	h.tracker.Connect(connectionID, principal.ID())
	sub := h.dispatcher.Subscribe(types...)

	logger := h.logger.With(
		slog.String("principal", principal.ID()),
		slog.String("connection_id", connectionID),
	)
	logger.Info("event subscriber connected")

	ctx, cancel := context.WithCancel(r.Context())
	go h.readPump(ctx, cancel, ws)
	h.writePump(ctx, ws, sub, logger)

	cancel()
	sub.Close()
	h.tracker.Disconnect(connectionID)
	ws.Close()
	logger.Info("event subscriber disconnected")
}

// readPump drains client frames so pongs and close frames are processed.
func (h *EventsHandler) readPump(ctx context.Context, cancel context.CancelFunc, ws *websocket.Conn) {
	defer cancel()
	ws.SetReadLimit(1024)
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *EventsHandler) writePump(ctx context.Context, ws *websocket.Conn, sub *fanout.Subscription, logger *slog.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			payload, err := json.Marshal(ev)
			if err != nil {
				logger.Error("failed to encode event", slog.String("error", err.Error()))
				continue
			}
			if err := ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

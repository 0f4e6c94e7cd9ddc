package httpserver

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	wsadapter "github.com/pscheid92/fanout/internal/adapter/websocket"
	"github.com/pscheid92/fanout/internal/domain"
	apperrors "github.com/pscheid92/fanout/internal/platform/errors"
)

const maxBroadcastBodyBytes = 1 << 20

type broadcastResponse struct {
	Success     bool     `json:"success"`
	Attempted   int      `json:"attempted"`
	Succeeded   int      `json:"succeeded"`
	PrunedCount int      `json:"prunedCount"`
	PrunedIDs   []string `json:"prunedIds"`
}

type sessionCountResponse struct {
	Success  bool   `json:"success"`
	Key      string `json:"key"`
	Sessions int    `json:"sessions"`
}

type disconnectResponse struct {
	Success   bool   `json:"success"`
	SessionID string `json:"sessionId"`
}

// handleConnect upgrades the request and runs the session's read pump until the
// connection ends. Failures after the upgrade are reported as close frames.
func (s *Server) handleConnect(c echo.Context) error {
	key := c.Param("key")
	if err := domain.ValidateKey(key); err != nil {
		return err
	}
	if !websocket.IsWebSocketUpgrade(c.Request()) {
		return fmt.Errorf("%w: expected a websocket upgrade request", domain.ErrHandshakeFailed)
	}

	filter, err := subscriptionFilter(c)
	if err != nil {
		return err
	}

	ip := c.RealIP()
	if ok, reason := s.limits.Acquire(ip); !ok {
		return apperrors.UnavailableError("connection limit reached", nil).WithContext("limit", string(reason))
	}
	defer s.limits.Release(ip)

	ctx := c.Request().Context()
	if err := s.actors.Activate(ctx, key); err != nil {
		return err
	}

	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// The upgrader has already answered the request.
		slog.WarnContext(ctx, "WebSocket upgrade failed", "actor_key", key, "error", err)
		return nil
	}

	conn := wsadapter.NewConn(ws)
	handle, err := s.actors.Connect(ctx, key, conn, filter)
	if err != nil {
		slog.WarnContext(ctx, "Session rejected after upgrade", "actor_key", key, "error", err)
		_ = conn.Close(domain.CloseTryAgainLater, "actor unavailable")
		return nil
	}

	handle.Run(ctx)
	return nil
}

func subscriptionFilter(c echo.Context) (*domain.Filter, error) {
	filter := domain.Filter{
		EventType: c.QueryParam("eventType"),
		EntityID:  c.QueryParam("entityId"),
	}
	if filter.IsZero() {
		return nil, nil
	}
	if err := filter.Validate(); err != nil {
		return nil, apperrors.ValidationError(err.Error())
	}
	return &filter, nil
}

func (s *Server) handleBroadcast(c echo.Context) error {
	key := c.Param("key")
	if err := domain.ValidateKey(key); err != nil {
		return err
	}

	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxBroadcastBodyBytes+1))
	if err != nil {
		return apperrors.ValidationError("failed to read request body")
	}
	if len(body) > maxBroadcastBodyBytes {
		return apperrors.ValidationError("request body too large")
	}

	env, err := domain.ParseEnvelope(body)
	if err != nil {
		return err
	}

	report, err := s.actors.Broadcast(c.Request().Context(), key, env)
	if err != nil {
		return err
	}

	pruned := make([]string, 0, len(report.Pruned))
	for _, id := range report.Pruned {
		pruned = append(pruned, id.String())
	}

	if err := c.JSON(http.StatusOK, broadcastResponse{
		Success:     true,
		Attempted:   report.Attempted,
		Succeeded:   report.Succeeded,
		PrunedCount: report.PrunedCount(),
		PrunedIDs:   pruned,
	}); err != nil {
		return fmt.Errorf("failed to write broadcast response: %w", err)
	}
	return nil
}

func (s *Server) handleSessionCount(c echo.Context) error {
	key := c.Param("key")
	if err := domain.ValidateKey(key); err != nil {
		return err
	}

	count, err := s.actors.SessionCount(c.Request().Context(), key)
	if err != nil {
		return err
	}

	if err := c.JSON(http.StatusOK, sessionCountResponse{Success: true, Key: key, Sessions: count}); err != nil {
		return fmt.Errorf("failed to write session count response: %w", err)
	}
	return nil
}

func (s *Server) handleDisconnect(c echo.Context) error {
	key := c.Param("key")
	if err := domain.ValidateKey(key); err != nil {
		return err
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return apperrors.ValidationError("invalid session id")
	}

	found, err := s.actors.Disconnect(c.Request().Context(), key, id)
	if err != nil {
		return err
	}
	if !found {
		return apperrors.NotFoundError("session not found").WithContext("actor_key", key)
	}

	if err := c.JSON(http.StatusOK, disconnectResponse{Success: true, SessionID: id.String()}); err != nil {
		return fmt.Errorf("failed to write disconnect response: %w", err)
	}
	return nil
}

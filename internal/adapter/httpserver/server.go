package httpserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/pscheid92/fanout/internal/actor"
	"github.com/pscheid92/fanout/internal/adapter/metrics"
	wsadapter "github.com/pscheid92/fanout/internal/adapter/websocket"
	"github.com/pscheid92/fanout/internal/domain"
	"github.com/pscheid92/fanout/internal/platform/config"
	apperrors "github.com/pscheid92/fanout/internal/platform/errors"
)

type actorService interface {
	Activate(ctx context.Context, key string) error
	Connect(ctx context.Context, key string, conn domain.Conn, filter *domain.Filter) (*actor.Handle, error)
	Broadcast(ctx context.Context, key string, env domain.Envelope) (domain.DeliveryReport, error)
	SessionCount(ctx context.Context, key string) (int, error)
	Disconnect(ctx context.Context, key string, id uuid.UUID) (bool, error)
	ActiveActors() int
	Stopping() bool
}

type Server struct {
	echo   *echo.Echo
	config *config.Config

	actors      actorService
	upgrader    *websocket.Upgrader
	limits      *ConnectionLimits
	registry    *prometheus.Registry
	httpMetrics *metrics.HTTPMetrics

	healthChecks []HealthCheck
	startTime    time.Time
}

func NewServer(cfg *config.Config, actors actorService, reg *prometheus.Registry, healthChecks []HealthCheck) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = apperrors.HTTPErrorHandler

	srv := &Server{
		echo:         e,
		config:       cfg,
		actors:       actors,
		upgrader:     wsadapter.NewUpgrader(wsadapter.NewCheckOrigin(cfg.AllowedOrigins, cfg.IsDevelopment())),
		limits:       NewConnectionLimits(int64(cfg.MaxConnections), cfg.MaxConnectionsPerIP, cfg.ConnectionRate, cfg.ConnectionBurst),
		registry:     reg,
		httpMetrics:  metrics.NewHTTPMetrics(reg),
		healthChecks: healthChecks,
		startTime:    time.Now(),
	}

	srv.registerRoutes()

	return srv
}

func (s *Server) Start() error {
	slog.Info("Starting server", "port", s.config.Port)
	if err := s.echo.Start(":" + s.config.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests. Upgraded connections are hijacked and
// outlive it; the actor manager closes them.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}

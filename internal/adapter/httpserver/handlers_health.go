package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/pscheid92/fanout/internal/platform/version"
)

const readinessTimeout = 5 * time.Second

var errDraining = errors.New("actor manager is draining")

// HealthCheck is a named dependency check run by the readiness endpoint.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

type liveness struct {
	Status string  `json:"status"`
	Uptime float64 `json:"uptime"`
	Actors int     `json:"actors"`
}

type readiness struct {
	Status      string `json:"status"`
	Actors      int    `json:"actors"`
	FailedCheck string `json:"failed_check,omitempty"`
	Error       string `json:"error,omitempty"`
}

func (s *Server) registerHealthRoutes() {
	s.echo.GET("/health/live", s.handleLiveness)
	s.echo.GET("/health/ready", s.handleReadiness)
	s.echo.GET("/version", s.handleVersion)
}

func (s *Server) handleLiveness(c echo.Context) error {
	resp := liveness{
		Status: "ok",
		Uptime: time.Since(s.startTime).Seconds(),
		Actors: s.actors.ActiveActors(),
	}
	if err := c.JSON(http.StatusOK, resp); err != nil {
		return fmt.Errorf("failed to write liveness response: %w", err)
	}
	return nil
}

// handleReadiness reports unready once the manager drains, so load balancers stop
// routing new connections here before the listener closes.
func (s *Server) handleReadiness(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), readinessTimeout)
	defer cancel()

	resp := readiness{Status: "ready", Actors: s.actors.ActiveActors()}
	status := http.StatusOK
	if name, err := s.firstFailingCheck(ctx); err != nil {
		resp.Status, resp.FailedCheck, resp.Error = "unhealthy", name, err.Error()
		status = http.StatusServiceUnavailable
	}

	if err := c.JSON(status, resp); err != nil {
		return fmt.Errorf("failed to write readiness response: %w", err)
	}
	return nil
}

func (s *Server) firstFailingCheck(ctx context.Context) (string, error) {
	if s.actors.Stopping() {
		return "actors", errDraining
	}
	for _, hc := range s.healthChecks {
		if err := hc.Check(ctx); err != nil {
			return hc.Name, err
		}
	}
	return "", nil
}

func (s *Server) handleVersion(c echo.Context) error {
	if err := c.JSON(http.StatusOK, version.Get(s.config.InstanceID)); err != nil {
		return fmt.Errorf("failed to write version response: %w", err)
	}
	return nil
}

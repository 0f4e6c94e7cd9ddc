package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewActorMetrics_Registers(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewActorMetrics(reg)

	m.SessionsOpened.Inc()
	m.SessionsClosed.WithLabelValues("remote_close").Inc()
	m.Deliveries.WithLabelValues("delivered").Add(3)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionsOpened))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionsClosed.WithLabelValues("remote_close")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.Deliveries.WithLabelValues("delivered")))

	// Registering twice on the same registry must panic (duplicate collectors).
	assert.Panics(t, func() { NewActorMetrics(reg) })
}

func TestHandler_ServesRegistry(t *testing.T) {
	reg := NewRegistry()
	m := NewActorMetrics(reg)
	m.ActiveActors.Set(2)

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "fanout_actor_active 2")
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestHTTPMetrics_MiddlewareSkipsUpgradeAndHealth(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewHTTPMetrics(reg)

	e := echo.New()
	e.Use(m.Middleware())
	ok := func(c echo.Context) error { return c.NoContent(http.StatusOK) }
	e.POST("/actors/:key/broadcast", ok)
	e.GET("/actors/:key/connect", ok)
	e.GET("/health/live", ok)

	for _, target := range []string{"/actors/a/connect", "/health/live"} {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
		require.Equal(t, http.StatusOK, rec.Code)
	}
	assert.Equal(t, 0, testutil.CollectAndCount(m.RequestsTotal))

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/actors/a/broadcast", strings.NewReader("{}")))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues(http.MethodPost, "/actors/:key/broadcast", "200")))
}

package httpserver

import (
	"github.com/labstack/echo/v4"
	"github.com/pscheid92/fanout/internal/platform/correlation"
)

// correlationMiddleware adopts the caller's correlation id when it sends one and
// echoes it back so clients can quote it.
func correlationMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := correlation.FromHeader(c.Request().Header.Get(correlation.Header))
		ctx := correlation.WithID(c.Request().Context(), id)
		c.SetRequest(c.Request().WithContext(ctx))
		c.Response().Header().Set(correlation.Header, id)
		return next(c)
	}
}

package httpserver

import (
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	apperrors "github.com/pscheid92/fanout/internal/platform/errors"
	"golang.org/x/time/rate"
)

const rateLimiterExpiry = 5 * time.Minute

// newBroadcastLimiter throttles broadcasts per publisher and actor key, so one
// hot key does not starve the caller's other keys.
func newBroadcastLimiter(ratePerSecond float64, burst int) echo.MiddlewareFunc {
	store := middleware.NewRateLimiterMemoryStoreWithConfig(
		middleware.RateLimiterMemoryStoreConfig{
			Rate:      rate.Limit(ratePerSecond),
			Burst:     burst,
			ExpiresIn: rateLimiterExpiry,
		},
	)
	return middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		IdentifierExtractor: func(c echo.Context) (string, error) {
			return c.RealIP() + "|" + c.Param("key"), nil
		},
		Store: store,
		DenyHandler: func(c echo.Context, _ string, _ error) error {
			return apperrors.RateLimitedError("broadcast rate exceeded").WithContext("key", c.Param("key"))
		},
	})
}

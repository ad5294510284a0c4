package middleware

import (
	"time"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/mess-backend/internal/metrics"
)

// Metrics records request count and latency per route template.  Errors
// are rendered first so the recorded status is the one the client sees.
func Metrics(mc *metrics.Collector) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}
			path := c.Path()
			if path == "" {
				path = "unmatched"
			}
			mc.ObserveHTTP(c.Request().Method, path, c.Response().Status, time.Since(start))
			return nil
		}
	}
}

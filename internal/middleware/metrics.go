package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"edge-gateway/internal/metrics"
)

// MetricsMiddleware returns an Echo middleware that records Prometheus metrics
// for each inbound request. Paths are reduced to one of prefixes, or "other".
func MetricsMiddleware(m *metrics.Metrics, prefixes []string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			m.RequestsInFlight.Inc()
			defer m.RequestsInFlight.Dec()

			start := time.Now()
			observe := func(status int) {
				code := strconv.Itoa(status)
				method := metrics.NormalizeMethod(c.Request().Method)
				path := metrics.NormalizePath(c.Request().URL.Path, prefixes)
				m.RequestsTotal.WithLabelValues(method, code, path).Inc()
				m.RequestDuration.WithLabelValues(method, code, path).Observe(time.Since(start).Seconds())
			}

			// A panic is recorded as the 500 the outer Recover middleware
			// will send, then passed on to it.
			defer func() {
				if r := recover(); r != nil {
					status := http.StatusInternalServerError
					if c.Response().Committed {
						status = c.Response().Status
					}
					observe(status)
					panic(r)
				}
			}()

			// Errors are rendered here so the recorded status is the one the
			// central error handler sends, e.g. 400 for a body limit 413.
			if err := next(c); err != nil {
				c.Error(err)
			}
			observe(c.Response().Status)

			return nil
		}
	}
}

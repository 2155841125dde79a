package ratelimit

import (
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"edge-gateway/internal/apierror"
	"edge-gateway/internal/route"
)

// Standard rate limit response headers.
const (
	HeaderLimit      = "RateLimit-Limit"
	HeaderRemaining  = "RateLimit-Remaining"
	HeaderReset      = "RateLimit-Reset"
	HeaderRetryAfter = "Retry-After"
)

// KeyFunc derives the client key of a request.
type KeyFunc func(c echo.Context) string

// IPKey keys requests by client IP.
func IPKey(c echo.Context) string {
	return c.RealIP()
}

// RouteKey keys requests by client IP and matched route prefix, so every
// route has its own quota. Unmatched paths share one bucket per client.
func RouteKey(table *route.Table) KeyFunc {
	return func(c echo.Context) string {
		prefix := "unmatched"
		if rule, ok := table.Match(c.Request().URL.Path); ok {
			prefix = rule.Prefix
		}
		return c.RealIP() + "|" + prefix
	}
}

// Middleware returns an Echo middleware that checks every request against the
// limiter. Denied requests get 429 and never reach the next handler.
func Middleware(l *Limiter, keyFn KeyFunc, logger *slog.Logger) echo.MiddlewareFunc {
	logger = logger.With("component", "rate_limit_middleware")

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := keyFn(c)
			d := l.Check(c.Request().Context(), key)

			h := c.Response().Header()
			h.Set(HeaderLimit, strconv.FormatInt(d.Limit, 10))
			h.Set(HeaderRemaining, strconv.FormatInt(d.Remaining, 10))
			h.Set(HeaderReset, strconv.FormatInt(ceilSeconds(d.ResetIn.Seconds()), 10))

			if !d.Allowed {
				logger.Warn("rate limit exceeded",
					"key", key,
					"count", d.Count,
					"limit", d.Limit,
					"source", d.Source,
					"path", c.Request().URL.Path,
				)
				h.Set(HeaderRetryAfter, strconv.FormatInt(ceilSeconds(d.RetryAfter().Seconds()), 10))
				return c.JSON(http.StatusTooManyRequests, apierror.RateLimited())
			}

			return next(c)
		}
	}
}

func ceilSeconds(s float64) int64 {
	if s <= 0 {
		return 0
	}
	return int64(math.Ceil(s))
}

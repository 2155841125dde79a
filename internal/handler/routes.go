package handler

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"edge-gateway/internal/config"
	"edge-gateway/internal/metrics"
)

// GatewayMiddleware runs in front of the proxy handler only.
type GatewayMiddleware []echo.MiddlewareFunc

// RegisterRoutes wires all route handlers onto the Echo instance. Operational
// endpoints are registered first and bypass the gateway middleware; every
// other path goes through the proxy handler behind gatewayMW.
func RegisterRoutes(e *echo.Echo, cfg *config.Config, m *metrics.Metrics, proxy *ProxyHandler, health *HealthHandler, gatewayMW GatewayMiddleware) {
	e.GET("/healthz", health.Healthz)
	e.GET("/gateway/status", health.Status)

	if cfg.Metrics.Enabled && m != nil {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	}

	e.Any("/*", proxy.Handle, gatewayMW...)
}

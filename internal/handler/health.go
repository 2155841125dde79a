package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"edge-gateway/internal/client"
	"edge-gateway/internal/config"
	"edge-gateway/internal/route"
	"edge-gateway/internal/store"
)

// storePingTimeout bounds the counter store check of the status endpoint.
const storePingTimeout = 2 * time.Second

// pinger is implemented by stores that can check their connection.
type pinger interface {
	Ping(ctx context.Context) error
}

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	table   *route.Table
	client  *client.BackendClient
	store   store.CounterStore
	version Version
}

// NewHealthHandler creates a HealthHandler. The store may be nil.
func NewHealthHandler(cfg *config.Config, table *route.Table, bc *client.BackendClient, st store.CounterStore, v Version) *HealthHandler {
	return &HealthHandler{cfg: cfg, table: table, client: bc, store: st, version: v}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

type routeStatus struct {
	Prefix   string `json:"prefix"`
	Backend  string `json:"backend"`
	Rewrite  string `json:"rewrite"`
	Auth     bool   `json:"auth"`
	BodyMode string `json:"body_mode"`
}

type rateLimitStatus struct {
	Enabled       bool   `json:"enabled"`
	WindowSeconds int    `json:"window_seconds"`
	MaxRequests   int    `json:"max_requests"`
	Store         string `json:"store"`
	StoreStatus   string `json:"store_status"`
}

type statusResponse struct {
	Status          string            `json:"status"`
	Version         string            `json:"version"`
	Backends        map[string]string `json:"backends"`
	Routes          []routeStatus     `json:"routes"`
	RateLimit       rateLimitStatus   `json:"rate_limit"`
	CircuitBreakers map[string]string `json:"circuit_breakers,omitempty"`
}

// Status returns gateway status: version, backends, routes and limiter policy.
func (h *HealthHandler) Status(c echo.Context) error {
	b := h.cfg.Backends
	resp := statusResponse{
		Status:  "ok",
		Version: string(h.version),
		Backends: map[string]string{
			config.BackendIdentity: b.Identity,
			config.BackendPosts:    b.Posts,
			config.BackendMedia:    b.Media,
			config.BackendSearch:   b.Search,
		},
		RateLimit: rateLimitStatus{
			Enabled:       h.cfg.RateLimit.Enabled,
			WindowSeconds: h.cfg.RateLimit.WindowSeconds,
			MaxRequests:   h.cfg.RateLimit.MaxRequests,
			Store:         h.cfg.CounterStore.Driver,
			StoreStatus:   h.storeStatus(c.Request().Context()),
		},
	}
	for _, r := range h.table.Rules() {
		resp.Routes = append(resp.Routes, routeStatus{
			Prefix:   r.Prefix,
			Backend:  r.Backend,
			Rewrite:  r.RewritePrefix,
			Auth:     r.RequiresAuth,
			BodyMode: r.BodyMode.String(),
		})
	}
	if h.client != nil {
		resp.CircuitBreakers = h.client.BreakerStates()
	}
	return c.JSON(http.StatusOK, resp)
}

// storeStatus reports "ok", "unreachable", or "unknown" when there is no
// store to ask. An unreachable store does not fail the status check: the
// limiter degrades per its store error policy.
func (h *HealthHandler) storeStatus(ctx context.Context) string {
	if h.store == nil {
		return "unknown"
	}
	p, ok := h.store.(pinger)
	if !ok {
		return "ok"
	}
	ctx, cancel := context.WithTimeout(ctx, storePingTimeout)
	defer cancel()
	if err := p.Ping(ctx); err != nil {
		return "unreachable"
	}
	return "ok"
}

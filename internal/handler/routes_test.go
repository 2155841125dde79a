package handler

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"edge-gateway/internal/config"
	"edge-gateway/internal/ratelimit"
)

func TestRegisterRoutes_OperationalEndpointsBypassLimiter(t *testing.T) {
	g := newGateway(t, func(cfg *config.Config) { cfg.RateLimit.MaxRequests = 1 })

	for i := 0; i < 3; i++ {
		rec := g.do(httptest.NewRequest(http.MethodGet, "/healthz", http.NoBody))
		if rec.Code != http.StatusOK {
			t.Fatalf("healthz %d: status = %d, want 200", i, rec.Code)
		}
		if rec.Header().Get(ratelimit.HeaderLimit) != "" {
			t.Errorf("healthz carries rate limit headers")
		}
	}

	if rec := g.do(httptest.NewRequest(http.MethodGet, "/gateway/status", http.NoBody)); rec.Code != http.StatusOK {
		t.Errorf("status endpoint: %d", rec.Code)
	}

	// The single allowed request is still available for the proxy.
	if rec := g.do(httptest.NewRequest(http.MethodPost, "/v1/auth/login", strings.NewReader(`{}`))); rec.Code != http.StatusOK {
		t.Errorf("first proxied request: status = %d, want 200", rec.Code)
	}
	if rec := g.do(httptest.NewRequest(http.MethodPost, "/v1/auth/login", strings.NewReader(`{}`))); rec.Code != http.StatusTooManyRequests {
		t.Errorf("second proxied request: status = %d, want 429", rec.Code)
	}
}

func TestRegisterRoutes_Metrics(t *testing.T) {
	g := newGateway(t, nil)

	g.do(httptest.NewRequest(http.MethodPost, "/v1/auth/login", strings.NewReader(`{}`)))
	g.do(httptest.NewRequest(http.MethodGet, "/v1/posts/all-posts", http.NoBody))

	rec := g.do(httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{
		"edge_gateway_upstream_responses_total",
		`edge_gateway_auth_rejections_total{reason="missing"} 1`,
		`edge_gateway_rate_limit_decisions_total{result="allowed",source="store"} 2`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestRegisterRoutes_MetricsDisabled(t *testing.T) {
	g := newGateway(t, func(cfg *config.Config) { cfg.Metrics.Enabled = false })

	// Without the metrics route the path falls through to the proxy, which
	// has no route for it.
	rec := g.do(httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestRegisterRoutes_RequestIDPropagation(t *testing.T) {
	g := newGateway(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/auth/login", strings.NewReader(`{}`))
	req.Header.Set("X-Request-Id", "req-123")
	rec := g.do(req)

	if got := rec.Header().Get("X-Request-Id"); got != "req-123" {
		t.Errorf("response X-Request-Id = %q, want req-123", got)
	}
	if _, header := g.backend.seen(); header.Get("X-Request-Id") != "req-123" {
		t.Errorf("backend X-Request-Id = %q, want req-123", header.Get("X-Request-Id"))
	}
}

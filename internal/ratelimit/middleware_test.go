package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"edge-gateway/internal/config"
	"edge-gateway/internal/route"
)

func newLimitedEcho(t *testing.T, maxRequests int, keyFn func(*route.Table) KeyFunc) (*echo.Echo, *int) {
	t.Helper()
	_, st := newRedisBacked(t)
	l, err := New(st, testRateConfig(maxRequests, 15*time.Minute, "local"), discardLogger(), nil)
	require.NoError(t, err)

	table, err := route.NewTable(&config.Config{
		Backends: config.BackendsConfig{
			Identity: "http://identity:3001",
			Posts:    "http://posts:3002",
			Media:    "http://media:3003",
			Search:   "http://search:3004",
		},
		Routes: config.DefaultRoutes(),
	})
	require.NoError(t, err)

	calls := 0
	e := echo.New()
	e.Any("/*", func(c echo.Context) error {
		calls++
		return c.String(http.StatusOK, "ok")
	}, Middleware(l, keyFn(table), discardLogger()))
	return e, &calls
}

func doGet(e *echo.Echo, path, remoteAddr string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, http.NoBody)
	req.RemoteAddr = remoteAddr
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestMiddleware_HeadersAndRejection(t *testing.T) {
	e, calls := newLimitedEcho(t, 2, func(*route.Table) KeyFunc { return IPKey })

	rec := doGet(e, "/v1/posts/all-posts", "198.51.100.7:5000")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "2", rec.Header().Get(HeaderLimit))
	assert.Equal(t, "1", rec.Header().Get(HeaderRemaining))
	reset, err := strconv.Atoi(rec.Header().Get(HeaderReset))
	require.NoError(t, err)
	assert.InDelta(t, 900, reset, 1)
	assert.Empty(t, rec.Header().Get(HeaderRetryAfter))

	require.Equal(t, http.StatusOK, doGet(e, "/v1/posts/all-posts", "198.51.100.7:5000").Code)

	rec = doGet(e, "/v1/posts/all-posts", "198.51.100.7:5000")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.JSONEq(t, `{"success":false,"message":"Too many requests"}`, rec.Body.String())
	assert.Equal(t, "0", rec.Header().Get(HeaderRemaining))
	assert.NotEmpty(t, rec.Header().Get(HeaderRetryAfter))
	assert.Equal(t, 2, *calls, "denied request must not reach the handler")
}

func TestMiddleware_UnknownPathsConsumeQuota(t *testing.T) {
	e, calls := newLimitedEcho(t, 1, func(*route.Table) KeyFunc { return IPKey })

	require.Equal(t, http.StatusOK, doGet(e, "/nowhere", "198.51.100.8:5000").Code)
	assert.Equal(t, http.StatusTooManyRequests, doGet(e, "/v1/auth/login", "198.51.100.8:5000").Code)
	assert.Equal(t, 1, *calls)
}

func TestMiddleware_RouteKeySeparatesQuotas(t *testing.T) {
	e, _ := newLimitedEcho(t, 1, RouteKey)

	const addr = "198.51.100.9:5000"
	require.Equal(t, http.StatusOK, doGet(e, "/v1/posts/a", addr).Code)
	assert.Equal(t, http.StatusOK, doGet(e, "/v1/search/a", addr).Code)
	assert.Equal(t, http.StatusTooManyRequests, doGet(e, "/v1/posts/b", addr).Code)
	assert.Equal(t, http.StatusOK, doGet(e, "/v1/posts/a", "198.51.100.10:5000").Code)
}

// Package client provides the outbound HTTP client shared by all backends.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptrace"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"

	"edge-gateway/internal/config"
	"edge-gateway/internal/metrics"
	"edge-gateway/internal/model"
)

var (
	// ErrCircuitOpen is returned when a backend's circuit breaker rejects a call.
	ErrCircuitOpen = errors.New("circuit breaker open")
	// ErrMalformedResponse is returned when the backend accepted the
	// connection but its response could not be parsed as HTTP.
	ErrMalformedResponse = errors.New("malformed backend response")
)

// serverStatusError marks a 5xx response as a breaker failure while keeping
// the response for the caller.
type serverStatusError struct {
	resp *http.Response
}

func (e *serverStatusError) Error() string {
	return fmt.Sprintf("backend returned %d", e.resp.StatusCode)
}

// BackendClient sends requests to the internal services. Every call is bounded
// by the upstream timeout and, when enabled, guarded by a per-backend breaker.
type BackendClient struct {
	httpClient *http.Client
	timeout    time.Duration
	breakers   map[string]*gobreaker.CircuitBreaker
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewBackendClient creates a BackendClient with connection pooling and timeouts.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewBackendClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *BackendClient {
	transport := &http.Transport{
		MaxIdleConns:        cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost: cfg.Upstream.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	c := &BackendClient{
		httpClient: &http.Client{
			Transport: transport,
			// Redirects are relayed to the client, not followed.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		timeout: cfg.Upstream.Timeout(),
		logger:  logger.With("component", "backend_client"),
		metrics: m,
	}

	if cb := cfg.Upstream.CircuitBreaker; cb.Enabled {
		c.breakers = make(map[string]*gobreaker.CircuitBreaker)
		for _, name := range []string{config.BackendIdentity, config.BackendPosts, config.BackendMedia, config.BackendSearch} {
			c.breakers[name] = c.newBreaker(name, cb)
		}
	}
	return c
}

func (c *BackendClient) newBreaker(name string, cfg config.CircuitBreakerConfig) *gobreaker.CircuitBreaker {
	threshold := uint32(max(cfg.FailureThreshold, 1)) //nolint:gosec // validated positive
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     time.Duration(cfg.OpenSeconds) * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: isBackendHealthy,
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("circuit breaker state change",
				"backend", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})
}

// Do sends req to the named backend and returns the response. The caller is
// responsible for closing the response body; closing it also releases the
// request's timeout. Redirects are returned, not followed.
func (c *BackendClient) Do(backend string, req *http.Request) (*model.ProxyResponse, error) {
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if c.timeout > 0 {
		ctx, cancel = context.WithTimeout(req.Context(), c.timeout)
	} else {
		ctx, cancel = context.WithCancel(req.Context())
	}
	var connected atomic.Bool
	ctx = httptrace.WithClientTrace(ctx, &httptrace.ClientTrace{
		GotConn: func(httptrace.GotConnInfo) { connected.Store(true) },
	})
	req = req.WithContext(ctx)

	c.logger.Debug("backend request",
		"backend", backend,
		"method", req.Method,
		"path", req.URL.Path,
	)

	method := metrics.NormalizeMethod(req.Method)
	start := time.Now()
	resp, err := c.execute(backend, req)
	duration := time.Since(start).Seconds()

	if c.metrics != nil {
		c.metrics.UpstreamDuration.WithLabelValues(backend, method).Observe(duration)
	}

	if err != nil {
		cancel()
		if connected.Load() && isProtocolError(err) {
			err = fmt.Errorf("%w: %w", ErrMalformedResponse, err)
		}
		if c.metrics != nil {
			c.metrics.UpstreamFailures.WithLabelValues(backend, failureKind(err)).Inc()
		}
		return nil, fmt.Errorf("%s request: %w", backend, err)
	}

	if c.metrics != nil {
		c.metrics.UpstreamResponses.WithLabelValues(backend, method, strconv.Itoa(resp.StatusCode)).Inc()
	}

	return &model.ProxyResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       &cancelOnClose{ReadCloser: resp.Body, cancel: cancel},
		Backend:    backend,
	}, nil
}

func (c *BackendClient) execute(backend string, req *http.Request) (*http.Response, error) {
	cb, ok := c.breakers[backend]
	if !ok {
		return c.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to caller
	}

	out, err := cb.Execute(func() (any, error) {
		resp, err := c.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to caller
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= http.StatusInternalServerError {
			return nil, &serverStatusError{resp: resp}
		}
		return resp, nil
	})

	var sse *serverStatusError
	switch {
	case errors.As(err, &sse):
		return sse.resp, nil
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return nil, fmt.Errorf("%w: %w", ErrCircuitOpen, err)
	case err != nil:
		return nil, err
	}
	return out.(*http.Response), nil
}

// BreakerStates reports the breaker state per backend, or nil when breakers
// are disabled.
func (c *BackendClient) BreakerStates() map[string]string {
	if c.breakers == nil {
		return nil
	}
	out := make(map[string]string, len(c.breakers))
	for name, cb := range c.breakers {
		out[name] = cb.State().String()
	}
	return out
}

// isBackendHealthy reports whether a call outcome says nothing bad about the
// backend. Client cancellations are not failures.
func isBackendHealthy(err error) bool {
	return err == nil || errors.Is(err, context.Canceled)
}

// isProtocolError reports whether err, returned after a connection was
// established, came from parsing the response rather than from the
// connection itself.
func isProtocolError(err error) bool {
	var (
		opErr  *net.OpError
		netErr net.Error
	)
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return false
	case errors.As(err, &opErr):
		return false
	case errors.As(err, &netErr) && netErr.Timeout():
		return false
	}
	return true
}

// failureKind is the metrics label for a call that produced no response.
func failureKind(err error) string {
	var netErr net.Error
	switch {
	case errors.Is(err, ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.As(err, &netErr) && netErr.Timeout():
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, ErrMalformedResponse):
		return "malformed"
	default:
		return "connection"
	}
}

// cancelOnClose releases the request context once the body is consumed.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelOnClose) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

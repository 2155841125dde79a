// Package ratelimit implements the shared fixed-window rate limiter that gates
// every gateway request.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"edge-gateway/internal/config"
	"edge-gateway/internal/metrics"
	"edge-gateway/internal/store"
)

// StorePolicy decides what happens to a request when the counter store fails.
type StorePolicy string

const (
	// PolicyLocal degrades to a per-instance limiter.
	PolicyLocal StorePolicy = "local"
	// PolicyAllow lets the request through.
	PolicyAllow StorePolicy = "allow"
	// PolicyDeny rejects the request as rate limited.
	PolicyDeny StorePolicy = "deny"
)

// Decision sources, used as the metrics "source" label.
const (
	sourceStore      = "store"
	sourceLocal      = "local"
	sourceFailOpen   = "fail_open"
	sourceFailClosed = "fail_closed"
)

// Decision is the outcome of one Check.
type Decision struct {
	Allowed bool
	Key     string
	// Count is the post-increment number of requests seen in the window.
	Count     int64
	Limit     int64
	Remaining int64
	// ResetIn is the time left until the window ends.
	ResetIn time.Duration
	// Source is "store" when the shared counter decided, otherwise the
	// degraded path that did.
	Source string
}

// RetryAfter is how long a denied client should wait.
func (d Decision) RetryAfter() time.Duration {
	if d.Allowed {
		return 0
	}
	return d.ResetIn
}

// Limiter enforces at most Limit requests per key per window using the
// counter store's atomic increment. It holds no per-key state of its own
// except in the degraded local mode.
type Limiter struct {
	store   store.CounterStore
	window  time.Duration
	limit   int64
	policy  StorePolicy
	local   *localLimiter
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// New creates a Limiter from the rate limit config. The metrics parameter is
// optional; pass nil to disable decision metrics.
func New(st store.CounterStore, cfg config.RateLimitConfig, logger *slog.Logger, m *metrics.Metrics) (*Limiter, error) {
	window := cfg.Window()
	if window <= 0 {
		return nil, fmt.Errorf("rate limit window must be positive; got %v", window)
	}
	if cfg.MaxRequests <= 0 {
		return nil, fmt.Errorf("rate limit max requests must be positive; got %d", cfg.MaxRequests)
	}

	policy := StorePolicy(cfg.OnStoreError)
	switch policy {
	case PolicyLocal, PolicyAllow, PolicyDeny:
	case "":
		policy = PolicyLocal
	default:
		return nil, fmt.Errorf("unknown store error policy %q", cfg.OnStoreError)
	}

	l := &Limiter{
		store:   st,
		window:  window,
		limit:   int64(cfg.MaxRequests),
		policy:  policy,
		logger:  logger.With("component", "rate_limiter"),
		metrics: m,
	}
	if policy == PolicyLocal {
		l.local = newLocalLimiter(cfg.MaxRequests, window)
	}
	return l, nil
}

// Limit returns the configured requests per window.
func (l *Limiter) Limit() int64 {
	return l.limit
}

// Window returns the configured window length.
func (l *Limiter) Window() time.Duration {
	return l.window
}

// Check counts one request for key and reports whether it may proceed.
func (l *Limiter) Check(ctx context.Context, key string) Decision {
	count, ttl, err := l.store.Increment(ctx, key, l.window)
	if err != nil {
		return l.degraded(key, err)
	}

	d := Decision{
		Allowed:   count <= l.limit,
		Key:       key,
		Count:     count,
		Limit:     l.limit,
		Remaining: max(l.limit-count, 0),
		ResetIn:   ttl,
		Source:    sourceStore,
	}
	l.record(d)
	return d
}

func (l *Limiter) degraded(key string, err error) Decision {
	l.logger.Error("counter store unavailable",
		"err", err,
		"key", key,
		"policy", string(l.policy),
	)

	d := Decision{Key: key, Limit: l.limit, ResetIn: l.window}
	switch l.policy {
	case PolicyAllow:
		d.Allowed = true
		d.Remaining = l.limit
		d.Source = sourceFailOpen
	case PolicyDeny:
		d.Source = sourceFailClosed
	default:
		d.Allowed, d.Remaining, d.ResetIn = l.local.allow(key)
		d.Source = sourceLocal
	}
	l.record(d)
	return d
}

func (l *Limiter) record(d Decision) {
	if l.metrics == nil {
		return
	}
	result := "allowed"
	if !d.Allowed {
		result = "denied"
	}
	l.metrics.RateLimitDecisions.WithLabelValues(result, d.Source).Inc()
}

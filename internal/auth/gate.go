// Package auth validates the bearer tokens issued by the identity service.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"edge-gateway/internal/apierror"
	"edge-gateway/internal/config"
	"edge-gateway/internal/metrics"
)

// Reason is why a token was rejected.
type Reason string

const (
	ReasonMissing          Reason = "missing"
	ReasonMalformed        Reason = "malformed"
	ReasonInvalidSignature Reason = "invalid_signature"
	ReasonExpired          Reason = "expired"
)

// messages are the client-facing error details per reason.
var messages = map[Reason]string{
	ReasonMissing:          "missing bearer token",
	ReasonMalformed:        "malformed bearer token",
	ReasonInvalidSignature: "invalid token signature",
	ReasonExpired:          "token expired",
}

// Rejection is returned by Authenticate for every refused token.
type Rejection struct {
	Reason Reason
	Err    error
}

func (r *Rejection) Error() string {
	if r.Err != nil {
		return fmt.Sprintf("token rejected (%s): %v", r.Reason, r.Err)
	}
	return fmt.Sprintf("token rejected (%s)", r.Reason)
}

func (r *Rejection) Unwrap() error {
	return r.Err
}

// Claims are the validated claims of a token.
type Claims struct {
	UserID    string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// tokenClaims is the JWT payload signed by the identity service.
type tokenClaims struct {
	jwt.RegisteredClaims
	UserID userID `json:"userId"`
}

// userID accepts both string and numeric user ids.
type userID string

func (u *userID) UnmarshalJSON(b []byte) error {
	if bytes.HasPrefix(b, []byte(`"`)) {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*u = userID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("userId must be a string or number: %w", err)
	}
	*u = userID(n.String())
	return nil
}

// Gate validates HS256 bearer tokens with the secret shared with the
// identity service.
type Gate struct {
	secret  []byte
	parser  *jwt.Parser
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewGate creates a Gate. The metrics parameter is optional; pass nil to
// disable rejection metrics.
func NewGate(cfg config.AuthConfig, logger *slog.Logger, m *metrics.Metrics) (*Gate, error) {
	if cfg.JWTSecret == "" {
		return nil, errors.New("jwt secret is required")
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	}
	if cfg.LeewaySeconds > 0 {
		opts = append(opts, jwt.WithLeeway(time.Duration(cfg.LeewaySeconds)*time.Second))
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}

	return &Gate{
		secret:  []byte(cfg.JWTSecret),
		parser:  jwt.NewParser(opts...),
		logger:  logger.With("component", "auth_gate"),
		metrics: m,
	}, nil
}

// Authenticate validates the value of an Authorization header. Failures are
// *apierror.Error values of kind Unauthorized wrapping a *Rejection.
func (g *Gate) Authenticate(authorization string) (*Claims, error) {
	claims, err := g.validate(authorization)
	if err != nil {
		var rej *Rejection
		if errors.As(err, &rej) {
			if g.metrics != nil {
				g.metrics.AuthRejections.WithLabelValues(string(rej.Reason)).Inc()
			}
			g.logger.Debug("token rejected", "reason", string(rej.Reason), "err", rej.Err)
			return nil, apierror.Wrap(apierror.KindUnauthorized, messages[rej.Reason], rej)
		}
		return nil, err
	}
	return claims, nil
}

func (g *Gate) validate(authorization string) (*Claims, error) {
	authorization = strings.TrimSpace(authorization)
	if authorization == "" {
		return nil, &Rejection{Reason: ReasonMissing}
	}

	scheme, raw, found := strings.Cut(authorization, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return nil, &Rejection{Reason: ReasonMalformed, Err: errors.New("authorization scheme is not Bearer")}
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, &Rejection{Reason: ReasonMissing}
	}

	var tc tokenClaims
	_, err := g.parser.ParseWithClaims(raw, &tc, func(*jwt.Token) (any, error) {
		return g.secret, nil
	})
	if err != nil {
		return nil, &Rejection{Reason: reasonFor(err), Err: err}
	}
	if tc.UserID == "" {
		return nil, &Rejection{Reason: ReasonMalformed, Err: errors.New("token has no userId claim")}
	}

	c := &Claims{UserID: string(tc.UserID)}
	if tc.IssuedAt != nil {
		c.IssuedAt = tc.IssuedAt.Time
	}
	if tc.ExpiresAt != nil {
		c.ExpiresAt = tc.ExpiresAt.Time
	}
	return c, nil
}

func reasonFor(err error) Reason {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return ReasonExpired
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return ReasonInvalidSignature
	default:
		return ReasonMalformed
	}
}

// ReasonOf returns the rejection reason carried by err, if any.
func ReasonOf(err error) (Reason, bool) {
	var rej *Rejection
	if errors.As(err, &rej) {
		return rej.Reason, true
	}
	return "", false
}

type claimsKey struct{}

// WithClaims returns a copy of ctx carrying c.
func WithClaims(ctx context.Context, c *Claims) context.Context {
	return context.WithValue(ctx, claimsKey{}, c)
}

// FromContext returns the claims stored by WithClaims.
func FromContext(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(claimsKey{}).(*Claims)
	return c, ok && c != nil
}

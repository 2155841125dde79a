package auth

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"edge-gateway/internal/apierror"
	"edge-gateway/internal/config"
	"edge-gateway/internal/metrics"
)

const testSecret = "test-secret-shared-with-identity"

func newTestGate(t *testing.T, m *metrics.Metrics) *Gate {
	t.Helper()
	g, err := NewGate(config.AuthConfig{JWTSecret: testSecret}, slog.New(slog.NewTextHandler(io.Discard, nil)), m)
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}
	return g
}

func sign(t *testing.T, method jwt.SigningMethod, secret string, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return s
}

func validClaims(userID any) jwt.MapClaims {
	now := time.Now()
	return jwt.MapClaims{
		"userId": userID,
		"iat":    now.Unix(),
		"exp":    now.Add(time.Hour).Unix(),
	}
}

func TestGate_Authenticate_Valid(t *testing.T) {
	g := newTestGate(t, nil)

	tests := []struct {
		name   string
		userID any
		want   string
	}{
		{"string id", "65f1c0ffee", "65f1c0ffee"},
		{"numeric id", 42, "42"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token := sign(t, jwt.SigningMethodHS256, testSecret, validClaims(tt.userID))
			c, err := g.Authenticate("Bearer " + token)
			if err != nil {
				t.Fatalf("Authenticate: %v", err)
			}
			if c.UserID != tt.want {
				t.Errorf("UserID = %q, want %q", c.UserID, tt.want)
			}
			if c.ExpiresAt.Before(time.Now()) {
				t.Errorf("ExpiresAt = %v, want future", c.ExpiresAt)
			}
		})
	}
}

func TestGate_Authenticate_Rejections(t *testing.T) {
	m := metrics.New()
	g := newTestGate(t, m)

	expired := validClaims("u1")
	expired["iat"] = time.Now().Add(-2 * time.Hour).Unix()
	expired["exp"] = time.Now().Add(-time.Hour).Unix()

	noUser := validClaims("u1")
	delete(noUser, "userId")

	noExp := validClaims("u1")
	delete(noExp, "exp")

	tests := []struct {
		name   string
		header string
		want   Reason
	}{
		{"empty header", "", ReasonMissing},
		{"bearer without token", "Bearer ", ReasonMissing},
		{"basic scheme", "Basic dXNlcjpwYXNz", ReasonMalformed},
		{"garbage token", "Bearer not.a.jwt", ReasonMalformed},
		{"wrong secret", "Bearer " + sign(t, jwt.SigningMethodHS256, "other-secret", validClaims("u1")), ReasonInvalidSignature},
		{"wrong algorithm", "Bearer " + sign(t, jwt.SigningMethodHS512, testSecret, validClaims("u1")), ReasonInvalidSignature},
		{"expired", "Bearer " + sign(t, jwt.SigningMethodHS256, testSecret, expired), ReasonExpired},
		{"missing userId", "Bearer " + sign(t, jwt.SigningMethodHS256, testSecret, noUser), ReasonMalformed},
		{"missing exp", "Bearer " + sign(t, jwt.SigningMethodHS256, testSecret, noExp), ReasonMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := g.Authenticate(tt.header)
			if err == nil {
				t.Fatalf("Authenticate() = %+v, want error", c)
			}
			if kind := apierror.KindOf(err); kind != apierror.KindUnauthorized {
				t.Errorf("kind = %v, want unauthorized", kind)
			}
			reason, ok := ReasonOf(err)
			if !ok {
				t.Fatalf("error %v carries no rejection", err)
			}
			if reason != tt.want {
				t.Errorf("reason = %q, want %q", reason, tt.want)
			}
		})
	}

	if got := testutil.ToFloat64(m.AuthRejections.WithLabelValues(string(ReasonMissing))); got != 2 {
		t.Errorf("missing rejections = %v, want 2", got)
	}
}

func TestGate_Leeway(t *testing.T) {
	g, err := NewGate(config.AuthConfig{JWTSecret: testSecret, LeewaySeconds: 60}, slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}
	claims := validClaims("u1")
	claims["exp"] = time.Now().Add(-10 * time.Second).Unix()

	if _, err := g.Authenticate("Bearer " + sign(t, jwt.SigningMethodHS256, testSecret, claims)); err != nil {
		t.Errorf("token within leeway rejected: %v", err)
	}
}

func TestGate_Issuer(t *testing.T) {
	g, err := NewGate(config.AuthConfig{JWTSecret: testSecret, Issuer: "identity-service"}, slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}

	claims := validClaims("u1")
	if _, err := g.Authenticate("Bearer " + sign(t, jwt.SigningMethodHS256, testSecret, claims)); err == nil {
		t.Error("token without issuer accepted")
	}
	claims["iss"] = "identity-service"
	if _, err := g.Authenticate("Bearer " + sign(t, jwt.SigningMethodHS256, testSecret, claims)); err != nil {
		t.Errorf("token with issuer rejected: %v", err)
	}
}

func TestNewGate_RequiresSecret(t *testing.T) {
	if _, err := NewGate(config.AuthConfig{}, slog.New(slog.NewTextHandler(io.Discard, nil)), nil); err == nil {
		t.Error("NewGate() with empty secret: expected error")
	}
}

func TestClaimsContext(t *testing.T) {
	ctx := context.Background()
	if _, ok := FromContext(ctx); ok {
		t.Error("FromContext on empty context returned claims")
	}
	ctx = WithClaims(ctx, &Claims{UserID: "u9"})
	c, ok := FromContext(ctx)
	if !ok || c.UserID != "u9" {
		t.Errorf("FromContext = %+v, %v", c, ok)
	}
}

package service

import (
	"log/slog"
	"mime"
	"net/http"
	"strings"

	"edge-gateway/internal/auth"
	"edge-gateway/internal/model"
	"edge-gateway/internal/route"
)

// Exchange is the per-request state visible to hooks.
type Exchange struct {
	Request *model.ProxyRequest
	Rule    *route.Rule
	// Claims is nil on routes that do not require auth.
	Claims *auth.Claims
}

// Hook runs at the two fixed points of a forward: after the outbound request
// is built and before it is sent, and after the backend responded. Hooks run
// in registration order. An error from BeforeForward aborts the request
// before any backend contact.
type Hook interface {
	BeforeForward(x *Exchange, out *http.Request) error
	AfterReceive(x *Exchange, resp *model.ProxyResponse)
}

// HeaderInjection applies the header injectors of the matched rule.
type HeaderInjection struct{}

// BeforeForward sets every injector header on out, in rule order.
func (HeaderInjection) BeforeForward(x *Exchange, out *http.Request) error {
	for _, inj := range x.Rule.Injectors {
		switch inj.Source {
		case route.SourceJSONContentType:
			if !isMultipart(x.Request.Header.Get("Content-Type")) {
				out.Header.Set(inj.Name, "application/json")
			}
		case route.SourceUserID:
			if x.Claims != nil && x.Claims.UserID != "" {
				out.Header.Set(inj.Name, x.Claims.UserID)
			}
		case route.SourceRequestID:
			if x.Request.RequestID != "" {
				out.Header.Set(inj.Name, x.Request.RequestID)
			}
		case route.SourceStatic:
			out.Header.Set(inj.Name, inj.Value)
		}
	}
	return nil
}

// AfterReceive is a no-op.
func (HeaderInjection) AfterReceive(*Exchange, *model.ProxyResponse) {}

// StatusLogger logs the status every backend answered with.
type StatusLogger struct {
	Logger *slog.Logger
}

// BeforeForward is a no-op.
func (StatusLogger) BeforeForward(*Exchange, *http.Request) error { return nil }

// AfterReceive logs the backend status.
func (h StatusLogger) AfterReceive(x *Exchange, resp *model.ProxyResponse) {
	h.Logger.Info("response received from backend",
		"backend", resp.Backend,
		"status", resp.StatusCode,
		"method", x.Request.Method,
		"path", x.Request.Path,
		"request_id", x.Request.RequestID,
	)
}

func isMultipart(contentType string) bool {
	if contentType == "" {
		return false
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.HasPrefix(strings.ToLower(contentType), "multipart/")
	}
	return strings.HasPrefix(mediaType, "multipart/")
}

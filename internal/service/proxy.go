// Package service implements the core proxy forwarding logic.
package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"edge-gateway/internal/apierror"
	"edge-gateway/internal/auth"
	"edge-gateway/internal/client"
	"edge-gateway/internal/config"
	"edge-gateway/internal/model"
	"edge-gateway/internal/route"
)

// hopByHopHeaders apply to a single connection and are never forwarded.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// userIDHeader is only ever set by the gateway from validated claims.
const userIDHeader = "X-User-Id"

// ProxyService forwards matched requests to their backend.
type ProxyService struct {
	client       *client.BackendClient
	bodyMaxBytes int64
	uploadMax    int64
	uploadField  string
	hooks        []Hook
	logger       *slog.Logger
}

// NewProxyService creates a ProxyService. The built-in header injection and
// backend status logging hooks always run; extra hooks run between them.
func NewProxyService(c *client.BackendClient, cfg *config.Config, logger *slog.Logger, extra ...Hook) *ProxyService {
	logger = logger.With("component", "proxy_service")

	hooks := make([]Hook, 0, len(extra)+2)
	hooks = append(hooks, HeaderInjection{})
	hooks = append(hooks, extra...)
	hooks = append(hooks, StatusLogger{Logger: logger})

	return &ProxyService{
		client:       c,
		bodyMaxBytes: cfg.Server.BodyMaxBytes,
		uploadMax:    cfg.Upload.MaxBytes,
		uploadField:  cfg.Upload.FieldName,
		hooks:        hooks,
		logger:       logger,
	}
}

// Forward sends pr to the backend of rule and returns the backend response.
// Claims stored in pr.Ctx by auth.WithClaims are visible to hooks. The caller
// is responsible for closing the response body. Every failure is an
// *apierror.Error.
func (s *ProxyService) Forward(pr *model.ProxyRequest, rule *route.Rule) (*model.ProxyResponse, error) {
	x := &Exchange{Request: pr, Rule: rule}
	if claims, ok := auth.FromContext(pr.Ctx); ok {
		x.Claims = claims
	}

	body, err := s.outboundBody(pr, rule)
	if err != nil {
		return nil, err
	}

	target := s.buildURL(rule, pr.Path, pr.RawQuery)
	var reader io.Reader = http.NoBody
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	out, err := http.NewRequestWithContext(pr.Ctx, pr.Method, target, reader)
	if err != nil {
		return nil, apierror.Wrap(apierror.KindInternal, "", fmt.Errorf("build backend request: %w", err))
	}
	out.Header = s.outboundHeader(pr)

	for _, h := range s.hooks {
		if err := h.BeforeForward(x, out); err != nil {
			return nil, err
		}
	}

	s.logger.Debug("forwarding request",
		"backend", rule.Backend,
		"method", pr.Method,
		"path", out.URL.Path,
	)

	resp, err := s.client.Do(rule.Backend, out)
	if err != nil {
		return nil, classify(err)
	}

	resp.Header = filterResponseHeaders(resp.Header)
	for _, h := range s.hooks {
		h.AfterReceive(x, resp)
	}
	return resp, nil
}

// outboundBody reads the request body within the limits of the route's body
// mode. Upload routes are validated in full before the backend is contacted.
func (s *ProxyService) outboundBody(pr *model.ProxyRequest, rule *route.Rule) ([]byte, error) {
	if rule.BodyMode == route.BodyStreaming {
		return newUploadGuard(s.uploadMax, s.uploadField).read(pr)
	}

	if pr.Body == nil || pr.Body == http.NoBody {
		return nil, nil
	}
	if s.bodyMaxBytes > 0 && pr.ContentLength > s.bodyMaxBytes {
		return nil, apierror.New(apierror.KindPayloadTooLarge, "")
	}

	r := io.Reader(pr.Body)
	if s.bodyMaxBytes > 0 {
		r = io.LimitReader(pr.Body, s.bodyMaxBytes+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, apierror.Wrap(apierror.KindInternal, "", fmt.Errorf("read request body: %w", err))
	}
	if s.bodyMaxBytes > 0 && int64(len(data)) > s.bodyMaxBytes {
		return nil, apierror.New(apierror.KindPayloadTooLarge, "")
	}
	return data, nil
}

// buildURL joins the backend base URL with the rewritten path. The query
// string is passed through unchanged.
func (s *ProxyService) buildURL(rule *route.Rule, path, rawQuery string) string {
	u := *rule.BackendURL
	u.Path = strings.TrimSuffix(u.Path, "/") + rule.Rewrite(path)
	u.RawPath = ""
	u.RawQuery = rawQuery
	return u.String()
}

// outboundHeader copies the end-to-end client headers and adds the
// forwarding headers. Client-supplied user ids are dropped.
func (s *ProxyService) outboundHeader(pr *model.ProxyRequest) http.Header {
	dst := pr.Header.Clone()
	if dst == nil {
		dst = make(http.Header)
	}
	removeHopByHop(dst)
	dst.Del(userIDHeader)
	dst.Del("Host")
	dst.Del("Content-Length")

	if pr.ClientIP != "" {
		if prior := dst.Values("X-Forwarded-For"); len(prior) > 0 {
			dst.Set("X-Forwarded-For", strings.Join(prior, ", ")+", "+pr.ClientIP)
		} else {
			dst.Set("X-Forwarded-For", pr.ClientIP)
		}
	}
	if pr.Host != "" {
		dst.Set("X-Forwarded-Host", pr.Host)
	}
	if pr.Scheme != "" {
		dst.Set("X-Forwarded-Proto", pr.Scheme)
	}
	return dst
}

func filterResponseHeaders(src http.Header) http.Header {
	dst := src.Clone()
	if dst == nil {
		return make(http.Header)
	}
	removeHopByHop(dst)
	return dst
}

// removeHopByHop deletes the standard hop-by-hop headers and any header
// named in Connection.
func removeHopByHop(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}

// classify maps a backend call failure to its client-facing category.
func classify(err error) error {
	var ae *apierror.Error
	if errors.As(err, &ae) {
		return err
	}

	var netErr net.Error
	switch {
	case errors.Is(err, client.ErrCircuitOpen):
		return apierror.Wrap(apierror.KindUpstreamUnreachable, "upstream service unavailable", err)
	case errors.Is(err, context.Canceled):
		return apierror.Wrap(apierror.KindClientClosed, "", err)
	case errors.Is(err, context.DeadlineExceeded):
		return apierror.Wrap(apierror.KindUpstreamTimeout, "", err)
	case errors.As(err, &netErr) && netErr.Timeout():
		return apierror.Wrap(apierror.KindUpstreamTimeout, "", err)
	case errors.Is(err, client.ErrMalformedResponse):
		return apierror.Wrap(apierror.KindMalformedUpstreamResponse, "", err)
	default:
		return apierror.Wrap(apierror.KindUpstreamUnreachable, "", err)
	}
}

package handler

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"edge-gateway/internal/apierror"
	"edge-gateway/internal/auth"
	"edge-gateway/internal/model"
	"edge-gateway/internal/route"
	"edge-gateway/internal/service"
)

// bearerChallenge is sent with every 401. Requests that presented a token
// also get the invalid_token error code.
const bearerChallenge = `Bearer realm="edge-gateway"`

func challenge(err error) string {
	if reason, ok := auth.ReasonOf(err); ok && reason != auth.ReasonMissing {
		return bearerChallenge + `, error="invalid_token"`
	}
	return bearerChallenge
}

// ProxyHandler runs the dispatch pipeline for every public route: route
// match, optional bearer auth, forward and relay.
type ProxyHandler struct {
	table   *route.Table
	gate    *auth.Gate
	service *service.ProxyService
	logger  *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(table *route.Table, gate *auth.Gate, svc *service.ProxyService, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		table:   table,
		gate:    gate,
		service: svc,
		logger:  logger.With("component", "proxy_handler"),
	}
}

// Handle proxies the request to its backend and streams the response back.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	rule, ok := h.table.Match(req.URL.Path)
	if !ok {
		return h.fail(c, "route", apierror.New(apierror.KindRouteNotFound, ""))
	}

	if rule.RequiresAuth {
		cl, err := h.gate.Authenticate(req.Header.Get(echo.HeaderAuthorization))
		if err != nil {
			c.Response().Header().Set(echo.HeaderWWWAuthenticate, challenge(err))
			return h.fail(c, "auth", err)
		}
		req = req.WithContext(auth.WithClaims(req.Context(), cl))
		c.SetRequest(req)
	}

	requestID := c.Response().Header().Get(echo.HeaderXRequestID)
	if requestID == "" {
		requestID = req.Header.Get(echo.HeaderXRequestID)
	}

	pr := &model.ProxyRequest{
		Ctx:           req.Context(),
		Method:        req.Method,
		Path:          req.URL.Path,
		RawQuery:      req.URL.RawQuery,
		Header:        req.Header,
		Body:          req.Body,
		ContentLength: req.ContentLength,
		Host:          req.Host,
		Scheme:        c.Scheme(),
		ClientIP:      c.RealIP(),
		RequestID:     requestID,
	}

	resp, err := h.service.Forward(pr, rule)
	if err != nil {
		return h.fail(c, "forward", err)
	}
	defer func() { _ = resp.Body.Close() }()

	// Backend headers replace anything set by middleware.
	for key, vals := range resp.Header {
		c.Response().Header()[key] = vals
	}

	c.Response().WriteHeader(resp.StatusCode)

	// The status is already sent, so a failure mid-stream leaves the client
	// with a truncated body and is only logged.
	if _, err := io.Copy(c.Response(), resp.Body); err != nil {
		h.logger.Error("streaming response body",
			"err", err,
			"backend", resp.Backend,
			"path", req.URL.Path,
		)
	}

	return nil
}

// fail logs err with the pipeline stage it came from and writes the error
// envelope. The cause is never sent to the client.
func (h *ProxyHandler) fail(c echo.Context, stage string, err error) error {
	status, envelope := apierror.Translate(err)

	attrs := []any{
		"stage", stage,
		"kind", apierror.KindOf(err).String(),
		"status", status,
		"method", c.Request().Method,
		"path", c.Request().URL.Path,
		"request_id", c.Response().Header().Get(echo.HeaderXRequestID),
		"err", err,
	}
	switch {
	case apierror.KindOf(err) == apierror.KindClientClosed:
		h.logger.Info("client closed request", attrs...)
	case status >= http.StatusInternalServerError:
		h.logger.Error("request failed", attrs...)
	default:
		h.logger.Warn("request rejected", attrs...)
	}

	return c.JSON(status, envelope)
}

// Package model defines shared types for the gateway.
package model

import (
	"context"
	"io"
	"net/http"
)

// ProxyRequest represents a client request to be forwarded to a backend.
type ProxyRequest struct {
	Ctx    context.Context
	Method string
	Path   string
	// RawQuery is the encoded query string, forwarded unchanged.
	RawQuery string
	Header   http.Header
	Body     io.ReadCloser
	// ContentLength is the declared request body length, -1 when unknown.
	ContentLength int64

	Host      string
	Scheme    string
	ClientIP  string
	RequestID string
}

// ProxyResponse represents the backend response to be streamed back.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
	// Backend names the service that produced the response.
	Backend string
}

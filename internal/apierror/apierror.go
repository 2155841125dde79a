// Package apierror defines the gateway failure taxonomy and maps every failure
// to a stable client-facing status code and JSON envelope.
package apierror

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is a client-facing failure category.
type Kind int

const (
	// KindInternal is any failure without a more specific category.
	KindInternal Kind = iota
	KindRateLimitExceeded
	KindUnauthorized
	KindRouteNotFound
	KindPayloadTooLarge
	KindBadUpload
	KindUpstreamUnreachable
	KindUpstreamTimeout
	KindMalformedUpstreamResponse
	// KindClientClosed means the client went away before the backend answered.
	KindClientClosed
)

// StatusClientClosedRequest is the non-standard status recorded when the
// client disconnects before a response is available.
const StatusClientClosedRequest = 499

// String returns the category name used in logs and metrics.
func (k Kind) String() string {
	switch k {
	case KindRateLimitExceeded:
		return "rate_limit_exceeded"
	case KindUnauthorized:
		return "unauthorized"
	case KindRouteNotFound:
		return "route_not_found"
	case KindPayloadTooLarge:
		return "payload_too_large"
	case KindBadUpload:
		return "bad_upload"
	case KindUpstreamUnreachable:
		return "upstream_unreachable"
	case KindUpstreamTimeout:
		return "upstream_timeout"
	case KindMalformedUpstreamResponse:
		return "malformed_upstream_response"
	case KindClientClosed:
		return "client_closed"
	default:
		return "internal"
	}
}

// Error is a categorized gateway failure. Message is safe to show to clients;
// Err holds the internal cause and is only ever logged.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

// New creates an Error of the given kind with a client-safe message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates an Error of the given kind around an internal cause.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the category of err, or KindInternal when err carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Envelope is the JSON body of every gateway-generated error response.
type Envelope struct {
	Success *bool  `json:"success,omitempty"`
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
}

// RateLimitMessage is the message of the 429 envelope.
const RateLimitMessage = "Too many requests"

// RateLimited returns the 429 envelope: {"success":false,"message":"Too many requests"}.
func RateLimited() Envelope {
	f := false
	return Envelope{Success: &f, Message: RateLimitMessage}
}

// descriptor is the fixed client-facing rendering of a Kind.
type descriptor struct {
	status  int
	message string
	detail  string
}

var descriptors = map[Kind]descriptor{
	KindUnauthorized:              {http.StatusUnauthorized, "Authentication required", "invalid or missing bearer token"},
	KindRouteNotFound:             {http.StatusNotFound, "Not Found", "no route matches the requested path"},
	KindPayloadTooLarge:           {http.StatusBadRequest, "Payload too large", "request body exceeds the allowed size"},
	KindBadUpload:                 {http.StatusBadRequest, "Invalid upload", "multipart upload is invalid"},
	KindUpstreamUnreachable:       {http.StatusBadGateway, "Bad Gateway", "upstream service unreachable"},
	KindUpstreamTimeout:           {http.StatusGatewayTimeout, "Gateway Timeout", "upstream request timed out"},
	KindMalformedUpstreamResponse: {http.StatusInternalServerError, "Internal Server Error", "upstream returned an invalid response"},
	KindClientClosed:              {StatusClientClosedRequest, "Client Closed Request", "client closed the connection"},
	KindInternal:                  {http.StatusInternalServerError, "Internal Server Error", "request could not be processed"},
}

// Translate converts err into the status code and envelope sent to the client.
// The envelope never contains the text of the underlying cause.
func Translate(err error) (int, Envelope) {
	var e *Error
	if !errors.As(err, &e) {
		d := descriptors[KindInternal]
		return d.status, Envelope{Message: d.message, Error: d.detail}
	}

	if e.Kind == KindRateLimitExceeded {
		return http.StatusTooManyRequests, RateLimited()
	}

	d, ok := descriptors[e.Kind]
	if !ok {
		d = descriptors[KindInternal]
	}
	detail := d.detail
	if e.Message != "" {
		detail = e.Message
	}
	return d.status, Envelope{Message: d.message, Error: detail}
}

package router

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorClass classifies a single provider attempt for routing decisions.
type ErrorClass string

const (
	// ErrInvalidRequest is a caller-attributable error: retrying other
	// providers cannot help, so the loop aborts immediately.
	ErrInvalidRequest ErrorClass = "invalid_request"
	// ErrAuth means the provider rejected our credential. Provider-specific:
	// the loop advances but records the failure distinctly.
	ErrAuth ErrorClass = "authentication"
	ErrRateLimited ErrorClass = "rate_limited"
	ErrTransient   ErrorClass = "transient"
	ErrFatal       ErrorClass = "fatal"
)

// ClassifiedError wraps a provider error with its routing classification.
type ClassifiedError struct {
	Err        error
	Class      ErrorClass
	RetryAfter int // seconds, when the provider reported one
}

func (e *ClassifiedError) Error() string { return e.Err.Error() }
func (e *ClassifiedError) Unwrap() error { return e.Err }

// Kind is the aggregate failure taxonomy that crosses the core boundary.
// Per-attempt provider failures are absorbed internally; only these surface.
type Kind string

const (
	KindInvalidRequest   Kind = "invalid_request_error"
	KindAuthentication   Kind = "authentication_error"
	KindRateLimited      Kind = "rate_limit_exceeded"
	KindProvider         Kind = "provider_error"
	KindRoutingExhausted Kind = "upstream_routing_failure"
	KindUnavailable      Kind = "service_unavailable"
	KindInternal         Kind = "internal_error"
	// KindCancelled means the caller abandoned the request before it
	// completed. Kept distinct from internal_error so disconnects do not
	// inflate server-error counts.
	KindCancelled Kind = "request_cancelled"
)

// statusClientClosedRequest is the nginx convention for a caller that went
// away; net/http defines no constant for it.
const statusClientClosedRequest = 499

// HTTPStatus maps a failure kind to the status code of the error response.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindInvalidRequest:
		return http.StatusBadRequest
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindProvider, KindRoutingExhausted:
		return http.StatusBadGateway
	case KindUnavailable:
		return http.StatusServiceUnavailable
	case KindCancelled:
		return statusClientClosedRequest
	default:
		return http.StatusInternalServerError
	}
}

// Failure is the unified error returned by the resilience loop.
type Failure struct {
	Kind       Kind
	Message    string
	Code       string // optional machine-readable code, e.g. "model_not_found"
	Param      string // offending request parameter, when known
	RetryAfter int    // seconds, for rate_limit_exceeded
	Err        error
}

func (f *Failure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s: %s", f.Kind, f.Err.Error())
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

func (f *Failure) Unwrap() error { return f.Err }

// AsFailure extracts a *Failure from err, wrapping unknown errors as
// internal_error so callers always have a kind to map onto the wire.
func AsFailure(err error) *Failure {
	var f *Failure
	if errors.As(err, &f) {
		return f
	}
	return &Failure{Kind: KindInternal, Message: err.Error(), Err: err}
}

// ModelNotFound is the resolver failure for an unknown canonical model id.
func ModelNotFound(model string) *Failure {
	return &Failure{
		Kind:    KindInvalidRequest,
		Message: fmt.Sprintf("model %q is not served by any configured provider", model),
		Code:    "model_not_found",
		Param:   "model",
	}
}

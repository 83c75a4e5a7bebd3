package providers

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rudironsoni/synaxis/internal/router"
)

// StatusError captures an HTTP status code from a provider response.
// Used by adapters to return structured errors that ClassifyError can inspect.
type StatusError struct {
	StatusCode int
	Body       string
	// RetryAfterSecs is the parsed Retry-After value, 0 when absent.
	RetryAfterSecs int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.Body)
}

// ParseRetryAfter fills RetryAfter from a Retry-After header value, which
// is either delay-seconds or an HTTP-date.
func (e *StatusError) ParseRetryAfter(v string) {
	if v == "" {
		return
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs > 0 {
			e.RetryAfterSecs = secs
		}
		return
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			e.RetryAfterSecs = int(d.Seconds() + 0.5)
		}
	}
}

// Classify maps a provider error to a failover class. Adapters share this
// mapping; families with extra signals (OAuth token expiry, session
// invalidation) refine the result in their own ClassifyError.
//
//	401/403            -> auth (skip this provider, try the next)
//	429                -> rate limited, carrying Retry-After when present
//	other 4xx          -> invalid request (abort, the caller must fix it)
//	5xx / transport    -> transient (try the next provider)
func Classify(err error) *router.ClassifiedError {
	if err == nil {
		return nil
	}
	var se *StatusError
	if !errors.As(err, &se) {
		// Transport-level failure: connection refused, timeout, DNS.
		return &router.ClassifiedError{Err: err, Class: router.ErrTransient}
	}
	switch {
	case se.StatusCode == http.StatusUnauthorized || se.StatusCode == http.StatusForbidden:
		return &router.ClassifiedError{Err: se, Class: router.ErrAuth}
	case se.StatusCode == http.StatusTooManyRequests:
		return &router.ClassifiedError{Err: se, Class: router.ErrRateLimited, RetryAfter: se.RetryAfterSecs}
	case se.StatusCode >= 400 && se.StatusCode < 500:
		return &router.ClassifiedError{Err: se, Class: router.ErrInvalidRequest}
	case se.StatusCode >= 500:
		return &router.ClassifiedError{Err: se, Class: router.ErrTransient}
	default:
		return &router.ClassifiedError{Err: se, Class: router.ErrFatal}
	}
}

package backend

import (
	"fmt"
	"time"
)

// APIErrorKind classifies backend request failures.
type APIErrorKind string

const (
	// KindUnauthorized means the request failed auth even after one forced
	// token refresh and retry.
	KindUnauthorized APIErrorKind = "unauthorized"
	// KindRateLimited means the backend throttled the request; the caller
	// decides whether to retry after RetryAfter.
	KindRateLimited APIErrorKind = "rate_limited"
	// KindProtocolMismatch means the response shape was not the expected one.
	KindProtocolMismatch APIErrorKind = "protocol_mismatch"
	// KindTransport covers connection failures and 5xx responses.
	KindTransport APIErrorKind = "transport"
	// KindPartialData means a GraphQL response carried both data and errors;
	// the data is still returned alongside this error.
	KindPartialData APIErrorKind = "partial_data"
)

// APIError describes a failed backend request.
type APIError struct {
	Kind       APIErrorKind
	Status     int
	RetryAfter time.Duration
	Detail     string
	Err        error
}

func (e *APIError) Error() string {
	if e == nil {
		return "api error"
	}
	msg := fmt.Sprintf("api error: %s", e.Kind)
	if e.Status != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.Status)
	}
	if e.Detail != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Detail)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *APIError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

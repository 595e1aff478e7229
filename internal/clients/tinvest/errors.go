package tinvest

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies API failures for retry policy.
type Kind string

const (
	KindUnavailable  Kind = "unavailable"
	KindTimeout      Kind = "timeout"
	KindRateLimited  Kind = "rate_limited"
	KindUnauthorized Kind = "unauthorized"
	KindOther        Kind = "other"
)

// APIError is a failed call to the broker API.
type APIError struct {
	Kind    Kind
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("tinvest api error (%s, status %d): %s", e.Kind, e.Status, e.Message)
}

// Retryable reports whether the failure is worth retrying within the
// same tick. Unauthorized never is; it needs a new token.
func (e *APIError) Retryable() bool {
	switch e.Kind {
	case KindUnavailable, KindTimeout, KindRateLimited:
		return true
	}
	return false
}

// classifyStatus maps an HTTP status to an error kind.
func classifyStatus(status int) Kind {
	switch {
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindUnauthorized
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return KindTimeout
	case status >= 500:
		return KindUnavailable
	}
	return KindOther
}

// IsRetryable reports whether err is a retryable API error.
func IsRetryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	return false
}

package graph

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ErrRetriesExhausted wraps the last error of a request that kept failing
// with retryable errors until the attempt limit.
var ErrRetriesExhausted = errors.New("graph request retries exhausted")

// APIError is a non-2xx response from the remote API.
type APIError struct {
	StatusCode int
	Method     string
	Path       string
	Body       string

	// RetryAfter is the server supplied wait, zero when absent.
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	body := strings.TrimSpace(e.Body)
	if len(body) > 256 {
		body = body[:256] + "..."
	}
	if body == "" {
		return fmt.Sprintf("graph %s %s: status %d", e.Method, e.Path, e.StatusCode)
	}
	return fmt.Sprintf("graph %s %s: status %d: %s", e.Method, e.Path, e.StatusCode, body)
}

// IsNotFound reports whether err is a 404 response.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// IsRetryable reports whether a failed call may be retried: a 429 or 5xx
// response, or a failure that produced no response at all. Cancellation of
// the caller's context is never retried, and neither is a call that already
// used up its own attempts.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRetriesExhausted) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500
	}
	return true
}

// retryAfter extracts the server supplied wait from err.
func retryAfter(err error) time.Duration {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.RetryAfter
	}
	return 0
}

// parseRetryAfter reads a Retry-After header given in whole seconds.
// Non-positive or non-numeric values are ignored.
func parseRetryAfter(h http.Header) time.Duration {
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return 0
	}
	seconds, err := strconv.ParseFloat(v, 64)
	if err != nil || seconds <= 0 {
		return 0
	}
	return time.Duration(seconds * float64(time.Second))
}

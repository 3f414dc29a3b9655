package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrNoProvider is returned when no provider is available: none configured,
// or all candidates are cooling down after failures.
var ErrNoProvider = errors.New("no model provider available")

// APIError represents an API error with HTTP status code.
type APIError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s API error %d: %s", e.Provider, e.StatusCode, e.Message)
}

// IsRetryableAPIError returns true if the API error has a retryable status code.
func IsRetryableAPIError(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 429, 500, 502, 503, 504:
			return true
		}
	}
	return false
}

// ErrorClass partitions provider failures for retry and cooldown decisions.
type ErrorClass int

const (
	// ClassPermanent errors fail immediately: bad requests, auth failures.
	ClassPermanent ErrorClass = iota
	// ClassTransient errors are retried with backoff.
	ClassTransient
	// ClassRateLimit errors are retried and put the provider on cooldown.
	ClassRateLimit
)

// Classify buckets a provider error.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassPermanent
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == 429 {
		return ClassRateLimit
	}

	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "rate limit") || strings.Contains(msg, "429") ||
		strings.Contains(msg, "resource_exhausted") {
		return ClassRateLimit
	}

	if IsRetryableError(err) {
		return ClassTransient
	}
	return ClassPermanent
}

// IsRetryableError checks if an error is worth retrying. Typed checks come
// first; string matching is a fallback for untyped errors from third-party
// libraries.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	if IsRetryableAPIError(err) {
		return true
	}

	msg := strings.ToLower(err.Error())
	untyped := []string{
		"rate limit",
		"eof",
		"tls handshake",
		"no such host",
		"connection refused",
		"connection reset",
		"timeout",
		"unavailable",
		"resource_exhausted",
		"429", "500", "502", "503", "504",
	}
	for _, pattern := range untyped {
		if strings.Contains(msg, pattern) {
			return true
		}
	}

	return false
}

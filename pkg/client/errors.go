package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	gh "github.com/google/go-github/v80/github"
)

// Common errors returned by the client.
var (
	// ErrRetryExhausted is returned when all retry attempts are exhausted.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrContextCancelled is returned when the context is cancelled during a request or wait.
	ErrContextCancelled = errors.New("context cancelled")

	// ErrNoCredential is returned when no credential is eligible for a request.
	ErrNoCredential = errors.New("no eligible credential")
)

// ErrorClass represents a classification of request failures.
type ErrorClass string

const (
	// ErrorClassNetwork represents network and timeout errors.
	ErrorClassNetwork ErrorClass = "network"

	// ErrorClassRateLimit represents 403 and 429 responses.
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassUnauthorized represents 401 responses (revoked or invalid token).
	ErrorClassUnauthorized ErrorClass = "unauthorized"

	// ErrorClassServer represents 5xx server errors.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassDecode represents a body that is not valid for its content type.
	ErrorClassDecode ErrorClass = "decode"

	// ErrorClassUnexpectedStatus represents any other non-2xx status.
	ErrorClassUnexpectedStatus ErrorClass = "unexpected_status"

	// ErrorClassNoCredential represents an attempt with no eligible credential.
	ErrorClassNoCredential ErrorClass = "no_credential"
)

// APIError represents a classified request failure.
type APIError struct {
	StatusCode int
	Class      ErrorClass
	Message    string
	URL        string
	Err        error
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("github %s error (status %d): %s: %v",
			e.Class, e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("github %s error (status %d): %s",
		e.Class, e.StatusCode, e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *APIError) Unwrap() error {
	return e.Err
}

// classifyStatus maps an HTTP status to an error class. 2xx maps to "".
func classifyStatus(status int) ErrorClass {
	switch {
	case status >= 200 && status < 300:
		return ""
	case status == http.StatusUnauthorized:
		return ErrorClassUnauthorized
	case status == http.StatusForbidden, status == http.StatusTooManyRequests:
		return ErrorClassRateLimit
	case status >= 500:
		return ErrorClassServer
	default:
		return ErrorClassUnexpectedStatus
	}
}

// shouldRetry determines if an error class is worth another attempt.
func shouldRetry(class ErrorClass) bool {
	switch class {
	case ErrorClassNetwork, ErrorClassServer, ErrorClassRateLimit,
		ErrorClassUnauthorized, ErrorClassNoCredential:
		return true
	default:
		// decode and unexpected_status are not transient
		return false
	}
}

// ClassOf returns the class of err, or "" if err is not an APIError.
func ClassOf(err error) ErrorClass {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Class
	}
	return ""
}

// IsRetryable returns true if err is a classified error worth retrying.
func IsRetryable(err error) bool {
	return shouldRetry(ClassOf(err))
}

// IsRateLimited returns true if err is a rate limit error.
func IsRateLimited(err error) bool {
	return ClassOf(err) == ErrorClassRateLimit
}

// IsUnauthorized returns true if err is an authentication error.
func IsUnauthorized(err error) bool {
	return ClassOf(err) == ErrorClassUnauthorized
}

// messageFromBody extracts the API's "message" field from an error body.
func messageFromBody(body []byte, fallback string) string {
	var errResp gh.ErrorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Message != "" {
		return errResp.Message
	}
	if s := strings.TrimSpace(string(body)); s != "" && len(s) <= 200 {
		return s
	}
	return fallback
}

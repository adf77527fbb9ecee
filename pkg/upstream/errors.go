package upstream

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for the upstream package.
var (
	// ErrMissingAPIKey indicates the API key was not provided.
	ErrMissingAPIKey = errors.New("upstream: API key is required")

	// ErrNotConnected indicates the connection is closed or was never opened.
	ErrNotConnected = errors.New("upstream: not connected")

	// ErrConnectionClosed indicates the connection was closed unexpectedly.
	ErrConnectionClosed = errors.New("upstream: connection closed")

	// ErrInvalidMessage indicates a malformed message was received.
	ErrInvalidMessage = errors.New("upstream: invalid message")
)

// APIError represents an error event reported by the realtime API.
type APIError struct {
	// StatusCode is the HTTP status code (if applicable).
	StatusCode int

	// Code is the error code from the API.
	Code string

	// Message is the human-readable error message.
	Message string

	// Retryable indicates if the request can be retried.
	Retryable bool
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("upstream: API error [%s]: %s", e.Code, e.Message)
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("upstream: API error (HTTP %d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("upstream: API error: %s", e.Message)
}

// IsRetryable returns true if the error can be retried.
func (e *APIError) IsRetryable() bool {
	return e.Retryable
}

// NewAPIError creates a new APIError.
func NewAPIError(statusCode int, code, message string) *APIError {
	return &APIError{
		StatusCode: statusCode,
		Code:       code,
		Message:    message,
		Retryable:  statusCode == http.StatusTooManyRequests || statusCode >= 500,
	}
}

// ConnectionError represents a WebSocket connection error.
type ConnectionError struct {
	// Reason describes why the connection failed.
	Reason string

	// StatusCode is the handshake HTTP status, 0 if none was received.
	StatusCode int

	// Cause is the underlying error.
	Cause error

	// Retryable indicates if reconnection could succeed.
	Retryable bool
}

// Error implements the error interface.
func (e *ConnectionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("upstream: connection error: %s: %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("upstream: connection error: %s", e.Reason)
}

// Unwrap returns the underlying cause.
func (e *ConnectionError) Unwrap() error {
	return e.Cause
}

// IsRetryable returns true if reconnection should be attempted.
func (e *ConnectionError) IsRetryable() bool {
	return e.Retryable
}

// NewConnectionError creates a new ConnectionError.
func NewConnectionError(reason string, cause error, retryable bool) *ConnectionError {
	return &ConnectionError{
		Reason:    reason,
		Cause:     cause,
		Retryable: retryable,
	}
}

// IsNotConnected returns true if the error indicates no connection.
func IsNotConnected(err error) bool {
	return errors.Is(err, ErrNotConnected) || errors.Is(err, ErrConnectionClosed)
}

// IsRetryable returns true if the error can be retried.
func IsRetryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.IsRetryable()
	}
	var connErr *ConnectionError
	if errors.As(err, &connErr) {
		return connErr.IsRetryable()
	}
	return false
}

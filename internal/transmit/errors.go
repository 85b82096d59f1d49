package transmit

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorType represents a category of send error for metrics.
type ErrorType string

const (
	// ErrorTypeNetwork represents network-level errors (DNS, connection refused, etc.)
	ErrorTypeNetwork ErrorType = "network"
	// ErrorTypeTimeout represents timeout errors
	ErrorTypeTimeout ErrorType = "timeout"
	// ErrorTypeServerError represents server-side errors (5xx status codes)
	ErrorTypeServerError ErrorType = "server_error"
	// ErrorTypeClientError represents client-side errors (4xx status codes)
	ErrorTypeClientError ErrorType = "client_error"
	// ErrorTypeAuth represents authentication errors (401, 403)
	ErrorTypeAuth ErrorType = "auth"
	// ErrorTypeRateLimit represents rate limiting errors (429)
	ErrorTypeRateLimit ErrorType = "rate_limit"
	// ErrorTypeUnknown represents unclassified errors
	ErrorTypeUnknown ErrorType = "unknown"
)

// SendError is a structured error returned from sink calls. It carries the
// classified error type and HTTP status code for metrics and logging.
type SendError struct {
	Err        error
	Type       ErrorType
	StatusCode int
	Message    string
}

// Error implements the error interface.
func (e *SendError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("send error: type=%s status=%d", e.Type, e.StatusCode)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *SendError) Unwrap() error {
	return e.Err
}

// classifyStatus maps an HTTP status code to an error type.
func classifyStatus(code int) ErrorType {
	switch {
	case code == 401 || code == 403:
		return ErrorTypeAuth
	case code == 429:
		return ErrorTypeRateLimit
	case code >= 500:
		return ErrorTypeServerError
	case code >= 400:
		return ErrorTypeClientError
	default:
		return ErrorTypeUnknown
	}
}

// classifyErr maps a transport error to an error type.
func classifyErr(err error) ErrorType {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorTypeTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return ErrorTypeTimeout
		}
		return ErrorTypeNetwork
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return ErrorTypeNetwork
	}
	return ErrorTypeUnknown
}

// errorType extracts the classified type from any error.
func errorType(err error) ErrorType {
	var sendErr *SendError
	if errors.As(err, &sendErr) {
		return sendErr.Type
	}
	return classifyErr(err)
}

package resilience

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"
)

// Class buckets a failure for counting and for the orchestrator's
// backoff policy. Store faults halt the run; everything else skips the
// batch and moves on.
type Class string

const (
	ClassRateLimited      Class = "rate_limited"
	ClassTimeout          Class = "timeout"
	ClassMalformed        Class = "malformed_response"
	ClassStoreUnavailable Class = "store_unavailable"
	ClassOther            Class = "other"
)

// ClassifiedError tags an error with its failure class.
type ClassifiedError struct {
	Class Class
	Err   error
}

func (e *ClassifiedError) Error() string {
	return string(e.Class) + ": " + e.Err.Error()
}

func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

// RateLimited marks an error as a service-signaled quota rejection.
func RateLimited(err error) error {
	return &ClassifiedError{Class: ClassRateLimited, Err: err}
}

// Timeout marks an error as a deadline expiry on an outbound call.
func Timeout(err error) error {
	return &ClassifiedError{Class: ClassTimeout, Err: err}
}

// Malformed marks an error as a response that failed to parse into the
// expected structured shape. Carries no credential penalty.
func Malformed(err error) error {
	return &ClassifiedError{Class: ClassMalformed, Err: err}
}

// StoreUnavailable marks a persistence-layer fault. Fatal for the run:
// skipping it would risk silent data loss at the checkpoint layer.
func StoreUnavailable(err error) error {
	return &ClassifiedError{Class: ClassStoreUnavailable, Err: err}
}

// Classify returns the failure class for err, defaulting to ClassOther.
func Classify(err error) Class {
	if err == nil {
		return ClassOther
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassTimeout
	}

	return ClassOther
}

// IsFatal reports whether the error class must halt the run rather
// than skip the batch.
func IsFatal(err error) bool {
	return Classify(err) == ClassStoreUnavailable
}

// TransientError wraps an error that is safe to retry (e.g., 429, 5xx,
// network timeout).
type TransientError struct {
	Err        error
	StatusCode int
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps an error as transient with an optional HTTP status code.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

// IsTransient returns true if the error (or any error in its chain) is a
// TransientError, or if it matches common transient error patterns
// (network timeouts, connection resets, DNS failures).
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	// String-based heuristics for wrapped errors from HTTP clients.
	msg := strings.ToLower(err.Error())
	transientPatterns := []string{
		"connection reset by peer",
		"broken pipe",
		"temporary failure in name resolution",
		"no such host",
		"tls handshake timeout",
		"i/o timeout",
		"server closed idle connection",
		"transport connection broken",
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}

// IsTransientHTTPStatus returns true if the HTTP status code indicates a
// transient server-side issue that is safe to retry.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 408, // Request Timeout
		429, // Too Many Requests
		500, // Internal Server Error
		502, // Bad Gateway
		503, // Service Unavailable
		504: // Gateway Timeout
		return true
	default:
		return false
	}
}

// Package types provides shared types, interfaces, and errors for the worker.
package types

import "errors"

// Sentinel errors for consistent error handling across the application.
// These errors can be checked with errors.Is() for type-safe error handling.
var (
	// Session lifecycle errors
	ErrLaunch         = errors.New("browser launch failed")
	ErrSessionCrashed = errors.New("browser session crashed")
	ErrSessionClosed  = errors.New("browser session is closed")

	// Pool errors
	ErrPoolClosed   = errors.New("session pool is closed")
	ErrPoolTimeout  = errors.New("timeout waiting for session from pool")
	ErrPoolDegraded = errors.New("session pool has no usable capacity")

	// Navigation errors
	ErrNavigationTimeout = errors.New("navigation deadline exceeded")
	ErrNavigation        = errors.New("navigation failed")

	// Admission errors
	ErrAdmissionRejected = errors.New("job rejected: worker at capacity")

	// Request errors
	ErrInvalidRequest = errors.New("invalid request")
	ErrInvalidURL     = errors.New("invalid URL")
	ErrURLRequired    = errors.New("target_url is required")
)

// NavigationError carries detail about a failed navigation.
// It implements the error interface and supports error unwrapping.
type NavigationError struct {
	URL     string // The URL being navigated to
	Message string // Human-readable error message
	Err     error  // Underlying error (for unwrapping)
}

// Error implements the error interface.
func (e *NavigationError) Error() string {
	return e.Message
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *NavigationError) Unwrap() error {
	return e.Err
}

// NewNavigationError creates an error for a navigation that failed at the
// network level (DNS, TLS, connection refused). The session stays healthy.
func NewNavigationError(url string, err error) *NavigationError {
	return &NavigationError{
		URL:     url,
		Message: "navigation to " + url + " failed: " + err.Error(),
		Err:     ErrNavigation,
	}
}

// NewNavigationTimeoutError creates an error for a navigation cut off by the
// job deadline.
func NewNavigationTimeoutError(url string) *NavigationError {
	return &NavigationError{
		URL:     url,
		Message: "navigation to " + url + " exceeded its deadline",
		Err:     ErrNavigationTimeout,
	}
}

// NewSessionCrashError creates an error for a session lost mid-navigation.
func NewSessionCrashError(url string, err error) *NavigationError {
	msg := "browser session crashed"
	if url != "" {
		msg += " while loading " + url
	}
	if err != nil {
		msg += ": " + err.Error()
	}
	return &NavigationError{
		URL:     url,
		Message: msg,
		Err:     ErrSessionCrashed,
	}
}

// PoolError provides detailed information about session pool failures.
type PoolError struct {
	Operation string // The operation that failed
	Message   string // Human-readable error message
	Err       error  // Underlying error
}

// Error implements the error interface.
func (e *PoolError) Error() string {
	return e.Message
}

// Unwrap returns the underlying error.
func (e *PoolError) Unwrap() error {
	return e.Err
}

// NewPoolAcquireError creates an error for pool acquire failures.
func NewPoolAcquireError(reason string, err error) *PoolError {
	return &PoolError{
		Operation: "acquire",
		Message:   "failed to acquire session from pool: " + reason,
		Err:       err,
	}
}

// NewLaunchError creates an error for a failed browser launch attempt.
func NewLaunchError(err error) *PoolError {
	return &PoolError{
		Operation: "launch",
		Message:   "browser launch failed: " + err.Error(),
		Err:       ErrLaunch,
	}
}

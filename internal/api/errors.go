package api

import (
	"errors"
	"fmt"
)

// ErrUnauthorized is returned for any 401 response. The session controller
// absorbs it and converts it into a state transition; nothing else should
// surface it to the user.
var ErrUnauthorized = errors.New("unauthorized")

// AuthError carries the server-reported detail for a failed login or
// registration. Detail is shown to the user verbatim when present.
type AuthError struct {
	Detail string
}

func (e *AuthError) Error() string {
	if e.Detail == "" {
		return "authentication failed"
	}
	return e.Detail
}

// NetworkError wraps a transport-level failure. The operation that hit it
// rolls back to its pre-call state and surfaces the error as retryable.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// ConflictError reports that the server refused a transition because the
// entity is no longer in the expected state.
type ConflictError struct {
	Detail string
}

func (e *ConflictError) Error() string {
	if e.Detail == "" {
		return "conflict"
	}
	return e.Detail
}

// APIError is any other non-2xx response.
type APIError struct {
	StatusCode int
	Detail     string
}

func (e *APIError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("server returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("server returned status %d: %s", e.StatusCode, e.Detail)
}

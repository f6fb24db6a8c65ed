// Package trellis provides a Go client for the Trellis workflow API.
package trellis

import (
	"errors"
	"fmt"
)

// Error represents an error from the Trellis API with the HTTP status code
// and the server's error message.
type Error struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("trellis: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// IsNotFound returns true if the error is a 404.
func IsNotFound(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == 404
	}
	return false
}

// IsUnauthorized returns true if the error is a 401.
func IsUnauthorized(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == 401
	}
	return false
}

// IsForbidden returns true if the error is a 403.
func IsForbidden(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == 403
	}
	return false
}

// IsVersionConflict returns true if the error is a 409 version conflict.
// The caller should reload the workflow and retry with the fresh version.
func IsVersionConflict(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == 409
	}
	return false
}

// IsRateLimited returns true if the error is a 429 (Too Many Requests).
func IsRateLimited(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == 429
	}
	return false
}

package remote

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotConfigured is returned before any network call when the base URL
	// or token is missing.
	ErrNotConfigured = errors.New("remote: not configured")
	// ErrParse marks a response body that could not be decoded.
	ErrParse = errors.New("remote: unparseable response")
	// ErrUnauthorized is a 401/403 from the API.
	ErrUnauthorized = errors.New("remote: unauthorized")
)

// TransientError is a failed request after retries: either a non-2xx status
// (Status > 0) or a transport error (Err != nil).
type TransientError struct {
	Op        string
	Status    int
	Retryable bool
	Err       error
}

func (e *TransientError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("remote: %s: http %d", e.Op, e.Status)
	}
	return fmt.Sprintf("remote: %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

func statusError(op string, code int) *TransientError {
	return &TransientError{Op: op, Status: code, Retryable: code == 429 || code >= 500}
}

func transportError(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("remote: %s: %w", op, err)
	}
	return &TransientError{Op: op, Retryable: true, Err: err}
}

// IsTransient reports whether a later attempt may succeed.
func IsTransient(err error) bool {
	var te *TransientError
	if errors.As(err, &te) {
		return te.Retryable
	}
	return false
}

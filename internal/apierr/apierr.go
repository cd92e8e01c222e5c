// Package apierr classifies upstream API failures into the categories the
// sync engine pattern-matches on: retryable, permanent, auth, and not-found.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Category describes how the engine should react to an upstream failure.
type Category int

const (
	// Retryable covers timeouts, 5xx, and rate limiting. The queue redelivers
	// after backoff.
	Retryable Category = iota
	// Permanent covers validation failures and other 4xx that will not
	// succeed on retry.
	Permanent
	// Auth covers 401/403; surfaced to the operator, never retried.
	Auth
	// NotFound is a typed miss; for source fetches it means "source deleted".
	NotFound
)

func (c Category) String() string {
	switch c {
	case Retryable:
		return "retryable"
	case Permanent:
		return "permanent"
	case Auth:
		return "auth"
	case NotFound:
		return "not_found"
	}
	return "unknown"
}

// Error is a classified upstream failure.
type Error struct {
	Category Category
	Op       string // e.g. "todoist.FetchItem"
	Status   int    // HTTP status if known, 0 otherwise
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Category, e.Err)
	}
	return fmt.Sprintf("%s: %s (status %d)", e.Op, e.Category, e.Status)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a classified error.
func New(cat Category, op string, err error) *Error {
	return &Error{Category: cat, Op: op, Err: err}
}

// FromStatus classifies an HTTP response status.
func FromStatus(op string, status int, body string) *Error {
	err := fmt.Errorf("status %d: %s", status, body)
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &Error{Category: Auth, Op: op, Status: status, Err: err}
	case status == http.StatusNotFound || status == http.StatusGone:
		return &Error{Category: NotFound, Op: op, Status: status, Err: err}
	case status == http.StatusTooManyRequests || status >= 500:
		return &Error{Category: Retryable, Op: op, Status: status, Err: err}
	default:
		return &Error{Category: Permanent, Op: op, Status: status, Err: err}
	}
}

// categoryOf returns the category of err, or Retryable if err is not a
// classified Error. Unclassified errors are network-level failures, which are
// worth a retry.
func categoryOf(err error) Category {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Category
	}
	return Retryable
}

// IsRetryable reports whether the engine should retry err.
func IsRetryable(err error) bool { return err != nil && categoryOf(err) == Retryable }

// IsNotFound reports whether err is a typed not-found.
func IsNotFound(err error) bool { return err != nil && categoryOf(err) == NotFound }

// IsAuth reports whether err is an authentication/authorization failure.
func IsAuth(err error) bool { return err != nil && categoryOf(err) == Auth }

// IsPermanent reports whether err will not succeed on retry.
func IsPermanent(err error) bool {
	return err != nil && (categoryOf(err) == Permanent || categoryOf(err) == Auth)
}

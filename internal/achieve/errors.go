package achieve

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// ErrorKind classifies failures so callers can decide whether to retry.
type ErrorKind string

const (
	ErrAuthentication ErrorKind = "authentication"
	ErrPermission     ErrorKind = "permission"
	ErrRateLimited    ErrorKind = "rate_limited"
	ErrNotFound       ErrorKind = "not_found"
	ErrConflict       ErrorKind = "conflict"
	ErrValidation     ErrorKind = "validation"
	ErrServer         ErrorKind = "server"
	ErrNetwork        ErrorKind = "network"
	ErrConfiguration  ErrorKind = "configuration"
	ErrStorage        ErrorKind = "storage"
	ErrUnknown        ErrorKind = "unknown"
)

// Error is the typed error surfaced by the GitHub transport and the engine's
// bookkeeping. ResetAt is set for rate-limit errors when the server reports it.
type Error struct {
	Kind       ErrorKind
	Op         string
	Message    string
	StatusCode int
	ResetAt    time.Time
	Err        error
}

// NewError returns an *Error without an underlying cause.
func NewError(kind ErrorKind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Message: msg}
}

// WrapError attaches kind and op to err. A nil err yields nil.
func WrapError(kind ErrorKind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Op == "" {
		return msg
	}
	return fmt.Sprintf("%s: %s", e.Op, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the error kind. Context cancellation is reported as network,
// any error without classification as unknown.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ErrNetwork
	}
	return ErrUnknown
}

// IsRetryable reports whether err is a transient failure: rate limiting,
// server errors and network errors.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	switch KindOf(err) {
	case ErrRateLimited, ErrServer, ErrNetwork:
		return true
	}
	return false
}

// ResetTime returns the server-provided rate-limit reset time, if any.
func ResetTime(err error) (time.Time, bool) {
	var e *Error
	if errors.As(err, &e) && e.Kind == ErrRateLimited && !e.ResetAt.IsZero() {
		return e.ResetAt, true
	}
	return time.Time{}, false
}

// Package apperr defines the error taxonomy shared by the client core.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure so that callers can pick a recovery path
type Kind string

const (
	// KindAuth covers bad credentials and expired or missing tokens
	KindAuth Kind = "auth"
	// KindValidation covers malformed registration or survey input
	KindValidation Kind = "validation"
	// KindConflict is returned when the email is already registered
	KindConflict Kind = "conflict"
	// KindInvalidInput covers non-image or oversized uploads
	KindInvalidInput Kind = "invalid_input"
	// KindNetwork covers transport failures and timeouts
	KindNetwork Kind = "network"
	// KindServer covers non-2xx backend responses not mapped to another kind
	KindServer Kind = "server"
	// KindNotFound is returned for 404 responses
	KindNotFound Kind = "not_found"
)

// Error is the concrete error type of the taxonomy
type Error struct {
	Kind       Kind
	Op         string
	Message    string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s error (status %d): %s", e.Op, e.Kind, e.StatusCode, msg)
	}
	return fmt.Sprintf("%s: %s error: %s", e.Op, e.Kind, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an error of the given kind
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap creates an error of the given kind around err
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Auth returns an AuthError
func Auth(op, message string) *Error { return New(KindAuth, op, message) }

// Validation returns a ValidationError
func Validation(op, message string) *Error { return New(KindValidation, op, message) }

// Conflict returns a ConflictError
func Conflict(op, message string) *Error { return New(KindConflict, op, message) }

// InvalidInput returns an InvalidInputError
func InvalidInput(op, message string) *Error { return New(KindInvalidInput, op, message) }

// Network wraps a transport failure
func Network(op string, err error) *Error { return Wrap(KindNetwork, op, err) }

// KindOf returns the kind of err, or "" when err is not part of the taxonomy.
// Context deadline and cancellation errors are reported as KindNetwork.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindNetwork
	}
	return ""
}

// Is reports whether err is of the given kind
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsAuth reports whether err is an AuthError
func IsAuth(err error) bool { return Is(err, KindAuth) }

// IsNotFound reports whether err is a NotFound error
func IsNotFound(err error) bool { return Is(err, KindNotFound) }

// UserMessage returns a short human-readable message for err suitable for display.
func UserMessage(err error) string {
	switch KindOf(err) {
	case KindAuth:
		return "Your session has expired. Please sign in again."
	case KindValidation, KindConflict, KindInvalidInput:
		var e *Error
		if errors.As(err, &e) && e.Message != "" {
			return e.Message
		}
		return "The request was not valid."
	case KindNetwork:
		return "Could not reach the server. Check your connection and try again."
	case KindNotFound:
		return "The requested item was not found."
	case KindServer:
		return "The server could not complete the request. Please try again later."
	default:
		if err == nil {
			return ""
		}
		return "Something went wrong. Please try again."
	}
}

// HTTPStatus maps an error kind to the status code used by the local bridge
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindAuth:
		return http.StatusUnauthorized
	case KindValidation:
		return http.StatusBadRequest
	case KindConflict:
		return http.StatusConflict
	case KindInvalidInput:
		return http.StatusUnprocessableEntity
	case KindNotFound:
		return http.StatusNotFound
	case KindNetwork:
		return http.StatusGatewayTimeout
	case KindServer:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

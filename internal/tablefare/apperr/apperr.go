package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure for callers. The HTTP layer maps kinds to status
// codes; the core only ever reports kind + message + machine-readable context.
type Kind string

const (
	// KindInvalidArgument - malformed input (redeem points <= 0, negative amount)
	KindInvalidArgument Kind = "invalid_argument"
	// KindInsufficientBalance - redemption exceeds available points
	KindInsufficientBalance Kind = "insufficient_balance"
	// KindNotFound - referenced payment/account/order does not exist
	KindNotFound Kind = "not_found"
	// KindInvalidState - operation not legal in the current state
	KindInvalidState Kind = "invalid_state"
	// KindInvalidTransition - illegal order status transition
	KindInvalidTransition Kind = "invalid_transition"
	// KindPaymentDeclined - provider rejected the charge
	KindPaymentDeclined Kind = "payment_declined"
	// KindProviderUnavailable - network/timeout/5xx from a payment provider
	KindProviderUnavailable Kind = "provider_unavailable"
	// KindConflict - concurrent-mutation race detected; retry the operation
	KindConflict Kind = "conflict"
	// KindInternal - anything else
	KindInternal Kind = "internal"
)

// Error is the structured failure type surfaced by the core
type Error struct {
	Kind    Kind
	Message string
	Context map[string]interface{}
	Err     error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the wrapped cause
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an error of the given kind
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates an error of the given kind with a formatted message
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying cause
func Wrap(kind Kind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// With adds a machine-readable context value and returns the error
func (e *Error) With(key string, value interface{}) *Error {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// KindOf extracts the kind from an error chain; unknown errors are internal
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether the error chain carries the given kind
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// HTTPStatus maps an error to the status code the API layer should respond with
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindInvalidArgument:
		return http.StatusBadRequest
	case KindInsufficientBalance, KindPaymentDeclined:
		return http.StatusPaymentRequired
	case KindNotFound:
		return http.StatusNotFound
	case KindInvalidState, KindInvalidTransition, KindConflict:
		return http.StatusConflict
	case KindProviderUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

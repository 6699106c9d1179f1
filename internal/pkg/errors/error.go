package xerrors

import (
	"errors"
	"fmt"
)

// Common reusable application errors
var (
	ErrNotFound     = errors.New("resource not found")
	ErrUnauthorized = errors.New("unauthorized access")
	ErrForbidden    = errors.New("forbidden")
	ErrConflict     = errors.New("conflict: resource already exists")
	ErrRateLimited  = errors.New("too many requests")
)

// Payment and entitlement errors
var (
	// ErrValidation marks a malformed or unauthenticated payload. Never retried by us.
	ErrValidation = errors.New("validation failed")
	// ErrDuplicateEvent marks a known external_id that was already applied.
	ErrDuplicateEvent = errors.New("duplicate payment event")
	// ErrUnmatchedReference is an outcome, not a failure: the event is queued for an operator.
	ErrUnmatchedReference = errors.New("payment reference could not be matched")
	// ErrConcurrencyConflict is returned when the subscription version moved under us.
	ErrConcurrencyConflict = errors.New("concurrent subscription update")
	// ErrTransientProvider wraps failed outbound calls to payment providers.
	ErrTransientProvider = errors.New("payment provider temporarily unavailable")
	// ErrStorageUnavailable is fatal for the request. Entitlement reads fail closed on it.
	ErrStorageUnavailable = errors.New("storage unavailable")
	// ErrSubscriptionCancelled blocks automatic transitions on a cancelled subscription.
	ErrSubscriptionCancelled = errors.New("subscription is cancelled")
)

// ValidationError describes which part of a payload was rejected.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Reason)
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// NewValidation builds a ValidationError for field.
func NewValidation(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// Package apperrors holds the error taxonomy shared by the command path, the
// saga participants and the outbox publisher.
package apperrors

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateInFlight means a request with the same id is still running.
	// Callers should retry later; it is not a failure.
	ErrDuplicateInFlight = errors.New("duplicate request in flight")

	// ErrStillProcessing is returned after the bounded wait for an in-flight duplicate expires.
	ErrStillProcessing = fmt.Errorf("still processing: %w", ErrDuplicateInFlight)

	// ErrValidation is a caller error. It is never retried.
	ErrValidation = errors.New("validation failed")

	// ErrTransientStore is a retriable storage failure.
	ErrTransientStore = errors.New("transient store error")

	// ErrPublishFailure is a retriable broker failure.
	ErrPublishFailure = errors.New("publish failed")

	// ErrInapplicable marks an event that no longer applies to the current state.
	// Event handlers treat it as a no-op.
	ErrInapplicable = errors.New("event not applicable to current state")

	// ErrOutOfOrder marks an event that arrived before the transition it depends on.
	ErrOutOfOrder = errors.New("event arrived before its prerequisite")

	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

// Wrap annotates err with message, keeping the chain intact. Nil stays nil.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf is Wrap with a format string.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Validation builds an ErrValidation with a caller-facing reason.
func Validation(reason string) error {
	return fmt.Errorf("%w: %s", ErrValidation, reason)
}

// Inapplicable builds an ErrInapplicable with a reason.
func Inapplicable(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInapplicable, fmt.Sprintf(format, args...))
}

// OutOfOrder builds an ErrOutOfOrder with a reason.
func OutOfOrder(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrOutOfOrder, fmt.Sprintf(format, args...))
}

// IsRetriable reports whether retrying the same operation later can succeed.
func IsRetriable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrValidation), errors.Is(err, ErrInapplicable), errors.Is(err, ErrConflict):
		return false
	case errors.Is(err, ErrDuplicateInFlight),
		errors.Is(err, ErrTransientStore),
		errors.Is(err, ErrPublishFailure),
		errors.Is(err, ErrOutOfOrder):
		return true
	default:
		return false
	}
}

// IsRejection reports whether err is a business or caller error that must be
// surfaced to the caller as a rejection.
func IsRejection(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInapplicable) ||
		errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrNotFound)
}

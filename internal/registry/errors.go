package registry

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation reports malformed or out-of-range input.
	ErrValidation = errors.New("validation failed")
	// ErrInvalidReference reports a reference to a room that does not exist.
	ErrInvalidReference = errors.New("invalid reference")
	// ErrNotFound reports an unknown identifier.
	ErrNotFound = errors.New("not found")
	// ErrConflict reports a deletion blocked by dependents.
	ErrConflict = errors.New("conflict")
	// ErrController reports a failed hardware or driver call.
	ErrController = errors.New("controller error")
)

// ValidationError names the field that failed validation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// Invalid returns a *ValidationError for field.
func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// ControllerFailure wraps a driver error so that it matches ErrController.
func ControllerFailure(controller string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrController, controller, err)
}

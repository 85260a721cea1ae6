package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingField is wrapped by ValidationError when a required field is absent.
	ErrMissingField = errors.New("missing required field")

	// ErrInvalidField is wrapped by ValidationError when a field cannot be parsed.
	ErrInvalidField = errors.New("invalid field")

	// ErrPersistence is wrapped by store errors. A persistence failure is
	// terminal for the event being processed.
	ErrPersistence = errors.New("persistence failure")
)

// ValidationError describes a report that cannot be normalized.
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid report: %s", e.Reason)
	}
	return fmt.Sprintf("invalid report: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Err }

func missingField(field string) *ValidationError {
	return &ValidationError{Field: field, Reason: "is required", Err: ErrMissingField}
}

func invalidField(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason, Err: ErrInvalidField}
}

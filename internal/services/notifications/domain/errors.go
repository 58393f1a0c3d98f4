package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates a requested record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates a write lost a uniqueness race or a frequency window.
	ErrConflict = errors.New("conflict")
	// ErrStoreNotConfigured indicates the service is missing persistence wiring.
	ErrStoreNotConfigured = errors.New("notification store is not configured")
	// ErrIDGeneratorNotConfigured indicates an ID generator is required.
	ErrIDGeneratorNotConfigured = errors.New("notification id generator is not configured")
	// ErrMalformedTemplate indicates a template has unbalanced or invalid placeholders.
	ErrMalformedTemplate = errors.New("malformed template")
	// ErrMissingPlaceholder indicates a placeholder had no value in the event.
	ErrMissingPlaceholder = errors.New("missing placeholder value")
)

// ValidationError reports malformed input rejected at a boundary.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid input: " + e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// NewValidationError builds a ValidationError for field.
func NewValidationError(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// IsValidation reports whether err wraps a ValidationError.
func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

// NotFoundError names the missing record. It matches ErrNotFound.
type NotFoundError struct {
	Kind string
	Key  string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.Key)
}

// Is lets errors.Is(err, ErrNotFound) succeed.
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// ConflictError describes a skipped write. It matches ErrConflict.
type ConflictError struct {
	Reason string
}

func (e *ConflictError) Error() string {
	return "conflict: " + e.Reason
}

// Is lets errors.Is(err, ErrConflict) succeed.
func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// ErrFrequencyLimited is returned when a trigger's frequency window for the
// recipient is already claimed. It matches ErrConflict.
var ErrFrequencyLimited error = &ConflictError{Reason: "trigger frequency window already claimed"}

// AggregationError reports a failed metrics recomputation for one day.
type AggregationError struct {
	Date string
	Err  error
}

func (e *AggregationError) Error() string {
	return fmt.Sprintf("aggregate metrics for %s: %v", e.Date, e.Err)
}

func (e *AggregationError) Unwrap() error {
	return e.Err
}

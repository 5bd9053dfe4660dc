package services

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when an entity is not found
	ErrNotFound = errors.New("entity not found")

	// ErrAlreadyExists is returned when attempting to create a duplicate entity
	ErrAlreadyExists = errors.New("entity already exists")

	// ErrInvalidState is returned when an operation is not legal in the
	// entity's current state, e.g. deciding a held approval to held again
	// or completing a run that never started
	ErrInvalidState = errors.New("invalid state transition")

	// ErrAlreadyDecided is returned to the loser of an approval decision
	// race; the first sequenced decision wins
	ErrAlreadyDecided = errors.New("approval already decided")

	// ErrLeaseLost is returned when a claim token no longer holds the run:
	// wrong token, expired lease, or the run was reclaimed
	ErrLeaseLost = errors.New("claim lease lost")

	// ErrEvidenceRequired is returned when a terminal run operation arrives
	// without an evidence reference
	ErrEvidenceRequired = errors.New("evidence reference required")
)

// ValidationError wraps field-specific validation errors
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

// NewValidationError creates a new validation error
func NewValidationError(field, message string) error {
	return &ValidationError{
		Field:   field,
		Message: message,
	}
}

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

package models

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a record or a relation target is absent.
	ErrNotFound = errors.New("record not found")

	// ErrValidation is the sentinel wrapped by every ValidationError.
	ErrValidation = errors.New("validation failed")

	// ErrUnknownKind is returned for record kinds missing from the registry.
	ErrUnknownKind = errors.New("unknown record kind")
)

// ValidationError describes why a record could not be saved.
type ValidationError struct {
	Kind   string `json:"kind"`
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for %s.%s: %s", e.Kind, e.Field, e.Reason)
}

// Unwrap lets errors.Is match ErrValidation.
func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

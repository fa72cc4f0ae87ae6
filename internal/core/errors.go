package core

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrValidation  = errors.New("validation failed")
	ErrNotFound    = errors.New("not found")
	ErrConflict    = errors.New("conflict")
	ErrPersistence = errors.New("persistence failure")
)

// FieldError names one offending value by JSON pointer.
type FieldError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// ValidationError lists every problem found in a payload. It matches
// ErrValidation with errors.Is.
type ValidationError struct {
	Details []FieldError
}

// NewValidationError builds a ValidationError holding a single detail.
func NewValidationError(path, format string, args ...any) *ValidationError {
	return &ValidationError{Details: []FieldError{{Path: path, Message: fmt.Sprintf(format, args...)}}}
}

func (e *ValidationError) Add(path, format string, args ...any) {
	e.Details = append(e.Details, FieldError{Path: path, Message: fmt.Sprintf(format, args...)})
}

// OrNil returns nil when no details were collected.
func (e *ValidationError) OrNil() error {
	if e == nil || len(e.Details) == 0 {
		return nil
	}
	return e
}

func (e *ValidationError) Error() string {
	if len(e.Details) == 0 {
		return ErrValidation.Error()
	}
	parts := make([]string, 0, len(e.Details))
	for _, d := range e.Details {
		if d.Path == "" {
			parts = append(parts, d.Message)
			continue
		}
		parts = append(parts, d.Path+": "+d.Message)
	}
	return ErrValidation.Error() + ": " + strings.Join(parts, "; ")
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// NotFoundError reports a missing entity. It matches ErrNotFound with
// errors.Is.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Entity, e.ID)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// ConflictError reports a uniqueness violation. It matches ErrConflict.
type ConflictError struct {
	Entity string
	ID     string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %q already exists", e.Entity, e.ID)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

package jobs

import (
	"errors"
	"fmt"
)

// ErrConflict is matched by every *ConflictError.
var ErrConflict = errors.New("an active job already exists for this media and task")

// ValidationError reports a bad input field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ConflictError is returned by Create under the reject duplicate policy.
type ConflictError struct {
	ExistingID string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s (job %s)", ErrConflict, e.ExistingID)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

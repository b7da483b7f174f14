package apperr

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrPermissionDenied = errors.New("permission denied")
)

// FieldError ties an error message to the input field that caused it.
type FieldError struct {
	Field string `json:"field"`
	Error string `json:"error"`
}

// ValidationError reports malformed or out-of-range input, keyed by field
// so a UI can highlight the offending value.
type ValidationError struct {
	Err    error        `json:"-"`
	Fields []FieldError `json:"fields"`
}

func NewValidationError(err error, fields ...FieldError) error {
	return &ValidationError{Err: err, Fields: fields}
}

func NewFieldError(field, msg string) error {
	return &ValidationError{
		Err:    fmt.Errorf("%s: %s", field, msg),
		Fields: []FieldError{{Field: field, Error: msg}},
	}
}

func (e *ValidationError) Error() string {
	if e.Err == nil {
		return "validation failed"
	}
	return e.Err.Error()
}

func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// ConflictError reports an optimistic-concurrency failure: a stale
// revision pair on a rubric edit, or a task already claimed by someone
// else. It carries enough of the current state for the caller to
// re-fetch and retry.
type ConflictError struct {
	Message string `json:"message"`

	// set on rubric revision conflicts
	CurrentRevision    int `json:"current_revision,omitempty"`
	CurrentSubrevision int `json:"current_subrevision,omitempty"`

	// set on task claim conflicts
	CurrentOwner string `json:"current_owner,omitempty"`
}

func NewConflict(msg string) error {
	return &ConflictError{Message: msg}
}

func NewRevisionConflict(rev, subrev int) error {
	return &ConflictError{
		Message:            fmt.Sprintf("rubric has been edited by someone else, current revision is %d.%d", rev, subrev),
		CurrentRevision:    rev,
		CurrentSubrevision: subrev,
	}
}

func NewTaskConflict(msg, owner string) error {
	return &ConflictError{Message: msg, CurrentOwner: owner}
}

func (e *ConflictError) Error() string { return e.Message }

func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// PermissionError wraps ErrPermissionDenied with a reason, so
// errors.Is(err, ErrPermissionDenied) still matches.
func PermissionDenied(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrPermissionDenied, fmt.Sprintf(format, args...))
}

func NotFound(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

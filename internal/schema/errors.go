package schema

import (
	"errors"
	"fmt"
)

// FieldError reports a validation failure on one field.
// It is recoverable by client correction and surfaces in the API's
// fieldErrors payload.
type FieldError struct {
	Field  string
	Reason string
}

// Error implements the error interface.
func (e *FieldError) Error() string {
	return fmt.Sprintf("field %q: %s", e.Field, e.Reason)
}

// NewFieldError creates a FieldError.
func NewFieldError(field, format string, args ...any) *FieldError {
	return &FieldError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// AsFieldError unwraps a FieldError from err, if present.
func AsFieldError(err error) (*FieldError, bool) {
	var fe *FieldError
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}

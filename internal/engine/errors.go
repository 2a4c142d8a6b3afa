package engine

import (
	"errors"
	"fmt"

	"github.com/tinybase/tinybase/internal/registry"
	"github.com/tinybase/tinybase/internal/schema"
	"github.com/tinybase/tinybase/internal/store"
)

// Code classifies an operation failure for the API boundary.
type Code string

const (
	// CodeValidationFailed is a field-level failure, recoverable by client
	// correction. Field names the first failing field.
	CodeValidationFailed Code = "validation_failed"
	// CodeForbidden is a rule denial. For record-addressed operations it is
	// also returned when the record does not exist, so a response never
	// reveals existence the view rule would hide.
	CodeForbidden Code = "forbidden"
	// CodeNotFound means the collection, or for admins the record, is absent.
	CodeNotFound Code = "not_found"
	// CodeConflict is a uniqueness or concurrent-schema-version race; the
	// client should retry.
	CodeConflict Code = "conflict"
	// CodeIncompatibleSchemaChange rejects an admin alteration that would
	// strand existing records.
	CodeIncompatibleSchemaChange Code = "incompatible_schema_change"
	// CodeInternal is a storage or transport fault. Logged in full, generic
	// to the client.
	CodeInternal Code = "internal"
)

// Error is the executor's structured failure value. Every component-local
// error is translated into one of these at the executor boundary.
type Error struct {
	Code    Code
	Message string
	Field   string // set for validation failures
	cause   error
}

func (e *Error) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: field %q: %s", e.Code, e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// AsError unwraps an executor Error, if present.
func AsError(err error) (*Error, bool) {
	var ee *Error
	if errors.As(err, &ee) {
		return ee, true
	}
	return nil, false
}

func errForbidden() *Error {
	return &Error{Code: CodeForbidden, Message: "not allowed"}
}

func errNotFound(what string) *Error {
	return &Error{Code: CodeNotFound, Message: what + " not found"}
}

func errValidation(field, message string) *Error {
	return &Error{Code: CodeValidationFailed, Field: field, Message: message}
}

// classify translates component-local errors into the stable taxonomy.
// Unrecognized errors become Internal; the caller logs those in full.
func classify(err error) *Error {
	var ee *Error
	if errors.As(err, &ee) {
		return ee
	}
	if fe, ok := schema.AsFieldError(err); ok {
		return &Error{Code: CodeValidationFailed, Field: fe.Field, Message: fe.Reason, cause: err}
	}
	if ue, ok := store.AsUniqueError(err); ok {
		return &Error{Code: CodeConflict, Field: ue.Field, Message: ue.Error(), cause: err}
	}
	if re, ok := store.AsReferencedError(err); ok {
		return &Error{Code: CodeConflict, Message: re.Error(), cause: err}
	}
	if ie, ok := registry.AsIncompatibleError(err); ok {
		return &Error{Code: CodeIncompatibleSchemaChange, Field: ie.Field, Message: ie.Reason, cause: err}
	}
	if bre, ok := registry.AsBadRuleError(err); ok {
		return &Error{Code: CodeValidationFailed, Message: bre.Error(), cause: err}
	}
	if ue, ok := registry.AsInUseError(err); ok {
		return &Error{Code: CodeConflict, Message: ue.Error(), cause: err}
	}
	switch {
	case errors.Is(err, store.ErrNotFound):
		return &Error{Code: CodeNotFound, Message: "not found", cause: err}
	case errors.Is(err, store.ErrCollectionExists):
		return &Error{Code: CodeConflict, Message: "collection already exists", cause: err}
	case errors.Is(err, store.ErrSchemaChanged):
		return &Error{Code: CodeConflict, Message: "schema changed during the request, retry", cause: err}
	case errors.Is(err, store.ErrBadCursor):
		return &Error{Code: CodeValidationFailed, Message: "malformed cursor", cause: err}
	}
	return &Error{Code: CodeInternal, Message: "internal error", cause: err}
}

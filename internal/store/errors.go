package store

import (
	"errors"
	"fmt"
)

// Sentinel errors surfaced by store operations. The executor translates
// these into the API error taxonomy.
var (
	// ErrNotFound means the record or collection does not exist.
	ErrNotFound = errors.New("not found")

	// ErrCollectionExists means a collection with that name is already
	// defined.
	ErrCollectionExists = errors.New("collection already exists")

	// ErrSchemaChanged means the collection's schema version moved between
	// validation and commit. The write is rejected, never silently coerced;
	// the client retries against the new version.
	ErrSchemaChanged = errors.New("schema version changed since validation")

	// ErrIDConflict means the generated record id collided. This is a pure
	// storage race: callers may regenerate the id and retry once without
	// re-running rules or validation.
	ErrIDConflict = errors.New("record id conflict")

	// ErrBadCursor means a list cursor did not decode or does not match the
	// requested sort.
	ErrBadCursor = errors.New("malformed list cursor")
)

// UniqueError is a business uniqueness violation on a specific field.
// Unlike ErrIDConflict it is surfaced to the caller, never retried.
type UniqueError struct {
	Field string
}

func (e *UniqueError) Error() string {
	return fmt.Sprintf("value of field %q is already in use", e.Field)
}

// AsUniqueError unwraps a UniqueError, if present.
func AsUniqueError(err error) (*UniqueError, bool) {
	var ue *UniqueError
	if errors.As(err, &ue) {
		return ue, true
	}
	return nil, false
}

// ReferencedError blocks deletion of a record that other records still
// reference through a restrict-policy relation.
type ReferencedError struct {
	Collection string // referencing collection
	Field      string // referencing relation field
}

func (e *ReferencedError) Error() string {
	return fmt.Sprintf("record is referenced by %s.%s", e.Collection, e.Field)
}

// AsReferencedError unwraps a ReferencedError, if present.
func AsReferencedError(err error) (*ReferencedError, bool) {
	var re *ReferencedError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}

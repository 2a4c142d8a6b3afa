package registry

import (
	"errors"
	"fmt"

	"github.com/tinybase/tinybase/internal/schema"
)

// IncompatibleError rejects a schema alteration that would strand existing
// records: a field-kind change or a newly required field, without a backfill
// value, on a non-empty collection.
type IncompatibleError struct {
	Field  string
	Reason string
}

func (e *IncompatibleError) Error() string {
	return fmt.Sprintf("incompatible change to field %q: %s", e.Field, e.Reason)
}

// AsIncompatibleError unwraps an IncompatibleError, if present.
func AsIncompatibleError(err error) (*IncompatibleError, bool) {
	var ie *IncompatibleError
	if errors.As(err, &ie) {
		return ie, true
	}
	return nil, false
}

// BadRuleError reports rule text that does not parse.
type BadRuleError struct {
	Op    schema.Op
	Cause error
}

func (e *BadRuleError) Error() string {
	return fmt.Sprintf("%s rule: %v", e.Op, e.Cause)
}

func (e *BadRuleError) Unwrap() error { return e.Cause }

// AsBadRuleError unwraps a BadRuleError, if present.
func AsBadRuleError(err error) (*BadRuleError, bool) {
	var re *BadRuleError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}

// InUseError blocks deleting a collection that another collection's relation
// field still targets.
type InUseError struct {
	By    string
	Field string
}

func (e *InUseError) Error() string {
	return fmt.Sprintf("collection is the relation target of %s.%s", e.By, e.Field)
}

// AsInUseError unwraps an InUseError, if present.
func AsInUseError(err error) (*InUseError, bool) {
	var ue *InUseError
	if errors.As(err, &ue) {
		return ue, true
	}
	return nil, false
}

package schema

import "fmt"

// Kind identifies a field's type. It is a closed set: adding a kind means
// updating every exhaustive switch in this package and in the storage codecs.
type Kind string

const (
	// KindText is a UTF-8 string. Supports min/max (length) and pattern.
	KindText Kind = "text"
	// KindNumber is a float64. Supports min/max (numeric range).
	KindNumber Kind = "number"
	// KindBool is a boolean.
	KindBool Kind = "bool"
	// KindDate is an RFC 3339 timestamp, stored in UTC.
	KindDate Kind = "date"
	// KindJSON is an arbitrary JSON document (object or array).
	KindJSON Kind = "json"
	// KindFile is an opaque storage key resolved by the file storage
	// collaborator. The engine treats it as a reference, not content.
	KindFile Kind = "file"
	// KindRelation is the id of a record in a target collection.
	KindRelation Kind = "relation"
	// KindArray is an ordered sequence of a single element kind.
	// The element kind must not itself be array.
	KindArray Kind = "array"
)

// Kinds lists every valid kind, in declaration order.
var Kinds = []Kind{
	KindText, KindNumber, KindBool, KindDate,
	KindJSON, KindFile, KindRelation, KindArray,
}

// Valid reports whether k names a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindText, KindNumber, KindBool, KindDate,
		KindJSON, KindFile, KindRelation, KindArray:
		return true
	}
	return false
}

// CascadePolicy controls what happens to records referencing a deleted record
// through a relation field.
type CascadePolicy string

const (
	// CascadeRestrict blocks deletion while references exist. This is the
	// default when a relation field does not specify a policy.
	CascadeRestrict CascadePolicy = "restrict"
	// CascadeSetNull clears the reference on deletion of the target.
	CascadeSetNull CascadePolicy = "setNull"
)

// Valid reports whether p names a known cascade policy.
func (p CascadePolicy) Valid() bool {
	return p == CascadeRestrict || p == CascadeSetNull
}

// supportsLength reports whether min/max constrain length for this kind.
func (k Kind) supportsLength() bool {
	return k == KindText || k == KindArray
}

// supportsRange reports whether min/max constrain numeric range for this kind.
func (k Kind) supportsRange() bool {
	return k == KindNumber
}

// checkConstraintCompat validates that a constraint name is meaningful for
// the kind. Returns a descriptive error for define/alter rejection.
func checkConstraintCompat(k Kind, constraint string) error {
	switch constraint {
	case "pattern":
		if k != KindText {
			return fmt.Errorf("pattern is only valid on text fields, not %s", k)
		}
	case "min", "max":
		if !k.supportsLength() && !k.supportsRange() {
			return fmt.Errorf("%s is not valid on %s fields", constraint, k)
		}
	case "collection", "onDelete":
		if k != KindRelation {
			return fmt.Errorf("%s is only valid on relation fields, not %s", constraint, k)
		}
	case "elem":
		if k != KindArray {
			return fmt.Errorf("elem is only valid on array fields, not %s", k)
		}
	}
	return nil
}

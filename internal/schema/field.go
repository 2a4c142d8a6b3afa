package schema

import (
	"encoding/json"
	"fmt"
	"regexp"
)

// identPattern constrains collection and field names. Names double as JSON
// keys and rule-language identifiers, so they stay conservative.
var identPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// reservedFieldNames are system fields assigned by the store and never part
// of a collection's declared schema.
var reservedFieldNames = map[string]bool{
	"id":      true,
	"created": true,
	"updated": true,
}

// Field is one named, typed, constrained attribute of a collection.
// Identity (name and kind) is immutable; a kind change requires dropping and
// re-adding the field through an explicit migration.
type Field struct {
	Name string `json:"name"`
	Kind Kind   `json:"type"`

	// Elem is the element kind for array fields.
	Elem Kind `json:"elem,omitempty"`

	Required bool `json:"required,omitempty"`
	Unique   bool `json:"unique,omitempty"`

	// Default is applied to omitted fields at create time, before the
	// required check runs. Nil means no default.
	Default Value `json:"-"`

	// Min/Max are a numeric range for number fields and a length range for
	// text and array fields.
	Min *float64 `json:"min,omitempty"`
	Max *float64 `json:"max,omitempty"`

	// Pattern is an RE2 expression the full value must match. Text only.
	Pattern string `json:"pattern,omitempty"`

	// Collection names the relation target. Relation only. Self-reference
	// is allowed.
	Collection string `json:"collection,omitempty"`

	// OnDelete is the cascade policy for relation fields. Empty means
	// restrict.
	OnDelete CascadePolicy `json:"onDelete,omitempty"`
}

// fieldWire is the JSON shape of Field with the default carried as raw JSON,
// so it can be coerced once the kind is known.
type fieldWire struct {
	Name       string          `json:"name"`
	Kind       Kind            `json:"type"`
	Elem       Kind            `json:"elem,omitempty"`
	Required   bool            `json:"required,omitempty"`
	Unique     bool            `json:"unique,omitempty"`
	Default    json.RawMessage `json:"default,omitempty"`
	Min        *float64        `json:"min,omitempty"`
	Max        *float64        `json:"max,omitempty"`
	Pattern    string          `json:"pattern,omitempty"`
	Collection string          `json:"collection,omitempty"`
	OnDelete   CascadePolicy   `json:"onDelete,omitempty"`
}

// UnmarshalJSON decodes a field definition, coercing the default value
// against the declared kind.
func (f *Field) UnmarshalJSON(data []byte) error {
	var w fieldWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*f = Field{
		Name:       w.Name,
		Kind:       w.Kind,
		Elem:       w.Elem,
		Required:   w.Required,
		Unique:     w.Unique,
		Min:        w.Min,
		Max:        w.Max,
		Pattern:    w.Pattern,
		Collection: w.Collection,
		OnDelete:   w.OnDelete,
	}
	if len(w.Default) > 0 {
		var raw any
		if err := json.Unmarshal(w.Default, &raw); err != nil {
			return fmt.Errorf("field %q: decode default: %w", w.Name, err)
		}
		if raw != nil {
			v, err := Coerce(f.Kind, f.Elem, raw)
			if err != nil {
				return fmt.Errorf("field %q: default: %w", w.Name, err)
			}
			f.Default = v
		}
	}
	return nil
}

// MarshalJSON encodes a field definition with the default in JSON form.
func (f Field) MarshalJSON() ([]byte, error) {
	w := fieldWire{
		Name:       f.Name,
		Kind:       f.Kind,
		Elem:       f.Elem,
		Required:   f.Required,
		Unique:     f.Unique,
		Min:        f.Min,
		Max:        f.Max,
		Pattern:    f.Pattern,
		Collection: f.Collection,
		OnDelete:   f.OnDelete,
	}
	if f.Default != nil && !IsNull(f.Default) {
		b, err := json.Marshal(ToJSON(f.Default))
		if err != nil {
			return nil, fmt.Errorf("field %q: encode default: %w", f.Name, err)
		}
		w.Default = b
	}
	return json.Marshal(w)
}

// CheckDefinition validates the field definition itself: name shape, kind
// validity, kind/constraint compatibility, pattern compilability, and
// relation target existence. collectionExists answers whether a named
// collection is defined; the defining collection's own name is always
// considered to exist, so self-referencing relations are allowed.
func (f Field) CheckDefinition(collectionExists func(string) bool) error {
	if !identPattern.MatchString(f.Name) {
		return fmt.Errorf("invalid field name %q", f.Name)
	}
	if reservedFieldNames[f.Name] {
		return fmt.Errorf("field name %q is reserved", f.Name)
	}
	if !f.Kind.Valid() {
		return fmt.Errorf("field %q: unknown kind %q", f.Name, f.Kind)
	}

	if f.Pattern != "" {
		if err := checkConstraintCompat(f.Kind, "pattern"); err != nil {
			return fmt.Errorf("field %q: %w", f.Name, err)
		}
		if _, err := regexp.Compile(f.Pattern); err != nil {
			return fmt.Errorf("field %q: invalid pattern: %v", f.Name, err)
		}
	}
	if f.Min != nil || f.Max != nil {
		if err := checkConstraintCompat(f.Kind, "min"); err != nil {
			return fmt.Errorf("field %q: %w", f.Name, err)
		}
		if f.Min != nil && f.Max != nil && *f.Min > *f.Max {
			return fmt.Errorf("field %q: min %v exceeds max %v", f.Name, *f.Min, *f.Max)
		}
	}

	switch f.Kind {
	case KindRelation:
		if f.Collection == "" {
			return fmt.Errorf("field %q: relation requires a target collection", f.Name)
		}
		if collectionExists != nil && !collectionExists(f.Collection) {
			return fmt.Errorf("field %q: unknown target collection %q", f.Name, f.Collection)
		}
		if f.OnDelete != "" && !f.OnDelete.Valid() {
			return fmt.Errorf("field %q: unknown cascade policy %q", f.Name, f.OnDelete)
		}
	case KindArray:
		if f.Elem == "" {
			return fmt.Errorf("field %q: array requires an element kind", f.Name)
		}
		if !f.Elem.Valid() || f.Elem == KindArray {
			return fmt.Errorf("field %q: invalid element kind %q", f.Name, f.Elem)
		}
		if f.Elem == KindRelation {
			if f.Collection == "" {
				return fmt.Errorf("field %q: array of relations requires a target collection", f.Name)
			}
			if collectionExists != nil && !collectionExists(f.Collection) {
				return fmt.Errorf("field %q: unknown target collection %q", f.Name, f.Collection)
			}
			if f.OnDelete != "" && !f.OnDelete.Valid() {
				return fmt.Errorf("field %q: unknown cascade policy %q", f.Name, f.OnDelete)
			}
		} else if f.Collection != "" || f.OnDelete != "" {
			return fmt.Errorf("field %q: collection/onDelete require a relation element kind", f.Name)
		}
	default:
		if f.Collection != "" || f.OnDelete != "" {
			return fmt.Errorf("field %q: collection/onDelete are only valid on relation fields", f.Name)
		}
		if f.Elem != "" {
			return fmt.Errorf("field %q: elem is only valid on array fields", f.Name)
		}
	}

	if f.Default != nil && !IsNull(f.Default) {
		if err := checkDefaultKind(f); err != nil {
			return fmt.Errorf("field %q: %w", f.Name, err)
		}
	}
	return nil
}

// CascadeOrDefault returns the effective cascade policy.
func (f Field) CascadeOrDefault() CascadePolicy {
	if f.OnDelete == "" {
		return CascadeRestrict
	}
	return f.OnDelete
}

// checkDefaultKind verifies that the default value's variant matches the
// field kind. Coerce normally guarantees this, but fields can also be
// constructed directly in Go.
func checkDefaultKind(f Field) error {
	ok := false
	switch f.Kind {
	case KindText:
		_, ok = f.Default.(Text)
	case KindNumber:
		_, ok = f.Default.(Number)
	case KindBool:
		_, ok = f.Default.(Bool)
	case KindDate:
		_, ok = f.Default.(Date)
	case KindJSON:
		_, ok = f.Default.(JSON)
	case KindFile:
		_, ok = f.Default.(FileRef)
	case KindRelation:
		// A relation default would dangle; disallow entirely.
		return fmt.Errorf("relation fields cannot have a default")
	case KindArray:
		_, ok = f.Default.(Array)
	}
	if !ok {
		return fmt.Errorf("default value does not match kind %s", f.Kind)
	}
	return nil
}

package schema

import (
	"regexp"
	"time"
	"unicode/utf8"
)

// Validator checks candidate field values against one collection version.
//
// A Validator is compiled once at define/alter time and reused by every
// subsequent write. It enforces required, min/max, and pattern constraints.
// Uniqueness and relation-target existence need visibility into stored rows
// and are delegated to the record store.
type Validator struct {
	collection string
	version    int64
	checks     map[string]fieldCheck
	fields     []Field
}

// fieldCheck is the compiled constraint closure for one field.
type fieldCheck func(v Value) *FieldError

// Version returns the schema version the validator was compiled against.
func (vd *Validator) Version() int64 { return vd.version }

// CompileValidator builds a Validator for the collection.
// The collection definition must already have passed CheckDefinition;
// pattern compilation here cannot fail after that.
func CompileValidator(c *Collection) *Validator {
	vd := &Validator{
		collection: c.Name,
		version:    c.Version,
		checks:     make(map[string]fieldCheck, len(c.Fields)),
		fields:     c.Fields,
	}
	for _, f := range c.Fields {
		vd.checks[f.Name] = compileFieldCheck(f)
	}
	return vd
}

// ApplyDefaults fills in defaults for fields absent from candidate.
// Returns a new map; candidate is not modified. Runs before Validate on
// create so that a default satisfies a required constraint.
func (vd *Validator) ApplyDefaults(candidate Fields) Fields {
	out := make(Fields, len(vd.fields))
	for k, v := range candidate {
		out[k] = v
	}
	for _, f := range vd.fields {
		if _, present := out[f.Name]; !present && f.Default != nil && !IsNull(f.Default) {
			out[f.Name] = f.Default
		}
	}
	return out
}

// Validate checks every declared field against candidate. Fields absent from
// candidate are treated as null (failing required). Unknown field names in
// candidate fail, keeping a record's field set exactly matched to its schema.
// Returns the first failing field, in declaration order.
func (vd *Validator) Validate(candidate Fields) error {
	for name := range candidate {
		if _, ok := vd.checks[name]; !ok {
			return NewFieldError(name, "unknown field")
		}
	}
	for _, f := range vd.fields {
		v := candidate[f.Name]
		if err := vd.checks[f.Name](v); err != nil {
			return err
		}
	}
	return nil
}

// ValidateTouched checks only the named fields. Used for partial updates,
// where untouched fields were already valid at their last write.
func (vd *Validator) ValidateTouched(candidate Fields, touched []string) error {
	for _, name := range touched {
		check, ok := vd.checks[name]
		if !ok {
			return NewFieldError(name, "unknown field")
		}
		if err := check(candidate[name]); err != nil {
			return err
		}
	}
	return nil
}

// compileFieldCheck builds the constraint closure for one field.
// Dispatch over the kind tag happens here, once, not per write.
func compileFieldCheck(f Field) fieldCheck {
	var pattern *regexp.Regexp
	if f.Pattern != "" {
		pattern = regexp.MustCompile(f.Pattern)
	}
	name := f.Name
	required := f.Required
	min, max := f.Min, f.Max
	kind, elem := f.Kind, f.Elem

	return func(v Value) *FieldError {
		if IsNull(v) {
			if required {
				return NewFieldError(name, "required")
			}
			return nil
		}

		if err := checkValueKind(kind, elem, v); err != "" {
			return NewFieldError(name, "%s", err)
		}

		switch kind {
		case KindText:
			s := string(v.(Text))
			n := float64(utf8.RuneCountInString(s))
			if min != nil && n < *min {
				return NewFieldError(name, "must be at least %v characters", *min)
			}
			if max != nil && n > *max {
				return NewFieldError(name, "must be at most %v characters", *max)
			}
			if pattern != nil && !pattern.MatchString(s) {
				return NewFieldError(name, "does not match pattern %s", pattern.String())
			}
		case KindNumber:
			n := float64(v.(Number))
			if min != nil && n < *min {
				return NewFieldError(name, "must be >= %v", *min)
			}
			if max != nil && n > *max {
				return NewFieldError(name, "must be <= %v", *max)
			}
		case KindArray:
			n := float64(len(v.(Array)))
			if min != nil && n < *min {
				return NewFieldError(name, "must have at least %v elements", *min)
			}
			if max != nil && n > *max {
				return NewFieldError(name, "must have at most %v elements", *max)
			}
		}
		return nil
	}
}

// checkValueKind verifies the value variant matches the field kind.
// Returns an empty string when the kinds line up.
func checkValueKind(kind, elem Kind, v Value) string {
	switch kind {
	case KindText:
		if _, ok := v.(Text); !ok {
			return "expected text"
		}
	case KindNumber:
		if _, ok := v.(Number); !ok {
			return "expected number"
		}
	case KindBool:
		if _, ok := v.(Bool); !ok {
			return "expected bool"
		}
	case KindDate:
		if d, ok := v.(Date); !ok {
			return "expected date"
		} else if time.Time(d).IsZero() {
			return "zero date"
		}
	case KindJSON:
		if _, ok := v.(JSON); !ok {
			return "expected json"
		}
	case KindFile:
		if _, ok := v.(FileRef); !ok {
			return "expected file reference"
		}
	case KindRelation:
		if _, ok := v.(Relation); !ok {
			return "expected record id"
		}
	case KindArray:
		arr, ok := v.(Array)
		if !ok {
			return "expected array"
		}
		for _, item := range arr {
			if IsNull(item) {
				return "array elements cannot be null"
			}
			if msg := checkValueKind(elem, "", item); msg != "" {
				return "array element: " + msg
			}
		}
	}
	return ""
}

package schema

import "fmt"

// Op identifies one of the four rule-gated operations on a collection.
type Op string

const (
	OpView   Op = "view"
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// RuleSet holds the four access rules for a collection, as source text in the
// rule expression language. An empty rule denies the operation (fail-closed).
type RuleSet struct {
	View   string `json:"view,omitempty"`
	Create string `json:"create,omitempty"`
	Update string `json:"update,omitempty"`
	Delete string `json:"delete,omitempty"`
}

// For returns the rule text for an operation.
func (r RuleSet) For(op Op) string {
	switch op {
	case OpView:
		return r.View
	case OpCreate:
		return r.Create
	case OpUpdate:
		return r.Update
	case OpDelete:
		return r.Delete
	}
	return ""
}

// Collection is a runtime-defined schema grouping records of one kind.
//
// Name is the immutable identity. Version counts schema edits; every write
// captures the version it validated against and the store rejects the commit
// if the version has moved since (see registry and store packages).
type Collection struct {
	Name    string   `json:"name"`
	Fields  []Field  `json:"fields"`
	Rules   RuleSet  `json:"rules"`
	Version int64    `json:"version"`
}

// FieldByName returns the field definition, or false if no such field.
func (c *Collection) FieldByName(name string) (Field, bool) {
	for _, f := range c.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// FieldNames returns the declared field names in order.
func (c *Collection) FieldNames() []string {
	names := make([]string, len(c.Fields))
	for i, f := range c.Fields {
		names[i] = f.Name
	}
	return names
}

// Clone returns a deep-enough copy for snapshot swapping: the fields slice is
// copied so callers can append/modify without aliasing the registry's copy.
func (c *Collection) Clone() *Collection {
	dup := *c
	dup.Fields = make([]Field, len(c.Fields))
	copy(dup.Fields, c.Fields)
	return &dup
}

// CheckDefinition validates the whole collection definition: name shape,
// field name uniqueness, and each field's own definition.
// collectionExists is consulted for relation targets; the collection's own
// name always resolves, so self-references validate.
func (c *Collection) CheckDefinition(collectionExists func(string) bool) error {
	if !identPattern.MatchString(c.Name) {
		return fmt.Errorf("invalid collection name %q", c.Name)
	}
	if len(c.Fields) == 0 {
		return fmt.Errorf("collection %q: at least one field is required", c.Name)
	}

	exists := func(name string) bool {
		if name == c.Name {
			return true
		}
		if collectionExists == nil {
			return false
		}
		return collectionExists(name)
	}

	seen := make(map[string]bool, len(c.Fields))
	for _, f := range c.Fields {
		if seen[f.Name] {
			return fmt.Errorf("collection %q: duplicate field %q", c.Name, f.Name)
		}
		seen[f.Name] = true
		if err := f.CheckDefinition(exists); err != nil {
			return fmt.Errorf("collection %q: %w", c.Name, err)
		}
	}
	return nil
}

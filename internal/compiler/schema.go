// Package compiler parses CUE schema files into collection definitions.
//
// Schema files declare collections under a top-level `collections` struct:
//
//	collections: posts: {
//		fields: {
//			title:  {kind: "text", required: true, max: 200}
//			author: {kind: "relation", collection: "users", onDelete: "setNull"}
//		}
//		rules: {
//			view:   "published = true || author = @request.auth.id"
//			create: "@request.auth.id != null"
//		}
//	}
//
// The compiler uses the CUE SDK's Go API directly (not a CLI subprocess) and
// is the input side of the `apply` command: compiled definitions are handed
// to the registry to define or alter collections.
package compiler

import (
	"encoding/json"
	"fmt"
	"os"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/tinybase/tinybase/internal/registry"
	"github.com/tinybase/tinybase/internal/schema"
)

// LoadFile reads and compiles a CUE schema file.
func LoadFile(path string) ([]registry.Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema file: %w", err)
	}
	v := cuecontext.New().CompileBytes(data, cue.Filename(path))
	return CompileSchema(v)
}

// CompileSchema parses a CUE value holding a `collections` struct into
// definitions, preserving field declaration order.
func CompileSchema(v cue.Value) ([]registry.Definition, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	colsVal := v.LookupPath(cue.ParsePath("collections"))
	if !colsVal.Exists() {
		return nil, &CompileError{
			Field:   "collections",
			Message: "top-level collections struct is required",
			Pos:     v.Pos(),
		}
	}

	iter, err := colsVal.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}

	var defs []registry.Definition
	for iter.Next() {
		def, err := parseCollection(iter.Label(), iter.Value())
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	if len(defs) == 0 {
		return nil, &CompileError{
			Field:   "collections",
			Message: "at least one collection is required",
			Pos:     colsVal.Pos(),
		}
	}
	return defs, nil
}

func parseCollection(name string, v cue.Value) (registry.Definition, error) {
	def := registry.Definition{Name: name}

	fieldsVal := v.LookupPath(cue.ParsePath("fields"))
	if !fieldsVal.Exists() {
		return def, &CompileError{
			Field:   name + ".fields",
			Message: "fields struct is required",
			Pos:     v.Pos(),
		}
	}
	iter, err := fieldsVal.Fields()
	if err != nil {
		return def, formatCUEError(err)
	}
	for iter.Next() {
		f, err := parseField(name, iter.Label(), iter.Value())
		if err != nil {
			return def, err
		}
		def.Fields = append(def.Fields, f)
	}

	rulesVal := v.LookupPath(cue.ParsePath("rules"))
	if rulesVal.Exists() {
		rs, err := parseRules(name, rulesVal)
		if err != nil {
			return def, err
		}
		def.Rules = rs
	}
	return def, nil
}

func parseField(collection, name string, v cue.Value) (schema.Field, error) {
	f := schema.Field{Name: name}
	where := fmt.Sprintf("%s.fields.%s", collection, name)

	kindVal := v.LookupPath(cue.ParsePath("kind"))
	if !kindVal.Exists() {
		return f, &CompileError{Field: where, Message: "kind is required", Pos: v.Pos()}
	}
	kindStr, err := kindVal.String()
	if err != nil {
		return f, formatCUEError(err)
	}
	f.Kind = schema.Kind(kindStr)
	if !f.Kind.Valid() {
		return f, &CompileError{
			Field:   where + ".kind",
			Message: fmt.Sprintf("unknown kind %q", kindStr),
			Pos:     kindVal.Pos(),
		}
	}

	if elemVal := v.LookupPath(cue.ParsePath("elem")); elemVal.Exists() {
		elemStr, err := elemVal.String()
		if err != nil {
			return f, formatCUEError(err)
		}
		f.Elem = schema.Kind(elemStr)
	}

	if f.Required, err = boolAt(v, "required"); err != nil {
		return f, err
	}
	if f.Unique, err = boolAt(v, "unique"); err != nil {
		return f, err
	}
	if f.Min, err = floatAt(v, "min"); err != nil {
		return f, err
	}
	if f.Max, err = floatAt(v, "max"); err != nil {
		return f, err
	}
	if pat := v.LookupPath(cue.ParsePath("pattern")); pat.Exists() {
		if f.Pattern, err = pat.String(); err != nil {
			return f, formatCUEError(err)
		}
	}
	if col := v.LookupPath(cue.ParsePath("collection")); col.Exists() {
		if f.Collection, err = col.String(); err != nil {
			return f, formatCUEError(err)
		}
	}
	if od := v.LookupPath(cue.ParsePath("onDelete")); od.Exists() {
		s, err := od.String()
		if err != nil {
			return f, formatCUEError(err)
		}
		f.OnDelete = schema.CascadePolicy(s)
	}

	if defVal := v.LookupPath(cue.ParsePath("default")); defVal.Exists() {
		raw, err := jsonShape(defVal)
		if err != nil {
			return f, err
		}
		dv, err := schema.Coerce(f.Kind, f.Elem, raw)
		if err != nil {
			return f, &CompileError{
				Field:   where + ".default",
				Message: err.Error(),
				Pos:     defVal.Pos(),
			}
		}
		f.Default = dv
	}
	return f, nil
}

func parseRules(collection string, v cue.Value) (schema.RuleSet, error) {
	var rs schema.RuleSet
	for _, r := range []struct {
		name string
		dst  *string
	}{
		{"view", &rs.View},
		{"create", &rs.Create},
		{"update", &rs.Update},
		{"delete", &rs.Delete},
	} {
		rv := v.LookupPath(cue.ParsePath(r.name))
		if !rv.Exists() {
			continue
		}
		s, err := rv.String()
		if err != nil {
			return rs, formatCUEError(err)
		}
		*r.dst = s
	}
	return rs, nil
}

// jsonShape decodes a CUE value into the JSON-shaped Go form Coerce expects
// (float64 numbers, map[string]any objects).
func jsonShape(v cue.Value) (any, error) {
	var native any
	if err := v.Decode(&native); err != nil {
		return nil, formatCUEError(err)
	}
	data, err := json.Marshal(native)
	if err != nil {
		return nil, fmt.Errorf("encode default value: %w", err)
	}
	var shaped any
	if err := json.Unmarshal(data, &shaped); err != nil {
		return nil, fmt.Errorf("decode default value: %w", err)
	}
	return shaped, nil
}

func boolAt(v cue.Value, path string) (bool, error) {
	bv := v.LookupPath(cue.ParsePath(path))
	if !bv.Exists() {
		return false, nil
	}
	b, err := bv.Bool()
	if err != nil {
		return false, formatCUEError(err)
	}
	return b, nil
}

func floatAt(v cue.Value, path string) (*float64, error) {
	fv := v.LookupPath(cue.ParsePath(path))
	if !fv.Exists() {
		return nil, nil
	}
	f, err := fv.Float64()
	if err != nil {
		return nil, formatCUEError(err)
	}
	return &f, nil
}

// CompileError is a schema compilation error with source position.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// formatCUEError extracts position info from CUE's multi-errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return err
	}
	first := errs[0]
	if positions := cueerrors.Positions(first); len(positions) > 0 {
		return &CompileError{
			Field:   "cue",
			Message: first.Error(),
			Pos:     positions[0],
		}
	}
	return err
}

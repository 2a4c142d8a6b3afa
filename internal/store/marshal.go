package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tinybase/tinybase/internal/schema"
)

// Record is one stored instance conforming to a collection's schema version.
type Record struct {
	Collection    string
	ID            string
	Fields        schema.Fields
	Created       time.Time
	Updated       time.Time
	SchemaVersion int64
}

// EvalMap renders the record as a JSON-shaped map for rule evaluation:
// user fields plus the id/created/updated system fields.
func (r *Record) EvalMap() map[string]any {
	m := make(map[string]any, len(r.Fields)+3)
	for name, v := range r.Fields {
		m[name] = fieldToEval(v)
	}
	m["id"] = r.ID
	m["created"] = r.Created.Format(time.RFC3339)
	m["updated"] = r.Updated.Format(time.RFC3339)
	return m
}

// fieldToEval converts a typed value into the evaluator's JSON shape.
// JSON documents stay raw; the evaluator decodes them lazily.
func fieldToEval(v schema.Value) any {
	if doc, ok := v.(schema.JSON); ok {
		return json.RawMessage(doc)
	}
	return schema.ToJSON(v)
}

// encodeFields serializes typed field values to the stored JSON document.
func encodeFields(fields schema.Fields) ([]byte, error) {
	out := make(map[string]any, len(fields))
	for name, v := range fields {
		if schema.IsNull(v) {
			out[name] = nil
			continue
		}
		out[name] = schema.ToJSON(v)
	}
	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encode fields: %w", err)
	}
	return data, nil
}

// decodeFields deserializes a stored JSON document into typed values using
// the collection's current definition. Keys not present in the schema are
// dropped: schema edits purge removed fields transactionally, so a leftover
// key can only be an in-flight artifact and never resurfaces.
func decodeFields(col *schema.Collection, data []byte) (schema.Fields, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode fields: %w", err)
	}
	fields := make(schema.Fields, len(col.Fields))
	for _, f := range col.Fields {
		rv, ok := raw[f.Name]
		if !ok || rv == nil {
			fields[f.Name] = schema.Null{}
			continue
		}
		v, err := schema.Coerce(f.Kind, f.Elem, rv)
		if err != nil {
			return nil, fmt.Errorf("decode field %q: %w", f.Name, err)
		}
		fields[f.Name] = v
	}
	return fields, nil
}

// scanRecord builds a Record from a row's columns.
func scanRecord(col *schema.Collection, id, data, created, updated string, version int64) (*Record, error) {
	fields, err := decodeFields(col, []byte(data))
	if err != nil {
		return nil, err
	}
	createdAt, err := time.Parse(time.RFC3339Nano, created)
	if err != nil {
		return nil, fmt.Errorf("parse created: %w", err)
	}
	updatedAt, err := time.Parse(time.RFC3339Nano, updated)
	if err != nil {
		return nil, fmt.Errorf("parse updated: %w", err)
	}
	return &Record{
		Collection:    col.Name,
		ID:            id,
		Fields:        fields,
		Created:       createdAt,
		Updated:       updatedAt,
		SchemaVersion: version,
	}, nil
}

package schema

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"golang.org/x/text/unicode/norm"
)

// Value is a sealed interface representing a typed field value.
// Only Null, Text, Number, Bool, Date, JSON, FileRef, Relation, and Array
// implement it.
type Value interface {
	fieldValue() // Sealed - only these types implement it
}

// Null represents an absent/cleared value.
// Using an explicit type ensures all Values satisfy the sealed interface.
type Null struct{}

func (Null) fieldValue() {}

// Text is a string value.
type Text string

func (Text) fieldValue() {}

// Number is a float64 value.
type Number float64

func (Number) fieldValue() {}

// Bool is a boolean value.
type Bool bool

func (Bool) fieldValue() {}

// Date is a timestamp value, always normalized to UTC.
type Date time.Time

func (Date) fieldValue() {}

// Time returns the underlying time.Time.
func (d Date) Time() time.Time { return time.Time(d) }

// JSON is an arbitrary JSON document, kept as raw bytes.
type JSON json.RawMessage

func (JSON) fieldValue() {}

// FileRef is an opaque file storage key.
type FileRef string

func (FileRef) fieldValue() {}

// Relation is the id of a record in the field's target collection.
type Relation string

func (Relation) fieldValue() {}

// Array is an ordered sequence of element values.
type Array []Value

func (Array) fieldValue() {}

// Fields maps field names to typed values. This is the in-memory shape of a
// record's user data.
type Fields map[string]Value

// Coerce converts a decoded JSON value into a typed Value for the given kind.
// elem is the element kind for arrays and ignored otherwise.
//
// Coercion is strict: a string is never silently parsed as a number, a number
// never truncated to a bool. The only flexibility is that dates accept RFC 3339
// strings and JSON accepts any value.
func Coerce(k Kind, elem Kind, raw any) (Value, error) {
	if raw == nil {
		return Null{}, nil
	}

	switch k {
	case KindText:
		s, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("expected string, got %s", jsonTypeName(raw))
		}
		return Text(s), nil

	case KindNumber:
		switch n := raw.(type) {
		case float64:
			return Number(n), nil
		case json.Number:
			f, err := n.Float64()
			if err != nil {
				return nil, fmt.Errorf("invalid number %q", n.String())
			}
			return Number(f), nil
		case int64:
			return Number(float64(n)), nil
		case int:
			return Number(float64(n)), nil
		}
		return nil, fmt.Errorf("expected number, got %s", jsonTypeName(raw))

	case KindBool:
		b, ok := raw.(bool)
		if !ok {
			return nil, fmt.Errorf("expected bool, got %s", jsonTypeName(raw))
		}
		return Bool(b), nil

	case KindDate:
		s, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("expected RFC 3339 string, got %s", jsonTypeName(raw))
		}
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return nil, fmt.Errorf("invalid date %q", s)
		}
		return Date(t.UTC()), nil

	case KindJSON:
		b, err := json.Marshal(raw)
		if err != nil {
			return nil, fmt.Errorf("marshal json value: %w", err)
		}
		return JSON(b), nil

	case KindFile:
		s, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("expected file key string, got %s", jsonTypeName(raw))
		}
		return FileRef(s), nil

	case KindRelation:
		s, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("expected record id string, got %s", jsonTypeName(raw))
		}
		if s == "" {
			return Null{}, nil
		}
		return Relation(s), nil

	case KindArray:
		items, ok := raw.([]any)
		if !ok {
			return nil, fmt.Errorf("expected array, got %s", jsonTypeName(raw))
		}
		arr := make(Array, 0, len(items))
		for i, item := range items {
			v, err := Coerce(elem, "", item)
			if err != nil {
				return nil, fmt.Errorf("element %d: %w", i, err)
			}
			arr = append(arr, v)
		}
		return arr, nil

	default:
		return nil, fmt.Errorf("unknown kind %q", k)
	}
}

// ToJSON converts a Value back to its JSON-encodable form.
// Uses type-switch dispatch over the sealed variant set.
func ToJSON(v Value) any {
	switch val := v.(type) {
	case nil, Null:
		return nil
	case Text:
		return string(val)
	case Number:
		return float64(val)
	case Bool:
		return bool(val)
	case Date:
		return time.Time(val).UTC().Format(time.RFC3339)
	case JSON:
		return json.RawMessage(val)
	case FileRef:
		return string(val)
	case Relation:
		return string(val)
	case Array:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = ToJSON(item)
		}
		return out
	default:
		// Unreachable for sealed values; fail loudly in development.
		panic(fmt.Sprintf("unknown Value type: %T", v))
	}
}

// IsNull reports whether v is absent.
func IsNull(v Value) bool {
	if v == nil {
		return true
	}
	_, ok := v.(Null)
	return ok
}

// UniqueKey returns a canonical string form of v, used as the uniqueness
// index key. Two values are considered duplicates iff their keys are equal.
// Text is NFC-normalized so visually identical NFC/NFD spellings collide.
func UniqueKey(v Value) string {
	switch val := v.(type) {
	case nil, Null:
		return "\x00null"
	case Text:
		return "t:" + norm.NFC.String(string(val))
	case Number:
		return "n:" + strconv.FormatFloat(float64(val), 'g', -1, 64)
	case Bool:
		if bool(val) {
			return "b:1"
		}
		return "b:0"
	case Date:
		return "d:" + time.Time(val).UTC().Format(time.RFC3339Nano)
	case JSON:
		return "j:" + string(val)
	case FileRef:
		return "f:" + string(val)
	case Relation:
		return "r:" + string(val)
	case Array:
		key := "a:"
		for _, item := range val {
			key += UniqueKey(item) + "\x1f"
		}
		return key
	default:
		panic(fmt.Sprintf("unknown Value type: %T", v))
	}
}

// jsonTypeName names a decoded JSON value's type for error messages.
func jsonTypeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "bool"
	case float64, json.Number, int, int64:
		return "number"
	case string:
		return "string"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return fmt.Sprintf("%T", v)
	}
}

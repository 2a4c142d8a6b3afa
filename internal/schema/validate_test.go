package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func floatPtr(f float64) *float64 { return &f }

// postsCollection mirrors the canonical posts example used throughout the
// engine tests: a required title and a published flag defaulting to false.
func postsCollection() *Collection {
	return &Collection{
		Name:    "posts",
		Version: 1,
		Fields: []Field{
			{Name: "title", Kind: KindText, Required: true, Min: floatPtr(1), Max: floatPtr(200)},
			{Name: "published", Kind: KindBool, Default: Bool(false)},
		},
	}
}

func TestCheckDefinition_DuplicateField(t *testing.T) {
	c := &Collection{
		Name: "dup",
		Fields: []Field{
			{Name: "a", Kind: KindText},
			{Name: "a", Kind: KindNumber},
		},
	}
	err := c.CheckDefinition(nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate field")
}

func TestCheckDefinition_ConstraintKindCompat(t *testing.T) {
	cases := []Field{
		{Name: "f", Kind: KindNumber, Pattern: "^x$"},       // pattern on non-text
		{Name: "f", Kind: KindBool, Min: floatPtr(1)},       // min on bool
		{Name: "f", Kind: KindRelation},                     // relation without target
		{Name: "f", Kind: KindArray},                        // array without elem
		{Name: "f", Kind: KindArray, Elem: KindArray},       // nested arrays
		{Name: "f", Kind: KindText, Collection: "users"},    // target on non-relation
		{Name: "id", Kind: KindText},                        // reserved name
		{Name: "f", Kind: KindText, Pattern: "("},           // invalid regexp
		{Name: "f", Kind: KindArray, Elem: KindRelation},    // relation array without target
		{Name: "f", Kind: KindArray, Elem: KindText, Collection: "users"},     // target on non-relation array
		{Name: "f", Kind: KindArray, Elem: KindText, OnDelete: CascadeSetNull}, // cascade on non-relation array
		{Name: "f", Kind: KindArray, Elem: KindRelation, Collection: "users", OnDelete: CascadePolicy("explode")}, // bad cascade
	}
	for _, f := range cases {
		c := &Collection{Name: "c", Fields: []Field{f}}
		assert.Error(t, c.CheckDefinition(nil), "field %+v should be rejected", f)
	}
}

func TestCheckDefinition_SelfReferenceAllowed(t *testing.T) {
	c := &Collection{
		Name: "nodes",
		Fields: []Field{
			{Name: "parent", Kind: KindRelation, Collection: "nodes"},
		},
	}
	// No other collections exist, yet the self-reference validates.
	assert.NoError(t, c.CheckDefinition(func(string) bool { return false }))
}

func TestCheckDefinition_RelationArray(t *testing.T) {
	c := &Collection{
		Name: "posts",
		Fields: []Field{
			{Name: "tags", Kind: KindArray, Elem: KindRelation, Collection: "labels", OnDelete: CascadeSetNull},
		},
	}
	assert.NoError(t, c.CheckDefinition(func(name string) bool { return name == "labels" }))
	assert.Error(t, c.CheckDefinition(func(string) bool { return false }),
		"relation array targets must resolve like scalar relation targets")
}

func TestCheckDefinition_UnknownRelationTarget(t *testing.T) {
	c := &Collection{
		Name: "posts",
		Fields: []Field{
			{Name: "author", Kind: KindRelation, Collection: "users"},
		},
	}
	assert.Error(t, c.CheckDefinition(func(string) bool { return false }))
	assert.NoError(t, c.CheckDefinition(func(name string) bool { return name == "users" }))
}

func TestValidator_RequiredNamesField(t *testing.T) {
	vd := CompileValidator(postsCollection())

	err := vd.Validate(Fields{})
	require.Error(t, err)
	fe, ok := AsFieldError(err)
	require.True(t, ok)
	assert.Equal(t, "title", fe.Field)
	assert.Equal(t, "required", fe.Reason)
}

func TestValidator_DefaultsSatisfyRequired(t *testing.T) {
	c := postsCollection()
	c.Fields[0].Default = Text("untitled")
	vd := CompileValidator(c)

	candidate := vd.ApplyDefaults(Fields{})
	require.NoError(t, vd.Validate(candidate))
	assert.Equal(t, Text("untitled"), candidate["title"])
	assert.Equal(t, Bool(false), candidate["published"])
}

func TestValidator_ConformingSetAlwaysPasses(t *testing.T) {
	vd := CompileValidator(postsCollection())
	candidate := vd.ApplyDefaults(Fields{"title": Text("x")})
	assert.NoError(t, vd.Validate(candidate))
}

func TestValidator_UnknownFieldRejected(t *testing.T) {
	vd := CompileValidator(postsCollection())
	err := vd.Validate(Fields{"title": Text("x"), "bogus": Text("y")})
	require.Error(t, err)
	fe, _ := AsFieldError(err)
	assert.Equal(t, "bogus", fe.Field)
}

func TestValidator_LengthAndRange(t *testing.T) {
	c := &Collection{
		Name:    "limits",
		Version: 1,
		Fields: []Field{
			{Name: "name", Kind: KindText, Min: floatPtr(2), Max: floatPtr(4)},
			{Name: "age", Kind: KindNumber, Min: floatPtr(0), Max: floatPtr(120)},
			{Name: "tags", Kind: KindArray, Elem: KindText, Max: floatPtr(2)},
		},
	}
	vd := CompileValidator(c)

	assert.NoError(t, vd.Validate(Fields{"name": Text("abc"), "age": Number(30)}))
	assert.Error(t, vd.Validate(Fields{"name": Text("a")}))
	assert.Error(t, vd.Validate(Fields{"name": Text("abcde")}))
	assert.Error(t, vd.Validate(Fields{"age": Number(-1)}))
	assert.Error(t, vd.Validate(Fields{"tags": Array{Text("a"), Text("b"), Text("c")}}))
}

func TestValidator_Pattern(t *testing.T) {
	c := &Collection{
		Name:    "users",
		Version: 1,
		Fields:  []Field{{Name: "slug", Kind: KindText, Pattern: `^[a-z0-9-]+$`}},
	}
	vd := CompileValidator(c)

	assert.NoError(t, vd.Validate(Fields{"slug": Text("a-1")}))
	err := vd.Validate(Fields{"slug": Text("Not OK")})
	require.Error(t, err)
	fe, _ := AsFieldError(err)
	assert.Equal(t, "slug", fe.Field)
}

func TestValidator_TypeMismatch(t *testing.T) {
	vd := CompileValidator(postsCollection())
	err := vd.Validate(Fields{"title": Text("ok"), "published": Text("yes")})
	require.Error(t, err)
	fe, _ := AsFieldError(err)
	assert.Equal(t, "published", fe.Field)
}

func TestValidator_ValidateTouched(t *testing.T) {
	vd := CompileValidator(postsCollection())

	// Only the touched field is checked; the untouched required field is not.
	assert.NoError(t, vd.ValidateTouched(Fields{"published": Bool(true)}, []string{"published"}))
	assert.Error(t, vd.ValidateTouched(Fields{"title": Null{}}, []string{"title"}))
}

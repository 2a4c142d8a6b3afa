package compiler

import (
	"testing"

	"cuelang.org/go/cue/cuecontext"
	"github.com/stretchr/testify/require"

	"github.com/tinybase/tinybase/internal/schema"
)

func TestCompileSchema(t *testing.T) {
	v := cuecontext.New().CompileString(`
collections: {
	users: {
		fields: {
			email: {kind: "text", required: true, unique: true, pattern: "^.+@.+$"}
			name:  {kind: "text", max: 80}
		}
		rules: {
			view:   "id = @request.auth.id"
			update: "id = @request.auth.id"
		}
	}
	posts: {
		fields: {
			title:     {kind: "text", required: true, min: 1, max: 200}
			published: {kind: "bool", default: false}
			score:     {kind: "number", default: 1.5}
			author:    {kind: "relation", collection: "users", onDelete: "setNull"}
			tags:      {kind: "array", elem: "text", max: 10}
		}
		rules: view: "published = true"
	}
}
`)
	defs, err := CompileSchema(v)
	require.NoError(t, err)
	require.Len(t, defs, 2)

	users := defs[0]
	require.Equal(t, "users", users.Name)
	require.Len(t, users.Fields, 2)
	require.Equal(t, "email", users.Fields[0].Name, "declaration order is preserved")
	require.True(t, users.Fields[0].Required)
	require.True(t, users.Fields[0].Unique)
	require.Equal(t, "^.+@.+$", users.Fields[0].Pattern)
	require.Equal(t, "id = @request.auth.id", users.Rules.View)
	require.Empty(t, users.Rules.Delete)

	posts := defs[1]
	require.Equal(t, "posts", posts.Name)
	require.Equal(t, schema.Bool(false), posts.Fields[1].Default)
	require.Equal(t, schema.Number(1.5), posts.Fields[2].Default)

	author := posts.Fields[3]
	require.Equal(t, schema.KindRelation, author.Kind)
	require.Equal(t, "users", author.Collection)
	require.Equal(t, schema.CascadeSetNull, author.OnDelete)

	tags := posts.Fields[4]
	require.Equal(t, schema.KindArray, tags.Kind)
	require.Equal(t, schema.KindText, tags.Elem)
	require.NotNil(t, tags.Max)
	require.Equal(t, float64(10), *tags.Max)
}

func TestCompileSchemaUnknownKind(t *testing.T) {
	v := cuecontext.New().CompileString(`
collections: things: fields: x: {kind: "blob"}
`)
	_, err := CompileSchema(v)
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown kind")
}

func TestCompileSchemaMissingKind(t *testing.T) {
	v := cuecontext.New().CompileString(`
collections: things: fields: x: {required: true}
`)
	_, err := CompileSchema(v)
	require.Error(t, err)
	require.Contains(t, err.Error(), "kind is required")
}

func TestCompileSchemaDefaultMismatch(t *testing.T) {
	v := cuecontext.New().CompileString(`
collections: things: fields: x: {kind: "number", default: "nope"}
`)
	_, err := CompileSchema(v)
	require.Error(t, err)
	require.Contains(t, err.Error(), "default")
}

func TestCompileSchemaRequiresCollections(t *testing.T) {
	v := cuecontext.New().CompileString(`other: 1`)
	_, err := CompileSchema(v)
	require.Error(t, err)
}

func TestCompileSchemaBadCUE(t *testing.T) {
	v := cuecontext.New().CompileString(`collections: {`)
	_, err := CompileSchema(v)
	require.Error(t, err)
}

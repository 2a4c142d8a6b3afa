package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinybase/tinybase/internal/registry"
	"github.com/tinybase/tinybase/internal/store"
)

const testSchema = `
collections: {
	users: {
		fields: {
			email: {kind: "text", required: true, unique: true}
		}
	}
	posts: {
		fields: {
			title:  {kind: "text", required: true}
			author: {kind: "relation", collection: "users", onDelete: "setNull"}
		}
		rules: {
			view: "true"
		}
	}
}
`

func writeSchema(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "schema.cue")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func execApply(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"apply"}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func loadRegistry(t *testing.T, dbPath string) *registry.Registry {
	t.Helper()
	st, err := store.Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	reg := registry.New(st)
	require.NoError(t, reg.Load(context.Background()))
	return reg
}

func TestApplyDefinesCollections(t *testing.T) {
	schemaPath := writeSchema(t, testSchema)
	dbPath := filepath.Join(t.TempDir(), "apply.db")

	out, err := execApply(t, "--db", dbPath, schemaPath)
	require.NoError(t, err)
	assert.Contains(t, out, "2 defined")

	reg := loadRegistry(t, dbPath)
	users, ok := reg.Lookup("users")
	require.True(t, ok)
	assert.True(t, users.Collection.Fields[0].Unique)
	_, ok = reg.Lookup("posts")
	require.True(t, ok)
}

func TestApplyIsIdempotent(t *testing.T) {
	schemaPath := writeSchema(t, testSchema)
	dbPath := filepath.Join(t.TempDir(), "apply.db")

	_, err := execApply(t, "--db", dbPath, schemaPath)
	require.NoError(t, err)

	out, err := execApply(t, "--db", dbPath, schemaPath)
	require.NoError(t, err)
	assert.Contains(t, out, "0 defined, 0 altered, 2 unchanged")
}

func TestApplyAltersDriftedCollection(t *testing.T) {
	schemaPath := writeSchema(t, testSchema)
	dbPath := filepath.Join(t.TempDir(), "apply.db")

	_, err := execApply(t, "--db", dbPath, schemaPath)
	require.NoError(t, err)

	next := `
collections: {
	users: {
		fields: {
			email: {kind: "text", required: true, unique: true}
			name:  {kind: "text"}
		}
	}
	posts: {
		fields: {
			title:  {kind: "text", required: true}
			author: {kind: "relation", collection: "users", onDelete: "setNull"}
		}
		rules: {
			view: "true"
		}
	}
}
`
	out, err := execApply(t, "--db", dbPath, writeSchema(t, next))
	require.NoError(t, err)
	assert.Contains(t, out, "1 altered")

	reg := loadRegistry(t, dbPath)
	users, ok := reg.Lookup("users")
	require.True(t, ok)
	require.Len(t, users.Collection.Fields, 2)
	assert.Equal(t, "name", users.Collection.Fields[1].Name)
}

func TestApplyDryRunWritesNothing(t *testing.T) {
	schemaPath := writeSchema(t, testSchema)
	dbPath := filepath.Join(t.TempDir(), "apply.db")

	out, err := execApply(t, "--db", dbPath, "--dry-run", schemaPath)
	require.NoError(t, err)
	assert.Contains(t, out, "2 defined")

	reg := loadRegistry(t, dbPath)
	_, ok := reg.Lookup("users")
	assert.False(t, ok)
}

func TestApplyBadSchemaFails(t *testing.T) {
	schemaPath := writeSchema(t, `collections: users: fields: email: {kind: "nope"}`)
	dbPath := filepath.Join(t.TempDir(), "apply.db")

	out, err := execApply(t, "--db", dbPath, schemaPath)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "unknown kind")
}

func TestApplyMissingDBFlag(t *testing.T) {
	schemaPath := writeSchema(t, testSchema)
	_, err := execApply(t, schemaPath)
	require.Error(t, err)
}

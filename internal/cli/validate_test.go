package cli

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execValidate(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"validate"}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestValidateGoodSchema(t *testing.T) {
	schemaPath := writeSchema(t, testSchema)

	out, err := execValidate(t, schemaPath)
	require.NoError(t, err)
	assert.Contains(t, out, "Schema valid")
}

func TestValidateJSONOutput(t *testing.T) {
	schemaPath := writeSchema(t, testSchema)

	out, err := execValidate(t, "--format", "json", schemaPath)
	require.NoError(t, err)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
}

func TestValidateUnknownKind(t *testing.T) {
	schemaPath := writeSchema(t, `collections: users: fields: email: {kind: "mystery"}`)

	out, err := execValidate(t, schemaPath)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "unknown kind")
}

func TestValidateBadRuleExpression(t *testing.T) {
	schemaPath := writeSchema(t, `
collections: notes: {
	fields: body: {kind: "text"}
	rules: view: "body = ("
}
`)

	out, err := execValidate(t, schemaPath)
	require.Error(t, err)
	assert.Contains(t, out, "rules.view")
}

func TestValidateUnknownRelationTarget(t *testing.T) {
	schemaPath := writeSchema(t, `
collections: posts: {
	fields: author: {kind: "relation", collection: "ghosts"}
}
`)

	_, err := execValidate(t, schemaPath)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
}

func TestValidateSiblingRelationTarget(t *testing.T) {
	// Targets declared in the same file resolve regardless of order.
	schemaPath := writeSchema(t, `
collections: {
	posts: {
		fields: author: {kind: "relation", collection: "users"}
	}
	users: {
		fields: email: {kind: "text"}
	}
}
`)

	_, err := execValidate(t, schemaPath)
	require.NoError(t, err)
}

func TestValidateMissingFile(t *testing.T) {
	_, err := execValidate(t, "/does/not/exist.cue")
	require.Error(t, err)
}

package rules

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func mustParse(t *testing.T, src string) *Rule {
	t.Helper()
	r, err := Parse(src)
	require.NoError(t, err)
	return r
}

func TestEvaluate_OwnershipRule(t *testing.T) {
	rule := mustParse(t, `record.author = @request.auth.id`)

	owner := Context{
		Auth:   map[string]any{"id": "u1"},
		Record: map[string]any{"author": "u1"},
	}
	stranger := Context{
		Auth:   map[string]any{"id": "u2"},
		Record: map[string]any{"author": "u1"},
	}
	anonymous := Context{
		Record: map[string]any{"author": "u1"},
	}

	require.True(t, Evaluate(rule, owner))
	require.False(t, Evaluate(rule, stranger))
	// Missing identity makes the comparison false, not an error.
	require.False(t, Evaluate(rule, anonymous))
}

func TestEvaluate_NilRuleDenies(t *testing.T) {
	require.False(t, Evaluate(nil, Context{Auth: map[string]any{"id": "u1"}}))
}

func TestEvaluate_TypeMismatchIsFalse(t *testing.T) {
	ctx := Context{Record: map[string]any{"title": "x", "count": 3.0}}

	// String field compared to number literal: false, not a failure.
	require.False(t, Evaluate(mustParse(t, `record.title = 42`), ctx))
	require.False(t, Evaluate(mustParse(t, `record.title < 42`), ctx))
	// And the mismatch does not poison sibling branches.
	require.True(t, Evaluate(mustParse(t, `record.title = 42 || record.count = 3`), ctx))
}

func TestEvaluate_MismatchedNotLikeIsFalse(t *testing.T) {
	// !~ on non-strings stays false rather than inverting to true.
	ctx := Context{Record: map[string]any{"count": 3.0}}
	require.False(t, Evaluate(mustParse(t, `record.count !~ 'x'`), ctx))
}

func TestEvaluate_AuthPresence(t *testing.T) {
	rule := mustParse(t, `@request.auth != null`)
	require.True(t, Evaluate(rule, Context{Auth: map[string]any{"id": "u1"}}))
	require.False(t, Evaluate(rule, Context{}))
}

func TestEvaluate_NullEquality(t *testing.T) {
	ctx := Context{Record: map[string]any{"deleted": nil, "title": "x"}}
	require.True(t, Evaluate(mustParse(t, `record.deleted = null`), ctx))
	require.True(t, Evaluate(mustParse(t, `record.title != null`), ctx))
	// An absent field never resolves, so even = null is false.
	require.False(t, Evaluate(mustParse(t, `record.missing = null`), ctx))
}

func TestEvaluate_Like(t *testing.T) {
	ctx := Context{Record: map[string]any{"title": "Hello World"}}
	require.True(t, Evaluate(mustParse(t, `record.title ~ 'world'`), ctx))
	require.False(t, Evaluate(mustParse(t, `record.title ~ 'mars'`), ctx))
	require.True(t, Evaluate(mustParse(t, `record.title !~ 'mars'`), ctx))
}

func TestEvaluate_InList(t *testing.T) {
	ctx := Context{Record: map[string]any{"status": "review"}}
	require.True(t, Evaluate(mustParse(t, `record.status in ['draft', 'review']`), ctx))
	require.False(t, Evaluate(mustParse(t, `record.status in ['published']`), ctx))
}

func TestEvaluate_InArrayField(t *testing.T) {
	ctx := Context{
		Auth:   map[string]any{"id": "u1"},
		Record: map[string]any{"editors": []any{"u1", "u9"}},
	}
	require.True(t, Evaluate(mustParse(t, `@request.auth.id in record.editors`), ctx))

	ctx.Auth = map[string]any{"id": "u3"}
	require.False(t, Evaluate(mustParse(t, `@request.auth.id in record.editors`), ctx))
}

func TestEvaluate_QueryParams(t *testing.T) {
	ctx := Context{Query: map[string]string{"mode": "preview"}}
	require.True(t, Evaluate(mustParse(t, `@request.query.mode = 'preview'`), ctx))
	require.False(t, Evaluate(mustParse(t, `@request.query.other = 'x'`), ctx))
}

func TestEvaluate_WalksIntoJSONDocuments(t *testing.T) {
	ctx := Context{Record: map[string]any{
		"meta": json.RawMessage(`{"flags":{"pinned":true}}`),
	}}
	require.True(t, Evaluate(mustParse(t, `record.meta.flags.pinned = true`), ctx))
	require.False(t, Evaluate(mustParse(t, `record.meta.flags.archived = true`), ctx))
}

func TestEvaluate_NotAndParens(t *testing.T) {
	ctx := Context{Record: map[string]any{"published": true, "views": 10.0}}
	require.False(t, Evaluate(mustParse(t, `!record.published`), ctx))
	require.True(t, Evaluate(mustParse(t, `!(record.views < 5)`), ctx))
}

func TestBind_SubstitutesRequestRefs(t *testing.T) {
	rule := mustParse(t, `record.author = @request.auth.id && record.published = true`)

	bound := Bind(rule.Expr(), Context{Auth: map[string]any{"id": "u1"}})

	and := bound.(Logic)
	cmp := and.Left.(Compare)
	require.Equal(t, Literal{Value: "u1"}, cmp.Right)

	// Record refs survive binding untouched.
	require.Equal(t, Ref{Root: RootRecord, Path: []string{"author"}}, cmp.Left)
}

func TestBind_MissingAuthBecomesNull(t *testing.T) {
	rule := mustParse(t, `record.author = @request.auth.id`)
	bound := Bind(rule.Expr(), Context{})
	cmp := bound.(Compare)
	require.Equal(t, Literal{Value: nil}, cmp.Right)
}

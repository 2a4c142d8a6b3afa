package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_Comparison(t *testing.T) {
	r, err := Parse(`record.author = @request.auth.id`)
	require.NoError(t, err)

	cmp, ok := r.Expr().(Compare)
	require.True(t, ok)
	assert.Equal(t, OpEq, cmp.Op)
	assert.Equal(t, Ref{Root: RootRecord, Path: []string{"author"}}, cmp.Left)
	assert.Equal(t, Ref{Root: RootAuth, Path: []string{"id"}}, cmp.Right)
}

func TestParse_BareFieldName(t *testing.T) {
	// Client filters may omit the record. prefix.
	r, err := Parse(`published = true`)
	require.NoError(t, err)

	cmp := r.Expr().(Compare)
	assert.Equal(t, Ref{Root: RootRecord, Path: []string{"published"}}, cmp.Left)
	assert.Equal(t, Literal{Value: true}, cmp.Right)
}

func TestParse_Precedence(t *testing.T) {
	// && binds tighter than ||.
	r, err := Parse(`a = 1 || b = 2 && c = 3`)
	require.NoError(t, err)

	or, ok := r.Expr().(Logic)
	require.True(t, ok)
	assert.Equal(t, OpOr, or.Op)
	and, ok := or.Right.(Logic)
	require.True(t, ok)
	assert.Equal(t, OpAnd, and.Op)
}

func TestParse_Parens(t *testing.T) {
	r, err := Parse(`(a = 1 || b = 2) && c = 3`)
	require.NoError(t, err)

	and, ok := r.Expr().(Logic)
	require.True(t, ok)
	assert.Equal(t, OpAnd, and.Op)
	_, ok = and.Left.(Logic)
	assert.True(t, ok)
}

func TestParse_InList(t *testing.T) {
	r, err := Parse(`record.status in ['draft', 'review']`)
	require.NoError(t, err)

	cmp := r.Expr().(Compare)
	assert.Equal(t, OpIn, cmp.Op)
	list, ok := cmp.Right.(List)
	require.True(t, ok)
	assert.Len(t, list.Items, 2)
}

func TestParse_Literals(t *testing.T) {
	r, err := Parse(`record.n = -1.5`)
	require.NoError(t, err)
	assert.Equal(t, Literal{Value: -1.5}, r.Expr().(Compare).Right)

	r, err = Parse(`record.deleted = null`)
	require.NoError(t, err)
	assert.Equal(t, Literal{Value: nil}, r.Expr().(Compare).Right)

	r, err = Parse(`record.title ~ "it\"s"`)
	require.NoError(t, err)
	assert.Equal(t, Literal{Value: `it"s`}, r.Expr().(Compare).Right)
}

func TestParse_Errors(t *testing.T) {
	for _, src := range []string{
		`record.a =`,
		`= 1`,
		`record.a = 'unterminated`,
		`@nope.x = 1`,
		`@request.unknown.x = 1`,
		`record.a = 1 &&`,
		`(record.a = 1`,
		`record.a in [1, 2`,
		`record.a == 1 extra`,
	} {
		_, err := Parse(src)
		assert.Error(t, err, "source %q should not parse", src)
	}
}

func TestParse_AuthPresenceCheck(t *testing.T) {
	r, err := Parse(`@request.auth != null`)
	require.NoError(t, err)
	cmp := r.Expr().(Compare)
	assert.Equal(t, Ref{Root: RootAuth, Path: []string{}}, cmp.Left)
}

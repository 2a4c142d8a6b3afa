package rulesql

import (
	"fmt"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/require"

	"github.com/tinybase/tinybase/internal/rules"
)

// TestCompileGolden pins the SQL shapes the compiler emits for representative
// filters. Regenerate with: go test ./internal/rulesql -update
func TestCompileGolden(t *testing.T) {
	sources := []string{
		`published = true && author = "u1"`,
		`title ~ "go"`,
		`title !~ "spam"`,
		`status in ["draft", "review"]`,
		`deleted = null || score >= 10`,
	}

	c := New("r.data")
	var sb strings.Builder
	for _, src := range sources {
		r, err := rules.Parse(src)
		require.NoError(t, err)
		sql, args, err := c.Compile(r.Expr())
		require.NoError(t, err)
		fmt.Fprintf(&sb, "-- %s --\nsql:  %s\nargs: %v\n\n", src, sql, args)
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "filters", []byte(sb.String()))
}

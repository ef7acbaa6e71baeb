package transformer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitaliisemenov/syncengine/internal/queryast"
)

func restrictivePolicy() Policy {
	return Policy{
		"issues": {
			{
				Op:      queryast.OpEqual,
				Column:  "ownerRole",
				Operand: &queryast.Literal{IsAuthPlaceholder: true, AuthField: "role"},
			},
		},
	}
}

// TestApplyPermissions_NoAuthDataSubstitutesNull reproduces scenario S3: a
// restrictive policy gated on authData.role with no auth data present must
// rewrite the placeholder to a literal NULL and emit the exact warning
// text spec §4.3 requires.
func TestApplyPermissions_NoAuthDataSubstitutesNull(t *testing.T) {
	ast := queryast.AST{Table: "issues"}

	rewritten, warnings := ApplyPermissions(ast, restrictivePolicy(), nil)

	require.Len(t, rewritten.Where, 1)
	assert.Nil(t, rewritten.Where[0].Operand.Value)
	assert.False(t, rewritten.Where[0].Operand.IsAuthPlaceholder)
	require.Len(t, warnings, 1)
	assert.Equal(t, "No auth data provided. Permission rules will compare to NULL wherever an auth data field is referenced.", warnings[0])
}

func TestApplyPermissions_ResolvesFromAuthData(t *testing.T) {
	ast := queryast.AST{Table: "issues"}

	rewritten, warnings := ApplyPermissions(ast, restrictivePolicy(), AuthData{"role": "admin"})

	require.Len(t, rewritten.Where, 1)
	assert.Equal(t, "admin", rewritten.Where[0].Operand.Value)
	assert.Empty(t, warnings)
}

func TestApplyPermissions_ConjoinsWithExistingPredicates(t *testing.T) {
	ast := queryast.AST{
		Table: "issues",
		Where: []queryast.Predicate{{Op: queryast.OpEqual, Column: "status", Operand: &queryast.Literal{Value: "open"}}},
	}

	rewritten, _ := ApplyPermissions(ast, restrictivePolicy(), AuthData{"role": "admin"})

	require.Len(t, rewritten.Where, 2, "policy predicate is appended, not replacing the existing filter")
	assert.Equal(t, "status", rewritten.Where[0].Column)
	assert.Equal(t, "ownerRole", rewritten.Where[1].Column)
}

func TestApplyPermissions_AppliesRecursivelyToRelatedQueries(t *testing.T) {
	ast := queryast.AST{
		Table: "issues",
		Related: []queryast.RelatedQuery{
			{Alias: "comments", AST: queryast.AST{Table: "issues"}},
		},
	}

	rewritten, warnings := ApplyPermissions(ast, restrictivePolicy(), nil)

	require.Len(t, rewritten.Where, 1)
	require.Len(t, rewritten.Related[0].AST.Where, 1, "related sub-query on the same table gets the same policy")
	require.Len(t, warnings, 1, "the warning is deduplicated across parent and related rewrites")
}

func TestApplyPermissions_DoesNotMutateInput(t *testing.T) {
	ast := queryast.AST{Table: "issues"}
	before := queryast.CanonicalBytes(ast)

	_, _ = ApplyPermissions(ast, restrictivePolicy(), nil)

	assert.Equal(t, before, queryast.CanonicalBytes(ast))
}

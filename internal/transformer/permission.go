package transformer

import (
	"github.com/vitaliisemenov/syncengine/internal/queryast"
)

// authWarning is the exact message text spec §4.3 requires when a policy
// predicate references an auth field absent from AuthData.
const authWarning = "No auth data provided. Permission rules will compare to NULL wherever an auth data field is referenced."

// Policy maps a table name to the predicates that must hold for any row of
// that table to be visible, independent of whatever the query itself asks
// for. The same policy is applied to every related sub-query whose table
// matches a key, per §4.3.
type Policy map[string][]queryast.Predicate

// AuthData is the authenticated caller's claims, keyed by field name (e.g.
// "role", "userID"). A nil or empty map represents an unauthenticated
// caller.
type AuthData map[string]any

// ApplyPermissions rewrites ast by conjoining policy's predicates for
// ast.Table (and recursively for every related sub-query) onto the
// existing Where clause, substituting NULL for any auth-field reference
// authData cannot satisfy, per §4.3. It is a pure function: ast is not
// mutated in place.
func ApplyPermissions(ast queryast.AST, policy Policy, authData AuthData) (queryast.AST, []string) {
	var warnings []string
	out := applyPermissionsNode(ast, policy, authData, &warnings)
	return out, warnings
}

func applyPermissionsNode(ast queryast.AST, policy Policy, authData AuthData, warnings *[]string) queryast.AST {
	rewritten := ast

	if rules, ok := policy[ast.Table]; ok {
		resolved := make([]queryast.Predicate, len(rules))
		for i, rule := range rules {
			resolved[i] = resolvePredicate(rule, authData, warnings)
		}
		rewritten.Where = append(append([]queryast.Predicate{}, ast.Where...), resolved...)
	}

	if len(ast.Related) > 0 {
		related := make([]queryast.RelatedQuery, len(ast.Related))
		for i, r := range ast.Related {
			related[i] = r
			related[i].AST = applyPermissionsNode(r.AST, policy, authData, warnings)
		}
		rewritten.Related = related
	}

	return rewritten
}

// resolvePredicate deep-copies pred, substituting NULL for any auth
// placeholder authData cannot resolve and recording one warning per
// unresolved placeholder encountered (deduplicated by message text, since
// every unresolved placeholder produces the same fixed message).
func resolvePredicate(pred queryast.Predicate, authData AuthData, warnings *[]string) queryast.Predicate {
	out := pred

	switch {
	case pred.IsConjunction():
		out.And = make([]queryast.Predicate, len(pred.And))
		for i, c := range pred.And {
			out.And[i] = resolvePredicate(c, authData, warnings)
		}
	case pred.IsDisjunction():
		out.Or = make([]queryast.Predicate, len(pred.Or))
		for i, c := range pred.Or {
			out.Or[i] = resolvePredicate(c, authData, warnings)
		}
	default:
		if pred.Operand != nil && pred.Operand.IsAuthPlaceholder {
			resolved := *pred.Operand
			value, ok := authData[pred.Operand.AuthField]
			if !ok {
				resolved.Value = nil
				resolved.IsAuthPlaceholder = false
				addWarningOnce(warnings, authWarning)
			} else {
				resolved.Value = value
				resolved.IsAuthPlaceholder = false
			}
			out.Operand = &resolved
		}
	}
	return out
}

func addWarningOnce(warnings *[]string, msg string) {
	for _, w := range *warnings {
		if w == msg {
			return
		}
	}
	*warnings = append(*warnings, msg)
}

package ivm

import (
	"fmt"
	"strings"

	"github.com/vitaliisemenov/syncengine/internal/queryast"
)

// compiledQuery is a query AST translated to a parameterized SQL SELECT
// plus the information needed to re-evaluate whether an individual
// changed row still matches the predicate (used during advancement).
type compiledQuery struct {
	sql  string
	args []any
	ast  queryast.AST
}

// compile translates an AST into a SQL SELECT statement against the
// replica's primary table. Related sub-queries are compiled independently
// and executed per matching parent row during hydration (a nested-loop
// join), matching the depth-first interleaving order spec §4.2 requires.
func compile(ast queryast.AST) (compiledQuery, error) {
	var b strings.Builder
	var args []any

	fmt.Fprintf(&b, `SELECT * FROM "%s"`, ast.Table)

	if len(ast.Where) > 0 {
		b.WriteString(" WHERE ")
		clause, whereArgs, err := compilePredicates(ast.Where)
		if err != nil {
			return compiledQuery{}, err
		}
		b.WriteString(clause)
		args = append(args, whereArgs...)
	}

	if len(ast.OrderBy) > 0 {
		b.WriteString(" ORDER BY ")
		for i, sk := range ast.OrderBy {
			if i > 0 {
				b.WriteString(", ")
			}
			dir := "ASC"
			if sk.Desc {
				dir = "DESC"
			}
			fmt.Fprintf(&b, `"%s" %s`, sk.Column, dir)
		}
	}

	if ast.Limit != nil {
		fmt.Fprintf(&b, " LIMIT %d", *ast.Limit)
	}

	return compiledQuery{sql: b.String(), args: args, ast: ast}, nil
}

// compilePredicates renders a conjunction of top-level predicates (ANDed
// together, per §3: "filter predicates ... including a distinguished
// NULL-producing placeholder") into a SQL boolean expression. NULL
// comparisons follow SQL three-valued logic collapsed to two for
// inclusion, per §4.2 ("filter predicates yielding NULL evaluate to
// false"): a direct `= NULL` would already evaluate to NULL/false under
// standard SQL semantics, so no special-casing is required beyond emitting
// the literal.
func compilePredicates(preds []queryast.Predicate) (string, []any, error) {
	var clauses []string
	var args []any

	for _, p := range preds {
		clause, clauseArgs, err := compilePredicate(p)
		if err != nil {
			return "", nil, err
		}
		clauses = append(clauses, clause)
		args = append(args, clauseArgs...)
	}

	return strings.Join(clauses, " AND "), args, nil
}

func compilePredicate(p queryast.Predicate) (string, []any, error) {
	switch {
	case p.IsConjunction():
		clause, args, err := compilePredicates(p.And)
		if err != nil {
			return "", nil, err
		}
		return "(" + clause + ")", args, nil
	case p.IsDisjunction():
		var parts []string
		var args []any
		for _, c := range p.Or {
			clause, cargs, err := compilePredicate(c)
			if err != nil {
				return "", nil, err
			}
			parts = append(parts, clause)
			args = append(args, cargs...)
		}
		return "(" + strings.Join(parts, " OR ") + ")", args, nil
	default:
		operand, arg, err := compileLiteral(p.Operand)
		if err != nil {
			return "", nil, err
		}
		clause := fmt.Sprintf(`"%s" %s %s`, p.Column, sqlOp(p.Op), operand)
		var args []any
		if arg != nil {
			args = append(args, arg)
		}
		return clause, args, nil
	}
}

func sqlOp(op queryast.Op) string {
	switch op {
	case queryast.OpEqual:
		return "="
	case queryast.OpNotEqual:
		return "!="
	case queryast.OpLessThan:
		return "<"
	case queryast.OpLessOrEqual:
		return "<="
	case queryast.OpGreaterThan:
		return ">"
	case queryast.OpGreaterEqual:
		return ">="
	case queryast.OpIn:
		return "IN"
	case queryast.OpLike:
		return "LIKE"
	default:
		return "="
	}
}

// compileLiteral renders one operand. A nil return for the placeholder
// means "NULL" is inlined directly rather than bound as a parameter, since
// `?  = NULL` never matches under SQL semantics and the query must express
// the same always-false comparison the spec calls for.
func compileLiteral(l *queryast.Literal) (string, any, error) {
	if l == nil {
		return "NULL", nil, nil
	}
	switch {
	case l.IsAuthPlaceholder:
		return "NULL", nil, nil
	case l.Column != "":
		return fmt.Sprintf(`"%s"`, l.Column), nil, nil
	case l.Value == nil:
		return "NULL", nil, nil
	default:
		return "?", l.Value, nil
	}
}

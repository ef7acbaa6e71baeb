package inspector

import (
	"encoding/json"
	"strings"

	"github.com/vitaliisemenov/syncengine/internal/queryast"
)

// SerializePermissionAST renders ast to the stable text form analyze-query
// reports as afterPermissions, per spec §4.6/§9 ("a pure function ...
// implement as structural transformation so the rewritten AST is
// deterministic and testable"). Leaf equality predicates are rendered
// fluent-builder style as `.where(left, right)`, matching the literal
// clauses scenarios S3/S4 assert on.
func SerializePermissionAST(ast queryast.AST) string {
	var b strings.Builder
	b.WriteString("query(")
	b.WriteString(jsonLit(ast.Table))
	b.WriteByte(')')
	writeWhereChain(&b, ast.Where)
	for _, s := range ast.OrderBy {
		b.WriteString(".orderBy(")
		b.WriteString(jsonLit(s.Column))
		if s.Desc {
			b.WriteString(", \"desc\"")
		}
		b.WriteByte(')')
	}
	if ast.Limit != nil {
		b.WriteString(".limit(")
		data, _ := json.Marshal(*ast.Limit)
		b.Write(data)
		b.WriteByte(')')
	}
	for _, r := range ast.Related {
		b.WriteString(".related(")
		b.WriteString(jsonLit(r.Alias))
		b.WriteString(", ")
		b.WriteString(SerializePermissionAST(r.AST))
		b.WriteByte(')')
	}
	return b.String()
}

func writeWhereChain(b *strings.Builder, where []queryast.Predicate) {
	for _, p := range where {
		writePredicateClause(b, p)
	}
}

func writePredicateClause(b *strings.Builder, p queryast.Predicate) {
	switch {
	case p.IsConjunction():
		b.WriteString(".and(")
		for i, c := range p.And {
			if i > 0 {
				b.WriteString(", ")
			}
			writePredicateClause(b, c)
		}
		b.WriteByte(')')
	case p.IsDisjunction():
		b.WriteString(".or(")
		for i, c := range p.Or {
			if i > 0 {
				b.WriteString(", ")
			}
			writePredicateClause(b, c)
		}
		b.WriteByte(')')
	default:
		b.WriteString(".where(")
		b.WriteString(operandLit(p.Operand))
		b.WriteString(", ")
		b.WriteString(jsonLit(p.Column))
		b.WriteByte(')')
	}
}

// operandLit renders a (possibly auth-resolved) predicate operand: a
// literal value, or "null" for an unresolved or nil-valued placeholder.
func operandLit(l *queryast.Literal) string {
	if l == nil {
		return "null"
	}
	if l.IsAuthPlaceholder {
		return "AUTH(" + jsonLit(l.AuthField) + ")"
	}
	if l.Value == nil {
		return "null"
	}
	data, err := json.Marshal(l.Value)
	if err != nil {
		return "null"
	}
	return string(data)
}

func jsonLit(s string) string {
	data, _ := json.Marshal(s)
	return string(data)
}

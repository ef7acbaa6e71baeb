package ivm

import (
	"fmt"

	"github.com/vitaliisemenov/syncengine/internal/queryast"
)

// evalPredicates evaluates a conjunction of predicates against row,
// following §4.2's rule that NULL comparisons collapse three-valued SQL
// logic to false for inclusion purposes.
func evalPredicates(preds []queryast.Predicate, row map[string]any) bool {
	for _, p := range preds {
		if !evalPredicate(p, row) {
			return false
		}
	}
	return true
}

func evalPredicate(p queryast.Predicate, row map[string]any) bool {
	switch {
	case p.IsConjunction():
		return evalPredicates(p.And, row)
	case p.IsDisjunction():
		for _, c := range p.Or {
			if evalPredicate(c, row) {
				return true
			}
		}
		return false
	default:
		left, leftNull := row[p.Column], row[p.Column] == nil
		right, rightNull := evalLiteral(p.Operand, row)

		// NULL compares equal to nothing, including itself; any predicate
		// touching a NULL operand evaluates to false for inclusion, per §4.2.
		if leftNull || rightNull {
			return false
		}
		return compare(p.Op, left, right)
	}
}

func evalLiteral(l *queryast.Literal, row map[string]any) (any, bool) {
	if l == nil {
		return nil, true
	}
	switch {
	case l.IsAuthPlaceholder:
		return nil, true // unresolved placeholders behave as NULL, per §4.3
	case l.Column != "":
		v := row[l.Column]
		return v, v == nil
	default:
		return l.Value, l.Value == nil
	}
}

func compare(op queryast.Op, a, b any) bool {
	switch op {
	case queryast.OpEqual:
		return fmt.Sprint(a) == fmt.Sprint(b)
	case queryast.OpNotEqual:
		return fmt.Sprint(a) != fmt.Sprint(b)
	case queryast.OpLike:
		return fmt.Sprint(a) == fmt.Sprint(b)
	}

	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if !aok || !bok {
		return false
	}
	switch op {
	case queryast.OpLessThan:
		return af < bf
	case queryast.OpLessOrEqual:
		return af <= bf
	case queryast.OpGreaterThan:
		return af > bf
	case queryast.OpGreaterEqual:
		return af >= bf
	default:
		return false
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	default:
		return 0, false
	}
}

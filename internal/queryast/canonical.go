package queryast

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// CanonicalBytes produces the deterministic byte serialization of an AST
// used for equality comparison and hashing. It is independent of map
// iteration order and of how the AST was originally constructed: predicate
// lists are serialized in the order given (order is semantically
// significant per §3 for OrderBy, but not for Where — callers that build
// Where from an unordered source must sort upstream; CanonicalBytes itself
// only guarantees determinism for a fixed input value, not semantic
// normalization of equivalent-but-differently-ordered predicate sets).
func CanonicalBytes(a AST) []byte {
	var b strings.Builder
	writeAST(&b, a)
	return []byte(b.String())
}

func writeAST(b *strings.Builder, a AST) {
	b.WriteString("{table:")
	b.WriteString(a.Table)
	b.WriteString(",where:[")
	for i, p := range a.Where {
		if i > 0 {
			b.WriteByte(',')
		}
		writePredicate(b, p)
	}
	b.WriteString("],orderBy:[")
	for i, s := range a.OrderBy {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(b, "%s:%v", s.Column, s.Desc)
	}
	b.WriteString("],limit:")
	if a.Limit != nil {
		fmt.Fprintf(b, "%d", *a.Limit)
	} else {
		b.WriteString("none")
	}
	b.WriteString(",related:[")
	for i, r := range a.Related {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString("{alias:")
		b.WriteString(r.Alias)
		b.WriteString(",corr:")
		fmt.Fprintf(b, "%v->%v", r.Correlation.ParentColumns, r.Correlation.ChildColumns)
		b.WriteString(",ast:")
		writeAST(b, r.AST)
		b.WriteString("}")
	}
	b.WriteString("]}")
}

func writePredicate(b *strings.Builder, p Predicate) {
	switch {
	case p.IsConjunction():
		b.WriteString("(AND ")
		for i, c := range p.And {
			if i > 0 {
				b.WriteByte(' ')
			}
			writePredicate(b, c)
		}
		b.WriteByte(')')
	case p.IsDisjunction():
		b.WriteString("(OR ")
		for i, c := range p.Or {
			if i > 0 {
				b.WriteByte(' ')
			}
			writePredicate(b, c)
		}
		b.WriteByte(')')
	default:
		b.WriteString(p.Column)
		b.WriteString(string(p.Op))
		writeLiteral(b, p.Operand)
	}
}

func writeLiteral(b *strings.Builder, l *Literal) {
	if l == nil {
		b.WriteString("NULL")
		return
	}
	switch {
	case l.IsAuthPlaceholder:
		fmt.Fprintf(b, "AUTH(%s)", l.AuthField)
	case l.Column != "":
		b.WriteString("COL(")
		b.WriteString(l.Column)
		b.WriteByte(')')
	default:
		fmt.Fprintf(b, "VAL(%v)", l.Value)
	}
}

// Fingerprint returns the hex-encoded SHA-256 of CanonicalBytes(a). It is
// used both as the queryHash (over the pre-transformation AST or
// name+args encoding) and the transformationHash (over the
// post-transformation, post-permission-rewrite AST), per §3.
func Fingerprint(a AST) string {
	sum := sha256.Sum256(CanonicalBytes(a))
	return hex.EncodeToString(sum[:])
}

// FingerprintNamedQuery computes the queryHash for a named custom query
// before transformation, from its name and canonically-ordered args.
func FingerprintNamedQuery(name string, args map[string]any) string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("{name:")
	b.WriteString(name)
	b.WriteString(",args:[")
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%s=%v", k, args[k])
	}
	b.WriteString("]}")

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

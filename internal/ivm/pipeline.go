package ivm

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/vitaliisemenov/syncengine/internal/queryast"
)

// RowOp mirrors the protocol's put/delete distinction at the pipeline
// output boundary.
type RowOp string

const (
	RowPut    RowOp = "+row"
	RowDelete RowOp = "-row"
)

// Change is one pipeline output: a row entering or leaving a query's
// result set, annotated with every queryID currently fanned out onto the
// transformation that produced it.
type Change struct {
	Op       RowOp
	Table    string
	PK       map[string]any
	Row      map[string]any
	QueryIDs []string
}

// pkOf extracts the primary-key projection of a row, by convention the
// "id" column — the row shape used throughout the replica's change_log
// and this engine's row set keys, per §3's `rows[(table,pk)]`.
func pkOf(row map[string]any) map[string]any {
	if id, ok := row["id"]; ok {
		return map[string]any{"id": id}
	}
	return map[string]any{}
}

func pkKey(pk map[string]any) string {
	return fmt.Sprintf("%v", pk["id"])
}

// relatedRowSet is the live result set of one depth-1 related sub-query,
// keyed by the related row's own pk-key, tracked so a write landing
// directly on the related table (rather than the pipeline's primary
// table) can be matched against its currently-joined parent rows instead
// of silently dropped, per §4.2's join fan-out example.
type relatedRowSet struct {
	query queryast.RelatedQuery
	rows  map[string]map[string]any
}

// pipeline is one materialized, incrementally-maintained query, keyed by
// transformationHash. Multiple queryIDs may share one pipeline.
type pipeline struct {
	transformationHash string
	ast                queryast.AST
	compiled           compiledQuery
	queryIDs           map[string]bool           // fan-out set
	rows               map[string]map[string]any // pk-key -> row, current result set
	related            map[string]*relatedRowSet // related.Alias -> tracked child rows, depth-1 only
}

func newPipeline(transformationHash string, ast queryast.AST) (*pipeline, error) {
	compiled, err := compile(ast)
	if err != nil {
		return nil, err
	}
	return &pipeline{
		transformationHash: transformationHash,
		ast:                ast,
		compiled:           compiled,
		queryIDs:           map[string]bool{},
		rows:               map[string]map[string]any{},
		related:            map[string]*relatedRowSet{},
	}, nil
}

// relatedState returns the tracked row set for a depth-1 related query,
// creating it on first use.
func (p *pipeline) relatedState(related queryast.RelatedQuery) *relatedRowSet {
	st, ok := p.related[related.Alias]
	if !ok {
		st = &relatedRowSet{query: related, rows: map[string]map[string]any{}}
		p.related[related.Alias] = st
	}
	return st
}

// hydrate runs the pipeline's compiled query against tx and returns the
// ordered +row changes for initial hydration, in the AST's orderBy order
// with related sub-query rows interleaved depth-first, per §4.2.
func (p *pipeline) hydrate(ctx context.Context, tx *sql.Tx) ([]Change, error) {
	rows, err := tx.QueryContext(ctx, p.compiled.sql, p.compiled.args...)
	if err != nil {
		return nil, fmt.Errorf("hydrate %s: %w", p.ast.Table, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var changes []Change
	for rows.Next() {
		row, err := scanRow(rows, cols)
		if err != nil {
			return nil, err
		}
		pk := pkOf(row)
		p.rows[pkKey(pk)] = row
		changes = append(changes, Change{Op: RowPut, Table: p.ast.Table, PK: pk, Row: row})

		for _, related := range p.ast.Related {
			state := p.relatedState(related)
			childChanges, err := hydrateRelated(ctx, tx, related, row, state.rows)
			if err != nil {
				return nil, err
			}
			changes = append(changes, childChanges...)
		}
	}
	return changes, rows.Err()
}

// hydrateRelated executes a related sub-query for a single parent row,
// binding the correlation's parent column values as extra equality
// predicates, and returns its rows depth-first immediately after the
// parent, per §4.2. When track is non-nil, every row returned at this
// level (not rows from further-nested related sub-queries) is recorded
// into it, keyed by pk-key, so the pipeline can later recognize a direct
// write to this related table.
func hydrateRelated(ctx context.Context, tx *sql.Tx, related queryast.RelatedQuery, parentRow map[string]any, track map[string]map[string]any) ([]Change, error) {
	ast := related.AST
	for i, childCol := range related.Correlation.ChildColumns {
		if i >= len(related.Correlation.ParentColumns) {
			break
		}
		parentCol := related.Correlation.ParentColumns[i]
		val := parentRow[parentCol]
		ast.Where = append(ast.Where, queryast.Predicate{
			Op:      queryast.OpEqual,
			Column:  childCol,
			Operand: &queryast.Literal{Value: val},
		})
	}

	compiled, err := compile(ast)
	if err != nil {
		return nil, err
	}
	rows, err := tx.QueryContext(ctx, compiled.sql, compiled.args...)
	if err != nil {
		return nil, fmt.Errorf("hydrate related %s: %w", ast.Table, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var changes []Change
	for rows.Next() {
		row, err := scanRow(rows, cols)
		if err != nil {
			return nil, err
		}
		pk := pkOf(row)
		if track != nil {
			track[pkKey(pk)] = row
		}
		changes = append(changes, Change{Op: RowPut, Table: ast.Table, PK: pk, Row: row})
		for _, nested := range ast.Related {
			// Rows nested two or more levels deep are not tracked for
			// direct-write propagation (known limitation, see
			// propagateToPipeline in driver.go); they still hydrate and
			// re-sync whenever their own parent's row changes.
			nestedChanges, err := hydrateRelated(ctx, tx, nested, row, nil)
			if err != nil {
				return nil, err
			}
			changes = append(changes, nestedChanges...)
		}
	}
	return changes, rows.Err()
}

// touchesTable reports whether this pipeline's AST reads from table,
// either as its primary table or via a related sub-query, per §4.2's
// "fed to every pipeline whose AST touches that table".
func (p *pipeline) touchesTable(table string) bool {
	if p.ast.Table == table {
		return true
	}
	return astTouchesTable(p.ast, table)
}

func astTouchesTable(ast queryast.AST, table string) bool {
	for _, r := range ast.Related {
		if r.AST.Table == table || astTouchesTable(r.AST, table) {
			return true
		}
	}
	return false
}

// matchesPrimary reports whether row satisfies the pipeline's primary
// predicate, by re-running the compiled predicate against a single row in
// Go rather than round-tripping to SQL (the advancement path evaluates
// many small deltas and avoids a query per change).
func (p *pipeline) matchesPrimary(row map[string]any) bool {
	return evalPredicates(p.ast.Where, row)
}

func scanRow(rows *sql.Rows, cols []string) (map[string]any, error) {
	values := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, err
	}
	row := make(map[string]any, len(cols))
	for i, c := range cols {
		row[c] = values[i]
	}
	return row, nil
}

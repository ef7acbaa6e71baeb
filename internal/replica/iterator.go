package replica

import (
	"database/sql"
	"encoding/json"
	"errors"
	"sync"
)

// ErrIteratorDiscarded is returned by Next if the iterator was explicitly
// Discard()ed; per §9's "Lazy sequences" design note, a discarded iterator
// must never be silently abandoned — the caller who discards it is
// responsible for triggering a pipeline reset.
var ErrIteratorDiscarded = errors.New("change log iterator discarded without being drained")

// ChangeLogIterator is a forward-only, non-restartable sequence over
// change_log rows, matching §9's "explicit iterator with no restart"
// design note. It does not own the snapshot; the Snapshotter does.
type ChangeLogIterator struct {
	rows      *sql.Rows
	mu        sync.Mutex
	exhausted bool
	discarded bool
}

// Next advances the iterator, returning (row, true, nil) while rows
// remain, (zero, false, nil) once exhausted, or (zero, false, err) on a
// scan/driver failure.
func (it *ChangeLogIterator) Next() (ChangeLogRow, bool, error) {
	it.mu.Lock()
	defer it.mu.Unlock()

	if it.discarded {
		return ChangeLogRow{}, false, ErrIteratorDiscarded
	}
	if it.exhausted {
		return ChangeLogRow{}, false, nil
	}
	if !it.rows.Next() {
		it.exhausted = true
		return ChangeLogRow{}, false, it.rows.Err()
	}

	var (
		version       int64
		table         string
		pkJSON        string
		op            string
		prevRowJSON   sql.NullString
		newRowJSON    sql.NullString
	)
	if err := it.rows.Scan(&version, &table, &pkJSON, &op, &prevRowJSON, &newRowJSON); err != nil {
		return ChangeLogRow{}, false, err
	}

	row := ChangeLogRow{Table: table, Op: Op(op)}
	if err := json.Unmarshal([]byte(pkJSON), &row.PK); err != nil {
		return ChangeLogRow{}, false, err
	}
	if prevRowJSON.Valid {
		if err := json.Unmarshal([]byte(prevRowJSON.String), &row.PrevRow); err != nil {
			return ChangeLogRow{}, false, err
		}
	}
	if newRowJSON.Valid {
		if err := json.Unmarshal([]byte(newRowJSON.String), &row.NewRow); err != nil {
			return ChangeLogRow{}, false, err
		}
	}

	return row, true, nil
}

// Discard marks the iterator as abandoned before full drain. Per §9, this
// must be treated by the driver as a pipeline reset trigger, never a
// silent stop — it does not itself perform the reset; it only prevents
// further reads and closes the underlying cursor.
func (it *ChangeLogIterator) Discard() error {
	it.mu.Lock()
	defer it.mu.Unlock()
	if it.discarded || it.exhausted {
		return nil
	}
	it.discarded = true
	return it.rows.Close()
}

// Drain reads every remaining row, invoking fn for each, stopping at the
// first error from fn or from the underlying iterator.
func (it *ChangeLogIterator) Drain(fn func(ChangeLogRow) error) error {
	for {
		row, ok, err := it.Next()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if err := fn(row); err != nil {
			return err
		}
	}
}

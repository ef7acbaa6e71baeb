// Package replica implements C1, the Snapshotter: read-only consistent
// snapshots of the replicated SQLite database and the ordered change-log
// sequence between two versions, per spec §4.1.
package replica

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

// Version is the monotonically increasing replica version recorded in the
// replication-state table.
type Version int64

// Op is the kind of change_log mutation.
type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// ChangeLogRow is one row yielded by the ordered, finite, non-restartable
// lazy sequence produced by Advance, per §4.1.
type ChangeLogRow struct {
	Table    string
	PK       map[string]any
	Op       Op
	PrevRow  map[string]any
	NewRow   map[string]any
}

// ReplicaUnavailable is returned by Current when the replica file is
// corrupt or its replication-state table is unreadable; the caller treats
// it as fatal to the instance, per §4.1.
type ReplicaUnavailable struct {
	Path string
	Err  error
}

func (e *ReplicaUnavailable) Error() string {
	return fmt.Sprintf("replica unavailable at %q: %v", e.Path, e.Err)
}

func (e *ReplicaUnavailable) Unwrap() error { return e.Err }

// Snapshot is an opaque handle to a read-only transaction against the
// replica at a known Version. Two snapshots opened at the same version are
// equivalent per §3; snapshots pin WAL pages, so callers must hold at most
// one open at a time and Close it promptly.
type Snapshot struct {
	tx      *sql.Tx
	version Version
	closed  bool
	mu      sync.Mutex
}

// Version reports the replica version this snapshot observes.
func (s *Snapshot) Version() Version { return s.version }

// Tx exposes the underlying read-only transaction for query execution by
// the pipeline driver.
func (s *Snapshot) Tx() *sql.Tx { return s.tx }

// Snapshotter opens and advances snapshots of a single read-only SQLite
// replica file, mirroring the connection-setup discipline the teacher
// applies to its own SQLite store (WAL mode, busy handling, path safety)
// but against a replica the service never writes to.
type Snapshotter struct {
	db   *sql.DB
	path string
	mu   sync.Mutex // serializes snapshot opening in Current; does not limit how many stay open
}

// Open validates path and opens a pooled read-only connection to the
// replica, per §4.1.
func Open(ctx context.Context, path string) (*Snapshotter, error) {
	if path == "" {
		return nil, &ReplicaUnavailable{Path: path, Err: errors.New("empty replica path")}
	}
	if _, err := os.Stat(path); err != nil {
		return nil, &ReplicaUnavailable{Path: path, Err: err}
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, &ReplicaUnavailable{Path: path, Err: err}
	}

	dsn := fmt.Sprintf("file:%s?mode=ro&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", abs)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, &ReplicaUnavailable{Path: path, Err: err}
	}
	db.SetMaxOpenConns(4)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, &ReplicaUnavailable{Path: path, Err: err}
	}

	return &Snapshotter{db: db, path: abs}, nil
}

// Close releases the snapshotter's connection pool. It does not close any
// outstanding Snapshot; callers must Close those explicitly first.
func (s *Snapshotter) Close() error {
	return s.db.Close()
}

// Current opens a fresh read-only transaction and records the max version
// observed in the replication-state table, per §4.1.
func (s *Snapshotter) Current(ctx context.Context) (*Snapshot, Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, &ReplicaUnavailable{Path: s.path, Err: err}
	}

	var maxVersion sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT max_version FROM "replication-state"`).Scan(&maxVersion); err != nil {
		tx.Rollback()
		return nil, 0, &ReplicaUnavailable{Path: s.path, Err: err}
	}

	version := Version(maxVersion.Int64)
	return &Snapshot{tx: tx, version: version}, version, nil
}

// AdvanceResult is the outcome of Advance: either a successor snapshot with
// an ordered change log, or SameVersion=true when the replica has not
// advanced since prev.
type AdvanceResult struct {
	SameVersion bool
	Snapshot    *Snapshot
	FromVersion Version
	ToVersion   Version
	Changes     *ChangeLogIterator
}

// Advance produces a successor snapshot if the replica has advanced past
// prev's version, along with the ordered change_log rows in
// (fromVersion, toVersion], per §4.1.
func (s *Snapshotter) Advance(ctx context.Context, prev *Snapshot) (AdvanceResult, error) {
	next, toVersion, err := s.Current(ctx)
	if err != nil {
		return AdvanceResult{}, err
	}

	fromVersion := prev.Version()
	if toVersion <= fromVersion {
		next.Close()
		return AdvanceResult{SameVersion: true, FromVersion: fromVersion, ToVersion: fromVersion}, nil
	}

	rows, err := next.tx.QueryContext(ctx,
		`SELECT version, "table", pk, op, prev_row, new_row FROM change_log
		 WHERE version > ? AND version <= ? ORDER BY version ASC`,
		int64(fromVersion), int64(toVersion))
	if err != nil {
		next.Close()
		return AdvanceResult{}, &ReplicaUnavailable{Path: s.path, Err: err}
	}

	return AdvanceResult{
		Snapshot:    next,
		FromVersion: fromVersion,
		ToVersion:   toVersion,
		Changes:     &ChangeLogIterator{rows: rows},
	}, nil
}

// Close releases the pinned pages held by a snapshot, per §4.1.
func Close(s *Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.tx.Rollback()
}

// Close is the method form of the package-level Close, for convenience.
func (s *Snapshot) Close() error { return Close(s) }

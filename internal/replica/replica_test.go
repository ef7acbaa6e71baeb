package replica

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestReplica(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "replica.db")

	db, err := sql.Open("sqlite", "file:"+path+"?mode=rwc")
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec(`
		CREATE TABLE "replication-state" (max_version INTEGER NOT NULL);
		INSERT INTO "replication-state" (max_version) VALUES (0);
		CREATE TABLE change_log (
			version INTEGER NOT NULL,
			"table" TEXT NOT NULL,
			pk TEXT NOT NULL,
			op TEXT NOT NULL,
			prev_row TEXT,
			new_row TEXT
		);
		CREATE TABLE issues (id TEXT PRIMARY KEY, title TEXT, owner TEXT);
	`)
	require.NoError(t, err)
	return path
}

func bumpVersion(t *testing.T, path string, version int64, table, pk, op, newRow string) {
	t.Helper()
	db, err := sql.Open("sqlite", "file:"+path+"?mode=rwc")
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec(`UPDATE "replication-state" SET max_version = ?`, version)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO change_log (version, "table", pk, op, new_row) VALUES (?, ?, ?, ?, ?)`,
		version, table, pk, op, newRow)
	require.NoError(t, err)
}

func TestSnapshotter_CurrentAndAdvance(t *testing.T) {
	path := newTestReplica(t)
	ctx := context.Background()

	snapper, err := Open(ctx, path)
	require.NoError(t, err)
	defer snapper.Close()

	snap1, v1, err := snapper.Current(ctx)
	require.NoError(t, err)
	require.Equal(t, Version(0), v1)
	defer snap1.Close()

	bumpVersion(t, path, 1, "issues", `{"id":"i1"}`, "insert", `{"id":"i1","title":"hello","owner":"u1"}`)

	result, err := snapper.Advance(ctx, snap1)
	require.NoError(t, err)
	require.False(t, result.SameVersion)
	require.Equal(t, Version(0), result.FromVersion)
	require.Equal(t, Version(1), result.ToVersion)
	defer result.Snapshot.Close()

	var rows []ChangeLogRow
	err = result.Changes.Drain(func(r ChangeLogRow) error {
		rows = append(rows, r)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, OpInsert, rows[0].Op)
	require.Equal(t, "i1", rows[0].PK["id"])
	require.Equal(t, "hello", rows[0].NewRow["title"])
}

func TestSnapshotter_SameVersionWhenUnchanged(t *testing.T) {
	path := newTestReplica(t)
	ctx := context.Background()

	snapper, err := Open(ctx, path)
	require.NoError(t, err)
	defer snapper.Close()

	snap, _, err := snapper.Current(ctx)
	require.NoError(t, err)
	defer snap.Close()

	result, err := snapper.Advance(ctx, snap)
	require.NoError(t, err)
	require.True(t, result.SameVersion)
}

func TestOpen_MissingFileIsReplicaUnavailable(t *testing.T) {
	_, err := Open(context.Background(), filepath.Join(os.TempDir(), "does-not-exist-xyz.db"))
	require.Error(t, err)
	var rerr *ReplicaUnavailable
	require.ErrorAs(t, err, &rerr)
}

func TestChangeLogIterator_DiscardPreventsFurtherReads(t *testing.T) {
	path := newTestReplica(t)
	ctx := context.Background()

	snapper, err := Open(ctx, path)
	require.NoError(t, err)
	defer snapper.Close()

	snap, _, err := snapper.Current(ctx)
	require.NoError(t, err)
	defer snap.Close()

	bumpVersion(t, path, 1, "issues", `{"id":"i1"}`, "insert", `{"id":"i1"}`)
	result, err := snapper.Advance(ctx, snap)
	require.NoError(t, err)
	defer result.Snapshot.Close()

	require.NoError(t, result.Changes.Discard())
	_, _, err = result.Changes.Next()
	require.ErrorIs(t, err, ErrIteratorDiscarded)
}

package ivm

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vitaliisemenov/syncengine/internal/queryast"
	"github.com/vitaliisemenov/syncengine/internal/replica"
)

// testReplica wraps a Snapshotter together with a writable handle onto the
// same file, standing in for the external replication process that is the
// only writer of a real replica.
type testReplica struct {
	snapper *replica.Snapshotter
	write   *sql.DB
	version int64
}

func newTestReplica(t *testing.T) *testReplica {
	t.Helper()
	path := filepath.Join(t.TempDir(), "replica.db")

	write, err := sql.Open("sqlite", "file:"+path+"?mode=rwc")
	require.NoError(t, err)
	_, err = write.Exec(`
		CREATE TABLE "replication-state" (max_version INTEGER NOT NULL);
		INSERT INTO "replication-state" (max_version) VALUES (0);
		CREATE TABLE change_log (
			version INTEGER NOT NULL, "table" TEXT NOT NULL, pk TEXT NOT NULL,
			op TEXT NOT NULL, prev_row TEXT, new_row TEXT
		);
		CREATE TABLE issues (id TEXT PRIMARY KEY, title TEXT, owner TEXT);
		CREATE TABLE users (id TEXT PRIMARY KEY, name TEXT);
	`)
	require.NoError(t, err)

	snapper, err := replica.Open(context.Background(), path)
	require.NoError(t, err)

	return &testReplica{snapper: snapper, write: write}
}

func (r *testReplica) close() {
	r.snapper.Close()
	r.write.Close()
}

// writeIssue inserts or replaces an issues row and records the matching
// change_log entry, bumping max_version, mirroring what the upstream
// replication process does to a real replica file.
func (r *testReplica) writeIssue(t *testing.T, id, title, owner string) {
	t.Helper()
	r.version++
	_, err := r.write.Exec(`INSERT OR REPLACE INTO issues (id, title, owner) VALUES (?, ?, ?)`, id, title, owner)
	require.NoError(t, err)
	_, err = r.write.Exec(
		`INSERT INTO change_log (version, "table", pk, op, new_row) VALUES (?, 'issues', ?, 'insert', ?)`,
		r.version, fmt.Sprintf(`{"id":%q}`, id), fmt.Sprintf(`{"id":%q,"title":%q,"owner":%q}`, id, title, owner))
	require.NoError(t, err)
	_, err = r.write.Exec(`UPDATE "replication-state" SET max_version = ?`, r.version)
	require.NoError(t, err)
}

// writeUser inserts or replaces a users row and records the matching
// change_log entry, mirroring writeIssue.
func (r *testReplica) writeUser(t *testing.T, id, name string) {
	t.Helper()
	r.version++
	_, err := r.write.Exec(`INSERT OR REPLACE INTO users (id, name) VALUES (?, ?)`, id, name)
	require.NoError(t, err)
	_, err = r.write.Exec(
		`INSERT INTO change_log (version, "table", pk, op, new_row) VALUES (?, 'users', ?, 'insert', ?)`,
		r.version, fmt.Sprintf(`{"id":%q}`, id), fmt.Sprintf(`{"id":%q,"name":%q}`, id, name))
	require.NoError(t, err)
	_, err = r.write.Exec(`UPDATE "replication-state" SET max_version = ?`, r.version)
	require.NoError(t, err)
}

func TestDriver_AddQueryHydratesAndSharesPipeline(t *testing.T) {
	tr := newTestReplica(t)
	defer tr.close()
	ctx := context.Background()

	tr.writeIssue(t, "i1", "hello", "u1")

	snap, _, err := tr.snapper.Current(ctx)
	require.NoError(t, err)
	defer snap.Close()

	driver, err := NewDriver(DefaultConfig())
	require.NoError(t, err)
	require.NoError(t, driver.Init(snap))

	ast := queryast.AST{Table: "issues"}
	changes1, err := driver.AddQuery(ctx, "tx1", "q1", ast, NewWallClockTimer())
	require.NoError(t, err)
	require.Len(t, changes1, 1)

	changes2, err := driver.AddQuery(ctx, "tx1", "q2", ast, NewWallClockTimer())
	require.NoError(t, err)
	require.Empty(t, changes2, "second queryID sharing a transformationHash gets no changes")

	require.Len(t, driver.ActiveTransformationHashes(), 1)

	driver.RemoveQuery("q1")
	require.Len(t, driver.ActiveTransformationHashes(), 1, "pipeline survives while q2 still references it")

	driver.RemoveQuery("q2")
	require.Empty(t, driver.ActiveTransformationHashes(), "pipeline torn down once last queryID removed")
}

func TestDriver_AdvancePropagatesInsertsAndUpdates(t *testing.T) {
	tr := newTestReplica(t)
	defer tr.close()
	ctx := context.Background()

	snap, _, err := tr.snapper.Current(ctx)
	require.NoError(t, err)

	driver, err := NewDriver(DefaultConfig())
	require.NoError(t, err)
	require.NoError(t, driver.Init(snap))

	ast := queryast.AST{Table: "issues"}
	_, err = driver.AddQuery(ctx, "tx1", "q1", ast, NewWallClockTimer())
	require.NoError(t, err)

	tr.writeIssue(t, "i1", "hello", "u1")
	out, err := driver.Advance(ctx, tr.snapper, NewWallClockTimer())
	require.NoError(t, err)
	require.Len(t, out.Changes, 1)
	require.Equal(t, RowPut, out.Changes[0].Op)

	tr.writeIssue(t, "i1", "hello again", "u1")
	out, err = driver.Advance(ctx, tr.snapper, NewWallClockTimer())
	require.NoError(t, err)
	require.Len(t, out.Changes, 1)
	require.Equal(t, RowPut, out.Changes[0].Op, "an update to an already-matching row re-puts it")
}

// TestDriver_JoinedTableWriteFansOutToDependentPipeline reproduces §4.2's
// headline join example: a pipeline over issues with a related
// sub-query joining users by owner must fan out a write landing directly
// on users, not just issues, and must ignore a users write that
// correlates to no row currently in the pipeline's result set.
func TestDriver_JoinedTableWriteFansOutToDependentPipeline(t *testing.T) {
	tr := newTestReplica(t)
	defer tr.close()
	ctx := context.Background()

	tr.writeIssue(t, "i1", "hello", "u1")
	tr.writeUser(t, "u1", "Ada")

	snap, _, err := tr.snapper.Current(ctx)
	require.NoError(t, err)

	driver, err := NewDriver(DefaultConfig())
	require.NoError(t, err)
	require.NoError(t, driver.Init(snap))

	ast := queryast.AST{
		Table: "issues",
		Related: []queryast.RelatedQuery{{
			Alias:       "owner",
			Correlation: queryast.Correlation{ParentColumns: []string{"owner"}, ChildColumns: []string{"id"}},
			AST:         queryast.AST{Table: "users"},
		}},
	}
	changes, err := driver.AddQuery(ctx, "tx1", "q1", ast, NewWallClockTimer())
	require.NoError(t, err)
	require.Len(t, changes, 2, "issue row plus its joined owner row")

	tr.writeUser(t, "u1", "Ada Lovelace")
	out, err := driver.Advance(ctx, tr.snapper, NewWallClockTimer())
	require.NoError(t, err)
	require.Len(t, out.Changes, 1, "a write to the joined users table, not issues, must still fan out")
	require.Equal(t, RowPut, out.Changes[0].Op)
	require.Equal(t, "users", out.Changes[0].Table)
	require.Equal(t, "Ada Lovelace", out.Changes[0].Row["name"])

	tr.writeUser(t, "u2", "Grace")
	out, err = driver.Advance(ctx, tr.snapper, NewWallClockTimer())
	require.NoError(t, err)
	require.Empty(t, out.Changes, "a users row correlating to no live parent row must not fan out")
}

// TestDriver_RunawayPushRaisesResetSignal reproduces scenario S1: once the
// observed slowest hydration derives a budget, an advance whose timer
// reports elapsed time beyond that budget must raise ResetPipelinesSignal
// carrying the hydration-derived limit in its message.
func TestDriver_RunawayPushRaisesResetSignal(t *testing.T) {
	tr := newTestReplica(t)
	defer tr.close()
	ctx := context.Background()

	snap, _, err := tr.snapper.Current(ctx)
	require.NoError(t, err)

	driver, err := NewDriver(DefaultConfig())
	require.NoError(t, err)
	require.NoError(t, driver.Init(snap))

	ast := queryast.AST{Table: "issues"}
	_, err = driver.AddQuery(ctx, "tx1", "q1", ast, NewWallClockTimer())
	require.NoError(t, err)

	// Force the calibration point from the spec's scenario directly,
	// rather than sleeping a real hydration to 1000ms.
	driver.slowestHydration = 1000 * time.Millisecond
	driver.hydrationBudget = 500 * time.Millisecond

	tr.writeIssue(t, "i1", "hello", "u1")

	_, err = driver.Advance(ctx, tr.snapper, &FakeTimer{Elapsed: 501 * time.Millisecond})
	require.Error(t, err)

	var sig *ResetPipelinesSignal
	require.ErrorAs(t, err, &sig)
	require.Equal(t, int64(501), sig.ElapsedMs)
	require.Equal(t, int64(1000), sig.HydrationMs)
	require.Equal(t, 1, sig.TotalChanges)
}

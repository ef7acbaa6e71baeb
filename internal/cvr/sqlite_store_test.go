package cvr

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vitaliisemenov/syncengine/internal/cvr/ttl"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	ctx := t.Context()
	path := filepath.Join(t.TempDir(), "cvr.db")
	store, err := NewSQLiteStore(ctx, path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteStore_LoadNeverPersistedReturnsFreshCVR(t *testing.T) {
	store := newTestStore(t)
	ctx := t.Context()

	cvr, err := store.Load(ctx, "group-1")
	require.NoError(t, err)
	require.Equal(t, "group-1", cvr.ClientGroupID)
	require.Equal(t, Version{}, cvr.Version)
	require.Empty(t, cvr.Clients)
	require.Empty(t, cvr.Queries)
	require.Empty(t, cvr.Rows)
}

func TestSQLiteStore_CommitAndReloadRoundTrips(t *testing.T) {
	store := newTestStore(t)
	ctx := t.Context()

	snapshot, err := store.Load(ctx, "group-1")
	require.NoError(t, err)

	updater := NewUpdater(store, snapshot)
	updater.SetDesiredQueries("client-a", []string{"q1"}, nil)
	updater.EnsureQuery("q1", "th-1")
	updater.AddRow("q1", "issues", map[string]any{"id": "123"}, 1, []string{"id", "title"})
	updater.AdvanceVersion(true)

	committed, err := updater.Flush(ctx)
	require.NoError(t, err)
	require.Equal(t, Version{Major: 1, Minor: 0}, committed.Version)

	reloaded, err := store.Load(ctx, "group-1")
	require.NoError(t, err)
	require.Equal(t, Version{Major: 1, Minor: 0}, reloaded.Version)
	require.True(t, reloaded.Clients["client-a"].DesiredQueries["q1"])
	require.Equal(t, "th-1", reloaded.Queries["q1"].TransformationHash)

	key := RowKey{Table: "issues", PK: CanonicalPK(map[string]any{"id": "123"})}
	row, ok := reloaded.Rows[key]
	require.True(t, ok)
	require.Equal(t, 1, row.RefCountsByQuery["q1"])
	require.True(t, row.ColumnsPresent["title"])
}

func TestSQLiteStore_CommitConflictWhenVersionMoved(t *testing.T) {
	store := newTestStore(t)
	ctx := t.Context()

	snapshot, err := store.Load(ctx, "group-1")
	require.NoError(t, err)

	firstUpdater := NewUpdater(store, snapshot)
	firstUpdater.AdvanceVersion(true)
	_, err = firstUpdater.Flush(ctx)
	require.NoError(t, err)

	staleUpdater := NewUpdater(store, snapshot)
	staleUpdater.AdvanceVersion(true)
	_, err = staleUpdater.Flush(ctx)

	var conflict *CVRConflict
	require.ErrorAs(t, err, &conflict)
	require.Equal(t, "group-1", conflict.ClientGroupID)
	require.Equal(t, Version{}, conflict.Expected)
	require.Equal(t, Version{Major: 1, Minor: 0}, conflict.Actual)
}

func TestSQLiteStore_InspectQueriesJoinsDesiredSetAndTTL(t *testing.T) {
	store := newTestStore(t)
	ctx := t.Context()

	snapshot, err := store.Load(ctx, "group-1")
	require.NoError(t, err)

	updater := NewUpdater(store, snapshot)
	updater.SetDesiredQueries("client-a", []string{"q1"}, nil)
	updater.EnsureQuery("q1", "th-1")
	updater.EnsureQuery("q2", "th-2")
	updater.AdvanceVersion(true)
	_, err = updater.Flush(ctx)
	require.NoError(t, err)

	clock := ttl.NewMemoryClock()
	require.NoError(t, clock.Touch(ctx, "q1", 5000))

	rows, err := store.InspectQueries(ctx, clock, "group-1", "client-a")
	require.NoError(t, err)
	require.Len(t, rows, 2)

	byHash := map[string]QueryRow{}
	for _, r := range rows {
		byHash[r.QueryHash] = r
	}
	require.True(t, byHash["q1"].DesiredByClient)
	require.False(t, byHash["q2"].DesiredByClient)
	require.NotNil(t, byHash["q1"].TTLExpiresAt)
	require.Equal(t, int64(5000), byHash["q1"].TTLExpiresAt.Unix())
	require.Nil(t, byHash["q2"].TTLExpiresAt)
}

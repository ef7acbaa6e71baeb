package pgstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/vitaliisemenov/syncengine/internal/cvr"
	"github.com/vitaliisemenov/syncengine/internal/cvr/ttl"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:15-alpine",
		tcpostgres.WithDatabase("cvr_test"),
		tcpostgres.WithUsername("cvr_test"),
		tcpostgres.WithPassword("cvr_test"),
		tcpostgres.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, container.Terminate(ctx))
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	store, err := Open(ctx, dsn, 0, 0, nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStore_LoadNeverPersistedReturnsFreshCVR(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	out, err := store.Load(ctx, "group-1")
	require.NoError(t, err)
	require.Equal(t, "group-1", out.ClientGroupID)
	require.Equal(t, cvr.Version{}, out.Version)
	require.Empty(t, out.Clients)
	require.Empty(t, out.Queries)
	require.Empty(t, out.Rows)
}

func TestStore_CommitAndReloadRoundTrips(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	snapshot, err := store.Load(ctx, "group-1")
	require.NoError(t, err)

	updater := cvr.NewUpdater(store, snapshot)
	updater.SetDesiredQueries("client-a", []string{"q1"}, nil)
	updater.EnsureQuery("q1", "th-1")
	updater.AddRow("q1", "issues", map[string]any{"id": "123"}, 1, []string{"id", "title"})
	updater.AdvanceVersion(true)

	committed, err := updater.Flush(ctx)
	require.NoError(t, err)
	require.Equal(t, cvr.Version{Major: 1, Minor: 0}, committed.Version)

	reloaded, err := store.Load(ctx, "group-1")
	require.NoError(t, err)
	require.Equal(t, cvr.Version{Major: 1, Minor: 0}, reloaded.Version)
	require.True(t, reloaded.Clients["client-a"].DesiredQueries["q1"])
	require.Equal(t, "th-1", reloaded.Queries["q1"].TransformationHash)

	key := cvr.RowKey{Table: "issues", PK: cvr.CanonicalPK(map[string]any{"id": "123"})}
	row, ok := reloaded.Rows[key]
	require.True(t, ok)
	require.Equal(t, 1, row.RefCountsByQuery["q1"])
	require.True(t, row.ColumnsPresent["title"])
}

func TestStore_CommitConflictWhenVersionMoved(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	snapshot, err := store.Load(ctx, "group-1")
	require.NoError(t, err)

	firstUpdater := cvr.NewUpdater(store, snapshot)
	firstUpdater.AdvanceVersion(true)
	_, err = firstUpdater.Flush(ctx)
	require.NoError(t, err)

	staleUpdater := cvr.NewUpdater(store, snapshot)
	staleUpdater.AdvanceVersion(true)
	_, err = staleUpdater.Flush(ctx)

	var conflict *cvr.CVRConflict
	require.ErrorAs(t, err, &conflict)
	require.Equal(t, "group-1", conflict.ClientGroupID)
	require.Equal(t, cvr.Version{}, conflict.Expected)
	require.Equal(t, cvr.Version{Major: 1, Minor: 0}, conflict.Actual)
}

func TestStore_InspectQueriesJoinsDesiredSetAndTTL(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	snapshot, err := store.Load(ctx, "group-1")
	require.NoError(t, err)

	updater := cvr.NewUpdater(store, snapshot)
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

	byHash := map[string]cvr.QueryRow{}
	for _, r := range rows {
		byHash[r.QueryHash] = r
	}
	require.True(t, byHash["q1"].DesiredByClient)
	require.False(t, byHash["q2"].DesiredByClient)
	require.NotNil(t, byHash["q1"].TTLExpiresAt)
	require.Equal(t, int64(5000), byHash["q1"].TTLExpiresAt.Unix())
	require.Nil(t, byHash["q2"].TTLExpiresAt)
}

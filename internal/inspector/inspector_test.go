package inspector

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vitaliisemenov/syncengine/internal/adminauth"
	"github.com/vitaliisemenov/syncengine/internal/cvr"
	"github.com/vitaliisemenov/syncengine/internal/cvr/ttl"
	internalmetrics "github.com/vitaliisemenov/syncengine/internal/metrics"
	"github.com/vitaliisemenov/syncengine/internal/queryast"
	"github.com/vitaliisemenov/syncengine/internal/transformer"
	"github.com/vitaliisemenov/syncengine/internal/viewsyncer"

	_ "modernc.org/sqlite"
)

// fakeStore is a minimal cvr.Store stub exercising only InspectQueries,
// the only method the Inspector calls.
type fakeStore struct {
	rows []cvr.QueryRow
}

func (f *fakeStore) Load(context.Context, string) (*cvr.CVR, error) { return cvr.NewCVR("g1"), nil }
func (f *fakeStore) CommitUpdater(_ context.Context, _, pending *cvr.CVR) (*cvr.CVR, error) {
	return pending, nil
}
func (f *fakeStore) InspectQueries(context.Context, ttl.Clock, string, string) ([]cvr.QueryRow, error) {
	return f.rows, nil
}
func (f *fakeStore) Close() error { return nil }

// adminPolicy mirrors scenarios S3/S4: a single predicate on the synthetic
// "admin" column whose value must equal the caller's authData.role.
func adminPolicy() transformer.Policy {
	return transformer.Policy{
		"issues": {
			{
				Op:      queryast.OpEqual,
				Column:  "admin",
				Operand: &queryast.Literal{IsAuthPlaceholder: true, AuthField: "role"},
			},
		},
	}
}

func newTestInspector(t *testing.T, devMode bool) (*Inspector, *adminauth.MemorySet) {
	t.Helper()
	admin := adminauth.NewMemorySet()
	insp := New(Config{
		Store:        &fakeStore{},
		Clock:        ttl.NewMemoryClock(),
		Coordinators: viewsyncer.NewRegistry(),
		Admin:        admin,
		QueryMetrics: internalmetrics.NewQueryMetrics(fmt.Sprintf("test_inspector_%s", t.Name())),
		Policy:       adminPolicy(),
		Password:     "s3cret",
		DevMode:      devMode,
		Version:      "v-test-1",
		ReplicaPath:  newReplicaFile(t),
	})
	return insp, admin
}

// newReplicaFile creates a minimal replica file with the schema analyze-
// query's throwaway snapshot needs.
func newReplicaFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "replica.db")
	db, err := sql.Open("sqlite", "file:"+path+"?mode=rwc")
	require.NoError(t, err)
	defer db.Close()
	_, err = db.Exec(`
		CREATE TABLE "replication-state" (max_version INTEGER NOT NULL);
		INSERT INTO "replication-state" (max_version) VALUES (1);
		CREATE TABLE change_log (
			version INTEGER NOT NULL, "table" TEXT NOT NULL, pk TEXT NOT NULL,
			op TEXT NOT NULL, prev_row TEXT, new_row TEXT
		);
		CREATE TABLE issues (id TEXT PRIMARY KEY, title TEXT, owner TEXT);
		INSERT INTO issues (id, title, owner) VALUES ('i1', 'hello', 'u1');
		INSERT INTO change_log (version, "table", pk, op, new_row)
			VALUES (1, 'issues', '{"id":"i1"}', 'insert', '{"id":"i1","title":"hello","owner":"u1"}');
	`)
	require.NoError(t, err)
	return path
}

func TestInspector_VersionRejectedWithoutAuthentication(t *testing.T) {
	// Scenario S5: inspect.version with no prior authenticate.
	insp, _ := newTestInspector(t, false)
	ctx := context.Background()

	resp, err := insp.Version(ctx, "group-1", "req-1")
	require.NoError(t, err)
	require.Equal(t, "authenticated", resp.Op)
	require.Equal(t, "req-1", resp.ID)
	require.Equal(t, false, resp.Value)
}

func TestInspector_AuthenticateThenVersionSucceeds(t *testing.T) {
	insp, _ := newTestInspector(t, false)
	ctx := context.Background()

	ok, err := insp.Authenticate(ctx, "group-1", "s3cret")
	require.NoError(t, err)
	require.True(t, ok)

	resp, err := insp.Version(ctx, "group-1", "req-2")
	require.NoError(t, err)
	require.Equal(t, "version", resp.Op)
	require.Equal(t, "v-test-1", resp.Value)
}

func TestInspector_WrongPasswordDoesNotAuthenticate(t *testing.T) {
	insp, admin := newTestInspector(t, false)
	ctx := context.Background()

	ok, err := insp.Authenticate(ctx, "group-1", "wrong")
	require.NoError(t, err)
	require.False(t, ok)

	present, err := admin.Contains(ctx, "group-1")
	require.NoError(t, err)
	require.False(t, present)
}

func TestInspector_DevModeBypassesAuthentication(t *testing.T) {
	insp, _ := newTestInspector(t, true)
	ctx := context.Background()

	resp, err := insp.Version(ctx, "group-1", "req-3")
	require.NoError(t, err)
	require.Equal(t, "version", resp.Op)
}

func TestInspector_AnalyzeQuery_NoAuthDataRewritesToNull(t *testing.T) {
	// Scenario S3.
	insp, _ := newTestInspector(t, true)
	ctx := context.Background()

	ast := queryast.AST{Table: "issues"}
	resp, err := insp.AnalyzeQuery(ctx, "group-1", "req-4", AnalyzeQueryRequest{AST: &ast})
	require.NoError(t, err)
	result := resp.Value.(AnalyzeQueryResult)

	require.Contains(t, result.AfterPermissions, `.where(null, "admin")`)
	require.Contains(t, result.Warnings, "No auth data provided. Permission rules will compare to NULL wherever an auth data field is referenced.")
}

func TestInspector_AnalyzeQuery_WithAuthDataRewritesToValue(t *testing.T) {
	// Scenario S4.
	insp, _ := newTestInspector(t, true)
	ctx := context.Background()

	ast := queryast.AST{Table: "issues"}
	req := AnalyzeQueryRequest{AST: &ast, AuthData: transformer.AuthData{"role": "admin"}}
	resp, err := insp.AnalyzeQuery(ctx, "group-1", "req-5", req)
	require.NoError(t, err)
	result := resp.Value.(AnalyzeQueryResult)

	require.Contains(t, result.AfterPermissions, `.where("admin", "admin")`)
	require.Empty(t, result.Warnings)
}

func TestInspector_AnalyzeQuery_WithoutPolicyHydratesRealRows(t *testing.T) {
	insp, _ := newTestInspector(t, true)
	insp.cfg.Policy = nil
	ctx := context.Background()

	ast := queryast.AST{Table: "issues"}
	resp, err := insp.AnalyzeQuery(ctx, "group-1", "req-9", AnalyzeQueryRequest{AST: &ast})
	require.NoError(t, err)
	result := resp.Value.(AnalyzeQueryResult)
	require.Equal(t, 1, result.RowCount)
}

func TestInspector_AnalyzeQuery_RejectedWithoutAuthentication(t *testing.T) {
	insp, _ := newTestInspector(t, false)
	ctx := context.Background()

	ast := queryast.AST{Table: "issues"}
	resp, err := insp.AnalyzeQuery(ctx, "group-1", "req-6", AnalyzeQueryRequest{AST: &ast})
	require.NoError(t, err)
	require.Equal(t, "authenticated", resp.Op)
	require.Equal(t, false, resp.Value)
}

func TestInspector_Queries_JoinsCVRRowsWithoutRunningPipeline(t *testing.T) {
	insp, _ := newTestInspector(t, true)
	insp.cfg.Store = &fakeStore{rows: []cvr.QueryRow{
		{QueryHash: "q1", TransformationHash: "t1", Gotten: true, InternalRefCount: 2, DesiredByClient: true},
	}}
	ctx := context.Background()

	resp, err := insp.Queries(ctx, "group-1", "", "req-7")
	require.NoError(t, err)
	infos := resp.Value.([]QueryInfo)
	require.Len(t, infos, 1)
	require.Equal(t, "q1", infos[0].QueryHash)
	require.Nil(t, infos[0].TransformedAST, "no coordinator registered for this client-group")
}

func TestInspector_Metrics_ReportsGlobalSummaries(t *testing.T) {
	insp, _ := newTestInspector(t, true)
	ctx := context.Background()

	insp.cfg.QueryMetrics.ObserveMaterialization("q1", 0.01)
	insp.cfg.QueryMetrics.ObserveUpdate("q1", 0.002)

	resp, err := insp.Metrics(ctx, "group-1", "req-8")
	require.NoError(t, err)
	value := resp.Value.(GlobalMetrics)
	require.Equal(t, uint64(1), value.QueryMaterializationServer.Count)
	require.Equal(t, uint64(1), value.QueryUpdateServer.Count)
}

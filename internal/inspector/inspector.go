// Package inspector implements C6, the Inspector: a stateless read-mostly
// diagnostic adapter in front of the Pipeline Driver and View Syncer,
// reachable via inspect messages on the sync transport and via the HTTP
// fallback route that internal/api registers, per spec §4.6.
package inspector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/vitaliisemenov/syncengine/internal/adminauth"
	"github.com/vitaliisemenov/syncengine/internal/cvr"
	"github.com/vitaliisemenov/syncengine/internal/cvr/ttl"
	internalmetrics "github.com/vitaliisemenov/syncengine/internal/metrics"
	"github.com/vitaliisemenov/syncengine/internal/ivm"
	"github.com/vitaliisemenov/syncengine/internal/queryast"
	"github.com/vitaliisemenov/syncengine/internal/replica"
	"github.com/vitaliisemenov/syncengine/internal/transformer"
	"github.com/vitaliisemenov/syncengine/internal/viewsyncer"
)

// authenticatedOp is the literal op name every rejection response carries,
// regardless of the op actually requested, per scenario S5.
const authenticatedOp = "authenticated"

// Config wires an Inspector to the live components it reports on.
type Config struct {
	Store        cvr.Store
	Clock        ttl.Clock
	Coordinators *viewsyncer.Registry
	Admin        adminauth.Set
	QueryMetrics *internalmetrics.QueryMetrics
	Transformer  *transformer.Transformer
	Policy       transformer.Policy
	UserQueryURL string

	Password string
	DevMode  bool
	Version  string

	// ReplicaPath is opened fresh, independent of any coordinator's own
	// snapshotter, for every analyze-query call.
	ReplicaPath string

	Logger *slog.Logger
}

// Inspector serves the authenticate/version/metrics/queries/analyze-query
// ops. It holds no mutable state of its own beyond what Config.Admin
// tracks; every op reads through to the components in Config.
type Inspector struct {
	cfg Config
	log *slog.Logger
}

// New constructs an Inspector from cfg.
func New(cfg Config) *Inspector {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Inspector{cfg: cfg, log: log}
}

// Authenticate compares password against the configured admin password and,
// on success, marks clientGroupID authenticated for the lifetime of this
// process. Development mode always succeeds without comparing, per §4.6.
func (i *Inspector) Authenticate(ctx context.Context, clientGroupID, password string) (bool, error) {
	if i.cfg.DevMode || (password != "" && password == i.cfg.Password) {
		if err := i.cfg.Admin.Add(ctx, clientGroupID); err != nil {
			return false, fmt.Errorf("inspector: mark %q authenticated: %w", clientGroupID, err)
		}
		return true, nil
	}
	return false, nil
}

// authorized reports whether clientGroupID may call any op besides
// authenticate.
func (i *Inspector) authorized(ctx context.Context, clientGroupID string) (bool, error) {
	if i.cfg.DevMode {
		return true, nil
	}
	return i.cfg.Admin.Contains(ctx, clientGroupID)
}

// rejected builds the fixed rejection response every gated op returns when
// clientGroupID has not completed authenticate, per scenario S5.
func rejected(id string) *InspectResponse {
	return &InspectResponse{Op: authenticatedOp, ID: id, Value: false}
}

// InspectResponse is the Inspector's op-agnostic reply shape: Op mirrors
// the request unless the request was rejected for lack of authentication,
// in which case Op is always "authenticated" and Value is false.
type InspectResponse struct {
	Op    string
	ID    string
	Value any
}

// Version returns the server build version, gated by prior authenticate.
func (i *Inspector) Version(ctx context.Context, clientGroupID, id string) (*InspectResponse, error) {
	ok, err := i.authorized(ctx, clientGroupID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return rejected(id), nil
	}
	return &InspectResponse{Op: "version", ID: id, Value: i.cfg.Version}, nil
}

// GlobalMetrics is the payload of the metrics op: the two global
// t-digest-approximating summaries, per §4.6.
type GlobalMetrics struct {
	QueryMaterializationServer MetricSummary `json:"query-materialization-server"`
	QueryUpdateServer          MetricSummary `json:"query-update-server"`
}

// MetricSummary is a snapshot of one summary metric's quantiles.
type MetricSummary struct {
	Count       uint64             `json:"count"`
	SumSeconds  float64            `json:"sumSeconds"`
	Quantiles   map[string]float64 `json:"quantiles"`
}

// Metrics returns the global query-materialization-server and
// query-update-server summaries, gated by prior authenticate.
func (i *Inspector) Metrics(ctx context.Context, clientGroupID, id string) (*InspectResponse, error) {
	ok, err := i.authorized(ctx, clientGroupID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return rejected(id), nil
	}
	value := GlobalMetrics{
		QueryMaterializationServer: summarizeVec(i.cfg.QueryMetrics.MaterializationServer),
		QueryUpdateServer:          summarizeVec(i.cfg.QueryMetrics.UpdateServer),
	}
	return &InspectResponse{Op: "metrics", ID: id, Value: value}, nil
}

// QueryInfo is one row of the queries op's result, per §4.6: a CVR query
// entry joined with its per-query metrics and, when a pipeline is
// currently running for it, the transformed AST it was hydrated from.
type QueryInfo struct {
	QueryHash          string         `json:"queryHash"`
	TransformationHash string         `json:"transformationHash"`
	Gotten             bool           `json:"gotten"`
	InternalRefCount   int            `json:"internalRefCount"`
	TTLExpiresAtUnix   *int64         `json:"ttlExpiresAtUnix,omitempty"`
	DesiredByClient    bool           `json:"desiredByClient"`
	MaterializationServer *MetricSummary `json:"materializationServer,omitempty"`
	UpdateServer          *MetricSummary `json:"updateServer,omitempty"`
	TransformedAST        *queryast.AST  `json:"transformedAST,omitempty"`
}

// Queries returns, for each query present in the CVR for clientGroupID, a
// QueryInfo joined with per-query server metrics and the transformed AST
// when a pipeline is running for it, per §4.6. clientID narrows the result
// to that client's desired set when non-empty.
func (i *Inspector) Queries(ctx context.Context, clientGroupID, clientID, id string) (*InspectResponse, error) {
	ok, err := i.authorized(ctx, clientGroupID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return rejected(id), nil
	}

	rows, err := i.cfg.Store.InspectQueries(ctx, i.cfg.Clock, clientGroupID, clientID)
	if err != nil {
		return nil, fmt.Errorf("inspector: inspect queries: %w", err)
	}

	coord, running := i.cfg.Coordinators.Get(clientGroupID)

	infos := make([]QueryInfo, 0, len(rows))
	for _, r := range rows {
		info := QueryInfo{
			QueryHash:          r.QueryHash,
			TransformationHash: r.TransformationHash,
			Gotten:             r.Gotten,
			InternalRefCount:   r.InternalRefCount,
			DesiredByClient:    r.DesiredByClient,
		}
		if r.TTLExpiresAt != nil {
			unix := r.TTLExpiresAt.Unix()
			info.TTLExpiresAtUnix = &unix
		}
		if i.cfg.QueryMetrics != nil {
			m := summarizeVec(i.cfg.QueryMetrics.MaterializationServer, r.QueryHash)
			u := summarizeVec(i.cfg.QueryMetrics.UpdateServer, r.QueryHash)
			info.MaterializationServer = &m
			info.UpdateServer = &u
		}
		if running {
			if aq, ok := coord.ActiveQuery(r.QueryHash); ok {
				ast := aq.AST
				info.TransformedAST = &ast
			}
		}
		infos = append(infos, info)
	}

	return &InspectResponse{Op: "queries", ID: id, Value: infos}, nil
}

// AnalyzeQueryRequest is the options accepted alongside an astOrName+args
// target, per §4.6.
type AnalyzeQueryRequest struct {
	AST  *queryast.AST
	Name string
	Args map[string]any

	AuthData transformer.AuthData

	SyncedRows bool
	VendedRows bool
	JoinPlans  bool
}

// AnalyzeQueryResult is the payload of the analyze-query op.
type AnalyzeQueryResult struct {
	RowCount         int               `json:"rowCount"`
	ElapsedMS        int64             `json:"elapsedMs"`
	Warnings         []string          `json:"warnings"`
	AfterPermissions string            `json:"afterPermissions"`
	SyncedRows       []map[string]any  `json:"syncedRows,omitempty"`
	VendedRows       []map[string]any  `json:"vendedRows,omitempty"`
	JoinPlans        []JoinPlanStep    `json:"joinPlans,omitempty"`
}

// JoinPlanStep describes one related-query join analyze-query exercised,
// when options.joinPlans is requested.
type JoinPlanStep struct {
	Alias    string `json:"alias"`
	Table    string `json:"table"`
	RowCount int    `json:"rowCount"`
}

// errAnalyzeQueryNoTarget is returned when neither an inline AST nor a
// name+args pair is supplied.
var errAnalyzeQueryNoTarget = errors.New("inspector: analyze-query requires either an AST or a name+args pair")

// AnalyzeQuery runs req's query against a throwaway snapshot and a
// throwaway pipeline driver instance, collecting statistics without
// mutating any live CVR or pipeline, per §4.6's invariant. For a
// name+args target it resolves the AST via the Query Transformer first;
// permissions are loaded and the rewrite applied eagerly, before
// materialization, resolving the Open Question in favor of that contract.
func (i *Inspector) AnalyzeQuery(ctx context.Context, clientGroupID, id string, req AnalyzeQueryRequest) (*InspectResponse, error) {
	ok, err := i.authorized(ctx, clientGroupID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return rejected(id), nil
	}

	ast, err := i.resolveTarget(ctx, req)
	if err != nil {
		return nil, err
	}

	rewritten, warnings := transformer.ApplyPermissions(ast, i.cfg.Policy, req.AuthData)
	afterPermissions := SerializePermissionAST(rewritten)

	start := time.Now()

	snapshotter, err := replica.Open(ctx, i.cfg.ReplicaPath)
	if err != nil {
		return nil, fmt.Errorf("inspector: open throwaway snapshot: %w", err)
	}
	defer snapshotter.Close()

	snap, _, err := snapshotter.Current(ctx)
	if err != nil {
		return nil, fmt.Errorf("inspector: read throwaway snapshot: %w", err)
	}
	defer snap.Close()

	driver, err := ivm.NewDriver(ivm.DefaultConfig())
	if err != nil {
		return nil, fmt.Errorf("inspector: create throwaway driver: %w", err)
	}
	if err := driver.Init(snap); err != nil {
		return nil, fmt.Errorf("inspector: init throwaway driver: %w", err)
	}

	transformationHash := queryast.Fingerprint(rewritten)
	changes, err := driver.AddQuery(ctx, transformationHash, "analyze-"+id, rewritten, ivm.NewWallClockTimer())
	if err != nil {
		return nil, fmt.Errorf("inspector: analyze-query hydrate: %w", err)
	}

	elapsed := time.Since(start)

	result := AnalyzeQueryResult{
		RowCount:         len(changes),
		ElapsedMS:        elapsed.Milliseconds(),
		Warnings:         warnings,
		AfterPermissions: afterPermissions,
	}
	if req.SyncedRows || req.VendedRows {
		rows := rowsOf(changes)
		if req.SyncedRows {
			result.SyncedRows = rows
		}
		if req.VendedRows {
			result.VendedRows = rows
		}
	}
	if req.JoinPlans {
		result.JoinPlans = joinPlansOf(rewritten, changes)
	}

	return &InspectResponse{Op: "analyze-query", ID: id, Value: result}, nil
}

// resolveTarget returns req's AST, resolving a name+args pair via the
// Query Transformer when no inline AST is supplied.
func (i *Inspector) resolveTarget(ctx context.Context, req AnalyzeQueryRequest) (queryast.AST, error) {
	if req.AST != nil {
		return *req.AST, nil
	}
	if req.Name == "" {
		return queryast.AST{}, errAnalyzeQueryNoTarget
	}
	if i.cfg.Transformer == nil {
		return queryast.AST{}, fmt.Errorf("inspector: analyze-query by name requires a configured transformer")
	}
	record := transformer.CustomQueryRecord{ID: "analyze", Name: req.Name, Args: req.Args}
	results, err := i.cfg.Transformer.Transform(ctx, nil, []transformer.CustomQueryRecord{record}, i.cfg.UserQueryURL)
	if err != nil {
		return queryast.AST{}, fmt.Errorf("inspector: resolve %q: %w", req.Name, err)
	}
	resolved, ok := results.Results[record.ID]
	if !ok || resolved.AST == nil {
		return queryast.AST{}, fmt.Errorf("inspector: resolver returned no AST for %q (%s)", req.Name, resolved.ErrorKind)
	}
	return *resolved.AST, nil
}

// rowsOf projects a driver's +row changes into plain row maps, dropping
// -row entries (analyze-query reports the hydrated set, not a diff).
func rowsOf(changes []ivm.Change) []map[string]any {
	rows := make([]map[string]any, 0, len(changes))
	for _, c := range changes {
		if c.Op == ivm.RowPut {
			rows = append(rows, c.Row)
		}
	}
	return rows
}

// joinPlansOf summarizes one JoinPlanStep per related sub-query in ast,
// counting rows attributed to its table among changes.
func joinPlansOf(ast queryast.AST, changes []ivm.Change) []JoinPlanStep {
	if len(ast.Related) == 0 {
		return nil
	}
	counts := make(map[string]int, len(ast.Related))
	for _, c := range changes {
		if c.Op == ivm.RowPut {
			counts[c.Table]++
		}
	}
	steps := make([]JoinPlanStep, 0, len(ast.Related))
	for _, r := range ast.Related {
		steps = append(steps, JoinPlanStep{Alias: r.Alias, Table: r.AST.Table, RowCount: counts[r.AST.Table]})
	}
	return steps
}

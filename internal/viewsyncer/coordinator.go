// Package viewsyncer implements C5, the View Syncer: the per-client-group
// coordinator loop that turns replica version advances and client
// desired-query patches into CVR flushes and streamed pokes, per spec
// §4.5.
package viewsyncer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vitaliisemenov/syncengine/internal/cvr"
	"github.com/vitaliisemenov/syncengine/internal/cvr/ttl"
	"github.com/vitaliisemenov/syncengine/internal/ivm"
	"github.com/vitaliisemenov/syncengine/internal/protocol"
	"github.com/vitaliisemenov/syncengine/internal/queryast"
	"github.com/vitaliisemenov/syncengine/internal/replica"
	"github.com/vitaliisemenov/syncengine/internal/transformer"
)

// activeQuery is the coordinator's record of one resolved, currently
// hydrated query: its AST and the transformationHash its pipeline runs
// under.
type activeQuery struct {
	ast                queryast.AST
	transformationHash string
}

// Config configures a single client-group's Coordinator.
type Config struct {
	ClientGroupID string
	Store         cvr.Store
	Driver        *ivm.Driver
	Snapshotter   *replica.Snapshotter
	Transformer   *transformer.Transformer
	Clock         ttl.Clock
	Policy        transformer.Policy
	Lock          *GroupLock // optional; nil runs single-node, no cross-process exclusion
	Logger        *slog.Logger
	LockExtendEvery time.Duration
	HTTPClient      *http.Client // mutator RPC client; nil uses a 10s-timeout default
}

// Coordinator is the per-client-group loop of §4.5. It owns the CVR in
// memory, the driver's pipelines, and every connected ClientHandler.
// The fields below the mutex are mutated both by runLoop and by
// InitConnection/ChangeDesiredQueries, which are called from
// per-connection goroutines; the mutex serializes those writers.
type Coordinator struct {
	cfg Config

	handlers *handlerSet

	mu                sync.Mutex
	current           *cvr.CVR
	activeQueries     map[string]activeQuery
	clientCookies     map[string]string
	clientAuth        map[string]transformer.AuthData
	clientResolverURL map[string]string

	versionSignal chan struct{}
	stopCh        chan struct{}
	wg            sync.WaitGroup
}

// New constructs a Coordinator and loads its initial CVR snapshot. If
// cfg.Lock is set, the caller must have already acquired it (or call
// AcquireLock) before Start.
func New(ctx context.Context, cfg Config) (*Coordinator, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.LockExtendEvery <= 0 {
		cfg.LockExtendEvery = 10 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}

	loaded, err := cfg.Store.Load(ctx, cfg.ClientGroupID)
	if err != nil {
		return nil, fmt.Errorf("viewsyncer: load cvr: %w", err)
	}

	snap, _, err := cfg.Snapshotter.Current(ctx)
	if err != nil {
		return nil, fmt.Errorf("viewsyncer: open initial snapshot: %w", err)
	}
	if err := cfg.Driver.Init(snap); err != nil {
		return nil, fmt.Errorf("viewsyncer: init driver: %w", err)
	}

	return &Coordinator{
		cfg:               cfg,
		handlers:          newHandlerSet(),
		current:           loaded,
		activeQueries:     map[string]activeQuery{},
		clientCookies:     map[string]string{},
		clientAuth:        map[string]transformer.AuthData{},
		clientResolverURL: map[string]string{},
		versionSignal:     make(chan struct{}, 1),
		stopCh:            make(chan struct{}),
	}, nil
}

// AcquireLock attempts to take exclusive ownership of this client-group,
// for the multi-process deployment case. Single-node deployments leave
// cfg.Lock nil and skip this entirely.
func (c *Coordinator) AcquireLock(ctx context.Context) (bool, error) {
	if c.cfg.Lock == nil {
		return true, nil
	}
	return c.cfg.Lock.Acquire(ctx)
}

// Start launches the coordinator's loop goroutine (and, if a GroupLock is
// configured, its renewal goroutine), per §5's "one coordinator goroutine
// per client-group".
func (c *Coordinator) Start(ctx context.Context) {
	c.wg.Add(1)
	go c.runLoop(ctx)

	if c.cfg.Lock != nil {
		c.wg.Add(1)
		go c.runLockRenewal(ctx)
	}
}

// NotifyVersionReady signals the coordinator that the replica has
// advanced. It is non-blocking: a pending, unconsumed signal coalesces
// with a new one, matching the driver's own "advance consumes everything
// since last call" semantics.
func (c *Coordinator) NotifyVersionReady() {
	select {
	case c.versionSignal <- struct{}{}:
	default:
	}
}

// Stop drains the loop, releases the client-group lock, and closes every
// connected handler, per §4.5's stop() contract.
func (c *Coordinator) Stop(ctx context.Context) {
	close(c.stopCh)
	c.wg.Wait()

	for _, h := range c.handlers.snapshot() {
		h.Disconnect(nil)
	}
	if c.cfg.Lock != nil {
		if err := c.cfg.Lock.Release(ctx); err != nil {
			c.cfg.Logger.Warn("release group lock on stop", "error", err)
		}
	}
}

func (c *Coordinator) runLoop(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-c.versionSignal:
			if err := c.advanceCycle(ctx); err != nil {
				c.cfg.Logger.Error("advance cycle failed", "client_group_id", c.cfg.ClientGroupID, "error", err)
			}
		}
	}
}

func (c *Coordinator) runLockRenewal(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.LockExtendEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			held, err := c.cfg.Lock.Extend(ctx)
			if err != nil {
				c.cfg.Logger.Error("extend group lock", "error", err)
				continue
			}
			if !held {
				c.cfg.Logger.Error("lost client-group ownership, stopping coordinator", "client_group_id", c.cfg.ClientGroupID)
				go c.Stop(ctx)
				return
			}
		}
	}
}

// advanceCycle is one iteration of the §4.5 loop body: advance the
// driver, fold the resulting changes into the CVR, flush, and stream
// pokes to every client with a visible delta.
func (c *Coordinator) advanceCycle(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	timer := ivm.NewWallClockTimer()
	out, err := c.cfg.Driver.Advance(ctx, c.cfg.Snapshotter, timer)
	if err != nil {
		var reset *ivm.ResetPipelinesSignal
		if errors.As(err, &reset) {
			c.cfg.Logger.Warn("pipeline reset", "client_group_id", c.cfg.ClientGroupID, "reason", reset.Error())
			return c.rebuildAfterReset(ctx)
		}
		return err
	}
	if len(out.Changes) == 0 {
		return nil
	}

	committed, err := c.foldChangesAndFlush(ctx, out.Changes, int64(out.ToVersion), true)
	if err != nil {
		return err
	}
	c.assemblePokesAndSend(committed, out.Changes)
	c.current = committed
	return nil
}

// rebuildAfterReset re-hydrates every currently active query from
// scratch after a ResetPipelinesSignal, per §4.2's recovery contract, and
// reconciles the CVR's row refcounts to the freshly hydrated result sets.
func (c *Coordinator) rebuildAfterReset(ctx context.Context) error {
	c.cfg.Driver.Reset("advance budget exceeded")

	updater := cvr.NewUpdater(c.cfg.Store, c.current)
	for queryHash, aq := range c.activeQueries {
		timer := ivm.NewWallClockTimer()
		changes, err := c.cfg.Driver.AddQuery(ctx, aq.transformationHash, queryHash, aq.ast, timer)
		if err != nil {
			return fmt.Errorf("viewsyncer: rehydrate %s after reset: %w", queryHash, err)
		}
		for _, ch := range changes {
			if ch.Op == ivm.RowPut {
				updater.AddRow(queryHash, ch.Table, ch.PK, 0, columnsOf(ch.Row))
			}
		}
	}
	updater.AdvanceVersion(true)
	committed, err := updater.Flush(ctx)
	if err != nil {
		return err
	}
	c.current = committed
	c.cfg.Logger.Info("pipelines rebuilt after reset", "client_group_id", c.cfg.ClientGroupID, "queries", len(c.activeQueries))
	return nil
}

// foldChangesAndFlush applies driver changes to a fresh Updater and
// commits it, retrying exactly once on CVRConflict per §7.
func (c *Coordinator) foldChangesAndFlush(ctx context.Context, changes []ivm.Change, rowVersion int64, majorVersion bool) (*cvr.CVR, error) {
	apply := func(base *cvr.CVR) *cvr.Updater {
		updater := cvr.NewUpdater(c.cfg.Store, base)
		for _, ch := range changes {
			for _, queryHash := range ch.QueryIDs {
				switch ch.Op {
				case ivm.RowPut:
					updater.AddRow(queryHash, ch.Table, ch.PK, rowVersion, columnsOf(ch.Row))
				case ivm.RowDelete:
					updater.DropRow(queryHash, ch.Table, ch.PK)
				}
			}
		}
		updater.AdvanceVersion(majorVersion)
		return updater
	}

	committed, err := apply(c.current).Flush(ctx)
	if err == nil {
		return committed, nil
	}

	var conflict *cvr.CVRConflict
	if !errors.As(err, &conflict) {
		return nil, err
	}

	reloaded, reloadErr := c.cfg.Store.Load(ctx, c.cfg.ClientGroupID)
	if reloadErr != nil {
		return nil, fmt.Errorf("viewsyncer: reload cvr after conflict: %w", reloadErr)
	}
	c.current = reloaded
	committed, err = apply(reloaded).Flush(ctx)
	if err != nil {
		return nil, fmt.Errorf("viewsyncer: cvr conflict persisted after retry: %w", err)
	}
	return committed, nil
}

// assemblePokesAndSend builds and streams one poke per client that has a
// visible row delta from changes, per poke invariants 1-5 of §4.5.
func (c *Coordinator) assemblePokesAndSend(committed *cvr.CVR, changes []ivm.Change) {
	type rowKey struct {
		table string
		pk    string
	}
	byClient := map[string]map[rowKey]protocol.RowPatch{}

	for _, ch := range changes {
		key := rowKey{table: ch.Table, pk: cvr.CanonicalPK(ch.PK)}
		patch := protocol.RowPatch{Table: ch.Table, PK: ch.PK, Op: rowOpOf(ch.Op), Row: ch.Row}
		for _, queryHash := range ch.QueryIDs {
			for clientID, client := range committed.Clients {
				if !client.DesiredQueries[queryHash] {
					continue
				}
				rows, ok := byClient[clientID]
				if !ok {
					rows = map[rowKey]protocol.RowPatch{}
					byClient[clientID] = rows
				}
				rows[key] = patch
			}
		}
	}

	for clientID, rows := range byClient {
		handler, ok := c.handlers.get(clientID)
		if !ok {
			continue
		}
		patches := make([]protocol.RowPatch, 0, len(rows))
		for _, p := range rows {
			patches = append(patches, p)
		}
		c.sendPoke(handler, clientID, protocol.PokePartBody{RowsPatch: patches}, committed.Version)
	}
}

// sendPoke streams the pokeStart/pokePart/pokeEnd sequence for one
// client, per invariant 1. A full outbound queue at any step marks the
// client a slow consumer and disconnects it, per the fairness rule.
func (c *Coordinator) sendPoke(handler ClientHandler, clientID string, part protocol.PokePartBody, version cvr.Version) {
	pokeID := uuid.NewString()
	baseCookie := c.clientCookies[clientID]
	cookie := cookieOf(version)

	if !c.enqueueFrame(handler, protocol.TagPokeStart, protocol.PokeStartBody{PokeID: pokeID, BaseCookie: baseCookie, Cookie: cookie}) {
		c.dropSlowClient(clientID, handler)
		return
	}
	part.PokeID = pokeID
	if !c.enqueueFrame(handler, protocol.TagPokePart, part) {
		c.dropSlowClient(clientID, handler)
		return
	}
	if !c.enqueueFrame(handler, protocol.TagPokeEnd, protocol.PokeEndBody{PokeID: pokeID, Cookie: cookie}) {
		c.dropSlowClient(clientID, handler)
		return
	}
	c.clientCookies[clientID] = cookie
}

func (c *Coordinator) dropSlowClient(clientID string, handler ClientHandler) {
	handler.Disconnect(protocol.NewError(protocol.KindSlowConsumer, "outbound queue full; reconnect and rehydrate"))
	c.handlers.unregister(clientID)
	delete(c.clientCookies, clientID)
}

func (c *Coordinator) enqueueFrame(handler ClientHandler, tag protocol.Tag, body any) bool {
	raw, err := json.Marshal(body)
	if err != nil {
		c.cfg.Logger.Error("marshal frame body", "tag", tag, "error", err)
		return false
	}
	return handler.Enqueue(protocol.Frame{Tag: tag, Body: raw})
}

// InitConnection registers a newly connected client and applies its
// initial desired-queries patch, per §4.5.
func (c *Coordinator) InitConnection(ctx context.Context, handler ClientHandler, params protocol.ConnectionParams, resolverURL string, auth transformer.AuthData, initial protocol.ChangeDesiredQueriesBody) error {
	c.mu.Lock()
	c.handlers.register(handler)
	c.clientCookies[handler.ClientID()] = params.BaseCookie
	c.clientAuth[handler.ClientID()] = auth
	c.clientResolverURL[handler.ClientID()] = resolverURL
	c.mu.Unlock()

	return c.ChangeDesiredQueries(ctx, handler.ClientID(), initial)
}

// ChangeDesiredQueries diffs patch against the CVR, resolves any newly
// desired custom query through the transformer, hydrates it, and streams
// the resulting rows back to clientID, per §4.5.
func (c *Coordinator) ChangeDesiredQueries(ctx context.Context, clientID string, patch protocol.ChangeDesiredQueriesBody) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	add := make([]string, 0, len(patch.Desired))
	for _, spec := range patch.Desired {
		add = append(add, spec.QueryHash)
	}
	updater := cvr.NewUpdater(c.cfg.Store, c.current)
	updater.SetDesiredQueries(clientID, add, patch.Gone)

	var hydration []ivm.Change
	for _, spec := range patch.Desired {
		if _, exists := c.activeQueries[spec.QueryHash]; exists {
			updater.MarkGotten(spec.QueryHash)
			continue
		}

		ast, transformationHash, err := c.resolveQuery(ctx, clientID, spec)
		if err != nil {
			return err
		}
		updater.EnsureQuery(spec.QueryHash, transformationHash)

		timer := ivm.NewWallClockTimer()
		changes, err := c.cfg.Driver.AddQuery(ctx, transformationHash, spec.QueryHash, ast, timer)
		if err != nil {
			return fmt.Errorf("viewsyncer: hydrate %s: %w", spec.QueryHash, err)
		}
		c.activeQueries[spec.QueryHash] = activeQuery{ast: ast, transformationHash: transformationHash}
		hydration = append(hydration, changes...)
		updater.MarkGotten(spec.QueryHash)
	}

	for _, ch := range hydration {
		for _, queryHash := range ch.QueryIDs {
			if ch.Op == ivm.RowPut {
				updater.AddRow(queryHash, ch.Table, ch.PK, 0, columnsOf(ch.Row))
			}
		}
	}

	for _, gone := range patch.Gone {
		c.cfg.Driver.RemoveQuery(gone)
		delete(c.activeQueries, gone)
		updater.RemoveQuery(gone)
	}

	updater.AdvanceVersion(false)
	committed, err := updater.Flush(ctx)
	if err != nil {
		return fmt.Errorf("viewsyncer: flush desired-queries change: %w", err)
	}
	c.current = committed

	if handler, ok := c.handlers.get(clientID); ok {
		got := make([]string, 0, len(patch.Desired))
		for _, spec := range patch.Desired {
			got = append(got, spec.QueryHash)
		}
		rows := make([]protocol.RowPatch, 0, len(hydration))
		for _, ch := range hydration {
			rows = append(rows, protocol.RowPatch{Table: ch.Table, PK: ch.PK, Op: rowOpOf(ch.Op), Row: ch.Row})
		}
		c.sendPoke(handler, clientID, protocol.PokePartBody{GotQueriesPatch: got, RowsPatch: rows}, committed.Version)
	}
	return nil
}

// resolveQuery transforms a named query into an AST and transformationHash,
// applying the coordinator's permission policy, per §4.3.
func (c *Coordinator) resolveQuery(ctx context.Context, clientID string, spec protocol.DesiredQuerySpec) (queryast.AST, string, error) {
	resolverURL := c.clientResolverURL[clientID]
	record := transformer.CustomQueryRecord{ID: spec.QueryHash, Name: spec.Name, Args: spec.Args}

	result, err := c.cfg.Transformer.Transform(ctx, nil, []transformer.CustomQueryRecord{record}, resolverURL)
	if err != nil {
		return queryast.AST{}, "", err
	}
	resolved, ok := result.Results[spec.QueryHash]
	if !ok || resolved.ErrorKind != "" || resolved.AST == nil {
		return queryast.AST{}, "", fmt.Errorf("viewsyncer: transform %s failed: %s", spec.QueryHash, resolved.Message)
	}

	ast := *resolved.AST
	if c.cfg.Policy != nil {
		var warnings []string
		ast, warnings = transformer.ApplyPermissions(ast, c.cfg.Policy, c.clientAuth[clientID])
		for _, w := range warnings {
			c.cfg.Logger.Warn("permission rewrite warning", "client_id", clientID, "query_hash", spec.QueryHash, "warning", w)
		}
	}
	return ast, resolved.TransformationHash, nil
}

// ApplyPush forwards clientID's pushed mutations, in order, to the
// application's mutator endpoint and delivers the outcome via a
// standalone poke carrying only lastMutationIDChanges/mutationsPatch, per
// §4.5's "Mutation responses": lmid advances past every mutation attempted
// (ok or erred), but only erred ones get an explicit mutationsPatch entry,
// matching scenario S6.
func (c *Coordinator) ApplyPush(ctx context.Context, clientID string, body protocol.PushBody) error {
	if len(body.Mutations) == 0 {
		return nil
	}

	c.mu.Lock()
	mutatorURL := c.clientResolverURL[clientID]
	c.mu.Unlock()

	resp, err := c.postMutations(ctx, mutatorURL, body)
	if err != nil {
		return fmt.Errorf("viewsyncer: push mutations for %s: %w", clientID, err)
	}
	entries := make(map[uint64]*protocol.MutationResult, len(resp.Mutations))
	for i := range resp.Mutations {
		entries[resp.Mutations[i].Mutation.ID] = resp.Mutations[i].Result
	}

	var patch []protocol.MutationPatchEntry
	for _, m := range body.Mutations {
		if result := entries[m.ID.ID]; result != nil {
			patch = append(patch, protocol.MutationPatchEntry{Mutation: m.ID, Result: result})
		}
	}
	newLMID := body.Mutations[len(body.Mutations)-1].ID.ID

	c.mu.Lock()
	defer c.mu.Unlock()
	if handler, ok := c.handlers.get(clientID); ok {
		c.sendPoke(handler, clientID, protocol.PokePartBody{
			LastMutationIDChanges: map[string]uint64{clientID: newLMID},
			MutationsPatch:        patch,
		}, c.current.Version)
	}
	return nil
}

// postMutations executes one push batch against the application's mutator
// endpoint, the same per-client-group URL the transformer resolves custom
// queries against.
func (c *Coordinator) postMutations(ctx context.Context, mutatorURL string, body protocol.PushBody) (protocol.PushResponseBody, error) {
	var out protocol.PushResponseBody
	if mutatorURL == "" {
		return out, fmt.Errorf("no mutator endpoint configured for this client-group")
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return out, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, mutatorURL, bytes.NewReader(payload))
	if err != nil {
		return out, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return out, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return out, fmt.Errorf("mutator returned status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return out, fmt.Errorf("decode mutator response: %w", err)
	}
	return out, nil
}

// ActiveQueryInfo is the Inspector-facing view of one currently-running
// pipeline, per spec §4.6's queries op ("the transformed AST when a
// pipeline is running for it").
type ActiveQueryInfo struct {
	AST                queryast.AST
	TransformationHash string
}

// ActiveQuery returns the resolved AST and transformationHash for
// queryHash if a pipeline is currently running for it.
func (c *Coordinator) ActiveQuery(queryHash string) (ActiveQueryInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	aq, ok := c.activeQueries[queryHash]
	if !ok {
		return ActiveQueryInfo{}, false
	}
	return ActiveQueryInfo{AST: aq.ast, TransformationHash: aq.transformationHash}, true
}

// ClientGroupID returns the client-group this coordinator drives.
func (c *Coordinator) ClientGroupID() string {
	return c.cfg.ClientGroupID
}

func rowOpOf(op ivm.RowOp) protocol.RowOp {
	if op == ivm.RowDelete {
		return protocol.RowDelete
	}
	return protocol.RowPut
}

func cookieOf(v cvr.Version) string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

func columnsOf(row map[string]any) []string {
	cols := make([]string, 0, len(row))
	for k := range row {
		cols = append(cols, k)
	}
	return cols
}

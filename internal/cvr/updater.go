package cvr

import (
	"context"
	"encoding/json"
	"sort"
)

// CanonicalPK renders a primary-key column map as a deterministic string,
// used as the PK component of a RowKey.
func CanonicalPK(pk map[string]any) string {
	keys := make([]string, 0, len(pk))
	for k := range pk {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	ordered := make([]any, 0, len(keys)*2)
	for _, k := range keys {
		ordered = append(ordered, k, pk[k])
	}
	b, _ := json.Marshal(ordered)
	return string(b)
}

// Updater accumulates typed mutations against a CVR snapshot in memory,
// per spec §4.4's "begins an in-memory transaction; callers mutate via
// typed operations" contract. Nothing is visible to readers until Flush
// commits it.
type Updater struct {
	store   Store
	base    *CVR
	pending *CVR
}

// NewUpdater begins an in-memory transaction over a cloned copy of cvr.
func NewUpdater(store Store, snapshot *CVR) *Updater {
	return &Updater{store: store, base: snapshot, pending: snapshot.Clone()}
}

// SetDesiredQueries replaces clientID's desired-query set additions and
// removals, creating the client entry if absent, per spec §4.4.
func (u *Updater) SetDesiredQueries(clientID string, add, remove []string) {
	client, ok := u.pending.Clients[clientID]
	if !ok {
		client = &Client{ClientID: clientID, DesiredQueries: map[string]bool{}}
		u.pending.Clients[clientID] = client
	}
	for _, qh := range add {
		client.DesiredQueries[qh] = true
	}
	for _, qh := range remove {
		delete(client.DesiredQueries, qh)
	}
}

// MarkGotten marks queryHash's query entry as having completed initial
// hydration, per spec §3 invariant 2. The caller must only call this once
// the corresponding flush carrying the hydrated rows has committed.
func (u *Updater) MarkGotten(queryHash string) {
	if q, ok := u.pending.Queries[queryHash]; ok {
		q.Gotten = true
	}
}

// EnsureQuery registers queryHash's query entry if absent, recording its
// transformationHash.
func (u *Updater) EnsureQuery(queryHash, transformationHash string) {
	if _, ok := u.pending.Queries[queryHash]; !ok {
		u.pending.Queries[queryHash] = &Query{QueryHash: queryHash, TransformationHash: transformationHash}
	}
}

// RemoveQuery drops queryHash's query entry entirely. Callers must have
// already dropped every row it referenced.
func (u *Updater) RemoveQuery(queryHash string) {
	delete(u.pending.Queries, queryHash)
}

// AddRow increments queryHash's refcount on (table, pk), creating the row
// entry if this is its first reference, per spec §3 invariant 1.
func (u *Updater) AddRow(queryHash, table string, pk map[string]any, rowVersion int64, columns []string) {
	key := RowKey{Table: table, PK: CanonicalPK(pk)}
	row, ok := u.pending.Rows[key]
	if !ok {
		row = &Row{Key: key, RefCountsByQuery: map[string]int{}, ColumnsPresent: map[string]bool{}}
		u.pending.Rows[key] = row
	}
	row.RefCountsByQuery[queryHash]++
	row.RowVersion = rowVersion
	for _, c := range columns {
		row.ColumnsPresent[c] = true
	}
}

// DropRow decrements queryHash's refcount on (table, pk), removing the row
// entry entirely once the sum of refcounts reaches zero, per spec §3
// invariant 1.
func (u *Updater) DropRow(queryHash, table string, pk map[string]any) {
	key := RowKey{Table: table, PK: CanonicalPK(pk)}
	row, ok := u.pending.Rows[key]
	if !ok {
		return
	}
	row.RefCountsByQuery[queryHash]--
	if row.RefCountsByQuery[queryHash] <= 0 {
		delete(row.RefCountsByQuery, queryHash)
	}
	if len(row.RefCountsByQuery) == 0 {
		delete(u.pending.Rows, key)
	}
}

// AdvanceVersion bumps the CVR's version, per spec §3: major bumps (and
// resets minor to 0) when the underlying replica version advanced; minor
// bumps alone when only desired-query metadata changed.
func (u *Updater) AdvanceVersion(major bool) {
	if major {
		u.pending.Version.Major++
		u.pending.Version.Minor = 0
	} else {
		u.pending.Version.Minor++
	}
}

// Pending exposes the in-progress CVR for the View Syncer to diff against
// base when building poke row patches, before Flush commits it.
func (u *Updater) Pending() *CVR { return u.pending }

// Base exposes the snapshot the updater began from.
func (u *Updater) Base() *CVR { return u.base }

// Flush writes the accumulated mutations to the store in a single
// transaction keyed by (clientGroupID, priorVersion -> newVersion), per
// spec §4.4. It fails with CVRConflict if base's version no longer
// matches the persisted value.
func (u *Updater) Flush(ctx context.Context) (*CVR, error) {
	committed, err := u.store.CommitUpdater(ctx, u.base, u.pending)
	if err != nil {
		return nil, err
	}
	return committed, nil
}

// Package cvr implements C4, the CVR Store: transactional persistence for
// Client View Records, the per-client-group bookkeeping of desired
// queries, seen rows, and mutation acknowledgements, per spec §3/§4.4.
package cvr

import "time"

// Version is the CVR's monotonic (major, minor) pair. Major bumps when the
// underlying replica version advances; minor bumps when only
// desired-query metadata changes, per spec §3.
type Version struct {
	Major int64
	Minor int64
}

// Less reports whether v sorts strictly before other, comparing major then
// minor.
func (v Version) Less(other Version) bool {
	if v.Major != other.Major {
		return v.Major < other.Major
	}
	return v.Minor < other.Minor
}

// Client is one connected client's CVR bookkeeping.
type Client struct {
	ClientID       string
	DesiredQueries map[string]bool // queryHash set
	TTLExpiresAt   time.Time
	LastMutationID int64
}

// Query is one query's CVR bookkeeping, keyed by queryHash.
type Query struct {
	QueryHash          string
	TransformationHash string
	Gotten             bool
	TTLExpiresAt       time.Time
	InternalRefCount   int
}

// RowKey identifies a CVR row entry by table and primary key.
type RowKey struct {
	Table string
	PK    string // canonical string form of the pk column map
}

// Row is one CVR row entry: the refcounts keeping it alive, keyed by the
// queryHash(es) that currently include it, per spec §3's invariant 1 ("a
// row entry exists iff sum(refCounts) > 0").
type Row struct {
	Key               RowKey
	RefCountsByQuery   map[string]int
	ColumnsPresent     map[string]bool
	RowVersion         int64
}

// CVR is the full in-memory snapshot of one client-group's view record,
// per spec §3.
type CVR struct {
	ClientGroupID string
	Version       Version
	Clients       map[string]*Client
	Queries       map[string]*Query
	Rows          map[RowKey]*Row
}

// NewCVR returns an empty CVR for a freshly-created client-group.
func NewCVR(clientGroupID string) *CVR {
	return &CVR{
		ClientGroupID: clientGroupID,
		Clients:       map[string]*Client{},
		Queries:       map[string]*Query{},
		Rows:          map[RowKey]*Row{},
	}
}

// Clone returns a deep copy, used by Updater so in-flight mutation never
// aliases the caller's loaded snapshot.
func (c *CVR) Clone() *CVR {
	out := &CVR{
		ClientGroupID: c.ClientGroupID,
		Version:       c.Version,
		Clients:       make(map[string]*Client, len(c.Clients)),
		Queries:       make(map[string]*Query, len(c.Queries)),
		Rows:          make(map[RowKey]*Row, len(c.Rows)),
	}
	for id, cl := range c.Clients {
		clone := *cl
		clone.DesiredQueries = make(map[string]bool, len(cl.DesiredQueries))
		for q := range cl.DesiredQueries {
			clone.DesiredQueries[q] = true
		}
		out.Clients[id] = &clone
	}
	for h, q := range c.Queries {
		clone := *q
		out.Queries[h] = &clone
	}
	for k, r := range c.Rows {
		clone := *r
		clone.RefCountsByQuery = make(map[string]int, len(r.RefCountsByQuery))
		for qh, n := range r.RefCountsByQuery {
			clone.RefCountsByQuery[qh] = n
		}
		clone.ColumnsPresent = make(map[string]bool, len(r.ColumnsPresent))
		for c := range r.ColumnsPresent {
			clone.ColumnsPresent[c] = true
		}
		out.Rows[k] = &clone
	}
	return out
}

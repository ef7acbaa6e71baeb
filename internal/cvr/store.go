package cvr

import (
	"context"
	"time"

	"github.com/vitaliisemenov/syncengine/internal/cvr/ttl"
)

// Store is the transactional persistence contract for CVRs, per spec
// §4.4. Implementations must accept concurrent updaters for different
// client-groups; the View Syncer guarantees at most one in-flight updater
// per client-group.
type Store interface {
	// Load returns the persisted CVR for clientGroupID, or a fresh empty
	// CVR if none has ever been persisted.
	Load(ctx context.Context, clientGroupID string) (*CVR, error)

	// CommitUpdater durably writes pending in a single transaction, only
	// if base's version still matches what is currently persisted for
	// base.ClientGroupID. Returns CVRConflict otherwise.
	CommitUpdater(ctx context.Context, base, pending *CVR) (*CVR, error)

	// InspectQueries returns a diagnostic, TTL-joined view of every query
	// entry for clientGroupID, optionally narrowed to one clientID's
	// desired set, per spec §4.4/§4.6.
	InspectQueries(ctx context.Context, clock ttl.Clock, clientGroupID, clientID string) ([]QueryRow, error)

	Close() error
}

// QueryRow is one diagnostic row returned by InspectQueries.
type QueryRow struct {
	QueryHash          string
	TransformationHash string
	Gotten             bool
	InternalRefCount   int
	TTLExpiresAt       *time.Time
	DesiredByClient    bool
}

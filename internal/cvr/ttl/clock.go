// Package ttl provides the TTL clocks that govern how long a CVR client
// or query entry survives without activity before it is eligible for
// garbage collection, per spec §3's "kept across reconnects until its
// ttlClock expires".
package ttl

import "context"

// Clock tracks expiration deadlines for CVR entries keyed by an arbitrary
// string (a clientID or a queryHash), independent of the CVR store
// itself — so TTL state can outlive a single process and be shared across
// View Syncer instances that might take over the same client-group.
type Clock interface {
	// Touch (re)sets key's deadline to deadlineUnix, an absolute Unix time.
	Touch(ctx context.Context, key string, deadlineUnix int64) error
	// ExpiresAt returns the deadline for key, or ok=false if untracked.
	ExpiresAt(ctx context.Context, key string) (unixSeconds int64, ok bool, err error)
	// Expired lists every key whose deadline has passed.
	Expired(ctx context.Context, now int64) ([]string, error)
	// Drop removes key's tracked deadline.
	Drop(ctx context.Context, key string) error
}

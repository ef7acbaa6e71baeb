package cvr

import "fmt"

// CVRConflict is returned by Updater.Flush when priorVersion no longer
// matches the persisted value: another updater committed first, per
// §4.4. The View Syncer's retry policy is to reload and retry exactly
// once (viewsyncer.Coordinator.foldChangesAndFlush), then treat a
// second conflict as Internal.
type CVRConflict struct {
	ClientGroupID string
	Expected      Version
	Actual        Version
}

func (e *CVRConflict) Error() string {
	return fmt.Sprintf("cvr conflict for client-group %q: expected version %+v, store has %+v",
		e.ClientGroupID, e.Expected, e.Actual)
}

// ErrClientGroupNotFound reports that no CVR has ever been persisted for a
// client-group. Load does not return it: for such a client-group Load
// returns a fresh, empty CVR instead.
type ErrClientGroupNotFound struct {
	ClientGroupID string
}

func (e *ErrClientGroupNotFound) Error() string {
	return fmt.Sprintf("no cvr persisted for client-group %q", e.ClientGroupID)
}

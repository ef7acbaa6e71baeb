package ivm

import "fmt"

// ResetPipelinesSignal is raised when advance() exceeds the hydration
// budget before draining all input changes, per §4.2's bounded-advancement
// invariant. The caller must treat the driver as poisoned: call Reset,
// then re-hydrate every query from scratch.
type ResetPipelinesSignal struct {
	ConsumedChanges int
	TotalChanges    int
	ElapsedMs       int64
	HydrationMs     int64
}

func (e *ResetPipelinesSignal) Error() string {
	return fmt.Sprintf(
		"Advancement exceeded timeout at %d of %d changes after %d ms. Advancement time limited base on total hydration time of %d ms.",
		e.ConsumedChanges, e.TotalChanges, e.ElapsedMs, e.HydrationMs,
	)
}

// SnapshotStale is raised when the caller's expected fromVersion no longer
// matches the driver's current version.
type SnapshotStale struct {
	Expected, Actual int64
}

func (e *SnapshotStale) Error() string {
	return fmt.Sprintf("snapshot stale: expected version %d, driver is at %d", e.Expected, e.Actual)
}

// errNotInitialized is returned by AddQuery/Advance when Init has not been
// called yet.
var errNotInitialized = fmt.Errorf("pipeline driver not initialized: call Init first")

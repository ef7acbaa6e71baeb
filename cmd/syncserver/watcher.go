package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/vitaliisemenov/syncengine/internal/replica"
	"github.com/vitaliisemenov/syncengine/internal/viewsyncer"
)

// watchReplica polls the replica for version advances and fans
// NotifyVersionReady out to every Coordinator this process runs. The
// Snapshotter and Coordinator have no built-in link between "replica
// advanced" and "run an advance cycle" — something has to watch and wake
// coordinators up, and in a single-process deployment that something is
// this loop.
func watchReplica(ctx context.Context, snapshotter *replica.Snapshotter, registry *viewsyncer.Registry, pollInterval time.Duration, log *slog.Logger) {
	if pollInterval <= 0 {
		pollInterval = 250 * time.Millisecond
	}

	var lastVersion replica.Version
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap, version, err := snapshotter.Current(ctx)
			if err != nil {
				log.Warn("replica watcher: could not read current version", "error", err)
				continue
			}
			snap.Close()

			if version <= lastVersion {
				continue
			}
			lastVersion = version

			coords := registry.All()
			log.Debug("replica advanced", "version", version, "coordinators", len(coords))
			for _, c := range coords {
				c.NotifyVersionReady()
			}
		}
	}
}

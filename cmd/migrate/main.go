// Package main runs the CVR store's migrations standalone, for deployments
// that apply schema changes as a separate release step rather than letting
// each syncserver instance migrate on startup.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/vitaliisemenov/syncengine/internal/config"
	"github.com/vitaliisemenov/syncengine/internal/cvr"
	"github.com/vitaliisemenov/syncengine/internal/cvr/pgstore"
	"github.com/vitaliisemenov/syncengine/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (optional; env vars always apply)")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.NewLogger(logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})

	ctx := context.Background()

	var store cvr.Store
	switch cfg.Profile {
	case config.ProfileSQLite:
		store, err = cvr.NewSQLiteStore(ctx, cfg.CVRStore.SQLitePath, log)
	case config.ProfilePostgres:
		store, err = pgstore.Open(ctx, cfg.GetDatabaseURL(), int32(cfg.Database.MaxConnections), int32(cfg.Database.MinConnections), log)
	default:
		err = fmt.Errorf("unknown deployment profile %q", cfg.Profile)
	}
	if err != nil {
		log.Error("migration failed", "error", err, "profile", cfg.Profile)
		os.Exit(1)
	}
	defer store.Close()

	log.Info("cvr store migrations applied", "profile", cfg.Profile, "target", migrationTarget(cfg))
}

func migrationTarget(cfg *config.Config) string {
	if cfg.UsesPostgres() {
		return cfg.Database.Host
	}
	return cfg.CVRStore.SQLitePath
}

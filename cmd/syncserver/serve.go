package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/vitaliisemenov/syncengine/internal/adminauth"
	"github.com/vitaliisemenov/syncengine/internal/api"
	"github.com/vitaliisemenov/syncengine/internal/config"
	"github.com/vitaliisemenov/syncengine/internal/cvr"
	"github.com/vitaliisemenov/syncengine/internal/cvr/pgstore"
	"github.com/vitaliisemenov/syncengine/internal/cvr/ttl"
	"github.com/vitaliisemenov/syncengine/internal/inspector"
	"github.com/vitaliisemenov/syncengine/internal/ivm"
	internalmetrics "github.com/vitaliisemenov/syncengine/internal/metrics"
	"github.com/vitaliisemenov/syncengine/internal/replica"
	"github.com/vitaliisemenov/syncengine/internal/transformer"
	"github.com/vitaliisemenov/syncengine/internal/transport"
	"github.com/vitaliisemenov/syncengine/internal/viewsyncer"
	"github.com/vitaliisemenov/syncengine/pkg/logger"
	pkgmetrics "github.com/vitaliisemenov/syncengine/pkg/metrics"
)

var configPath string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the sync server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().StringVar(&configPath, "config", "", "path to a YAML config file (optional; env vars always apply)")
}

// deps bundles everything a client-group's Coordinator is built from, so
// the CoordinatorFactory closure in buildCoordinatorFactory doesn't have to capture a
// dozen loose variables.
type deps struct {
	cfg         *config.Config
	log         *slog.Logger
	store       cvr.Store
	snapshotter *replica.Snapshotter
	transform   *transformer.Transformer
	policy      transformer.Policy
	clock       ttl.Clock
	redis       *redis.Client
}

func runServe(ctx context.Context) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logger.NewLogger(logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		Filename:   cfg.Log.Filename,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
		Compress:   cfg.Log.Compress,
	})
	slog.SetDefault(log)

	log.Info("starting syncserver", "profile", cfg.Profile, "version", version)

	d, cleanup, err := buildDeps(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("build dependencies: %w", err)
	}
	defer cleanup()

	queryMetrics := internalmetrics.NewQueryMetrics(cfg.Metrics.Namespace)
	registry := viewsyncer.NewRegistry()
	adminSet := buildAdminAuthSet(d)

	insp := inspector.New(inspector.Config{
		Store:        d.store,
		Clock:        d.clock,
		Coordinators: registry,
		Admin:        adminSet,
		QueryMetrics: queryMetrics,
		Transformer:  d.transform,
		Policy:       d.policy,
		UserQueryURL: cfg.Transform.UserQueryURL,
		Password:     cfg.AdminAuth.Password,
		DevMode:      cfg.AdminAuth.DevMode,
		Version:      version,
		ReplicaPath:  cfg.Replica.Path,
		Logger:       log,
	})

	factory := buildCoordinatorFactory(d)
	connLimiter := transport.NewRateLimiter(cfg.Server.ConnRateLimitPerSec, cfg.Server.ConnRateLimitBurst)
	hub := transport.NewHub(registry, factory, insp, connLimiter, log)

	metricsManager := pkgmetrics.NewMetricsManager(pkgmetrics.Config{
		Enabled:   cfg.Metrics.Enabled,
		Path:      cfg.Metrics.Path,
		Namespace: cfg.Metrics.Namespace,
		Subsystem: "http",
	})

	routerCfg := api.DefaultRouterConfig(log)
	routerCfg.SyncHub = hub
	routerCfg.Inspector = insp
	routerCfg.Health = healthHandler(cfg)
	routerCfg.Ready = readyHandler(d)
	routerCfg.Metrics = metricsManager.Handler()
	routerCfg.MetricsPath = metricsManager.GetPath()
	router := api.NewRouter(routerCfg)

	var handler http.Handler = router
	handler = metricsManager.Middleware(handler)
	handler = logger.LoggingMiddleware(log)(handler)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	go watchReplica(watchCtx, d.snapshotter, registry, cfg.Replica.PollInterval, log)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		log.Info("http server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
			return
		}
		serverErr <- nil
	}()

	select {
	case <-quit:
		log.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
	}

	stopWatch()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", "error", err)
		return err
	}

	log.Info("syncserver exited cleanly")
	return nil
}

// buildDeps opens every shared, process-wide dependency: the replica
// snapshotter, the CVR store (profile-selected), an optional Redis client,
// the TTL clock and the query transformer. cleanup closes them all in
// reverse order.
func buildDeps(ctx context.Context, cfg *config.Config, log *slog.Logger) (*deps, func(), error) {
	snapshotter, err := replica.Open(ctx, cfg.Replica.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("open replica: %w", err)
	}

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
		snapshotter.Close()
		return nil, nil, fmt.Errorf("open cvr store: %w", err)
	}

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
			MaxRetries:   cfg.Redis.MaxRetries,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			store.Close()
			snapshotter.Close()
			return nil, nil, fmt.Errorf("connect redis: %w", err)
		}
	}

	var clock ttl.Clock
	if redisClient != nil {
		clock = ttl.NewRedisClock(redisClient, "cvr")
	} else {
		clock = ttl.NewMemoryClock()
	}

	transformOpts := []transformer.Option{transformer.WithLogger(log)}
	if cfg.Transform.Timeout > 0 {
		transformOpts = append(transformOpts, transformer.WithHTTPClient(&http.Client{Timeout: cfg.Transform.Timeout}))
	}

	d := &deps{
		cfg:         cfg,
		log:         log,
		store:       store,
		snapshotter: snapshotter,
		transform:   transformer.New(transformOpts...),
		policy:      transformer.Policy{},
		clock:       clock,
		redis:       redisClient,
	}

	cleanup := func() {
		if err := store.Close(); err != nil {
			log.Error("close cvr store", "error", err)
		}
		if err := snapshotter.Close(); err != nil {
			log.Error("close replica snapshotter", "error", err)
		}
		if redisClient != nil {
			if err := redisClient.Close(); err != nil {
				log.Error("close redis client", "error", err)
			}
		}
	}

	return d, cleanup, nil
}

func buildAdminAuthSet(d *deps) adminauth.Set {
	if d.cfg.UsesPostgres() && d.redis != nil {
		return adminauth.NewRedisSet(d.redis, "")
	}
	return adminauth.NewMemorySet()
}

// buildCoordinatorFactory returns the CoordinatorFactory transport.Hub
// calls the first time a client-group is seen: it opens a private Pipeline
// Driver, optionally acquires the client-group's GroupLock (postgres
// profile only), constructs the Coordinator and starts its loop.
func buildCoordinatorFactory(d *deps) transport.CoordinatorFactory {
	return func(ctx context.Context, clientGroupID string) (*viewsyncer.Coordinator, error) {
		driver, err := ivm.NewDriver(ivm.DefaultConfig())
		if err != nil {
			return nil, fmt.Errorf("create pipeline driver for %s: %w", clientGroupID, err)
		}

		var lock *viewsyncer.GroupLock
		if d.cfg.UsesPostgres() && d.redis != nil {
			lock = viewsyncer.NewGroupLock(d.redis, clientGroupID, d.cfg.Redis.LockTTL, d.log)
			ok, err := lock.Acquire(ctx)
			if err != nil {
				return nil, fmt.Errorf("acquire group lock for %s: %w", clientGroupID, err)
			}
			if !ok {
				return nil, fmt.Errorf("client-group %s is already owned by another instance", clientGroupID)
			}
		}

		coord, err := viewsyncer.New(ctx, viewsyncer.Config{
			ClientGroupID:   clientGroupID,
			Store:           d.store,
			Driver:          driver,
			Snapshotter:     d.snapshotter,
			Transformer:     d.transform,
			Clock:           d.clock,
			Policy:          d.policy,
			Lock:            lock,
			Logger:          d.log.With("clientGroupID", clientGroupID),
			LockExtendEvery: d.cfg.Redis.LockExtendEvery,
		})
		if err != nil {
			if lock != nil {
				lock.Release(ctx)
			}
			return nil, fmt.Errorf("start coordinator for %s: %w", clientGroupID, err)
		}

		coord.Start(ctx)
		return coord, nil
	}
}

type healthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Version string `json:"version"`
	Time    string `json:"time"`
}

func healthHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(healthResponse{
			Status:  "ok",
			Service: cfg.App.Name,
			Version: version,
			Time:    time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// readyHandler reports 503 until the replica snapshot can actually be
// read, so load balancers hold traffic back during startup.
func readyHandler(d *deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap, _, err := d.snapshotter.Current(r.Context())
		if err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]string{"status": "not ready", "error": err.Error()})
			return
		}
		snap.Close()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
	}
}

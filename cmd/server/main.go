package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/nadmax/noos/internal/api"
	"github.com/nadmax/noos/internal/cache"
	"github.com/nadmax/noos/internal/classify"
	"github.com/nadmax/noos/internal/config"
	"github.com/nadmax/noos/internal/dashboard"
	"github.com/nadmax/noos/internal/executor"
	"github.com/nadmax/noos/internal/export"
	"github.com/nadmax/noos/internal/logger"
	"github.com/nadmax/noos/internal/notify"
	"github.com/nadmax/noos/internal/orchestrator"
	"github.com/nadmax/noos/internal/params"
	"github.com/nadmax/noos/internal/repository"
	"github.com/nadmax/noos/internal/sales"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", os.Getenv("NOOS_CONFIG"), "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	lg, err := logger.New(cfg.Log.Mode, cfg.Log.Level)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer lg.Sync()

	if err := run(cfg, lg); err != nil {
		lg.Fatal("server stopped", "error", err)
	}
}

func run(cfg *config.Config, lg *logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := repository.OpenPostgres(cfg.Postgres, lg)
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			lg.Warn("failed to close database", "error", err)
		}
	}()

	if cfg.Postgres.Migrate {
		if err := repository.Migrate(ctx, db); err != nil {
			return err
		}
		lg.Info("database migrations applied")
	}

	taskRepo := repository.NewPostgresTaskRepository(db, lg)
	paramRepo := repository.NewPostgresParameterRepository(db, lg)
	results, resultCache := buildResults(cfg, db, lg)
	if resultCache != nil {
		defer func() {
			if err := resultCache.Close(); err != nil {
				lg.Warn("failed to close redis client", "error", err)
			}
		}()
	}

	pools := executor.NewPools(cfg.Executor, lg)

	orch := orchestrator.New(orchestrator.Config{
		Tasks:      taskRepo,
		Results:    results,
		Resolver:   params.NewResolver(paramRepo, cfg.Algorithm.DefaultParameterName),
		Aggregator: sales.NewAggregator(repository.NewPostgresSalesSource(db, lg), repository.NewPostgresStockCalendar(db, lg), lg),
		Engine:     classify.NewEngine(),
		Algorithm:  pools.Algorithm,
		Files:      pools.File,
		Cache:      cacheOrNil(resultCache),
		Archiver:   export.NewArchiver(cfg.Export.Dir, notify.New(cfg.Email), lg),
		RunTimeout: cfg.Algorithm.RunTimeout,
		Log:        lg,
	})

	// Nothing executes yet, so every unfinished task belongs to a dead process.
	if _, err := orch.RecoverInterrupted(ctx); err != nil {
		return err
	}

	// Pools outlive the signal context so in-flight runs can drain on shutdown.
	pools.Start(context.Background())

	if cfg.Log.Mode == "prod" || cfg.Log.Mode == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	handler := api.NewAPI(api.Config{
		Runner:               orch,
		Tasks:                taskRepo,
		Results:              results,
		Parameters:           paramRepo,
		Dashboard:            dashboard.NewDashboard(taskRepo, pools.Algorithm, pools.File),
		Health:               db,
		DefaultParameterName: cfg.Algorithm.DefaultParameterName,
		RetentionDays:        cfg.Algorithm.TaskRetentionDays,
		Log:                  lg,
	})

	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: handler,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		lg.Info("server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		startMetricsCollector(gctx, pools, lg)
		return nil
	})

	g.Go(func() error {
		startRetentionSweeper(gctx, taskRepo, cfg.Algorithm.TaskRetentionDays, lg)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		lg.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		httpErr := srv.Shutdown(shutdownCtx)
		poolErr := pools.Shutdown(shutdownCtx)
		return errors.Join(httpErr, poolErr)
	})

	return g.Wait()
}

// buildResults wraps the Postgres result store with the Redis cache when one
// is configured and reachable.
func buildResults(cfg *config.Config, db *sql.DB, lg *logger.Logger) (repository.ResultRepository, *cache.ResultCache) {
	store := repository.NewPostgresResultRepository(db, lg)
	if cfg.Redis.Addr == "" {
		return store, nil
	}

	client, err := cache.NewRedisClient(cfg.Redis)
	if err != nil {
		lg.Warn("result cache disabled", "addr", cfg.Redis.Addr, "error", err)
		return store, nil
	}

	lg.Info("result cache enabled", "addr", cfg.Redis.Addr, "ttl", cfg.Redis.CacheTTL)
	rc := cache.NewResultCache(store, client, cfg.Redis.CacheTTL, lg)
	return rc, rc
}

// cacheOrNil avoids handing the orchestrator a typed nil interface.
func cacheOrNil(rc *cache.ResultCache) orchestrator.ResultCache {
	if rc == nil {
		return nil
	}
	return rc
}

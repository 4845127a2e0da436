// Command server runs the task orchestration engine: the command API,
// the WebSocket fan-out, and the context cache, backed by Postgres and
// optionally Redis.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/taskmesh/taskmesh/pkg/api"
	"github.com/taskmesh/taskmesh/pkg/api/websocket"
	"github.com/taskmesh/taskmesh/pkg/auth"
	"github.com/taskmesh/taskmesh/pkg/cache"
	"github.com/taskmesh/taskmesh/pkg/common/config"
	"github.com/taskmesh/taskmesh/pkg/observability"
	"github.com/taskmesh/taskmesh/pkg/repository/postgres"
	"github.com/taskmesh/taskmesh/pkg/services"
)

// Exit codes: 0 clean, 1 configuration error, 2 storage unreachable
const (
	exitOK           = 0
	exitConfigError  = 1
	exitStorageError = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		observability.NewStandardLogger("server").Error("configuration error", map[string]interface{}{"error": err.Error()})
		return exitConfigError
	}

	logger := observability.NewStandardLoggerWithLevel("server", observability.ParseLogLevel(cfg.Logging.Level))
	registry := prometheus.NewRegistry()
	metrics := observability.NewPrometheusMetricsClient("taskmesh", registry)

	tracer := observability.NoopStartSpan
	shutdownTracing := func(context.Context) error { return nil }
	if cfg.Tracing.Enabled {
		tracer, shutdownTracing, err = observability.InitTracing(context.Background(), observability.TracingConfig{
			Enabled:  true,
			Endpoint: cfg.Tracing.Endpoint,
		})
		if err != nil {
			logger.Error("tracing init failed", map[string]interface{}{"error": err.Error()})
			return exitConfigError
		}
	}

	writeDB, readDB, err := openDatabases(cfg, logger)
	if err != nil {
		logger.Error("database unreachable", map[string]interface{}{"error": err.Error()})
		return exitStorageError
	}
	defer writeDB.Close()
	if readDB != writeDB {
		defer readDB.Close()
	}

	if err := runMigrations(cfg, logger); err != nil {
		logger.Error("migrations failed", map[string]interface{}{"error": err.Error()})
		return exitStorageError
	}

	backend, err := openCache(cfg, logger)
	if err != nil {
		logger.Error("cache unreachable", map[string]interface{}{"error": err.Error()})
		return exitStorageError
	}
	defer backend.Close()
	contextCache := cache.NewContextCache(backend, cfg.Engine.ContextCacheTTL, logger, metrics)

	authService := auth.NewService(auth.ServiceConfig{
		Secret: cfg.Auth.JWTSecret,
		Issuer: cfg.Auth.Issuer,
	}, nil, logger)

	hub := websocket.NewHub(authService, logger, metrics)
	defer hub.Close()

	projectRepo := postgres.NewProjectRepository(writeDB, readDB, logger, tracer, metrics)
	branchRepo := postgres.NewBranchRepository(writeDB, readDB, logger, tracer, metrics)
	taskRepo := postgres.NewTaskRepository(writeDB, readDB, logger, tracer, metrics)
	subtaskRepo := postgres.NewSubtaskRepository(writeDB, readDB, logger, tracer, metrics)
	contextRepo := postgres.NewContextRepository(writeDB, readDB, logger, tracer, metrics)
	delegRepo := postgres.NewDelegationRepository(writeDB, readDB, logger, tracer, metrics)
	agentRepo := postgres.NewAgentRepository(writeDB, readDB, logger, tracer, metrics)

	svcConfig := services.NewServiceConfig(logger, metrics, tracer)
	contextSvc := services.NewContextService(svcConfig, contextRepo, delegRepo, branchRepo, taskRepo, contextCache, hub)
	agentSvc := services.NewAgentService(svcConfig, agentRepo, branchRepo, hub)
	catalog, _ := agentSvc.(services.AgentCatalog)
	taskSvc := services.NewTaskService(svcConfig, taskRepo, subtaskRepo, branchRepo, contextSvc, catalog, hub)
	subtaskSvc := services.NewSubtaskService(svcConfig, subtaskRepo, taskRepo, contextSvc, hub)
	projectSvc := services.NewProjectService(svcConfig, projectRepo, contextSvc, hub)
	branchSvc := services.NewBranchService(svcConfig, branchRepo, projectRepo, contextSvc, hub)

	server, err := api.NewServer(api.Config{
		Logger:    logger,
		Metrics:   metrics,
		Tracer:    tracer,
		Auth:      authService,
		Enforcer:  api.NewEnforcer(api.ParseEnforcementLevel(cfg.Engine.EnforcementLevel), logger, metrics),
		Optimizer: api.NewOptimizer(cfg.Engine.ResponseOptimization, logger),
		Hub:       hub,
		Registry:  registry,
		Projects:  projectSvc,
		Branches:  branchSvc,
		Tasks:     taskSvc,
		Subtasks:  subtaskSvc,
		Contexts:  contextSvc,
		Agents:    agentSvc,
	})
	if err != nil {
		logger.Error("server setup failed", map[string]interface{}{"error": err.Error()})
		return exitConfigError
	}

	httpServer := &http.Server{
		Addr:         cfg.Server.ListenAddress,
		Handler:      server.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", map[string]interface{}{"address": cfg.Server.ListenAddress})
		errCh <- httpServer.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", map[string]interface{}{"error": err.Error()})
			return exitStorageError
		}
	case sig := <-stop:
		logger.Info("shutting down", map[string]interface{}{"signal": sig.String()})
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			logger.Warn("shutdown incomplete", map[string]interface{}{"error": err.Error()})
		}
		if err := shutdownTracing(ctx); err != nil {
			logger.Warn("tracer shutdown failed", map[string]interface{}{"error": err.Error()})
		}
	}
	return exitOK
}

func openDatabases(cfg *config.Config, logger observability.Logger) (writeDB, readDB *sqlx.DB, err error) {
	writeDB, err = sqlx.Connect("postgres", cfg.Database.DSN)
	if err != nil {
		return nil, nil, err
	}
	writeDB.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	writeDB.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	writeDB.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)

	readDB = writeDB
	if cfg.Database.ReadDSN != "" && cfg.Database.ReadDSN != cfg.Database.DSN {
		readDB, err = sqlx.Connect("postgres", cfg.Database.ReadDSN)
		if err != nil {
			logger.Warn("read replica unreachable, using primary", map[string]interface{}{"error": err.Error()})
			readDB = writeDB
		} else {
			readDB.SetMaxOpenConns(cfg.Database.MaxOpenConns)
			readDB.SetMaxIdleConns(cfg.Database.MaxIdleConns)
			readDB.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)
		}
	}
	return writeDB, readDB, nil
}

func runMigrations(cfg *config.Config, logger observability.Logger) error {
	db, err := sqlx.Connect("postgres", cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer db.Close()

	driver, err := migratepg.WithInstance(db.DB, &migratepg.Config{})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithDatabaseInstance("file://"+cfg.Database.MigrationsPath, "postgres", driver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	logger.Info("migrations applied", map[string]interface{}{"path": cfg.Database.MigrationsPath})
	return nil
}

func openCache(cfg *config.Config, logger observability.Logger) (cache.Cache, error) {
	if cfg.Redis.Address == "" {
		logger.Info("no redis configured, using in-memory cache", nil)
		return cache.NewMemoryCache(4096, cfg.Engine.ContextCacheTTL), nil
	}
	return cache.NewRedisCache(cache.RedisConfig{
		Address:  cfg.Redis.Address,
		Password: cfg.Redis.Password,
		Database: cfg.Redis.DB,
	})
}

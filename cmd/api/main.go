package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/Dzakiart19/hostingtele/internal/app/migrate"
	"github.com/Dzakiart19/hostingtele/internal/docker"
	httpx "github.com/Dzakiart19/hostingtele/internal/http"
	"github.com/Dzakiart19/hostingtele/internal/repository"
	"github.com/Dzakiart19/hostingtele/internal/repository/memory"
	"github.com/Dzakiart19/hostingtele/internal/repository/postgres"
	"github.com/Dzakiart19/hostingtele/internal/runtime"
	"github.com/Dzakiart19/hostingtele/internal/service/auth"
	"github.com/Dzakiart19/hostingtele/internal/service/deploy"
	"github.com/Dzakiart19/hostingtele/internal/service/lifecycle"
	"github.com/Dzakiart19/hostingtele/internal/service/logs"
	"github.com/Dzakiart19/hostingtele/internal/service/project"
	"github.com/Dzakiart19/hostingtele/internal/storage"
	"github.com/Dzakiart19/hostingtele/internal/telegram"
	"github.com/Dzakiart19/hostingtele/internal/workspace"
	"github.com/Dzakiart19/hostingtele/internal/ws"
	"github.com/Dzakiart19/hostingtele/pkg/config"
	"github.com/Dzakiart19/hostingtele/pkg/logger"
)

const (
	shutdownTimeout   = 30 * time.Second
	telegramTimeout   = 10 * time.Second
	readHeaderTimeout = 5 * time.Second
)

func main() {
	if err := config.LoadFile(os.Getenv("CONFIG_FILE")); err != nil {
		logger.New("api", slog.LevelInfo).Error("failed to load config file", "error", err)
		os.Exit(1)
	}
	cfg := config.LoadAPIConfig()
	builderCfg := config.LoadBuilderConfig()
	log := logger.New("api", logger.ParseLevel(cfg.LogLevel))

	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, builderCfg, log); err != nil {
		log.Error("api exited with error", "error", err)
		os.Exit(1)
	}
	log.Info("api server stopped")
}

func run(ctx context.Context, cfg config.APIConfig, builderCfg config.BuilderConfig, log *slog.Logger) error {
	store, dbPing, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	dockerClient, err := docker.New(builderCfg.DockerHost)
	if err != nil {
		return err
	}
	defer dockerClient.Close()
	if err := dockerClient.Ping(ctx); err != nil {
		log.Warn("docker daemon unreachable at startup", "error", err)
	}

	workspaces, err := workspace.New(builderCfg.Workdir)
	if err != nil {
		return fmt.Errorf("prepare build workdir: %w", err)
	}
	archives, err := openArchiveStore(ctx, cfg)
	if err != nil {
		return err
	}

	hub := ws.NewHub()
	defer hub.Close()
	logSvc := logs.New(store, hub, log)

	limits := deploy.Limits{
		MaxArchiveBytes:   cfg.MaxArchiveBytes,
		MaxExtractedBytes: cfg.MaxExtractedBytes,
		MaxEntries:        cfg.MaxArchiveEntries,
	}
	builder := deploy.NewBuilder(dockerClient, archives, workspaces, logSvc, log, builderCfg, limits)
	manager := lifecycle.New(store, dockerClient, builder, archives, logSvc, log, lifecycle.Options{
		Workers:   builderCfg.BuildWorkers,
		StopGrace: builderCfg.StopGracePeriod,
		Limits: runtime.Limits{
			NanoCPUs:    builderCfg.CPUMilli * 1_000_000,
			MemoryBytes: builderCfg.MemoryMB << 20,
			PidsLimit:   builderCfg.PidsLimit,
		},
		ContainerPrefix: builderCfg.ContainerPrefix,
		ErrorLogLimit:   builderCfg.ErrorLogLimit,
		TailLines:       builderCfg.ErrorLogTailLines,
		EncryptionKey:   cfg.EncryptionKey,
		PurgeLogs:       builderCfg.PurgeLogsOnDelete,
	})

	deployOpts := deploy.Options{EncryptionKey: cfg.EncryptionKey, Limits: limits}
	if cfg.VerifyBotToken {
		deployOpts.Verifier = telegram.New(cfg.TelegramAPIURL, telegramTimeout)
	}
	deploySvc := deploy.New(store, archives, manager, logSvc, log, deployOpts)
	authSvc := auth.New(store, log, cfg)
	projectSvc := project.New(store)

	if err := manager.Reconcile(ctx); err != nil {
		log.Error("startup reconcile incomplete", "error", err)
	}

	limiter, err := newRateLimiter(ctx, cfg, log)
	if err != nil {
		return err
	}

	router := httpx.NewRouter(httpx.Dependencies{
		Logger:    log,
		Auth:      authSvc,
		Projects:  projectSvc,
		Deploy:    deploySvc,
		Lifecycle: manager,
		Logs:      logSvc,
		Limiter:   limiter,
		Health: []httpx.HealthCheck{
			{Name: "database", Check: dbPing},
			{Name: "docker", Check: dockerClient.Ping},
			{Name: "archives", Check: archives.Ping},
		},
		MaxArchiveBytes: cfg.MaxArchiveBytes,
	})
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		log.Info("api server starting", "addr", cfg.Addr, "store", cfg.StoreDriver, "archives", cfg.ArchiveStore)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve http: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		if err := manager.Shutdown(shutdownCtx); err != nil {
			log.Warn("lifecycle shutdown incomplete", "error", err)
		}
		return nil
	})
	return group.Wait()
}

func openStore(ctx context.Context, cfg config.APIConfig, log *slog.Logger) (repository.Store, func(context.Context) error, func(), error) {
	if cfg.StoreDriver == "memory" {
		log.Warn("using in-memory store, data is lost on restart")
		return memory.New(), func(context.Context) error { return nil }, func() {}, nil
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("connect database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, nil, fmt.Errorf("ping database: %w", err)
	}
	runner, err := migrate.New(cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		pool.Close()
		return nil, nil, nil, fmt.Errorf("configure migrations: %w", err)
	}
	if err := runner.Ensure(ctx); err != nil {
		pool.Close()
		return nil, nil, nil, err
	}
	return postgres.New(pool), pool.Ping, pool.Close, nil
}

func openArchiveStore(ctx context.Context, cfg config.APIConfig) (storage.ArchiveStore, error) {
	if cfg.ArchiveStore == "minio" {
		return storage.NewMinIOStore(ctx, storage.MinIOConfig{
			Endpoint:  cfg.MinIOEndpoint,
			AccessKey: cfg.MinIOAccessKey,
			SecretKey: cfg.MinIOSecretKey,
			Bucket:    cfg.MinIOBucket,
			UseSSL:    cfg.MinIOUseSSL,
		})
	}
	return storage.NewDiskStore(cfg.ArchiveDir)
}

func newRateLimiter(ctx context.Context, cfg config.APIConfig, log *slog.Logger) (httpx.RateLimiter, error) {
	if cfg.RateLimitBackend != "redis" {
		return httpx.NewMemoryRateLimiter(), nil
	}
	limiter, err := httpx.NewRedisRateLimiter(ctx, cfg.RateLimitRedisAddr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
	if err != nil {
		log.Warn("redis rate limiter unavailable, falling back to memory", "error", err)
		return httpx.NewMemoryRateLimiter(), nil
	}
	return limiter, nil
}

package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"time"

	"github.com/Dzakiart19/hostingtele/internal/app/migrate"
	"github.com/Dzakiart19/hostingtele/pkg/config"
	"github.com/Dzakiart19/hostingtele/pkg/logger"
)

func main() {
	command := flag.String("command", "up", "migrate command (up|status|down)")
	timeout := flag.Duration("timeout", time.Minute, "command timeout")
	target := flag.Int64("target", 0, "target version for down command (optional)")
	flag.Parse()

	log := logger.New("migrate", slog.LevelInfo)
	if err := config.LoadFile(os.Getenv("CONFIG_FILE")); err != nil {
		log.Error("failed to load config file", "error", err)
		os.Exit(1)
	}
	cfg := config.LoadAPIConfig()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	runner, err := migrate.New(cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		log.Error("failed to configure migration runner", "error", err)
		os.Exit(1)
	}

	switch *command {
	case "up":
		if err := runner.Ensure(ctx); err != nil {
			log.Error("failed to apply migrations", "error", err)
			os.Exit(1)
		}
	case "status":
		statuses, err := runner.Status(ctx)
		if err != nil {
			log.Error("failed to fetch migration status", "error", err)
			os.Exit(1)
		}
		for _, s := range statuses {
			log.Info("migration", "version", s.Version, "path", s.Path, "applied", s.Applied, "applied_at", s.AppliedAt)
		}
	case "down":
		if err := runner.Down(ctx, *target); err != nil {
			log.Error("failed to roll back migrations", "error", err)
			os.Exit(1)
		}
	default:
		log.Error("unsupported command", "command", *command)
		os.Exit(1)
	}

	log.Info("migration command completed", "command", *command)
}

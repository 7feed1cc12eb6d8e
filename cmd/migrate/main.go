package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shuttle-hq/shuttle-sub001/internal/app/migrate"
	"github.com/shuttle-hq/shuttle-sub001/pkg/config"
	"github.com/shuttle-hq/shuttle-sub001/pkg/logger"
)

const usage = "usage: migrate [-timeout d] [-target n] up|status|down"

func main() {
	timeout := flag.Duration("timeout", 2*time.Minute, "overall command timeout")
	target := flag.Int64("target", 0, "version to roll down to (down only)")
	flag.Parse()

	command := flag.Arg(0)
	if command == "" {
		command = "up"
	}

	cfg := config.LoadGatewayConfig()
	log := logger.New("migrate", slog.LevelInfo)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := run(ctx, cfg, log, command, *target); err != nil {
		log.Error("migration command failed", "command", command, "error", err)
		os.Exit(1)
	}
	log.Info("migration command completed", "command", command)
}

func run(ctx context.Context, cfg config.GatewayConfig, log *slog.Logger, command string, target int64) error {
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}

	runner, err := migrate.New(pool, cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		pool.Close()
		return fmt.Errorf("configure runner: %w", err)
	}
	defer runner.Close()

	if err := runner.Ping(ctx); err != nil {
		return err
	}

	switch command {
	case "up":
		return runner.Ensure(ctx)
	case "status":
		return runner.Status(ctx)
	case "down":
		return runner.Down(ctx, target)
	default:
		return fmt.Errorf("unknown command %q (%s)", command, usage)
	}
}

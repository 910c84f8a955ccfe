package main

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	_ "github.com/lib/pq"

	"github.com/example/ride-realtime/internal/config"
	"github.com/example/ride-realtime/internal/httpapi"
	"github.com/example/ride-realtime/internal/logging"
)

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", slog.Any("error", err))
		os.Exit(1)
	}

	if cfg.PGDSN != "" && cfg.RunMigrations {
		migrate(logger, cfg.PGDSN)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := httpapi.New(cfg, logger)
	if err := srv.Run(ctx); err != nil {
		logger.Error("server failed", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("server shut down")
}

func migrate(logger *slog.Logger, dsn string) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		logger.Error("migration db open failed", slog.Any("error", err))
		return
	}
	defer db.Close()
	b, err := os.ReadFile(filepath.Join("migrations", "001_create_ride_status.sql"))
	if err != nil {
		logger.Error("migration read failed", slog.Any("error", err))
		return
	}
	if _, err := db.Exec(string(b)); err != nil {
		logger.Error("migration exec failed", slog.Any("error", err))
		return
	}
	logger.Info("migration applied", slog.String("file", "001_create_ride_status.sql"))
}

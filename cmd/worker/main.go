// Command worker consumes file tracking jobs queued by the gateway when
// SECUREFILES_TRACKER=queue.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/dharsanguruparan/securefiles/internal/config"
	"github.com/dharsanguruparan/securefiles/internal/database"
	"github.com/dharsanguruparan/securefiles/internal/logger"
	"github.com/dharsanguruparan/securefiles/internal/repository"
	"github.com/dharsanguruparan/securefiles/internal/storage"
	"github.com/dharsanguruparan/securefiles/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	log := logger.Init(cfg.IsDev(), cfg.SentryDSN)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err = run(ctx, cfg, log)
	stop()
	logger.Flush()
	if err != nil {
		log.Error("worker stopped", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	pool, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	if err := database.EnsureSchema(ctx, pool); err != nil {
		return err
	}
	repo := repository.NewFileRepository(pool, cfg.TenantQuotaBytes)

	store, err := storage.Open(ctx, cfg)
	if err != nil {
		return fmt.Errorf("init storage: %w", err)
	}

	srv := asynq.NewServer(asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, asynq.Config{
		Concurrency: cfg.Workers,
	})
	processor := worker.NewProcessor(repo, store, log)

	go func() {
		<-ctx.Done()
		srv.Shutdown()
	}()

	log.Info("worker starting", "concurrency", cfg.Workers, "storage", cfg.StorageBackend)
	return srv.Run(processor.Handler())
}

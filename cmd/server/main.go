// Command server runs the securefiles gateway.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/dharsanguruparan/securefiles/internal/auth"
	"github.com/dharsanguruparan/securefiles/internal/config"
	"github.com/dharsanguruparan/securefiles/internal/database"
	"github.com/dharsanguruparan/securefiles/internal/logger"
	"github.com/dharsanguruparan/securefiles/internal/queue"
	"github.com/dharsanguruparan/securefiles/internal/repository"
	"github.com/dharsanguruparan/securefiles/internal/server"
	"github.com/dharsanguruparan/securefiles/internal/signedurl"
	"github.com/dharsanguruparan/securefiles/internal/signing"
	"github.com/dharsanguruparan/securefiles/internal/storage"
	"github.com/dharsanguruparan/securefiles/internal/tracking"
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
		log.Error("server stopped", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	codec, err := signing.NewCodec(cfg.SigningSecret)
	if err != nil {
		return fmt.Errorf("init codec: %w", err)
	}
	signer := signedurl.New(codec,
		signedurl.WithDefaultExpiry(cfg.DefaultExpiryMinutes),
		signedurl.WithUploadExpiry(cfg.UploadExpiryMinutes),
	)
	authn, err := auth.NewAuthenticator(cfg.JWTSecret)
	if err != nil {
		return fmt.Errorf("init auth: %w", err)
	}
	store, err := storage.Open(ctx, cfg)
	if err != nil {
		return fmt.Errorf("init storage: %w", err)
	}
	tracker, closeTracker, err := openTracker(ctx, cfg)
	if err != nil {
		return fmt.Errorf("init tracker: %w", err)
	}
	defer closeTracker()

	log.Info("gateway starting", "storage", cfg.StorageBackend, "tracker", cfg.Tracker)
	return server.New(cfg, signer, authn, store, tracker, log).Serve(ctx)
}

// openTracker builds the Tracker selected by cfg.Tracker and a func that
// releases its resources.
func openTracker(ctx context.Context, cfg *config.Config) (tracking.Tracker, func(), error) {
	switch cfg.Tracker {
	case "postgres":
		pool, err := database.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		if err := database.EnsureSchema(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return repository.NewFileRepository(pool, cfg.TenantQuotaBytes), pool.Close, nil
	case "queue":
		client := asynq.NewClient(asynq.RedisClientOpt{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		return queue.NewTracker(client), func() { _ = client.Close() }, nil
	default:
		return tracking.NewMemoryTracker(cfg.TenantQuotaBytes), func() {}, nil
	}
}

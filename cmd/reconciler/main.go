// The reconciler polls payment gateways for orders stuck in a pending
// payment state and auto-confirms deliveries past the grace window. It runs
// the reconciliation pass on a cron schedule until terminated.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/vietcart/api/internal/di"
	"github.com/vietcart/api/internal/platform/config"
	"github.com/vietcart/api/internal/platform/observability"
	"github.com/vietcart/api/internal/platform/secrets"
)

const tickTimeout = 5 * time.Minute

func main() {
	ctx := context.Background()

	baseLogger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("reconciler")
	ctx = observability.WithLogger(ctx, logger)

	envValues, err := config.EnvironmentValues()
	if err != nil {
		logger.Fatal("failed to read environment values", zap.Error(err))
	}

	fetcher, err := newSecretFetcher(ctx, logger, envValues)
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx,
		config.WithSecretResolver(config.SecretResolverFunc(fetcher.Resolve)),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Fatal("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	applyEmulatorHosts(cfg, logger)

	container, err := di.NewContainer(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to build dependency graph", zap.Error(err))
	}
	defer func() {
		if err := container.Close(); err != nil {
			logger.Warn("container close error", zap.Error(err))
		}
	}()

	reconciler, err := container.NewReconciler()
	if err != nil {
		logger.Fatal("failed to build reconciler", zap.Error(err))
	}

	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	scheduler := cron.New()
	_, err = scheduler.AddFunc(cfg.Reconcile.Schedule, func() {
		tickCtx, cancel := context.WithTimeout(runCtx, tickTimeout)
		defer cancel()

		stats, err := reconciler.Run(tickCtx)
		if err != nil {
			logger.Error("reconcile tick failed", zap.Error(err))
			return
		}
		logger.Info("reconcile tick done",
			zap.Int("checked", stats.Checked),
			zap.Int("paid", stats.Paid),
			zap.Int("expired", stats.Expired),
			zap.Int("failed", stats.Failed),
			zap.Int("confirmed", stats.Confirmed),
		)
	})
	if err != nil {
		logger.Fatal("invalid reconcile schedule",
			zap.String("schedule", cfg.Reconcile.Schedule), zap.Error(err))
	}

	logger.Info("reconciler started", zap.String("schedule", cfg.Reconcile.Schedule))
	scheduler.Start()

	<-runCtx.Done()
	logger.Info("shutdown signal received")
	<-scheduler.Stop().Done()
	logger.Info("reconciler stopped")
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	projectID := strings.TrimSpace(env["API_SECRETS_PROJECT_ID"])
	if projectID == "" {
		projectID = strings.TrimSpace(env["API_FIRESTORE_PROJECT_ID"])
	}

	opts := []secrets.Option{
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithProject(projectID),
	}
	if fallback := strings.TrimSpace(env["API_SECRETS_FALLBACK_FILE"]); fallback != "" {
		opts = append(opts, secrets.WithFallbackFile(fallback))
	}
	return secrets.NewFetcher(ctx, opts...)
}

func applyEmulatorHosts(cfg config.Config, logger *zap.Logger) {
	if host := strings.TrimSpace(cfg.Firestore.EmulatorHost); host != "" {
		_ = os.Setenv("FIRESTORE_EMULATOR_HOST", host)
		logger.Info("using firestore emulator", zap.String("host", host))
	}
	if host := strings.TrimSpace(cfg.PubSub.EmulatorHost); host != "" {
		_ = os.Setenv("PUBSUB_EMULATOR_HOST", host)
		logger.Info("using pubsub emulator", zap.String("host", host))
	}
}

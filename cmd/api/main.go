package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/vietcart/api/internal/di"
	"github.com/vietcart/api/internal/platform/config"
	"github.com/vietcart/api/internal/platform/observability"
	"github.com/vietcart/api/internal/platform/secrets"
)

const (
	shutdownTimeout        = 10 * time.Second
	dedupeCleanupInterval  = time.Hour
	dedupeCleanupBatchSize = 200
)

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

	logger := baseLogger.Named("api")
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
		config.WithRequiredSecrets(requiredSecretNames(envValues)...),
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

	cleanupCtx, cancelCleanup := context.WithCancel(ctx)
	var cleanupWG sync.WaitGroup
	startDedupeCleanup(cleanupCtx, &cleanupWG, container, logger.Named("idempotency"))
	defer func() {
		cancelCleanup()
		cleanupWG.Wait()
	}()

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      container.Handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdownCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", server.Addr))
		serveErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("http server failed", zap.Error(err))
		}
	case <-shutdownCtx.Done():
		logger.Info("shutdown signal received")
		drainCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(drainCtx); err != nil {
			logger.Warn("http server shutdown error", zap.Error(err))
		}
	}
	logger.Info("server stopped")
}

// newSecretFetcher builds the Secret Manager fetcher. The project defaults to
// the Firestore project so single-project deployments need no extra setting.
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

// requiredSecretNames marks gateway credentials mandatory once the matching
// gateway is enabled, so a misconfigured deployment fails at startup instead
// of at the first payment.
func requiredSecretNames(env map[string]string) []string {
	var names []string
	if strings.TrimSpace(env["API_MOMO_PARTNER_CODE"]) != "" {
		names = append(names, "MoMo.AccessKey", "MoMo.SecretKey")
	}
	if strings.TrimSpace(env["API_ZALOPAY_APP_ID"]) != "" {
		names = append(names, "ZaloPay.Key1", "ZaloPay.Key2")
	}
	if strings.TrimSpace(env["API_GHN_TOKEN"]) != "" {
		names = append(names, "GHN.Token")
	}
	return names
}

// applyEmulatorHosts points the Google clients at local emulators when
// configured. The client libraries read these variables at dial time.
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

// startDedupeCleanup periodically purges expired idempotency records.
func startDedupeCleanup(ctx context.Context, wg *sync.WaitGroup, container *di.Container, logger *zap.Logger) {
	store := container.IdempotencyStore
	if store == nil {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(dedupeCleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				runCtx, cancel := context.WithTimeout(ctx, time.Minute)
				removed, err := store.CleanupExpired(runCtx, time.Now().UTC(), dedupeCleanupBatchSize)
				cancel()
				if err != nil {
					logger.Error("cleanup error", zap.Error(err))
					continue
				}
				if removed > 0 {
					logger.Info("cleanup removed records", zap.Int("count", removed))
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

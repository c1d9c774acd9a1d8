// Package di assembles the runtime dependency graph: datastore provider,
// repositories, services, payment gateways, event publisher, and the HTTP
// router.
package di

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	domain "github.com/vietcart/api/internal/domain"
	"github.com/vietcart/api/internal/handlers"
	"github.com/vietcart/api/internal/jobs"
	"github.com/vietcart/api/internal/payments"
	"github.com/vietcart/api/internal/platform/config"
	pfirestore "github.com/vietcart/api/internal/platform/firestore"
	"github.com/vietcart/api/internal/platform/idempotency"
	"github.com/vietcart/api/internal/platform/observability"
	"github.com/vietcart/api/internal/reconcile"
	fsrepo "github.com/vietcart/api/internal/repositories/firestore"
	"github.com/vietcart/api/internal/services"
	"github.com/vietcart/api/internal/shipping"
)

const paymentCreateRateLimit = 30

// Container holds the wired runtime components. Build it once at startup and
// close it on shutdown.
type Container struct {
	Config    config.Config
	Logger    *zap.Logger
	Firestore *pfirestore.Provider

	Orders   services.OrderService
	Vouchers services.VoucherService
	Gateways *payments.Manager

	// IdempotencyStore backs submission dedupe; exposed for periodic cleanup.
	IdempotencyStore idempotency.Store

	Handler http.Handler

	pubsubClient *pubsub.Client
	eventTopic   *pubsub.Topic
}

// NewContainer wires the full dependency graph from configuration.
func NewContainer(ctx context.Context, cfg config.Config, logger *zap.Logger) (*Container, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Container{Config: cfg, Logger: logger}

	c.Firestore = pfirestore.NewProvider(pfirestore.Config{
		ProjectID:       cfg.Firestore.ProjectID,
		CredentialsFile: cfg.Firestore.CredentialsFile,
	})

	orderRepo, err := fsrepo.NewOrderRepository(c.Firestore)
	if err != nil {
		return nil, fmt.Errorf("build order repository: %w", err)
	}
	voucherRepo, err := fsrepo.NewVoucherRepository(c.Firestore)
	if err != nil {
		return nil, fmt.Errorf("build voucher repository: %w", err)
	}
	unitOfWork := pfirestore.NewUnitOfWork(c.Firestore)

	c.Vouchers, err = services.NewVoucherService(services.VoucherServiceDeps{
		Vouchers: voucherRepo,
	})
	if err != nil {
		return nil, fmt.Errorf("build voucher service: %w", err)
	}

	feeQuoter, err := shipping.NewClient(shipping.Config{
		Endpoint:       cfg.GHN.Endpoint,
		Token:          cfg.GHN.Token,
		ShopID:         cfg.GHN.ShopID,
		FromDistrictID: cfg.GHN.FromDistrictID,
		ServiceTypeID:  cfg.GHN.ServiceTypeID,
		WeightGrams:    cfg.GHN.WeightGrams,
	})
	if err != nil {
		return nil, fmt.Errorf("build shipping client: %w", err)
	}

	var events services.OrderEventPublisher
	if cfg.PubSub.OrderEventsTopic != "" {
		c.pubsubClient, err = pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("dial pubsub: %w", err)
		}
		c.eventTopic = c.pubsubClient.Topic(cfg.PubSub.OrderEventsTopic)
		events, err = jobs.NewPubSubOrderEventPublisher(c.eventTopic)
		if err != nil {
			return nil, fmt.Errorf("build event publisher: %w", err)
		}
	}

	c.Orders, err = services.NewOrderService(services.OrderServiceDeps{
		Orders:     orderRepo,
		Vouchers:   c.Vouchers,
		Fees:       feeQuoter,
		UnitOfWork: unitOfWork,
		Events:     events,
		Logger:     zapEventLogger(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("build order service: %w", err)
	}

	c.Gateways, err = buildGateways(cfg)
	if err != nil {
		return nil, err
	}

	c.Handler, err = c.buildRouter(ctx)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Close releases the datastore and messaging clients.
func (c *Container) Close() error {
	if c == nil {
		return nil
	}
	var errs []error
	if c.eventTopic != nil {
		c.eventTopic.Stop()
	}
	if c.pubsubClient != nil {
		if err := c.pubsubClient.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Firestore != nil {
		if err := c.Firestore.Close(); err != nil && !errors.Is(err, pfirestore.ErrProviderClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NewReconciler builds the reconciliation loop over the container's graph.
// The provider reset is wired as the reconnect hook so an unavailable tick
// re-dials before the next attempt.
func (c *Container) NewReconciler() (*reconcile.Reconciler, error) {
	orderRepo, err := fsrepo.NewOrderRepository(c.Firestore)
	if err != nil {
		return nil, fmt.Errorf("build order repository: %w", err)
	}
	if c.Gateways == nil {
		return nil, errors.New("reconciler requires at least one configured payment gateway")
	}
	return reconcile.New(reconcile.Deps{
		Orders:   orderRepo,
		Service:  c.Orders,
		Gateways: c.Gateways,
		Reconnect: func(context.Context) error {
			c.Firestore.Reset()
			return nil
		},
		Concurrency: c.Config.Reconcile.Concurrency,
		BatchLimit:  c.Config.Reconcile.BatchLimit,
		Grace:       c.Config.Reconcile.AutoConfirmGrace,
		Logger:      zapEventLogger(c.Logger),
	})
}

func buildGateways(cfg config.Config) (*payments.Manager, error) {
	registered := make(map[domain.PaymentMethod]payments.Gateway)

	if cfg.MoMo.PartnerCode != "" {
		momo, err := payments.NewMoMoGateway(payments.MoMoConfig{
			PartnerCode:     cfg.MoMo.PartnerCode,
			AccessKey:       cfg.MoMo.AccessKey,
			SecretKey:       cfg.MoMo.SecretKey,
			Endpoint:        cfg.MoMo.Endpoint,
			RedirectURL:     cfg.MoMo.RedirectURL,
			IPNURL:          cfg.MoMo.IPNURL,
			RequestType:     cfg.MoMo.RequestType,
			SimulateRefunds: cfg.MoMo.SimulateRefunds,
		})
		if err != nil {
			return nil, fmt.Errorf("build momo gateway: %w", err)
		}
		registered[domain.PaymentMethodMoMo] = momo
	}

	if cfg.ZaloPay.AppID != 0 {
		zalo, err := payments.NewZaloPayGateway(payments.ZaloPayConfig{
			AppID:           cfg.ZaloPay.AppID,
			Key1:            cfg.ZaloPay.Key1,
			Key2:            cfg.ZaloPay.Key2,
			Endpoint:        cfg.ZaloPay.Endpoint,
			CallbackURL:     cfg.ZaloPay.CallbackURL,
			AppUser:         cfg.ZaloPay.AppUser,
			SimulateRefunds: cfg.ZaloPay.SimulateRefunds,
		})
		if err != nil {
			return nil, fmt.Errorf("build zalopay gateway: %w", err)
		}
		registered[domain.PaymentMethodZaloPay] = zalo
	}

	if len(registered) == 0 {
		// COD-only deployment: order endpoints stay up, gateway routes are not mounted.
		return nil, nil
	}
	return payments.NewManager(registered)
}

func (c *Container) buildRouter(ctx context.Context) (http.Handler, error) {
	probes := map[string]handlers.ReadinessProbe{
		"firestore": func(ctx context.Context) error {
			_, err := c.Firestore.Client(ctx)
			return err
		},
	}

	opts := []handlers.Option{
		handlers.WithMiddlewares(
			observability.TraceMiddleware(c.Config.Firestore.ProjectID),
			observability.RequestLoggerMiddleware(c.Logger, c.Config.Firestore.ProjectID),
			observability.RecoveryMiddleware(c.Logger),
		),
		handlers.WithHealthHandlers(handlers.NewHealthHandlers(probes)),
		handlers.WithOrderRoutes(handlers.NewOrderHandlers(c.Orders).Routes),
	}

	client, err := c.Firestore.Client(ctx)
	if err != nil {
		return nil, fmt.Errorf("dial firestore: %w", err)
	}
	c.IdempotencyStore = idempotency.NewFirestoreStore(client)
	opts = append(opts, handlers.WithOrderMiddlewares(
		idempotency.Middleware(c.IdempotencyStore, idempotency.WithLogger(c.Logger)),
	))

	if c.Gateways != nil {
		paymentHandlers := handlers.NewPaymentHandlers(c.Orders, c.Gateways,
			handlers.WithCreateRateLimit(handlers.RateLimit(paymentCreateRateLimit, time.Minute)),
		)
		opts = append(opts, handlers.WithPaymentRoutes(paymentHandlers.Routes))
	}

	return handlers.NewRouter(opts...), nil
}

// zapEventLogger adapts zap to the event-style logging hook the services use.
func zapEventLogger(logger *zap.Logger) func(ctx context.Context, event string, fields map[string]any) {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(_ context.Context, event string, fields map[string]any) {
		zapFields := make([]zap.Field, 0, len(fields))
		for key, value := range fields {
			zapFields = append(zapFields, zap.Any(key, value))
		}
		logger.Info(event, zapFields...)
	}
}

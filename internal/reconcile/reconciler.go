// Package reconcile re-polls pending online payments against the gateways
// and auto-confirms delivered orders after the grace window. It runs as a
// periodic job; every tick is self-contained and safe to repeat.
package reconcile

import (
	"context"
	"errors"
	"sync"
	"time"

	domain "github.com/vietcart/api/internal/domain"
	"github.com/vietcart/api/internal/payments"
	"github.com/vietcart/api/internal/repositories"
	"github.com/vietcart/api/internal/services"
)

const (
	defaultConcurrency = 10
	defaultBatchLimit  = 500
	defaultGrace       = 48 * time.Hour
)

// Deps bundles collaborators required to construct the reconciler.
type Deps struct {
	Orders   repositories.OrderRepository
	Service  services.OrderService
	Gateways *payments.Manager
	// Reconnect re-establishes the datastore connection after an
	// unavailability error. Optional.
	Reconnect func(ctx context.Context) error
	// Concurrency caps in-flight gateway status checks per tick.
	Concurrency int
	BatchLimit  int
	Grace       time.Duration
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

// Stats summarises one reconciliation tick.
type Stats struct {
	Checked   int
	Paid      int
	Expired   int
	Failed    int
	Confirmed int
}

// Reconciler drives one reconciliation pass over pending payments.
type Reconciler struct {
	orders      repositories.OrderRepository
	service     services.OrderService
	gateways    *payments.Manager
	reconnect   func(ctx context.Context) error
	concurrency int
	batchLimit  int
	grace       time.Duration
	logger      func(context.Context, string, map[string]any)
}

// New wires dependencies into a Reconciler.
func New(deps Deps) (*Reconciler, error) {
	if deps.Orders == nil {
		return nil, errors.New("reconcile: order repository is required")
	}
	if deps.Service == nil {
		return nil, errors.New("reconcile: order service is required")
	}
	if deps.Gateways == nil {
		return nil, errors.New("reconcile: payment gateway manager is required")
	}

	concurrency := deps.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	batchLimit := deps.BatchLimit
	if batchLimit <= 0 {
		batchLimit = defaultBatchLimit
	}
	grace := deps.Grace
	if grace <= 0 {
		grace = defaultGrace
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &Reconciler{
		orders:      deps.Orders,
		service:     deps.Service,
		gateways:    deps.Gateways,
		reconnect:   deps.Reconnect,
		concurrency: concurrency,
		batchLimit:  batchLimit,
		grace:       grace,
		logger:      logger,
	}, nil
}

// Run executes one reconciliation tick: poll every pending online payment
// with bounded concurrency, then auto-confirm aged deliveries. Per-order
// failures are logged and skipped; one order must not abort the batch.
func (r *Reconciler) Run(ctx context.Context) (Stats, error) {
	var stats Stats

	pending, err := r.listPending(ctx)
	if err != nil {
		return stats, err
	}
	stats.Checked = len(pending)

	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, r.concurrency)

	for _, order := range pending {
		wg.Add(1)
		sem <- struct{}{}
		go func(order domain.Order) {
			defer wg.Done()
			defer func() { <-sem }()

			outcome := r.checkOrder(ctx, order)
			mu.Lock()
			switch outcome {
			case outcomePaid:
				stats.Paid++
			case outcomeExpired:
				stats.Expired++
			case outcomeFailed:
				stats.Failed++
			}
			mu.Unlock()
		}(order)
	}
	wg.Wait()

	confirmed, err := r.service.AutoConfirmDelivered(ctx, r.grace)
	if err != nil {
		r.logger(ctx, "reconcile.autoconfirm.failed", map[string]any{"error": err.Error()})
	}
	stats.Confirmed = confirmed

	r.logger(ctx, "reconcile.tick.done", map[string]any{
		"checked":   stats.Checked,
		"paid":      stats.Paid,
		"expired":   stats.Expired,
		"failed":    stats.Failed,
		"confirmed": stats.Confirmed,
	})
	return stats, nil
}

// listPending loads the batch, reconnecting once when the datastore reports
// itself unavailable.
func (r *Reconciler) listPending(ctx context.Context) ([]domain.Order, error) {
	pending, err := r.orders.ListPendingOnlinePayments(ctx, r.batchLimit)
	if err == nil {
		return pending, nil
	}

	var repoErr repositories.RepositoryError
	if r.reconnect != nil && errors.As(err, &repoErr) && repoErr.IsUnavailable() {
		r.logger(ctx, "reconcile.datastore.reconnect", map[string]any{"error": err.Error()})
		if rerr := r.reconnect(ctx); rerr != nil {
			return nil, rerr
		}
		return r.orders.ListPendingOnlinePayments(ctx, r.batchLimit)
	}
	return nil, err
}

type checkOutcome int

const (
	outcomePending checkOutcome = iota
	outcomePaid
	outcomeExpired
	outcomeFailed
)

func (r *Reconciler) checkOrder(ctx context.Context, order domain.Order) checkOutcome {
	status, err := r.gateways.QueryTransaction(ctx, order)
	if err != nil {
		r.logger(ctx, "reconcile.query.failed", map[string]any{
			"orderId": order.OrderID,
			"method":  string(order.PaymentMethod),
			"error":   err.Error(),
		})
		return outcomeFailed
	}

	switch status.State {
	case payments.StatePaid:
		_, err := r.service.MarkPaid(ctx, services.MarkPaidCommand{
			OrderID:       order.OrderID,
			TransactionID: status.TransactionID,
			RawResponse:   status.Raw,
		})
		if err != nil {
			r.logger(ctx, "reconcile.markpaid.failed", map[string]any{
				"orderId": order.OrderID,
				"error":   err.Error(),
			})
			return outcomeFailed
		}
		return outcomePaid
	case payments.StateFailed:
		_, err := r.service.MarkPaymentExpired(ctx, order.OrderID)
		if err != nil {
			r.logger(ctx, "reconcile.expire.failed", map[string]any{
				"orderId": order.OrderID,
				"error":   err.Error(),
			})
			return outcomeFailed
		}
		return outcomeExpired
	default:
		// Not final yet; the next tick retries.
		return outcomePending
	}
}

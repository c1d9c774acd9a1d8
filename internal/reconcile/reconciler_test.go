package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	domain "github.com/vietcart/api/internal/domain"
	"github.com/vietcart/api/internal/payments"
	"github.com/vietcart/api/internal/repositories"
	"github.com/vietcart/api/internal/services"
)

type stubOrderRepo struct {
	pending   []domain.Order
	listErrs  []error
	listCalls int
}

func (s *stubOrderRepo) Insert(ctx context.Context, order domain.Order) error { return nil }
func (s *stubOrderRepo) Update(ctx context.Context, order domain.Order) error { return nil }
func (s *stubOrderRepo) FindByID(ctx context.Context, id string) (domain.Order, error) {
	return domain.Order{}, nil
}
func (s *stubOrderRepo) FindByOrderID(ctx context.Context, orderID string) (domain.Order, error) {
	return domain.Order{}, nil
}
func (s *stubOrderRepo) List(ctx context.Context, filter repositories.OrderListFilter) ([]domain.Order, error) {
	return nil, nil
}
func (s *stubOrderRepo) ListDeliveredUnconfirmed(ctx context.Context, cutoff time.Time) ([]domain.Order, error) {
	return nil, nil
}

func (s *stubOrderRepo) ListPendingOnlinePayments(ctx context.Context, limit int) ([]domain.Order, error) {
	call := s.listCalls
	s.listCalls++
	if call < len(s.listErrs) && s.listErrs[call] != nil {
		return nil, s.listErrs[call]
	}
	return s.pending, nil
}

type unavailableErr struct{}

func (unavailableErr) Error() string        { return "datastore unavailable" }
func (unavailableErr) IsNotFound() bool     { return false }
func (unavailableErr) IsConflict() bool     { return false }
func (unavailableErr) IsUnavailable() bool  { return true }

type stubLifecycle struct {
	mu        sync.Mutex
	paid      []string
	expired   []string
	markErr   error
	confirmed int
}

func (s *stubLifecycle) Create(ctx context.Context, cmd services.CreateOrderCommand) (domain.Order, error) {
	return domain.Order{}, nil
}
func (s *stubLifecycle) Get(ctx context.Context, orderID string) (domain.Order, error) {
	return domain.Order{}, nil
}
func (s *stubLifecycle) List(ctx context.Context, filter repositories.OrderListFilter) ([]domain.Order, error) {
	return nil, nil
}
func (s *stubLifecycle) Cancel(ctx context.Context, cmd services.CancelOrderCommand) (domain.Order, error) {
	return domain.Order{}, nil
}
func (s *stubLifecycle) Update(ctx context.Context, cmd services.UpdateOrderCommand) (domain.Order, error) {
	return domain.Order{}, nil
}

func (s *stubLifecycle) MarkPaid(ctx context.Context, cmd services.MarkPaidCommand) (domain.Order, error) {
	if s.markErr != nil {
		return domain.Order{}, s.markErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paid = append(s.paid, cmd.OrderID)
	return domain.Order{OrderID: cmd.OrderID}, nil
}

func (s *stubLifecycle) MarkPaymentExpired(ctx context.Context, orderID string) (domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expired = append(s.expired, orderID)
	return domain.Order{OrderID: orderID}, nil
}

func (s *stubLifecycle) AttachPayment(ctx context.Context, cmd services.AttachPaymentCommand) (domain.Order, error) {
	return domain.Order{}, nil
}

func (s *stubLifecycle) RecordRefund(ctx context.Context, cmd services.RecordRefundCommand) (domain.Order, error) {
	return domain.Order{}, nil
}

func (s *stubLifecycle) AutoConfirmDelivered(ctx context.Context, grace time.Duration) (int, error) {
	return s.confirmed, nil
}

// stateGateway maps order ids to fixed provider outcomes and tracks its peak
// number of concurrent in-flight queries.
type stateGateway struct {
	states   map[string]payments.TransactionState
	errs     map[string]error
	delay    time.Duration
	inFlight atomic.Int64
	peak     atomic.Int64
}

func (g *stateGateway) CreateTransaction(ctx context.Context, req payments.CreateRequest) (payments.CreateResult, error) {
	return payments.CreateResult{}, nil
}
func (g *stateGateway) VerifyCallback(ctx context.Context, body []byte) (payments.CallbackResult, error) {
	return payments.CallbackResult{}, nil
}
func (g *stateGateway) Refund(ctx context.Context, req payments.RefundRequest) (payments.RefundResult, error) {
	return payments.RefundResult{}, nil
}
func (g *stateGateway) QueryRefund(ctx context.Context, refundID string) (payments.RefundStatus, error) {
	return payments.RefundStatus{}, nil
}

func (g *stateGateway) QueryTransaction(ctx context.Context, order domain.Order) (payments.StatusResult, error) {
	current := g.inFlight.Add(1)
	for {
		peak := g.peak.Load()
		if current <= peak || g.peak.CompareAndSwap(peak, current) {
			break
		}
	}
	if g.delay > 0 {
		time.Sleep(g.delay)
	}
	g.inFlight.Add(-1)

	if err, ok := g.errs[order.OrderID]; ok {
		return payments.StatusResult{}, err
	}
	state, ok := g.states[order.OrderID]
	if !ok {
		state = payments.StatePending
	}
	return payments.StatusResult{State: state, TransactionID: "tx-" + order.OrderID}, nil
}

func pendingOrder(orderID string, method domain.PaymentMethod) domain.Order {
	return domain.Order{
		ID:            "doc-" + orderID,
		OrderID:       orderID,
		PaymentMethod: method,
		PaymentStatus: domain.PaymentStatusPending,
	}
}

func newTestReconciler(t *testing.T, repo *stubOrderRepo, svc *stubLifecycle, gw payments.Gateway, reconnect func(context.Context) error) *Reconciler {
	t.Helper()
	mgr, err := payments.NewManager(map[domain.PaymentMethod]payments.Gateway{
		domain.PaymentMethodMoMo:    gw,
		domain.PaymentMethodZaloPay: gw,
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	rec, err := New(Deps{
		Orders:    repo,
		Service:   svc,
		Gateways:  mgr,
		Reconnect: reconnect,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return rec
}

func TestRunMapsProviderStates(t *testing.T) {
	repo := &stubOrderRepo{pending: []domain.Order{
		pendingOrder("OD-1", domain.PaymentMethodMoMo),
		pendingOrder("OD-2", domain.PaymentMethodZaloPay),
		pendingOrder("OD-3", domain.PaymentMethodMoMo),
	}}
	svc := &stubLifecycle{confirmed: 2}
	gw := &stateGateway{states: map[string]payments.TransactionState{
		"OD-1": payments.StatePaid,
		"OD-2": payments.StateFailed,
		"OD-3": payments.StatePending,
	}}

	rec := newTestReconciler(t, repo, svc, gw, nil)
	stats, err := rec.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if stats.Checked != 3 || stats.Paid != 1 || stats.Expired != 1 || stats.Failed != 0 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.Confirmed != 2 {
		t.Errorf("confirmed = %d, want 2", stats.Confirmed)
	}
	if len(svc.paid) != 1 || svc.paid[0] != "OD-1" {
		t.Errorf("paid = %v", svc.paid)
	}
	if len(svc.expired) != 1 || svc.expired[0] != "OD-2" {
		t.Errorf("expired = %v", svc.expired)
	}
}

func TestRunBoundsConcurrency(t *testing.T) {
	var orders []domain.Order
	for i := range 40 {
		orders = append(orders, pendingOrder(fmt.Sprintf("OD-%d", i), domain.PaymentMethodMoMo))
	}
	repo := &stubOrderRepo{pending: orders}
	gw := &stateGateway{delay: 5 * time.Millisecond}

	rec := newTestReconciler(t, repo, &stubLifecycle{}, gw, nil)
	if _, err := rec.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if peak := gw.peak.Load(); peak > defaultConcurrency {
		t.Errorf("peak concurrent queries = %d, want <= %d", peak, defaultConcurrency)
	}
}

func TestRunOneFailureDoesNotAbortBatch(t *testing.T) {
	repo := &stubOrderRepo{pending: []domain.Order{
		pendingOrder("OD-1", domain.PaymentMethodMoMo),
		pendingOrder("OD-2", domain.PaymentMethodMoMo),
		pendingOrder("OD-3", domain.PaymentMethodMoMo),
	}}
	svc := &stubLifecycle{}
	gw := &stateGateway{
		states: map[string]payments.TransactionState{
			"OD-1": payments.StatePaid,
			"OD-3": payments.StatePaid,
		},
		errs: map[string]error{"OD-2": errors.New("provider timeout")},
	}

	rec := newTestReconciler(t, repo, svc, gw, nil)
	stats, err := rec.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.Paid != 2 || stats.Failed != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestRunReconnectsOnUnavailable(t *testing.T) {
	repo := &stubOrderRepo{
		pending:  []domain.Order{pendingOrder("OD-1", domain.PaymentMethodMoMo)},
		listErrs: []error{unavailableErr{}},
	}
	reconnects := 0
	gw := &stateGateway{states: map[string]payments.TransactionState{"OD-1": payments.StatePaid}}
	svc := &stubLifecycle{}

	rec := newTestReconciler(t, repo, svc, gw, func(ctx context.Context) error {
		reconnects++
		return nil
	})
	stats, err := rec.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if reconnects != 1 {
		t.Errorf("reconnects = %d, want 1", reconnects)
	}
	if stats.Paid != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

package payments

import (
	"context"
	"errors"
	"testing"

	domain "github.com/vietcart/api/internal/domain"
)

type fakeGateway struct {
	created  int
	queried  int
	refunded int
}

func (f *fakeGateway) CreateTransaction(ctx context.Context, req CreateRequest) (CreateResult, error) {
	f.created++
	return CreateResult{PayURL: "https://pay.example.com/" + req.OrderID}, nil
}

func (f *fakeGateway) VerifyCallback(ctx context.Context, body []byte) (CallbackResult, error) {
	return CallbackResult{State: StatePaid}, nil
}

func (f *fakeGateway) QueryTransaction(ctx context.Context, order domain.Order) (StatusResult, error) {
	f.queried++
	return StatusResult{State: StatePending}, nil
}

func (f *fakeGateway) Refund(ctx context.Context, req RefundRequest) (RefundResult, error) {
	f.refunded++
	return RefundResult{RefundID: "rf-1"}, nil
}

func (f *fakeGateway) QueryRefund(ctx context.Context, refundID string) (RefundStatus, error) {
	return RefundStatus{State: StatePaid}, nil
}

func TestManagerRoutesByMethod(t *testing.T) {
	momo := &fakeGateway{}
	zalo := &fakeGateway{}
	mgr, err := NewManager(map[domain.PaymentMethod]Gateway{
		domain.PaymentMethodMoMo:    momo,
		domain.PaymentMethodZaloPay: zalo,
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	if _, err := mgr.CreateTransaction(context.Background(), domain.PaymentMethodMoMo, CreateRequest{OrderID: "OD-1", Amount: 1}); err != nil {
		t.Fatalf("CreateTransaction: %v", err)
	}
	if momo.created != 1 || zalo.created != 0 {
		t.Errorf("momo created = %d, zalo created = %d", momo.created, zalo.created)
	}

	order := domain.Order{OrderID: "OD-2", PaymentMethod: domain.PaymentMethodZaloPay}
	if _, err := mgr.QueryTransaction(context.Background(), order); err != nil {
		t.Fatalf("QueryTransaction: %v", err)
	}
	if zalo.queried != 1 || momo.queried != 0 {
		t.Errorf("zalo queried = %d, momo queried = %d", zalo.queried, momo.queried)
	}
}

func TestManagerRejectsUnsupportedMethod(t *testing.T) {
	mgr, err := NewManager(map[domain.PaymentMethod]Gateway{
		domain.PaymentMethodMoMo: &fakeGateway{},
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	if _, err := mgr.Gateway(domain.PaymentMethodZaloPay); !errors.Is(err, ErrUnsupportedMethod) {
		t.Fatalf("err = %v, want ErrUnsupportedMethod", err)
	}
	if _, err := mgr.Gateway(domain.PaymentMethodCOD); !errors.Is(err, ErrUnsupportedMethod) {
		t.Fatalf("err = %v, want ErrUnsupportedMethod", err)
	}
}

func TestManagerRejectsOfflineRegistration(t *testing.T) {
	_, err := NewManager(map[domain.PaymentMethod]Gateway{
		domain.PaymentMethodCOD: &fakeGateway{},
	})
	if err == nil {
		t.Fatal("expected error registering a gateway for COD")
	}
}

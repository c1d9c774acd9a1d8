package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	domain "github.com/vietcart/api/internal/domain"
)

// TransactionState normalises the provider result codes shared across gateways.
type TransactionState string

const (
	// StatePending indicates the provider has not reached a final verdict.
	StatePending TransactionState = "pending"
	// StatePaid indicates the provider confirmed the payment as settled.
	StatePaid TransactionState = "paid"
	// StateFailed indicates the provider reported a definitive failure,
	// expiry, or user cancellation.
	StateFailed TransactionState = "failed"
)

var (
	// ErrUnsupportedMethod is returned when the manager cannot locate a gateway.
	ErrUnsupportedMethod = errors.New("payments: unsupported payment method")
	// ErrSignatureMismatch is returned when a callback MAC or signature does
	// not match the recomputed value. The callback must be rejected without
	// mutating any order state.
	ErrSignatureMismatch = errors.New("payments: signature mismatch")
	// ErrMalformedCallback is returned when a callback payload cannot be decoded.
	ErrMalformedCallback = errors.New("payments: malformed callback payload")
	// ErrMissingTransaction is returned when a refund is attempted without a
	// previously recorded provider transaction id.
	ErrMissingTransaction = errors.New("payments: missing provider transaction id")
	// ErrProviderRejected is returned when the provider answers with a
	// non-success business code on a create or refund call.
	ErrProviderRejected = errors.New("payments: provider rejected request")
)

// CreateRequest carries the inputs for a provider "create transaction" call.
// IssuedAt anchors time-derived transaction references so a later status
// query can recompute the same reference from the stored order.
type CreateRequest struct {
	OrderID     string
	Amount      int64
	Description string
	AppUser     string
	IssuedAt    time.Time
}

// CreateResult is the provider response to a create call.
type CreateResult struct {
	PayURL         string
	TransactionRef string
	Raw            map[string]any
}

// CallbackResult is the verified, normalised content of a provider callback.
type CallbackResult struct {
	OrderID       string
	TransactionID string
	State         TransactionState
	Raw           map[string]any
}

// StatusResult is the outcome of a synchronous transaction status poll.
type StatusResult struct {
	State         TransactionState
	TransactionID string
	Raw           map[string]any
}

// RefundRequest asks the provider to return money for a settled transaction.
type RefundRequest struct {
	OrderID       string
	TransactionID string
	Amount        int64
	Description   string
}

// RefundResult reports the provider verdict on a refund attempt. Simulated is
// set when sandbox conditions short-circuited the provider call.
type RefundResult struct {
	RefundID  string
	Simulated bool
	Raw       map[string]any
}

// RefundStatus is the outcome of a refund status poll.
type RefundStatus struct {
	State TransactionState
	Raw   map[string]any
}

// Gateway is the uniform contract both provider adapters implement. Wire
// formats differ per provider; callers only see the normalised types above.
type Gateway interface {
	CreateTransaction(ctx context.Context, req CreateRequest) (CreateResult, error)
	// VerifyCallback authenticates and decodes a raw callback body. A
	// signature failure returns ErrSignatureMismatch and callers must not
	// touch order state.
	VerifyCallback(ctx context.Context, body []byte) (CallbackResult, error)
	// QueryTransaction polls the provider for the order's payment outcome.
	// Read-only on the provider side and safe to call repeatedly.
	QueryTransaction(ctx context.Context, order domain.Order) (StatusResult, error)
	Refund(ctx context.Context, req RefundRequest) (RefundResult, error)
	QueryRefund(ctx context.Context, refundID string) (RefundStatus, error)
}

// Manager routes gateway calls by payment method.
type Manager struct {
	gateways map[domain.PaymentMethod]Gateway
}

// NewManager constructs a Manager over the supplied gateways.
func NewManager(gateways map[domain.PaymentMethod]Gateway) (*Manager, error) {
	if len(gateways) == 0 {
		return nil, errors.New("payments: at least one gateway is required")
	}
	copyMap := make(map[domain.PaymentMethod]Gateway, len(gateways))
	for method, gw := range gateways {
		if !method.IsOnline() || gw == nil {
			return nil, fmt.Errorf("payments: invalid gateway registration for method %q", method)
		}
		copyMap[method] = gw
	}
	return &Manager{gateways: copyMap}, nil
}

// Gateway resolves the adapter for the given payment method.
func (m *Manager) Gateway(method domain.PaymentMethod) (Gateway, error) {
	if m == nil || len(m.gateways) == 0 {
		return nil, errors.New("payments: no gateways registered")
	}
	gw, ok := m.gateways[method]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedMethod, method)
	}
	return gw, nil
}

// CreateTransaction delegates to the resolved gateway.
func (m *Manager) CreateTransaction(ctx context.Context, method domain.PaymentMethod, req CreateRequest) (CreateResult, error) {
	gw, err := m.Gateway(method)
	if err != nil {
		return CreateResult{}, err
	}
	return gw.CreateTransaction(ctx, req)
}

// VerifyCallback delegates to the resolved gateway.
func (m *Manager) VerifyCallback(ctx context.Context, method domain.PaymentMethod, body []byte) (CallbackResult, error) {
	gw, err := m.Gateway(method)
	if err != nil {
		return CallbackResult{}, err
	}
	return gw.VerifyCallback(ctx, body)
}

// QueryTransaction delegates to the gateway matching the order's payment method.
func (m *Manager) QueryTransaction(ctx context.Context, order domain.Order) (StatusResult, error) {
	gw, err := m.Gateway(order.PaymentMethod)
	if err != nil {
		return StatusResult{}, err
	}
	return gw.QueryTransaction(ctx, order)
}

// Refund delegates to the resolved gateway.
func (m *Manager) Refund(ctx context.Context, method domain.PaymentMethod, req RefundRequest) (RefundResult, error) {
	gw, err := m.Gateway(method)
	if err != nil {
		return RefundResult{}, err
	}
	return gw.Refund(ctx, req)
}

// QueryRefund delegates to the resolved gateway.
func (m *Manager) QueryRefund(ctx context.Context, method domain.PaymentMethod, refundID string) (RefundStatus, error) {
	gw, err := m.Gateway(method)
	if err != nil {
		return RefundStatus{}, err
	}
	return gw.QueryRefund(ctx, refundID)
}

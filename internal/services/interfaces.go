package services

import (
	"context"
	"time"

	domain "github.com/vietcart/api/internal/domain"
	"github.com/vietcart/api/internal/repositories"
)

// CancelActor identifies who requested an order cancellation.
type CancelActor string

const (
	// CancelActorBuyer is the purchasing customer.
	CancelActorBuyer CancelActor = "buyer"
	// CancelActorSeller is the shop operator.
	CancelActorSeller CancelActor = "seller"
)

// CreateOrderItem is one requested order line.
type CreateOrderItem struct {
	ProductVariantID string
	Size             string
	Quantity         int64
	Price            int64
	Version          int64
}

// CreateOrderCommand carries checkout inputs for order creation.
type CreateOrderCommand struct {
	OrderID       string
	User          domain.UserSnapshot
	Receiver      domain.Receiver
	Items         []CreateOrderItem
	TotalPrice    int64
	PaymentMethod domain.PaymentMethod
	VoucherCode   string
}

// CancelOrderCommand requests an order cancellation.
type CancelOrderCommand struct {
	OrderID string
	Actor   CancelActor
	Reason  string
}

// ReceiverUpdate carries the mutable receiver sub-fields; nil fields are left as is.
type ReceiverUpdate struct {
	Name         *string
	Phone        *string
	Address      *string
	WardName     *string
	DistrictName *string
	CityName     *string
}

// UpdateOrderCommand carries a partial order update: a status transition on
// either axis, a receiver edit, or both in one call.
type UpdateOrderCommand struct {
	OrderID        string
	ShippingStatus *domain.ShippingStatus
	PaymentStatus  *domain.PaymentStatus
	Receiver       *ReceiverUpdate
}

// MarkPaidCommand records a gateway-confirmed settlement.
type MarkPaidCommand struct {
	OrderID       string
	TransactionID string
	RawResponse   map[string]any
}

// AttachPaymentCommand stores the redirect URL returned by a gateway create call.
type AttachPaymentCommand struct {
	OrderID     string
	PaymentURL  string
	RawResponse map[string]any
}

// RecordRefundCommand marks a requested refund as executed at the gateway.
type RecordRefundCommand struct {
	OrderID  string
	RefundID string
}

// OrderService is the order lifecycle engine: it enforces legal status
// transitions, computes monetary totals, applies vouchers atomically, and
// exposes cancel/confirm operations.
type OrderService interface {
	Create(ctx context.Context, cmd CreateOrderCommand) (domain.Order, error)
	Get(ctx context.Context, orderID string) (domain.Order, error)
	List(ctx context.Context, filter repositories.OrderListFilter) ([]domain.Order, error)
	Cancel(ctx context.Context, cmd CancelOrderCommand) (domain.Order, error)
	Update(ctx context.Context, cmd UpdateOrderCommand) (domain.Order, error)
	MarkPaid(ctx context.Context, cmd MarkPaidCommand) (domain.Order, error)
	MarkPaymentExpired(ctx context.Context, orderID string) (domain.Order, error)
	AttachPayment(ctx context.Context, cmd AttachPaymentCommand) (domain.Order, error)
	// RecordRefund persists the gateway refund id after a requested refund was
	// executed. Fails unless the order carries an open refund request.
	RecordRefund(ctx context.Context, cmd RecordRefundCommand) (domain.Order, error)
	// AutoConfirmDelivered confirms receipt of orders delivered longer than
	// the grace window. Returns the number of orders confirmed; re-running
	// against already confirmed orders is a no-op.
	AutoConfirmDelivered(ctx context.Context, grace time.Duration) (int, error)
}

// VoucherService is the voucher ledger: eligibility checks, discount math,
// and atomic redemption.
type VoucherService interface {
	// Validate checks all voucher invariants for the user and cart total and
	// returns the voucher with the discount it would grant.
	Validate(ctx context.Context, code string, userID string, cartTotal int64) (domain.Voucher, int64, error)
	// Redeem consumes one use. Must be invoked inside the same unit of work
	// that persists the order.
	Redeem(ctx context.Context, code string, userID string) (domain.Voucher, error)
	// Release returns a previously redeemed use when the checkout never
	// settled. A release for a code or user with no recorded redemption is a
	// no-op. Must run inside the same unit of work that closes the order.
	Release(ctx context.Context, code string, userID string) error
}

// FeeQuoter quotes a shipping fee for a receiver address. Implemented by the
// GHN client; treated as a black box returning a non-negative amount or failing.
type FeeQuoter interface {
	QuoteFee(ctx context.Context, receiver domain.Receiver) (int64, error)
}

// OrderEvent captures metadata for emitted order domain events. Downstream
// consumers (email, Telegram notifiers) subscribe to the topic.
type OrderEvent struct {
	Type           string
	OrderID        string
	UserEmail      string
	PreviousStatus string
	CurrentStatus  string
	Actor          string
	OccurredAt     time.Time
	Metadata       map[string]any
}

// OrderEventPublisher publishes order domain events for downstream consumers.
type OrderEventPublisher interface {
	PublishOrderEvent(ctx context.Context, event OrderEvent) error
}

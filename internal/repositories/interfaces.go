package repositories

import (
	"context"
	"time"

	domain "github.com/vietcart/api/internal/domain"
)

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// UnitOfWork allows grouping repository operations in a transactional boundary when supported.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// OrderListFilter narrows order listings. StartAfter carries cursor values
// matching the listing order (createdAt, then orderId) to resume a page.
type OrderListFilter struct {
	UserID         string
	PaymentStatus  *domain.PaymentStatus
	ShippingStatus *domain.ShippingStatus
	Limit          int
	StartAfter     []any
}

// OrderRepository persists order documents keyed by the internal document id,
// with lookups by the external gateway-facing order id.
type OrderRepository interface {
	Insert(ctx context.Context, order domain.Order) error
	Update(ctx context.Context, order domain.Order) error
	FindByID(ctx context.Context, id string) (domain.Order, error)
	FindByOrderID(ctx context.Context, orderID string) (domain.Order, error)
	List(ctx context.Context, filter OrderListFilter) ([]domain.Order, error)
	// ListPendingOnlinePayments returns orders paid through a gateway whose
	// payment status is still pending; consumed by the reconciliation loop.
	// A positive limit caps the batch size.
	ListPendingOnlinePayments(ctx context.Context, limit int) ([]domain.Order, error)
	// ListDeliveredUnconfirmed returns orders delivered before the cutoff and
	// not yet confirmed received; consumed by the auto-confirm batch.
	ListDeliveredUnconfirmed(ctx context.Context, deliveredBefore time.Time) ([]domain.Order, error)
}

// VoucherRepository owns voucher definitions and their usage ledger.
type VoucherRepository interface {
	FindByCode(ctx context.Context, code string) (domain.Voucher, error)
	// Redeem consumes one use of the voucher for the user. The write predicate
	// (quantity > 0, user not in usedBy) is re-checked inside the storage
	// transaction, so concurrent checkouts cannot over-redeem. A failed
	// predicate surfaces as a conflict RepositoryError.
	Redeem(ctx context.Context, code string, userID string) (domain.Voucher, error)
	// Release undoes a redemption for the user: usage is removed and the
	// remaining quantity restored. Releasing a code the user never redeemed,
	// or an unknown code, is a no-op.
	Release(ctx context.Context, code string, userID string) error
}

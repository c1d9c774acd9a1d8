package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/vietcart/api/internal/domain"
	"github.com/vietcart/api/internal/repositories"
)

const (
	orderEventCreated        = "order.created"
	orderEventStatusChanged  = "order.status.changed"
	orderEventPaid           = "order.paid"
	orderEventCanceled       = "order.canceled"
	orderEventPaymentExpired = "order.payment.expired"
	orderEventAutoConfirmed  = "order.receipt.confirmed"
	orderEventRefunded       = "order.refunded"
)

var (
	// ErrOrderInvalidInput signals the caller provided invalid data.
	ErrOrderInvalidInput = errors.New("order: invalid input")
	// ErrOrderNotFound indicates the order could not be located.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrOrderInvalidState indicates an invalid status transition was attempted.
	ErrOrderInvalidState = errors.New("order: invalid status transition")
	// ErrOrderConflict indicates optimistic concurrency conflicts or duplicates.
	ErrOrderConflict = errors.New("order: conflict")
	// ErrFeeQuote indicates the shipping fee collaborator failed; order creation aborts.
	ErrFeeQuote = errors.New("order: shipping fee unavailable")
)

var shippingTransitions = map[domain.ShippingStatus][]domain.ShippingStatus{
	domain.ShippingStatusPendingConfirm: {domain.ShippingStatusConfirmed, domain.ShippingStatusBuyerCanceled, domain.ShippingStatusSellerCanceled},
	domain.ShippingStatusConfirmed:      {domain.ShippingStatusDelivering, domain.ShippingStatusSellerCanceled},
	domain.ShippingStatusDelivering:     {domain.ShippingStatusDelivered, domain.ShippingStatusDeliveryFailed},
	domain.ShippingStatusDeliveryFailed: {domain.ShippingStatusSellerCanceled},
}

var paymentTransitions = map[domain.PaymentStatus][]domain.PaymentStatus{
	domain.PaymentStatusPending: {domain.PaymentStatusPaid, domain.PaymentStatusExpired},
}

// buyerCancellableShipping lists the shipping states a buyer may cancel from.
// Orders still on the payment axis (pending or just paid) sit in
// pending-confirm on the shipping axis, so payment-stage cancellations are
// covered by the same set.
var buyerCancellableShipping = []domain.ShippingStatus{
	domain.ShippingStatusPendingConfirm,
	domain.ShippingStatusConfirmed,
}

// OrderServiceDeps bundles collaborators required to construct the order service.
type OrderServiceDeps struct {
	Orders      repositories.OrderRepository
	Vouchers    VoucherService
	Fees        FeeQuoter
	UnitOfWork  repositories.UnitOfWork
	Clock       func() time.Time
	IDGenerator func() string
	Events      OrderEventPublisher
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type orderService struct {
	orders     repositories.OrderRepository
	vouchers   VoucherService
	fees       FeeQuoter
	unitOfWork repositories.UnitOfWork
	clock      func() time.Time
	newID      func() string
	events     OrderEventPublisher
	logger     func(context.Context, string, map[string]any)
}

// NewOrderService wires dependencies into a concrete OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	if deps.Fees == nil {
		return nil, errors.New("order service: fee quoter is required")
	}

	unit := deps.UnitOfWork
	if unit == nil {
		unit = noopUnitOfWork{}
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &orderService{
		orders:     deps.Orders,
		vouchers:   deps.Vouchers,
		fees:       deps.Fees,
		unitOfWork: unit,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		events: deps.Events,
		logger: logger,
	}, nil
}

func (s *orderService) Create(ctx context.Context, cmd CreateOrderCommand) (domain.Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return domain.Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	if strings.TrimSpace(cmd.User.ID) == "" {
		return domain.Order{}, fmt.Errorf("%w: user id is required", ErrOrderInvalidInput)
	}
	if len(cmd.Items) == 0 {
		return domain.Order{}, fmt.Errorf("%w: order must contain at least one item", ErrOrderInvalidInput)
	}
	switch cmd.PaymentMethod {
	case domain.PaymentMethodCOD, domain.PaymentMethodMoMo, domain.PaymentMethodZaloPay:
	default:
		return domain.Order{}, fmt.Errorf("%w: unsupported payment method %q", ErrOrderInvalidInput, cmd.PaymentMethod)
	}

	items := make([]domain.OrderItem, 0, len(cmd.Items))
	var itemTotal int64
	for _, item := range cmd.Items {
		if strings.TrimSpace(item.ProductVariantID) == "" {
			return domain.Order{}, fmt.Errorf("%w: item product variant id is required", ErrOrderInvalidInput)
		}
		if item.Quantity <= 0 {
			return domain.Order{}, fmt.Errorf("%w: item quantity must be positive", ErrOrderInvalidInput)
		}
		if item.Price < 0 {
			return domain.Order{}, fmt.Errorf("%w: item price must not be negative", ErrOrderInvalidInput)
		}
		itemTotal += item.Price * item.Quantity
		items = append(items, domain.OrderItem{
			ProductVariantID: item.ProductVariantID,
			Size:             item.Size,
			Quantity:         item.Quantity,
			Price:            item.Price,
			Version:          item.Version,
		})
	}

	// The declared total is recomputed from the lines rather than trusted.
	if cmd.TotalPrice != itemTotal {
		return domain.Order{}, fmt.Errorf("%w: declared total %d does not match items total %d", ErrOrderInvalidInput, cmd.TotalPrice, itemTotal)
	}

	fee, err := s.fees.QuoteFee(ctx, cmd.Receiver)
	if err != nil {
		return domain.Order{}, fmt.Errorf("%w: %v", ErrFeeQuote, err)
	}
	if fee < 0 {
		return domain.Order{}, fmt.Errorf("%w: negative shipping fee %d", ErrFeeQuote, fee)
	}

	var discount int64
	var voucherSnapshot *domain.VoucherSnapshot
	voucherCode := strings.TrimSpace(cmd.VoucherCode)
	if voucherCode != "" {
		if s.vouchers == nil {
			return domain.Order{}, fmt.Errorf("%w: voucher service not configured", ErrOrderInvalidInput)
		}
		voucher, amount, err := s.vouchers.Validate(ctx, voucherCode, cmd.User.ID, itemTotal)
		if err != nil {
			return domain.Order{}, err
		}
		discount = amount
		voucherSnapshot = &domain.VoucherSnapshot{
			Code:        voucher.Code,
			Type:        voucher.Type,
			Value:       voucher.Value,
			MaxDiscount: voucher.MaxDiscount,
		}
	}

	finalAmount := domain.FinalAmount(itemTotal, fee, discount)
	if finalAmount < 0 {
		return domain.Order{}, fmt.Errorf("%w: final amount %d is negative", ErrOrderInvalidInput, finalAmount)
	}

	now := s.clock()
	order := domain.Order{
		ID:             s.newID(),
		OrderID:        orderID,
		User:           cmd.User,
		Receiver:       cmd.Receiver,
		Items:          items,
		TotalPrice:     itemTotal,
		ShippingFee:    fee,
		DiscountAmount: discount,
		FinalAmount:    finalAmount,
		Voucher:        voucherSnapshot,
		PaymentMethod:  cmd.PaymentMethod,
		ShippingStatus: domain.ShippingStatusPendingConfirm,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if cmd.PaymentMethod.IsOnline() {
		order.PaymentStatus = domain.PaymentStatusPending
	}

	// Voucher redemption and order persistence commit as one unit: a failed
	// insert rolls the redemption back, and the redemption predicate failing
	// under concurrency aborts the whole checkout.
	err = s.unitOfWork.RunInTx(ctx, func(txCtx context.Context) error {
		if voucherCode != "" {
			if _, err := s.vouchers.Redeem(txCtx, voucherCode, cmd.User.ID); err != nil {
				return err
			}
		}
		if err := s.orders.Insert(txCtx, order); err != nil {
			return s.mapRepositoryError(err)
		}
		return nil
	})
	if err != nil {
		return domain.Order{}, err
	}

	s.publishEvent(ctx, OrderEvent{
		Type:          orderEventCreated,
		OrderID:       order.OrderID,
		UserEmail:     order.User.Email,
		CurrentStatus: string(order.ShippingStatus),
		OccurredAt:    now,
		Metadata: map[string]any{
			"paymentMethod": string(order.PaymentMethod),
			"finalAmount":   order.FinalAmount,
		},
	})

	return order, nil
}

func (s *orderService) Get(ctx context.Context, orderID string) (domain.Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	order, err := s.orders.FindByOrderID(ctx, orderID)
	if err != nil {
		return domain.Order{}, s.mapRepositoryError(err)
	}
	return order, nil
}

func (s *orderService) List(ctx context.Context, filter repositories.OrderListFilter) ([]domain.Order, error) {
	orders, err := s.orders.List(ctx, filter)
	if err != nil {
		return nil, s.mapRepositoryError(err)
	}
	return orders, nil
}

func (s *orderService) Cancel(ctx context.Context, cmd CancelOrderCommand) (domain.Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return domain.Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	var target domain.ShippingStatus
	switch cmd.Actor {
	case CancelActorBuyer:
		target = domain.ShippingStatusBuyerCanceled
	case CancelActorSeller:
		target = domain.ShippingStatusSellerCanceled
	default:
		return domain.Order{}, fmt.Errorf("%w: unknown cancel actor %q", ErrOrderInvalidInput, cmd.Actor)
	}

	var order domain.Order
	var prev domain.ShippingStatus
	err := s.unitOfWork.RunInTx(ctx, func(txCtx context.Context) error {
		found, err := s.orders.FindByOrderID(txCtx, orderID)
		if err != nil {
			return s.mapRepositoryError(err)
		}
		order = found
		prev = order.ShippingStatus

		if domain.ShippingTerminal(order.ShippingStatus) {
			return fmt.Errorf("%w: order in %q cannot be canceled", ErrOrderInvalidState, order.ShippingStatus)
		}
		if cmd.Actor == CancelActorBuyer && !slices.Contains(buyerCancellableShipping, order.ShippingStatus) {
			return fmt.Errorf("%w: buyer cannot cancel from %q", ErrOrderInvalidState, order.ShippingStatus)
		}

		now := s.clock()
		order.ShippingStatus = target
		order.CanceledAt = &now
		order.CancelReason = strings.TrimSpace(cmd.Reason)
		order.UpdatedAt = now

		// A paid online order needs its money back: record the refund request
		// here and let the refund adapter execute it out of band. Keeping
		// cancellation decoupled from the gateway call keeps it fast and
		// retryable.
		if order.PaymentStatus == domain.PaymentStatusPaid && order.PaymentMethod.IsOnline() && !order.PaymentDetails.RefundRequested {
			order.PaymentDetails.RefundRequested = true
			order.PaymentDetails.RefundRequestAt = &now
			order.PaymentDetails.RefundRequestBy = string(cmd.Actor)
		}

		// An order canceled while awaiting payment keeps no claim on the
		// payment axis: closing it stops the reconciler from polling the
		// gateway and returns the voucher slot to the pool.
		if order.PaymentStatus == domain.PaymentStatusPending {
			order.PaymentStatus = domain.PaymentStatusExpired
			if err := s.releaseVoucher(txCtx, order); err != nil {
				return err
			}
		}

		if err := s.orders.Update(txCtx, order); err != nil {
			return s.mapRepositoryError(err)
		}
		return nil
	})
	if err != nil {
		return domain.Order{}, err
	}

	s.publishEvent(ctx, OrderEvent{
		Type:           orderEventCanceled,
		OrderID:        order.OrderID,
		UserEmail:      order.User.Email,
		PreviousStatus: string(prev),
		CurrentStatus:  string(order.ShippingStatus),
		Actor:          string(cmd.Actor),
		OccurredAt:     order.UpdatedAt,
		Metadata: map[string]any{
			"refundRequested": order.PaymentDetails.RefundRequested,
			"reason":          order.CancelReason,
		},
	})

	return order, nil
}

func (s *orderService) Update(ctx context.Context, cmd UpdateOrderCommand) (domain.Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return domain.Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	if cmd.ShippingStatus == nil && cmd.PaymentStatus == nil && cmd.Receiver == nil {
		return domain.Order{}, fmt.Errorf("%w: nothing to update", ErrOrderInvalidInput)
	}

	var order domain.Order
	var prevShipping domain.ShippingStatus
	var prevPayment domain.PaymentStatus
	err := s.unitOfWork.RunInTx(ctx, func(txCtx context.Context) error {
		found, err := s.orders.FindByOrderID(txCtx, orderID)
		if err != nil {
			return s.mapRepositoryError(err)
		}
		order = found
		prevShipping = order.ShippingStatus
		prevPayment = order.PaymentStatus

		now := s.clock()

		if cmd.ShippingStatus != nil && *cmd.ShippingStatus != order.ShippingStatus {
			if !canTransitionShipping(order.ShippingStatus, *cmd.ShippingStatus) {
				return fmt.Errorf("%w: shipping %q to %q", ErrOrderInvalidState, order.ShippingStatus, *cmd.ShippingStatus)
			}
			order.ShippingStatus = *cmd.ShippingStatus
			if order.ShippingStatus == domain.ShippingStatusDelivered {
				order.DeliveredAt = &now
			}
		}
		if cmd.PaymentStatus != nil && *cmd.PaymentStatus != order.PaymentStatus {
			if !canTransitionPayment(order.PaymentStatus, *cmd.PaymentStatus) {
				return fmt.Errorf("%w: payment %q to %q", ErrOrderInvalidState, order.PaymentStatus, *cmd.PaymentStatus)
			}
			order.PaymentStatus = *cmd.PaymentStatus
			if order.PaymentStatus == domain.PaymentStatusPaid {
				order.PaidAt = &now
			}
		}
		if cmd.Receiver != nil {
			applyReceiverUpdate(&order.Receiver, *cmd.Receiver)
		}

		order.UpdatedAt = now
		if err := s.orders.Update(txCtx, order); err != nil {
			return s.mapRepositoryError(err)
		}
		return nil
	})
	if err != nil {
		return domain.Order{}, err
	}

	if string(prevShipping) != string(order.ShippingStatus) || string(prevPayment) != string(order.PaymentStatus) {
		s.publishEvent(ctx, OrderEvent{
			Type:           orderEventStatusChanged,
			OrderID:        order.OrderID,
			UserEmail:      order.User.Email,
			PreviousStatus: string(prevShipping),
			CurrentStatus:  string(order.ShippingStatus),
			OccurredAt:     order.UpdatedAt,
			Metadata: map[string]any{
				"paymentStatus": string(order.PaymentStatus),
			},
		})
	}

	return order, nil
}

func (s *orderService) MarkPaid(ctx context.Context, cmd MarkPaidCommand) (domain.Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return domain.Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	var order domain.Order
	alreadyPaid := false
	lateCapture := false
	err := s.unitOfWork.RunInTx(ctx, func(txCtx context.Context) error {
		alreadyPaid = false
		lateCapture = false
		found, err := s.orders.FindByOrderID(txCtx, orderID)
		if err != nil {
			return s.mapRepositoryError(err)
		}
		order = found

		// The callback path and the reconciliation poll can race; the second
		// writer must observe a no-op, not a duplicate side effect.
		if order.PaymentStatus == domain.PaymentStatusPaid {
			alreadyPaid = true
			return nil
		}

		// A success verdict reaching a canceled order means the provider
		// captured the money anyway. Record it and open a refund request;
		// the shipping axis stays canceled.
		lateCapture = domain.ShippingCanceled(order.ShippingStatus)
		if !lateCapture && !canTransitionPayment(order.PaymentStatus, domain.PaymentStatusPaid) {
			return fmt.Errorf("%w: payment %q to %q", ErrOrderInvalidState, order.PaymentStatus, domain.PaymentStatusPaid)
		}

		now := s.clock()
		order.PaymentStatus = domain.PaymentStatusPaid
		order.PaidAt = &now
		order.UpdatedAt = now
		order.PaymentDetails.TransactionID = strings.TrimSpace(cmd.TransactionID)
		if cmd.RawResponse != nil {
			order.PaymentDetails.RawResponse = cmd.RawResponse
		}
		if lateCapture && !order.PaymentDetails.RefundRequested {
			order.PaymentDetails.RefundRequested = true
			order.PaymentDetails.RefundRequestAt = &now
			order.PaymentDetails.RefundRequestBy = "system"
		}

		if err := s.orders.Update(txCtx, order); err != nil {
			return s.mapRepositoryError(err)
		}
		return nil
	})
	if err != nil {
		return domain.Order{}, err
	}
	if alreadyPaid {
		return order, nil
	}

	metadata := map[string]any{
		"transactionId": order.PaymentDetails.TransactionID,
		"amount":        order.FinalAmount,
	}
	if lateCapture {
		metadata["refundRequested"] = true
	}
	s.publishEvent(ctx, OrderEvent{
		Type:          orderEventPaid,
		OrderID:       order.OrderID,
		UserEmail:     order.User.Email,
		CurrentStatus: string(order.PaymentStatus),
		OccurredAt:    order.UpdatedAt,
		Metadata:      metadata,
	})

	return order, nil
}

func (s *orderService) MarkPaymentExpired(ctx context.Context, orderID string) (domain.Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	var order domain.Order
	alreadyExpired := false
	err := s.unitOfWork.RunInTx(ctx, func(txCtx context.Context) error {
		found, err := s.orders.FindByOrderID(txCtx, orderID)
		if err != nil {
			return s.mapRepositoryError(err)
		}
		order = found

		if order.PaymentStatus == domain.PaymentStatusExpired {
			alreadyExpired = true
			return nil
		}
		if !canTransitionPayment(order.PaymentStatus, domain.PaymentStatusExpired) {
			return fmt.Errorf("%w: payment %q to %q", ErrOrderInvalidState, order.PaymentStatus, domain.PaymentStatusExpired)
		}

		now := s.clock()
		order.PaymentStatus = domain.PaymentStatusExpired
		order.UpdatedAt = now

		// The checkout never completed, so the redeemed voucher slot goes
		// back to the pool together with the expiry write.
		if err := s.releaseVoucher(txCtx, order); err != nil {
			return err
		}
		if err := s.orders.Update(txCtx, order); err != nil {
			return s.mapRepositoryError(err)
		}
		return nil
	})
	if err != nil {
		return domain.Order{}, err
	}
	if alreadyExpired {
		return order, nil
	}

	s.publishEvent(ctx, OrderEvent{
		Type:          orderEventPaymentExpired,
		OrderID:       order.OrderID,
		UserEmail:     order.User.Email,
		CurrentStatus: string(order.PaymentStatus),
		OccurredAt:    order.UpdatedAt,
	})

	return order, nil
}

func (s *orderService) AttachPayment(ctx context.Context, cmd AttachPaymentCommand) (domain.Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return domain.Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	var order domain.Order
	err := s.unitOfWork.RunInTx(ctx, func(txCtx context.Context) error {
		found, err := s.orders.FindByOrderID(txCtx, orderID)
		if err != nil {
			return s.mapRepositoryError(err)
		}
		order = found

		order.PaymentURL = strings.TrimSpace(cmd.PaymentURL)
		if cmd.RawResponse != nil {
			order.PaymentDetails.RawResponse = cmd.RawResponse
		}
		order.UpdatedAt = s.clock()

		if err := s.orders.Update(txCtx, order); err != nil {
			return s.mapRepositoryError(err)
		}
		return nil
	})
	if err != nil {
		return domain.Order{}, err
	}
	return order, nil
}

func (s *orderService) RecordRefund(ctx context.Context, cmd RecordRefundCommand) (domain.Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return domain.Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	refundID := strings.TrimSpace(cmd.RefundID)
	if refundID == "" {
		return domain.Order{}, fmt.Errorf("%w: refund id is required", ErrOrderInvalidInput)
	}

	var order domain.Order
	alreadyProcessed := false
	err := s.unitOfWork.RunInTx(ctx, func(txCtx context.Context) error {
		found, err := s.orders.FindByOrderID(txCtx, orderID)
		if err != nil {
			return s.mapRepositoryError(err)
		}
		order = found

		if !order.PaymentDetails.RefundRequested {
			return fmt.Errorf("%w: no refund requested for order %q", ErrOrderInvalidState, orderID)
		}
		if order.PaymentDetails.RefundProcessed {
			alreadyProcessed = true
			return nil
		}

		order.PaymentDetails.RefundProcessed = true
		order.PaymentDetails.RefundID = refundID
		order.UpdatedAt = s.clock()

		if err := s.orders.Update(txCtx, order); err != nil {
			return s.mapRepositoryError(err)
		}
		return nil
	})
	if err != nil {
		return domain.Order{}, err
	}
	if alreadyProcessed {
		return order, nil
	}

	s.publishEvent(ctx, OrderEvent{
		Type:       orderEventRefunded,
		OrderID:    order.OrderID,
		UserEmail:  order.User.Email,
		OccurredAt: order.UpdatedAt,
		Metadata: map[string]any{
			"refundId": refundID,
			"amount":   order.FinalAmount,
		},
	})

	return order, nil
}

func (s *orderService) AutoConfirmDelivered(ctx context.Context, grace time.Duration) (int, error) {
	cutoff := s.clock().Add(-grace)
	orders, err := s.orders.ListDeliveredUnconfirmed(ctx, cutoff)
	if err != nil {
		return 0, s.mapRepositoryError(err)
	}

	confirmed := 0
	for _, candidate := range orders {
		var order domain.Order
		didConfirm := false
		// Re-check inside the transaction; a concurrent run may have
		// confirmed the order between the query and this write. The closure
		// can run more than once on transaction retry, so it only collects
		// the outcome and the publish happens after commit.
		err := s.unitOfWork.RunInTx(ctx, func(txCtx context.Context) error {
			didConfirm = false
			found, err := s.orders.FindByID(txCtx, candidate.ID)
			if err != nil {
				return s.mapRepositoryError(err)
			}
			if found.ConfirmedReceivedAt != nil {
				return nil
			}
			if found.ShippingStatus != domain.ShippingStatusDelivered {
				return nil
			}
			if found.DeliveredAt == nil || found.DeliveredAt.After(cutoff) {
				return nil
			}

			now := s.clock()
			found.ConfirmedReceivedAt = &now
			found.UpdatedAt = now
			if err := s.orders.Update(txCtx, found); err != nil {
				return s.mapRepositoryError(err)
			}
			order = found
			didConfirm = true
			return nil
		})
		if err != nil {
			// One order's failure must not abort the batch.
			s.logger(ctx, "order.autoconfirm.failed", map[string]any{
				"orderId": candidate.OrderID,
				"error":   err.Error(),
			})
			continue
		}
		if !didConfirm {
			continue
		}

		confirmed++
		s.publishEvent(ctx, OrderEvent{
			Type:          orderEventAutoConfirmed,
			OrderID:       order.OrderID,
			UserEmail:     order.User.Email,
			CurrentStatus: string(order.ShippingStatus),
			OccurredAt:    order.UpdatedAt,
		})
	}
	return confirmed, nil
}

func (s *orderService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrOrderConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("order: repository unavailable: %w", err)
		}
	}

	return err
}

// releaseVoucher returns the order's voucher slot when the checkout never
// settled. Runs inside the caller's transaction so the release commits with
// the status write.
func (s *orderService) releaseVoucher(txCtx context.Context, order domain.Order) error {
	if order.Voucher == nil || s.vouchers == nil {
		return nil
	}
	if err := s.vouchers.Release(txCtx, order.Voucher.Code, order.User.ID); err != nil {
		return err
	}
	return nil
}

func (s *orderService) publishEvent(ctx context.Context, event OrderEvent) {
	if s.events == nil {
		return
	}
	if err := s.events.PublishOrderEvent(ctx, event); err != nil {
		s.logger(ctx, "order.event.publish.failed", map[string]any{
			"type":  event.Type,
			"order": event.OrderID,
			"error": err.Error(),
		})
	}
}

type noopUnitOfWork struct{}

func (noopUnitOfWork) RunInTx(ctx context.Context, fn func(context.Context) error) error {
	return fn(ctx)
}

func applyReceiverUpdate(receiver *domain.Receiver, update ReceiverUpdate) {
	if update.Name != nil {
		receiver.Name = strings.TrimSpace(*update.Name)
	}
	if update.Phone != nil {
		receiver.Phone = strings.TrimSpace(*update.Phone)
	}
	if update.Address != nil {
		receiver.Address = strings.TrimSpace(*update.Address)
	}
	if update.WardName != nil {
		receiver.WardName = strings.TrimSpace(*update.WardName)
	}
	if update.DistrictName != nil {
		receiver.DistrictName = strings.TrimSpace(*update.DistrictName)
	}
	if update.CityName != nil {
		receiver.CityName = strings.TrimSpace(*update.CityName)
	}
}

func canTransitionShipping(current, target domain.ShippingStatus) bool {
	if current == target {
		return true
	}
	next, ok := shippingTransitions[current]
	if !ok {
		return false
	}
	return slices.Contains(next, target)
}

func canTransitionPayment(current, target domain.PaymentStatus) bool {
	if current == target {
		return true
	}
	next, ok := paymentTransitions[current]
	if !ok {
		return false
	}
	return slices.Contains(next, target)
}

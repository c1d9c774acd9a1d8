package domain

import (
	"time"
)

// PaymentMethod enumerates the supported checkout payment methods.
type PaymentMethod string

const (
	// PaymentMethodCOD is cash on delivery; no gateway involved.
	PaymentMethodCOD PaymentMethod = "COD"
	// PaymentMethodMoMo pays through the MoMo wallet gateway.
	PaymentMethodMoMo PaymentMethod = "MoMo"
	// PaymentMethodZaloPay pays through the ZaloPay gateway.
	PaymentMethodZaloPay PaymentMethod = "ZaloPay"
)

// IsOnline reports whether the method settles through a payment gateway.
func (m PaymentMethod) IsOnline() bool {
	return m == PaymentMethodMoMo || m == PaymentMethodZaloPay
}

// ShippingStatus tracks the fulfilment axis of an order. The Vietnamese
// values are part of the external contract and must be preserved bit-exact.
type ShippingStatus string

const (
	// ShippingStatusPendingConfirm awaits seller confirmation.
	ShippingStatusPendingConfirm ShippingStatus = "Chờ xác nhận"
	// ShippingStatusConfirmed has been accepted by the seller.
	ShippingStatusConfirmed ShippingStatus = "Đã xác nhận"
	// ShippingStatusDelivering is on the way to the receiver.
	ShippingStatusDelivering ShippingStatus = "Đang giao hàng"
	// ShippingStatusDelivered was handed to the receiver.
	ShippingStatusDelivered ShippingStatus = "Giao hàng thành công"
	// ShippingStatusDeliveryFailed could not be delivered.
	ShippingStatusDeliveryFailed ShippingStatus = "Giao hàng thất bại"
	// ShippingStatusBuyerCanceled was canceled by the buyer.
	ShippingStatusBuyerCanceled ShippingStatus = "Người mua huỷ"
	// ShippingStatusSellerCanceled was canceled by the seller.
	ShippingStatusSellerCanceled ShippingStatus = "Người bán huỷ"
)

// PaymentStatus tracks the payment axis of an order, independent of shipping.
type PaymentStatus string

const (
	// PaymentStatusPending awaits gateway settlement.
	PaymentStatusPending PaymentStatus = "Chờ thanh toán"
	// PaymentStatusPaid has been settled by the gateway.
	PaymentStatusPaid PaymentStatus = "Đã thanh toán"
	// PaymentStatusExpired was canceled because payment never arrived.
	PaymentStatusExpired PaymentStatus = "Huỷ do quá thời gian thanh toán"
)

// ReceiverType tags the kind of shipping address.
type ReceiverType string

const (
	// ReceiverTypeHome is a residential address.
	ReceiverTypeHome ReceiverType = "home"
	// ReceiverTypeCompany is a workplace address.
	ReceiverTypeCompany ReceiverType = "company"
)

// UserSnapshot captures purchaser identity at order time. It is a copy, not a
// live reference, so later account changes do not alter historical orders.
type UserSnapshot struct {
	ID    string `firestore:"id"`
	Email string `firestore:"email"`
}

// Receiver is the shipping-address snapshot attached to an order.
type Receiver struct {
	Name         string       `firestore:"name"`
	Phone        string       `firestore:"phone"`
	Address      string       `firestore:"address"`
	WardName     string       `firestore:"wardName"`
	DistrictName string       `firestore:"districtName"`
	CityName     string       `firestore:"cityName"`
	Type         ReceiverType `firestore:"type"`
}

// OrderItem is one denormalised order line. Version pins the exact product
// variant snapshot the buyer saw; Reviewed guards against duplicate reviews
// for the same line.
type OrderItem struct {
	ProductVariantID string `firestore:"productVariantId"`
	Size             string `firestore:"size"`
	Quantity         int64  `firestore:"quantity"`
	Price            int64  `firestore:"price"`
	Version          int64  `firestore:"version"`
	Reviewed         bool   `firestore:"reviewed"`
}

// VoucherSnapshot denormalises the applied voucher so later voucher edits do
// not change historical orders.
type VoucherSnapshot struct {
	Code        string      `firestore:"code"`
	Type        VoucherType `firestore:"type"`
	Value       int64       `firestore:"value"`
	MaxDiscount *int64      `firestore:"maxDiscount"`
}

// PaymentDetails records gateway correlation data and refund bookkeeping.
type PaymentDetails struct {
	TransactionID   string         `firestore:"transactionId"`
	RawResponse     map[string]any `firestore:"rawResponse"`
	RefundRequested bool           `firestore:"refundRequested"`
	RefundRequestAt *time.Time     `firestore:"refundRequestAt"`
	RefundRequestBy string         `firestore:"refundRequestBy"`
	RefundProcessed bool           `firestore:"refundProcessed"`
	RefundID        string         `firestore:"refundId"`
}

// Order is the central entity. OrderID is the externally visible, gateway
// facing correlation id; the Firestore document id is internal only. Orders
// are never deleted: cancellation is a status.
type Order struct {
	ID       string       `firestore:"-"`
	OrderID  string       `firestore:"orderId"`
	User     UserSnapshot `firestore:"user"`
	Receiver Receiver     `firestore:"receiver"`
	Items    []OrderItem  `firestore:"items"`

	TotalPrice     int64 `firestore:"totalPrice"`
	ShippingFee    int64 `firestore:"shippingFee"`
	DiscountAmount int64 `firestore:"discountAmount"`
	FinalAmount    int64 `firestore:"finalAmount"`

	Voucher *VoucherSnapshot `firestore:"voucher"`

	PaymentMethod  PaymentMethod  `firestore:"paymentMethod"`
	PaymentURL     string         `firestore:"paymentUrl"`
	PaymentDetails PaymentDetails `firestore:"paymentDetails"`

	PaymentStatus  PaymentStatus  `firestore:"paymentStatus"`
	ShippingStatus ShippingStatus `firestore:"shippingStatus"`

	CreatedAt           time.Time  `firestore:"createdAt"`
	UpdatedAt           time.Time  `firestore:"updatedAt"`
	PaidAt              *time.Time `firestore:"paidAt"`
	DeliveredAt         *time.Time `firestore:"deliveredAt"`
	ConfirmedReceivedAt *time.Time `firestore:"confirmedReceivedAt"`
	CanceledAt          *time.Time `firestore:"canceledAt"`
	CancelReason        string     `firestore:"cancelReason"`
}

// VoucherType distinguishes fixed-amount and percentage discounts.
type VoucherType string

const (
	// VoucherTypeFixed subtracts a flat amount.
	VoucherTypeFixed VoucherType = "fixed"
	// VoucherTypePercent subtracts a percentage of the cart total, optionally capped.
	VoucherTypePercent VoucherType = "percent"
)

// Voucher holds a discount definition and its per-user usage ledger.
// Redemption decrements Quantity and appends to UsedBy atomically.
type Voucher struct {
	Code          string      `firestore:"code"`
	Type          VoucherType `firestore:"type"`
	Value         int64       `firestore:"value"`
	MaxDiscount   *int64      `firestore:"maxDiscount"`
	MinOrderValue int64       `firestore:"minOrderValue"`
	Quantity      int64       `firestore:"quantity"`
	ExpiresAt     time.Time   `firestore:"expiresAt"`
	IsActive      bool        `firestore:"isActive"`
	UsedBy        []string    `firestore:"usedBy"`
}

// UsedByUser reports whether the user already redeemed this voucher.
func (v Voucher) UsedByUser(userID string) bool {
	for _, id := range v.UsedBy {
		if id == userID {
			return true
		}
	}
	return false
}

// ShippingCanceled reports whether the order was canceled by either party.
func ShippingCanceled(status ShippingStatus) bool {
	return status == ShippingStatusBuyerCanceled || status == ShippingStatusSellerCanceled
}

// ShippingTerminal reports whether the shipping status admits no further transitions.
func ShippingTerminal(status ShippingStatus) bool {
	switch status {
	case ShippingStatusDelivered, ShippingStatusBuyerCanceled, ShippingStatusSellerCanceled:
		return true
	}
	return false
}

// PaymentTerminal reports whether the payment status admits no further transitions.
func PaymentTerminal(status PaymentStatus) bool {
	return status == PaymentStatusExpired
}

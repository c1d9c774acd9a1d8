package domain

// Discount computes the amount a voucher subtracts from the given cart total.
// Percent-type vouchers are capped at MaxDiscount when one is set. Order
// creation and both gateway adapters share this single implementation so the
// independently recomputed final amounts agree.
func (v Voucher) Discount(cartTotal int64) int64 {
	switch v.Type {
	case VoucherTypeFixed:
		return v.Value
	case VoucherTypePercent:
		discount := v.Value * cartTotal / 100
		if v.MaxDiscount != nil && discount > *v.MaxDiscount {
			discount = *v.MaxDiscount
		}
		return discount
	}
	return 0
}

// FinalAmount computes the payable total for an order. Callers must reject
// negative results before persisting.
func FinalAmount(totalPrice, shippingFee, discount int64) int64 {
	return totalPrice + shippingFee - discount
}

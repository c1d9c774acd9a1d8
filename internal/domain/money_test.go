package domain

import "testing"

func TestVoucherDiscount(t *testing.T) {
	cap40k := int64(40000)

	cases := []struct {
		name      string
		voucher   Voucher
		cartTotal int64
		want      int64
	}{
		{
			name:      "fixed amount",
			voucher:   Voucher{Type: VoucherTypeFixed, Value: 25000},
			cartTotal: 100000,
			want:      25000,
		},
		{
			name:      "percent uncapped",
			voucher:   Voucher{Type: VoucherTypePercent, Value: 10},
			cartTotal: 500000,
			want:      50000,
		},
		{
			name:      "percent hits cap",
			voucher:   Voucher{Type: VoucherTypePercent, Value: 10, MaxDiscount: &cap40k},
			cartTotal: 500000,
			want:      40000,
		},
		{
			name:      "percent under cap",
			voucher:   Voucher{Type: VoucherTypePercent, Value: 10, MaxDiscount: &cap40k},
			cartTotal: 300000,
			want:      30000,
		},
		{
			name:      "unknown type discounts nothing",
			voucher:   Voucher{Type: VoucherType("bogus"), Value: 10},
			cartTotal: 500000,
			want:      0,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.voucher.Discount(tc.cartTotal); got != tc.want {
				t.Fatalf("Discount(%d) = %d, want %d", tc.cartTotal, got, tc.want)
			}
		})
	}
}

func TestFinalAmount(t *testing.T) {
	if got := FinalAmount(500000, 30000, 40000); got != 490000 {
		t.Fatalf("FinalAmount = %d, want 490000", got)
	}
	if got := FinalAmount(10000, 0, 50000); got >= 0 {
		t.Fatalf("expected negative final amount, got %d", got)
	}
}

package services

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/vietcart/api/internal/domain"
)

type stubVoucherRepo struct {
	byCode     map[string]domain.Voucher
	redeemErr  error
	releaseErr error
}

func (s *stubVoucherRepo) FindByCode(ctx context.Context, code string) (domain.Voucher, error) {
	voucher, ok := s.byCode[code]
	if !ok {
		return domain.Voucher{}, stubRepoError{notFound: true}
	}
	return voucher, nil
}

func (s *stubVoucherRepo) Redeem(ctx context.Context, code, userID string) (domain.Voucher, error) {
	if s.redeemErr != nil {
		return domain.Voucher{}, s.redeemErr
	}
	voucher, ok := s.byCode[code]
	if !ok {
		return domain.Voucher{}, stubRepoError{notFound: true}
	}
	if voucher.Quantity <= 0 || voucher.UsedByUser(userID) {
		return domain.Voucher{}, stubRepoError{conflict: true}
	}
	voucher.Quantity--
	voucher.UsedBy = append(voucher.UsedBy, userID)
	s.byCode[code] = voucher
	return voucher, nil
}

func (s *stubVoucherRepo) Release(ctx context.Context, code, userID string) error {
	if s.releaseErr != nil {
		return s.releaseErr
	}
	voucher, ok := s.byCode[code]
	if !ok || !voucher.UsedByUser(userID) {
		return nil
	}
	voucher.Quantity++
	kept := voucher.UsedBy[:0]
	for _, used := range voucher.UsedBy {
		if used != userID {
			kept = append(kept, used)
		}
	}
	voucher.UsedBy = kept
	s.byCode[code] = voucher
	return nil
}

func newTestVoucherService(t *testing.T, repo *stubVoucherRepo, now time.Time) VoucherService {
	t.Helper()
	svc, err := NewVoucherService(VoucherServiceDeps{Vouchers: repo, Clock: fixedClock(now)})
	if err != nil {
		t.Fatalf("NewVoucherService: %v", err)
	}
	return svc
}

func activeVoucher() domain.Voucher {
	cap40k := int64(40000)
	return domain.Voucher{
		Code:          "SALE10",
		Type:          domain.VoucherTypePercent,
		Value:         10,
		MaxDiscount:   &cap40k,
		MinOrderValue: 100000,
		Quantity:      5,
		ExpiresAt:     time.Date(2025, 12, 31, 23, 59, 59, 0, time.UTC),
		IsActive:      true,
	}
}

func TestVoucherServiceValidate(t *testing.T) {
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	cases := []struct {
		name      string
		mutate    func(*domain.Voucher)
		userID    string
		cartTotal int64
		discount  int64
		wantErr   error
	}{
		{
			name:      "percent capped at max discount",
			userID:    "user-1",
			cartTotal: 500000,
			discount:  40000,
		},
		{
			name:      "percent below cap",
			mutate:    func(v *domain.Voucher) { v.MaxDiscount = nil },
			userID:    "user-1",
			cartTotal: 200000,
			discount:  20000,
		},
		{
			name: "fixed amount",
			mutate: func(v *domain.Voucher) {
				v.Type = domain.VoucherTypeFixed
				v.Value = 25000
			},
			userID:    "user-1",
			cartTotal: 500000,
			discount:  25000,
		},
		{
			name:      "inactive",
			mutate:    func(v *domain.Voucher) { v.IsActive = false },
			userID:    "user-1",
			cartTotal: 500000,
			wantErr:   ErrVoucherInactive,
		},
		{
			name:      "expired",
			mutate:    func(v *domain.Voucher) { v.ExpiresAt = now.Add(-time.Hour) },
			userID:    "user-1",
			cartTotal: 500000,
			wantErr:   ErrVoucherExpired,
		},
		{
			name:      "exhausted",
			mutate:    func(v *domain.Voucher) { v.Quantity = 0 },
			userID:    "user-1",
			cartTotal: 500000,
			wantErr:   ErrVoucherExhausted,
		},
		{
			name:      "already used",
			mutate:    func(v *domain.Voucher) { v.UsedBy = []string{"user-1"} },
			userID:    "user-1",
			cartTotal: 500000,
			wantErr:   ErrVoucherAlreadyUsed,
		},
		{
			name:      "below minimum order",
			userID:    "user-1",
			cartTotal: 99999,
			wantErr:   ErrVoucherMinOrder,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			voucher := activeVoucher()
			if tc.mutate != nil {
				tc.mutate(&voucher)
			}
			repo := &stubVoucherRepo{byCode: map[string]domain.Voucher{voucher.Code: voucher}}
			svc := newTestVoucherService(t, repo, now)

			got, discount, err := svc.Validate(context.Background(), voucher.Code, tc.userID, tc.cartTotal)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("err = %v, want %v", err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Validate: %v", err)
			}
			if discount != tc.discount {
				t.Errorf("discount = %d, want %d", discount, tc.discount)
			}
			if got.Code != voucher.Code {
				t.Errorf("code = %q", got.Code)
			}
		})
	}
}

func TestVoucherServiceValidateUnknownCode(t *testing.T) {
	repo := &stubVoucherRepo{byCode: map[string]domain.Voucher{}}
	svc := newTestVoucherService(t, repo, time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))

	_, _, err := svc.Validate(context.Background(), "NOPE", "user-1", 500000)
	if !errors.Is(err, ErrVoucherNotFound) {
		t.Fatalf("err = %v, want ErrVoucherNotFound", err)
	}
}

func TestVoucherServiceRedeemDecrementsOnce(t *testing.T) {
	voucher := activeVoucher()
	repo := &stubVoucherRepo{byCode: map[string]domain.Voucher{voucher.Code: voucher}}
	svc := newTestVoucherService(t, repo, time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))

	got, err := svc.Redeem(context.Background(), "SALE10", "user-1")
	if err != nil {
		t.Fatalf("Redeem: %v", err)
	}
	if got.Quantity != 4 {
		t.Errorf("quantity = %d, want 4", got.Quantity)
	}
	if !got.UsedByUser("user-1") {
		t.Error("user not recorded in usedBy")
	}

	// The same user cannot redeem a second time; the conflict maps to exhausted.
	if _, err := svc.Redeem(context.Background(), "SALE10", "user-1"); !errors.Is(err, ErrVoucherExhausted) {
		t.Fatalf("err = %v, want ErrVoucherExhausted", err)
	}
}

func TestVoucherServiceRedeemConflictMapsToExhausted(t *testing.T) {
	repo := &stubVoucherRepo{
		byCode:    map[string]domain.Voucher{"SALE10": activeVoucher()},
		redeemErr: stubRepoError{conflict: true},
	}
	svc := newTestVoucherService(t, repo, time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))

	if _, err := svc.Redeem(context.Background(), "SALE10", "user-1"); !errors.Is(err, ErrVoucherExhausted) {
		t.Fatalf("err = %v, want ErrVoucherExhausted", err)
	}
}

func TestVoucherServiceReleaseRestoresSlot(t *testing.T) {
	voucher := activeVoucher()
	repo := &stubVoucherRepo{byCode: map[string]domain.Voucher{voucher.Code: voucher}}
	svc := newTestVoucherService(t, repo, time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))

	if _, err := svc.Redeem(context.Background(), "SALE10", "user-1"); err != nil {
		t.Fatalf("Redeem: %v", err)
	}
	if err := svc.Release(context.Background(), "SALE10", "user-1"); err != nil {
		t.Fatalf("Release: %v", err)
	}

	got := repo.byCode["SALE10"]
	if got.Quantity != 5 {
		t.Errorf("quantity = %d, want 5", got.Quantity)
	}
	if got.UsedByUser("user-1") {
		t.Error("user still recorded in usedBy")
	}

	// The slot is back, so the same user may redeem again.
	if _, err := svc.Redeem(context.Background(), "SALE10", "user-1"); err != nil {
		t.Fatalf("Redeem after release: %v", err)
	}
}

func TestVoucherServiceReleaseUnknownCodeIsNoop(t *testing.T) {
	repo := &stubVoucherRepo{
		byCode:     map[string]domain.Voucher{},
		releaseErr: stubRepoError{notFound: true},
	}
	svc := newTestVoucherService(t, repo, time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))

	if err := svc.Release(context.Background(), "GONE", "user-1"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := svc.Release(context.Background(), "", "user-1"); err != nil {
		t.Fatalf("Release empty code: %v", err)
	}
}

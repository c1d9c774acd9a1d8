package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/vietcart/api/internal/domain"
	"github.com/vietcart/api/internal/repositories"
)

var (
	// ErrVoucherNotFound indicates the code does not exist.
	ErrVoucherNotFound = errors.New("voucher: not found")
	// ErrVoucherInactive indicates the voucher is disabled.
	ErrVoucherInactive = errors.New("voucher: inactive")
	// ErrVoucherExpired indicates the voucher validity window has passed.
	ErrVoucherExpired = errors.New("voucher: expired")
	// ErrVoucherExhausted indicates the remaining quantity is zero.
	ErrVoucherExhausted = errors.New("voucher: exhausted")
	// ErrVoucherAlreadyUsed indicates this user already redeemed the voucher.
	ErrVoucherAlreadyUsed = errors.New("voucher: already used by user")
	// ErrVoucherMinOrder indicates the cart total is below the voucher threshold.
	ErrVoucherMinOrder = errors.New("voucher: minimum order value not met")
)

// VoucherServiceDeps bundles collaborators required to construct the voucher service.
type VoucherServiceDeps struct {
	Vouchers repositories.VoucherRepository
	Clock    func() time.Time
}

type voucherService struct {
	vouchers repositories.VoucherRepository
	clock    func() time.Time
}

// NewVoucherService wires dependencies into a concrete VoucherService implementation.
func NewVoucherService(deps VoucherServiceDeps) (VoucherService, error) {
	if deps.Vouchers == nil {
		return nil, errors.New("voucher service: voucher repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	return &voucherService{
		vouchers: deps.Vouchers,
		clock: func() time.Time {
			return clock().UTC()
		},
	}, nil
}

func (s *voucherService) Validate(ctx context.Context, code string, userID string, cartTotal int64) (domain.Voucher, int64, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return domain.Voucher{}, 0, fmt.Errorf("%w: empty code", ErrVoucherNotFound)
	}

	voucher, err := s.vouchers.FindByCode(ctx, code)
	if err != nil {
		return domain.Voucher{}, 0, s.mapRepositoryError(err)
	}
	if err := s.checkEligibility(voucher, userID, cartTotal); err != nil {
		return domain.Voucher{}, 0, err
	}

	return voucher, voucher.Discount(cartTotal), nil
}

func (s *voucherService) Redeem(ctx context.Context, code string, userID string) (domain.Voucher, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return domain.Voucher{}, fmt.Errorf("%w: empty code", ErrVoucherNotFound)
	}

	voucher, err := s.vouchers.Redeem(ctx, code, userID)
	if err != nil {
		return domain.Voucher{}, s.mapRepositoryError(err)
	}
	return voucher, nil
}

func (s *voucherService) Release(ctx context.Context, code string, userID string) error {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil
	}

	if err := s.vouchers.Release(ctx, code, userID); err != nil {
		// A vanished voucher document does not block closing the order.
		if errors.Is(err, ErrVoucherNotFound) {
			return nil
		}
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) && repoErr.IsNotFound() {
			return nil
		}
		return err
	}
	return nil
}

// checkEligibility applies every voucher precondition in a fixed order so
// callers always see the most specific failure first.
func (s *voucherService) checkEligibility(voucher domain.Voucher, userID string, cartTotal int64) error {
	if !voucher.IsActive {
		return fmt.Errorf("%w: %s", ErrVoucherInactive, voucher.Code)
	}
	if !voucher.ExpiresAt.IsZero() && s.clock().After(voucher.ExpiresAt) {
		return fmt.Errorf("%w: %s expired at %s", ErrVoucherExpired, voucher.Code, voucher.ExpiresAt.Format(time.RFC3339))
	}
	if voucher.Quantity <= 0 {
		return fmt.Errorf("%w: %s", ErrVoucherExhausted, voucher.Code)
	}
	if voucher.UsedByUser(userID) {
		return fmt.Errorf("%w: %s", ErrVoucherAlreadyUsed, voucher.Code)
	}
	if cartTotal < voucher.MinOrderValue {
		return fmt.Errorf("%w: cart %d below %d", ErrVoucherMinOrder, cartTotal, voucher.MinOrderValue)
	}
	return nil
}

func (s *voucherService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrVoucherNotFound, err)
		case repoErr.IsConflict():
			// The redemption predicate failed inside the transaction: either
			// the quantity hit zero or the user raced a second redemption.
			return fmt.Errorf("%w: %v", ErrVoucherExhausted, err)
		}
	}

	return err
}

package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/firestore"

	domain "github.com/vietcart/api/internal/domain"
	pfirestore "github.com/vietcart/api/internal/platform/firestore"
)

const vouchersCollection = "vouchers"

// VoucherRepository implements repositories.VoucherRepository on Firestore.
// Voucher documents are keyed by their code.
type VoucherRepository struct {
	provider *pfirestore.Provider
}

// NewVoucherRepository constructs a Firestore-backed voucher repository.
func NewVoucherRepository(provider *pfirestore.Provider) (*VoucherRepository, error) {
	if provider == nil {
		return nil, errors.New("voucher repository requires firestore provider")
	}
	return &VoucherRepository{provider: provider}, nil
}

// FindByCode fetches a voucher definition.
func (r *VoucherRepository) FindByCode(ctx context.Context, code string) (domain.Voucher, error) {
	ref, err := r.docRef(ctx, code)
	if err != nil {
		return domain.Voucher{}, err
	}

	var snap *firestore.DocumentSnapshot
	if tx, ok := pfirestore.TxFromContext(ctx); ok {
		snap, err = tx.Get(ref)
	} else {
		snap, err = ref.Get(ctx)
	}
	if err != nil {
		return domain.Voucher{}, pfirestore.WrapError("vouchers.get", err)
	}

	var voucher domain.Voucher
	if err := snap.DataTo(&voucher); err != nil {
		return domain.Voucher{}, pfirestore.WrapError("vouchers.decode", err)
	}
	return voucher, nil
}

// Redeem consumes one use of the voucher for the user. The remaining-quantity
// and not-yet-used predicates are re-read inside the transaction, so two
// concurrent checkouts cannot both pass validation and over-redeem: the
// second transaction observes the first one's write and fails the predicate.
func (r *VoucherRepository) Redeem(ctx context.Context, code string, userID string) (domain.Voucher, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return domain.Voucher{}, pfirestore.NewConflict("vouchers.redeem", errors.New("user id is required"))
	}

	var redeemed domain.Voucher
	apply := func(txCtx context.Context) error {
		tx, ok := pfirestore.TxFromContext(txCtx)
		if !ok {
			return errors.New("vouchers.redeem: no transaction on context")
		}

		ref, err := r.docRef(txCtx, code)
		if err != nil {
			return err
		}
		snap, err := tx.Get(ref)
		if err != nil {
			return pfirestore.WrapError("vouchers.redeem", err)
		}

		var voucher domain.Voucher
		if err := snap.DataTo(&voucher); err != nil {
			return pfirestore.WrapError("vouchers.decode", err)
		}
		if voucher.Quantity <= 0 {
			return pfirestore.NewConflict("vouchers.redeem", fmt.Errorf("voucher %s has no redemptions left", code))
		}
		if voucher.UsedByUser(userID) {
			return pfirestore.NewConflict("vouchers.redeem", fmt.Errorf("voucher %s already used by %s", code, userID))
		}

		if err := tx.Update(ref, []firestore.Update{
			{Path: "quantity", Value: firestore.Increment(-1)},
			{Path: "usedBy", Value: firestore.ArrayUnion(userID)},
		}); err != nil {
			return pfirestore.WrapError("vouchers.redeem", err)
		}

		voucher.Quantity--
		voucher.UsedBy = append(voucher.UsedBy, userID)
		redeemed = voucher
		return nil
	}

	// Join the caller's transaction when one is active so the redemption
	// commits together with order persistence.
	if _, ok := pfirestore.TxFromContext(ctx); ok {
		if err := apply(ctx); err != nil {
			return domain.Voucher{}, err
		}
		return redeemed, nil
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.Voucher{}, err
	}
	if err := pfirestore.RunTransaction(ctx, client, apply); err != nil {
		return domain.Voucher{}, err
	}
	return redeemed, nil
}

// Release undoes a redemption: the user leaves usedBy and the quantity is
// restored. Unknown codes and users without a recorded redemption are no-ops,
// so releasing twice for the same closed order is safe.
func (r *VoucherRepository) Release(ctx context.Context, code string, userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil
	}

	apply := func(txCtx context.Context) error {
		tx, ok := pfirestore.TxFromContext(txCtx)
		if !ok {
			return errors.New("vouchers.release: no transaction on context")
		}

		ref, err := r.docRef(txCtx, code)
		if err != nil {
			if isNotFound(err) {
				return nil
			}
			return err
		}
		snap, err := tx.Get(ref)
		if err != nil {
			werr := pfirestore.WrapError("vouchers.release", err)
			if isNotFound(werr) {
				return nil
			}
			return werr
		}

		var voucher domain.Voucher
		if err := snap.DataTo(&voucher); err != nil {
			return pfirestore.WrapError("vouchers.decode", err)
		}
		if !voucher.UsedByUser(userID) {
			return nil
		}

		if err := tx.Update(ref, []firestore.Update{
			{Path: "quantity", Value: firestore.Increment(1)},
			{Path: "usedBy", Value: firestore.ArrayRemove(userID)},
		}); err != nil {
			return pfirestore.WrapError("vouchers.release", err)
		}
		return nil
	}

	if _, ok := pfirestore.TxFromContext(ctx); ok {
		return apply(ctx)
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return err
	}
	return pfirestore.RunTransaction(ctx, client, apply)
}

func isNotFound(err error) bool {
	var repoErr *pfirestore.Error
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}

func (r *VoucherRepository) docRef(ctx context.Context, code string) (*firestore.DocumentRef, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, pfirestore.NewNotFound("vouchers", errors.New("voucher code is empty"))
	}
	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	return client.Collection(vouchersCollection).Doc(code), nil
}

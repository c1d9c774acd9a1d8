package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"

	domain "github.com/vietcart/api/internal/domain"
	pfirestore "github.com/vietcart/api/internal/platform/firestore"
	"github.com/vietcart/api/internal/repositories"
)

const ordersCollection = "orders"

var onlinePaymentMethods = []any{
	string(domain.PaymentMethodMoMo),
	string(domain.PaymentMethodZaloPay),
}

// OrderRepository implements repositories.OrderRepository on Firestore.
// Mutations issued inside a unit-of-work transaction are routed through the
// transaction handle carried on the context.
type OrderRepository struct {
	provider *pfirestore.Provider
}

// NewOrderRepository constructs a Firestore-backed order repository.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	return &OrderRepository{provider: provider}, nil
}

// Insert creates the order document. Creation fails with a conflict error if
// the internal id already exists.
func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	ref, err := r.docRef(ctx, order.ID)
	if err != nil {
		return err
	}
	if tx, ok := pfirestore.TxFromContext(ctx); ok {
		return pfirestore.WrapError("orders.insert", tx.Create(ref, order))
	}
	_, err = ref.Create(ctx, order)
	return pfirestore.WrapError("orders.insert", err)
}

// Update replaces the order document. Orders are created whole at checkout,
// so a full Set keeps the stored document in lockstep with the model.
func (r *OrderRepository) Update(ctx context.Context, order domain.Order) error {
	ref, err := r.docRef(ctx, order.ID)
	if err != nil {
		return err
	}
	if tx, ok := pfirestore.TxFromContext(ctx); ok {
		return pfirestore.WrapError("orders.update", tx.Set(ref, order))
	}
	_, err = ref.Set(ctx, order)
	return pfirestore.WrapError("orders.update", err)
}

// FindByID fetches an order by its internal document id.
func (r *OrderRepository) FindByID(ctx context.Context, id string) (domain.Order, error) {
	ref, err := r.docRef(ctx, id)
	if err != nil {
		return domain.Order{}, err
	}

	var snap *firestore.DocumentSnapshot
	if tx, ok := pfirestore.TxFromContext(ctx); ok {
		snap, err = tx.Get(ref)
	} else {
		snap, err = ref.Get(ctx)
	}
	if err != nil {
		return domain.Order{}, pfirestore.WrapError("orders.get", err)
	}
	return decodeOrder(snap)
}

// FindByOrderID fetches an order by the external, gateway-facing order id.
// Gateways only echo back what they were given at create time, so callbacks
// and status polls resolve orders through this lookup.
func (r *OrderRepository) FindByOrderID(ctx context.Context, orderID string) (domain.Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, pfirestore.NewNotFound("orders.getByOrderId", errors.New("order id is empty"))
	}

	coll, err := r.collection(ctx)
	if err != nil {
		return domain.Order{}, err
	}

	query := coll.Where("orderId", "==", orderID).Limit(1)
	docs, err := r.runQuery(ctx, query)
	if err != nil {
		return domain.Order{}, pfirestore.WrapError("orders.getByOrderId", err)
	}
	if len(docs) == 0 {
		return domain.Order{}, pfirestore.NewNotFound("orders.getByOrderId", errors.New("order "+orderID+" not found"))
	}
	return decodeOrder(docs[0])
}

// List returns orders matching the filter, newest first.
func (r *OrderRepository) List(ctx context.Context, filter repositories.OrderListFilter) ([]domain.Order, error) {
	coll, err := r.collection(ctx)
	if err != nil {
		return nil, err
	}

	query := coll.Query
	if filter.UserID != "" {
		query = query.Where("user.id", "==", filter.UserID)
	}
	if filter.PaymentStatus != nil {
		query = query.Where("paymentStatus", "==", string(*filter.PaymentStatus))
	}
	if filter.ShippingStatus != nil {
		query = query.Where("shippingStatus", "==", string(*filter.ShippingStatus))
	}
	query = query.OrderBy("createdAt", firestore.Desc).OrderBy("orderId", firestore.Asc)
	if len(filter.StartAfter) > 0 {
		query = query.StartAfter(cursorValues(filter.StartAfter)...)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}

	docs, err := r.runQuery(ctx, query)
	if err != nil {
		return nil, pfirestore.WrapError("orders.list", err)
	}
	return decodeOrders(docs)
}

// cursorValues converts page-token cursor values back into the types the
// query ordered by. Timestamps round-trip through tokens as RFC3339 strings.
func cursorValues(raw []any) []any {
	values := make([]any, len(raw))
	for i, v := range raw {
		if s, ok := v.(string); ok {
			if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
				values[i] = ts
				continue
			}
		}
		values[i] = v
	}
	return values
}

// ListPendingOnlinePayments returns gateway orders still awaiting settlement.
func (r *OrderRepository) ListPendingOnlinePayments(ctx context.Context, limit int) ([]domain.Order, error) {
	coll, err := r.collection(ctx)
	if err != nil {
		return nil, err
	}

	query := coll.
		Where("paymentStatus", "==", string(domain.PaymentStatusPending)).
		Where("paymentMethod", "in", onlinePaymentMethods)
	if limit > 0 {
		query = query.Limit(limit)
	}

	docs, err := r.runQuery(ctx, query)
	if err != nil {
		return nil, pfirestore.WrapError("orders.listPendingPayments", err)
	}
	return decodeOrders(docs)
}

// ListDeliveredUnconfirmed returns delivered orders past the cutoff whose
// receipt the buyer has not confirmed yet.
func (r *OrderRepository) ListDeliveredUnconfirmed(ctx context.Context, deliveredBefore time.Time) ([]domain.Order, error) {
	coll, err := r.collection(ctx)
	if err != nil {
		return nil, err
	}

	query := coll.
		Where("shippingStatus", "==", string(domain.ShippingStatusDelivered)).
		Where("confirmedReceivedAt", "==", nil).
		Where("deliveredAt", "<", deliveredBefore)

	docs, err := r.runQuery(ctx, query)
	if err != nil {
		return nil, pfirestore.WrapError("orders.listDeliveredUnconfirmed", err)
	}
	return decodeOrders(docs)
}

func (r *OrderRepository) collection(ctx context.Context) (*firestore.CollectionRef, error) {
	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	return client.Collection(ordersCollection), nil
}

func (r *OrderRepository) docRef(ctx context.Context, id string) (*firestore.DocumentRef, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, pfirestore.NewNotFound("orders", errors.New("document id is empty"))
	}
	coll, err := r.collection(ctx)
	if err != nil {
		return nil, err
	}
	return coll.Doc(id), nil
}

func (r *OrderRepository) runQuery(ctx context.Context, query firestore.Query) ([]*firestore.DocumentSnapshot, error) {
	var iter *firestore.DocumentIterator
	if tx, ok := pfirestore.TxFromContext(ctx); ok {
		iter = tx.Documents(query)
	} else {
		iter = query.Documents(ctx)
	}
	defer iter.Stop()

	var docs []*firestore.DocumentSnapshot
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			return docs, nil
		}
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
}

func decodeOrder(snap *firestore.DocumentSnapshot) (domain.Order, error) {
	var order domain.Order
	if err := snap.DataTo(&order); err != nil {
		return domain.Order{}, pfirestore.WrapError("orders.decode", err)
	}
	order.ID = snap.Ref.ID
	return order, nil
}

func decodeOrders(snaps []*firestore.DocumentSnapshot) ([]domain.Order, error) {
	orders := make([]domain.Order, 0, len(snaps))
	for _, snap := range snaps {
		order, err := decodeOrder(snap)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	return orders, nil
}

package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/vietcart/api/internal/domain"
	"github.com/vietcart/api/internal/platform/httpx"
	"github.com/vietcart/api/internal/platform/pagination"
	"github.com/vietcart/api/internal/repositories"
	"github.com/vietcart/api/internal/services"
)

const (
	maxOrderBodySize       = 64 * 1024
	maxOrderCancelBodySize = 4 * 1024
	defaultOrderListSize   = 50
	maxOrderListLimit      = 100
)

// OrderHandlers exposes the order lifecycle endpoints.
type OrderHandlers struct {
	orders services.OrderService
}

// NewOrderHandlers constructs a new OrderHandlers instance.
func NewOrderHandlers(orders services.OrderService) *OrderHandlers {
	return &OrderHandlers{orders: orders}
}

// Routes registers the /orders endpoints.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/", h.createOrder)
	r.Get("/", h.listOrders)
	r.Get("/{orderID}", h.getOrder)
	r.Patch("/{orderID}", h.updateOrder)
	r.Post("/{orderID}:cancel", h.cancelOrder)
}

type userRequest struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

type receiverRequest struct {
	Name         string `json:"name"`
	Phone        string `json:"phone"`
	Address      string `json:"address"`
	WardName     string `json:"wardName"`
	DistrictName string `json:"districtName"`
	CityName     string `json:"cityName"`
	Type         string `json:"type"`
}

type orderItemRequest struct {
	ProductVariantID string `json:"productVariantId"`
	Size             string `json:"size"`
	Quantity         int64  `json:"quantity"`
	Price            int64  `json:"price"`
	Version          int64  `json:"version"`
}

type createOrderRequest struct {
	OrderID       string             `json:"orderId"`
	User          userRequest        `json:"user"`
	Receiver      receiverRequest    `json:"receiver"`
	Items         []orderItemRequest `json:"items"`
	TotalPrice    int64              `json:"totalPrice"`
	PaymentMethod string             `json:"paymentMethod"`
	VoucherCode   string             `json:"voucherCode"`
}

type cancelOrderRequest struct {
	CancelBy string `json:"cancelBy"`
	Reason   string `json:"reason"`
}

type receiverUpdateRequest struct {
	Name         *string `json:"name"`
	Phone        *string `json:"phone"`
	Address      *string `json:"address"`
	WardName     *string `json:"wardName"`
	DistrictName *string `json:"districtName"`
	CityName     *string `json:"cityName"`
}

type updateOrderRequest struct {
	ShippingStatus *string                `json:"shippingStatus"`
	PaymentStatus  *string                `json:"paymentStatus"`
	Receiver       *receiverUpdateRequest `json:"receiver"`
}

func (h *OrderHandlers) createOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req createOrderRequest
	if !decodeOrderBody(ctx, w, r, maxOrderBodySize, &req) {
		return
	}

	cmd, ok := buildCreateCommand(ctx, w, req)
	if !ok {
		return
	}

	order, err := h.orders.Create(ctx, cmd)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	query := r.URL.Query()

	filter := repositories.OrderListFilter{
		UserID: trimmed(query.Get("userId")),
	}
	if raw := trimmed(query.Get("paymentStatus")); raw != "" {
		status := domain.PaymentStatus(raw)
		filter.PaymentStatus = &status
	}
	if raw := trimmed(query.Get("shippingStatus")); raw != "" {
		status := domain.ShippingStatus(raw)
		filter.ShippingStatus = &status
	}
	params, err := pagination.FromRequest(r, pagination.Options{
		DefaultPageSize: defaultOrderListSize,
		MaxPageSize:     maxOrderListLimit,
	})
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}
	filter.Limit = params.PageSize
	filter.StartAfter = params.Cursor.StartAfter

	orders, err := h.orders.List(ctx, filter)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	resp := orderListResponse{Items: make([]orderPayload, 0, len(orders))}
	for _, order := range orders {
		resp.Items = append(resp.Items, buildOrderPayload(order))
	}
	if len(orders) == params.PageSize {
		last := orders[len(orders)-1]
		token, err := pagination.EncodeToken(pagination.Cursor{StartAfter: []any{
			last.CreatedAt.UTC().Format(time.RFC3339Nano),
			last.OrderID,
		}})
		if err == nil {
			resp.NextPageToken = token
		}
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	orderID := trimmed(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	order, err := h.orders.Get(ctx, orderID)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) updateOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	orderID := trimmed(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	var req updateOrderRequest
	if !decodeOrderBody(ctx, w, r, maxOrderBodySize, &req) {
		return
	}
	if req.ShippingStatus == nil && req.PaymentStatus == nil && req.Receiver == nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "no updatable fields provided", http.StatusBadRequest))
		return
	}

	cmd := services.UpdateOrderCommand{OrderID: orderID}
	if req.ShippingStatus != nil {
		status := domain.ShippingStatus(trimmed(*req.ShippingStatus))
		cmd.ShippingStatus = &status
	}
	if req.PaymentStatus != nil {
		status := domain.PaymentStatus(trimmed(*req.PaymentStatus))
		cmd.PaymentStatus = &status
	}
	if req.Receiver != nil {
		cmd.Receiver = &services.ReceiverUpdate{
			Name:         req.Receiver.Name,
			Phone:        req.Receiver.Phone,
			Address:      req.Receiver.Address,
			WardName:     req.Receiver.WardName,
			DistrictName: req.Receiver.DistrictName,
			CityName:     req.Receiver.CityName,
		}
	}

	order, err := h.orders.Update(ctx, cmd)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) cancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	orderID := trimmed(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	var req cancelOrderRequest
	if !decodeOrderBody(ctx, w, r, maxOrderCancelBodySize, &req) {
		return
	}

	var actor services.CancelActor
	switch trimmed(req.CancelBy) {
	case string(services.CancelActorBuyer):
		actor = services.CancelActorBuyer
	case string(services.CancelActorSeller):
		actor = services.CancelActorSeller
	default:
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "cancelBy must be buyer or seller", http.StatusBadRequest))
		return
	}

	order, err := h.orders.Cancel(ctx, services.CancelOrderCommand{
		OrderID: orderID,
		Actor:   actor,
		Reason:  trimmed(req.Reason),
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func buildCreateCommand(ctx context.Context, w http.ResponseWriter, req createOrderRequest) (services.CreateOrderCommand, bool) {
	items := make([]services.CreateOrderItem, 0, len(req.Items))
	for _, item := range req.Items {
		items = append(items, services.CreateOrderItem{
			ProductVariantID: trimmed(item.ProductVariantID),
			Size:             trimmed(item.Size),
			Quantity:         item.Quantity,
			Price:            item.Price,
			Version:          item.Version,
		})
	}

	receiverType := domain.ReceiverType(trimmed(req.Receiver.Type))
	switch receiverType {
	case "", domain.ReceiverTypeHome, domain.ReceiverTypeCompany:
	default:
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "receiver type must be home or company", http.StatusBadRequest))
		return services.CreateOrderCommand{}, false
	}
	if receiverType == "" {
		receiverType = domain.ReceiverTypeHome
	}

	return services.CreateOrderCommand{
		OrderID: trimmed(req.OrderID),
		User: domain.UserSnapshot{
			ID:    trimmed(req.User.ID),
			Email: trimmed(req.User.Email),
		},
		Receiver: domain.Receiver{
			Name:         trimmed(req.Receiver.Name),
			Phone:        trimmed(req.Receiver.Phone),
			Address:      trimmed(req.Receiver.Address),
			WardName:     trimmed(req.Receiver.WardName),
			DistrictName: trimmed(req.Receiver.DistrictName),
			CityName:     trimmed(req.Receiver.CityName),
			Type:         receiverType,
		},
		Items:         items,
		TotalPrice:    req.TotalPrice,
		PaymentMethod: domain.PaymentMethod(trimmed(req.PaymentMethod)),
		VoucherCode:   trimmed(req.VoucherCode),
	}, true
}

type orderListResponse struct {
	Items         []orderPayload `json:"items"`
	NextPageToken string         `json:"nextPageToken,omitempty"`
}

type orderResponse struct {
	Order orderPayload `json:"order"`
}

type orderPayload struct {
	OrderID        string                 `json:"orderId"`
	User           userRequest            `json:"user"`
	Receiver       receiverRequest        `json:"receiver"`
	Items          []orderItemPayload     `json:"items"`
	TotalPrice     int64                  `json:"totalPrice"`
	ShippingFee    int64                  `json:"shippingFee"`
	DiscountAmount int64                  `json:"discountAmount"`
	FinalAmount    int64                  `json:"finalAmount"`
	Voucher        *voucherSnapshotData   `json:"voucher,omitempty"`
	PaymentMethod  string                 `json:"paymentMethod"`
	PaymentURL     string                 `json:"paymentUrl,omitempty"`
	PaymentStatus  string                 `json:"paymentStatus,omitempty"`
	ShippingStatus string                 `json:"shippingStatus"`
	PaymentDetails *paymentDetailsPayload `json:"paymentDetails,omitempty"`
	CreatedAt      string                 `json:"createdAt"`
	UpdatedAt      string                 `json:"updatedAt,omitempty"`
	PaidAt         string                 `json:"paidAt,omitempty"`
	DeliveredAt    string                 `json:"deliveredAt,omitempty"`
	ConfirmedAt    string                 `json:"confirmedReceivedAt,omitempty"`
	CanceledAt     string                 `json:"canceledAt,omitempty"`
	CancelReason   string                 `json:"cancelReason,omitempty"`
}

type orderItemPayload struct {
	ProductVariantID string `json:"productVariantId"`
	Size             string `json:"size"`
	Quantity         int64  `json:"quantity"`
	Price            int64  `json:"price"`
	Version          int64  `json:"version"`
	Reviewed         bool   `json:"reviewed"`
}

type voucherSnapshotData struct {
	Code        string `json:"code"`
	Type        string `json:"type"`
	Value       int64  `json:"value"`
	MaxDiscount *int64 `json:"maxDiscount,omitempty"`
}

type paymentDetailsPayload struct {
	TransactionID   string `json:"transactionId,omitempty"`
	RefundRequested bool   `json:"refundRequested,omitempty"`
	RefundRequestAt string `json:"refundRequestAt,omitempty"`
	RefundRequestBy string `json:"refundRequestBy,omitempty"`
	RefundProcessed bool   `json:"refundProcessed,omitempty"`
	RefundID        string `json:"refundId,omitempty"`
}

func buildOrderPayload(order domain.Order) orderPayload {
	payload := orderPayload{
		OrderID: order.OrderID,
		User: userRequest{
			ID:    order.User.ID,
			Email: order.User.Email,
		},
		Receiver: receiverRequest{
			Name:         order.Receiver.Name,
			Phone:        order.Receiver.Phone,
			Address:      order.Receiver.Address,
			WardName:     order.Receiver.WardName,
			DistrictName: order.Receiver.DistrictName,
			CityName:     order.Receiver.CityName,
			Type:         string(order.Receiver.Type),
		},
		Items:          make([]orderItemPayload, 0, len(order.Items)),
		TotalPrice:     order.TotalPrice,
		ShippingFee:    order.ShippingFee,
		DiscountAmount: order.DiscountAmount,
		FinalAmount:    order.FinalAmount,
		PaymentMethod:  string(order.PaymentMethod),
		PaymentURL:     order.PaymentURL,
		PaymentStatus:  string(order.PaymentStatus),
		ShippingStatus: string(order.ShippingStatus),
		CreatedAt:      formatTime(order.CreatedAt),
		UpdatedAt:      formatTime(order.UpdatedAt),
		PaidAt:         formatTimePtr(order.PaidAt),
		DeliveredAt:    formatTimePtr(order.DeliveredAt),
		ConfirmedAt:    formatTimePtr(order.ConfirmedReceivedAt),
		CanceledAt:     formatTimePtr(order.CanceledAt),
		CancelReason:   order.CancelReason,
	}

	for _, item := range order.Items {
		payload.Items = append(payload.Items, orderItemPayload{
			ProductVariantID: item.ProductVariantID,
			Size:             item.Size,
			Quantity:         item.Quantity,
			Price:            item.Price,
			Version:          item.Version,
			Reviewed:         item.Reviewed,
		})
	}

	if order.Voucher != nil {
		payload.Voucher = &voucherSnapshotData{
			Code:        order.Voucher.Code,
			Type:        string(order.Voucher.Type),
			Value:       order.Voucher.Value,
			MaxDiscount: order.Voucher.MaxDiscount,
		}
	}

	details := order.PaymentDetails
	if details.TransactionID != "" || details.RefundRequested || details.RefundProcessed {
		payload.PaymentDetails = &paymentDetailsPayload{
			TransactionID:   details.TransactionID,
			RefundRequested: details.RefundRequested,
			RefundRequestAt: formatTimePtr(details.RefundRequestAt),
			RefundRequestBy: details.RefundRequestBy,
			RefundProcessed: details.RefundProcessed,
			RefundID:        details.RefundID,
		}
	}

	return payload
}

func decodeOrderBody(ctx context.Context, w http.ResponseWriter, r *http.Request, limit int64, dst any) bool {
	body, err := readLimitedBody(r, limit)
	if err != nil {
		if errors.Is(err, errBodyTooLarge) {
			httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
		} else {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		}
		return false
	}
	if len(body) == 0 {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body is required", http.StatusBadRequest))
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
		return false
	}
	return true
}

func writeOrderError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrOrderInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrOrderConflict):
		httpx.WriteError(ctx, w, httpx.NewError("order_conflict", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrOrderInvalidState):
		httpx.WriteError(ctx, w, httpx.NewError("order_invalid_state", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrFeeQuote):
		httpx.WriteError(ctx, w, httpx.NewError("shipping_fee_unavailable", "shipping fee could not be quoted", http.StatusBadGateway))
	case errors.Is(err, services.ErrVoucherNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("voucher_not_found", "voucher not found", http.StatusBadRequest))
	case errors.Is(err, services.ErrVoucherInactive),
		errors.Is(err, services.ErrVoucherExpired),
		errors.Is(err, services.ErrVoucherMinOrder):
		httpx.WriteError(ctx, w, httpx.NewError("voucher_not_eligible", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrVoucherExhausted),
		errors.Is(err, services.ErrVoucherAlreadyUsed):
		httpx.WriteError(ctx, w, httpx.NewError("voucher_unavailable", err.Error(), http.StatusConflict))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("order_error", "failed to process order request", http.StatusInternalServerError))
	}
}

package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	domain "github.com/vietcart/api/internal/domain"
	"github.com/vietcart/api/internal/payments"
	"github.com/vietcart/api/internal/platform/httpx"
	"github.com/vietcart/api/internal/platform/requestctx"
	"github.com/vietcart/api/internal/services"
)

const maxCallbackBodySize = 256 * 1024

// PaymentHandlers exposes the gateway-facing endpoints: payment creation,
// provider callbacks, on-demand status polls, and refund execution.
type PaymentHandlers struct {
	orders      services.OrderService
	gateways    *payments.Manager
	createLimit func(http.Handler) http.Handler
}

// PaymentOption customizes the payment handlers.
type PaymentOption func(*PaymentHandlers)

// WithCreateRateLimit throttles the client-initiated endpoints (create and
// refund). Provider callbacks and status polls are never throttled: dropping
// an IPN loses the payment verdict until the reconciler next polls.
func WithCreateRateLimit(limit func(http.Handler) http.Handler) PaymentOption {
	return func(h *PaymentHandlers) {
		h.createLimit = limit
	}
}

// NewPaymentHandlers constructs payment handlers over the gateway manager.
func NewPaymentHandlers(orders services.OrderService, gateways *payments.Manager, opts ...PaymentOption) *PaymentHandlers {
	h := &PaymentHandlers{orders: orders, gateways: gateways}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the payment endpoints. Mounted inside the /orders group.
func (h *PaymentHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}

	limited := r
	if h.createLimit != nil {
		limited = r.With(h.createLimit)
	}
	limited.Post("/momo/create", h.createPayment(domain.PaymentMethodMoMo))
	limited.Post("/momo/refund", h.refund(domain.PaymentMethodMoMo))
	limited.Post("/zalopay/create", h.createPayment(domain.PaymentMethodZaloPay))
	limited.Post("/zalopay/refund", h.refund(domain.PaymentMethodZaloPay))

	r.Post("/momo/callback", h.momoCallback)
	r.Post("/momo/transaction", h.transactionStatus(domain.PaymentMethodMoMo))
	r.Post("/zalopay/callback", h.zalopayCallback)
	r.Post("/zalopay/transaction", h.transactionStatus(domain.PaymentMethodZaloPay))
}

type paymentCreateResponse struct {
	Order      orderPayload   `json:"order"`
	PaymentURL string         `json:"paymentUrl"`
	Raw        map[string]any `json:"raw,omitempty"`
}

type transactionStatusRequest struct {
	OrderID    string `json:"orderId"`
	AppTransID string `json:"app_trans_id"`
}

type transactionStatusResponse struct {
	OrderID       string         `json:"orderId"`
	State         string         `json:"state"`
	TransactionID string         `json:"transactionId,omitempty"`
	Raw           map[string]any `json:"raw,omitempty"`
}

type refundRequestBody struct {
	OrderID string `json:"orderId"`
	Reason  string `json:"reason"`
}

type refundResponse struct {
	OrderID   string         `json:"orderId"`
	RefundID  string         `json:"refundId"`
	Simulated bool           `json:"simulated,omitempty"`
	Raw       map[string]any `json:"raw,omitempty"`
}

// createPayment creates the order with the gateway payment method, requests a
// provider transaction, and stores the redirect URL on the order.
func (h *PaymentHandlers) createPayment(method domain.PaymentMethod) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		var req createOrderRequest
		if !decodeOrderBody(ctx, w, r, maxOrderBodySize, &req) {
			return
		}
		req.PaymentMethod = string(method)

		cmd, ok := buildCreateCommand(ctx, w, req)
		if !ok {
			return
		}

		order, err := h.orders.Create(ctx, cmd)
		if err != nil {
			writeOrderError(ctx, w, err)
			return
		}

		created, err := h.gateways.CreateTransaction(ctx, method, payments.CreateRequest{
			OrderID:     order.OrderID,
			Amount:      order.FinalAmount,
			Description: fmt.Sprintf("Thanh toan don hang %s", order.OrderID),
			AppUser:     order.User.ID,
			IssuedAt:    order.CreatedAt,
		})
		if err != nil {
			// A definitive rejection means no payment will ever arrive for
			// this order. Close it right away so the voucher slot returns to
			// the pool instead of waiting out the payment deadline.
			if errors.Is(err, payments.ErrProviderRejected) {
				if _, expireErr := h.orders.MarkPaymentExpired(ctx, order.OrderID); expireErr != nil && !errors.Is(expireErr, services.ErrOrderInvalidState) {
					requestctx.Logger(ctx).Warn("payment create cleanup failed",
						zap.String("orderId", order.OrderID),
						zap.Error(expireErr))
				}
			}
			writePaymentError(ctx, w, err)
			return
		}

		order, err = h.orders.AttachPayment(ctx, services.AttachPaymentCommand{
			OrderID:     order.OrderID,
			PaymentURL:  created.PayURL,
			RawResponse: created.Raw,
		})
		if err != nil {
			writeOrderError(ctx, w, err)
			return
		}

		httpx.WriteJSON(w, http.StatusCreated, paymentCreateResponse{
			Order:      buildOrderPayload(order),
			PaymentURL: created.PayURL,
			Raw:        created.Raw,
		})
	}
}

// momoCallback handles the MoMo IPN. MoMo expects 204 on acceptance.
func (h *PaymentHandlers) momoCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := readLimitedBody(r, maxCallbackBodySize)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "unreadable callback body", http.StatusBadRequest))
		return
	}

	result, err := h.gateways.VerifyCallback(ctx, domain.PaymentMethodMoMo, body)
	if err != nil {
		writeCallbackError(ctx, w, err)
		return
	}

	if err := h.applyTransactionState(ctx, result.OrderID, result.TransactionID, payments.StatusResult{
		State: result.State,
		Raw:   result.Raw,
	}); err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// zalopayCallback handles the ZaloPay server callback. ZaloPay retries until
// it receives return_code 1; a negative code tells it to stop.
func (h *PaymentHandlers) zalopayCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := readLimitedBody(r, maxCallbackBodySize)
	if err != nil {
		httpx.WriteJSON(w, http.StatusOK, map[string]any{"return_code": -1, "return_message": "unreadable body"})
		return
	}

	result, err := h.gateways.VerifyCallback(ctx, domain.PaymentMethodZaloPay, body)
	if err != nil {
		switch {
		case errors.Is(err, payments.ErrSignatureMismatch):
			httpx.WriteJSON(w, http.StatusOK, map[string]any{"return_code": -1, "return_message": "mac not equal"})
		default:
			httpx.WriteJSON(w, http.StatusOK, map[string]any{"return_code": -1, "return_message": "invalid callback"})
		}
		return
	}

	if err := h.applyTransactionState(ctx, result.OrderID, result.TransactionID, payments.StatusResult{
		State: result.State,
		Raw:   result.Raw,
	}); err != nil {
		httpx.WriteJSON(w, http.StatusOK, map[string]any{"return_code": 0, "return_message": "order update failed"})
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"return_code": 1, "return_message": "success"})
}

// transactionStatus polls the provider and applies the outcome with the same
// idempotent semantics as the callback path.
func (h *PaymentHandlers) transactionStatus(method domain.PaymentMethod) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		var req transactionStatusRequest
		if !decodeOrderBody(ctx, w, r, maxOrderCancelBodySize, &req) {
			return
		}

		orderID := trimmed(req.OrderID)
		if orderID == "" && req.AppTransID != "" {
			// app_trans_id is yymmdd_orderId; recover the order id suffix.
			if _, suffix, ok := strings.Cut(trimmed(req.AppTransID), "_"); ok {
				orderID = suffix
			}
		}
		if orderID == "" {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "orderId or app_trans_id is required", http.StatusBadRequest))
			return
		}

		order, err := h.orders.Get(ctx, orderID)
		if err != nil {
			writeOrderError(ctx, w, err)
			return
		}
		if order.PaymentMethod != method {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order was not created with this payment method", http.StatusBadRequest))
			return
		}

		status, err := h.gateways.QueryTransaction(ctx, order)
		if err != nil {
			writePaymentError(ctx, w, err)
			return
		}

		if err := h.applyTransactionState(ctx, order.OrderID, status.TransactionID, status); err != nil {
			writeOrderError(ctx, w, err)
			return
		}

		httpx.WriteJSON(w, http.StatusOK, transactionStatusResponse{
			OrderID:       order.OrderID,
			State:         string(status.State),
			TransactionID: status.TransactionID,
			Raw:           status.Raw,
		})
	}
}

// refund executes a previously requested refund at the gateway and records
// the refund id on the order.
func (h *PaymentHandlers) refund(method domain.PaymentMethod) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		var req refundRequestBody
		if !decodeOrderBody(ctx, w, r, maxOrderCancelBodySize, &req) {
			return
		}
		orderID := trimmed(req.OrderID)
		if orderID == "" {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
			return
		}

		order, err := h.orders.Get(ctx, orderID)
		if err != nil {
			writeOrderError(ctx, w, err)
			return
		}
		if order.PaymentMethod != method {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order was not created with this payment method", http.StatusBadRequest))
			return
		}
		if !order.PaymentDetails.RefundRequested {
			httpx.WriteError(ctx, w, httpx.NewError("refund_not_requested", "order has no open refund request", http.StatusConflict))
			return
		}
		if order.PaymentDetails.RefundProcessed {
			httpx.WriteError(ctx, w, httpx.NewError("refund_already_processed", "refund already processed", http.StatusConflict))
			return
		}

		description := trimmed(req.Reason)
		if description == "" {
			description = fmt.Sprintf("Hoan tien don hang %s", order.OrderID)
		}

		result, err := h.gateways.Refund(ctx, method, payments.RefundRequest{
			OrderID:       order.OrderID,
			TransactionID: order.PaymentDetails.TransactionID,
			Amount:        order.FinalAmount,
			Description:   description,
		})
		if err != nil {
			writePaymentError(ctx, w, err)
			return
		}

		if _, err := h.orders.RecordRefund(ctx, services.RecordRefundCommand{
			OrderID:  order.OrderID,
			RefundID: result.RefundID,
		}); err != nil {
			writeOrderError(ctx, w, err)
			return
		}

		httpx.WriteJSON(w, http.StatusOK, refundResponse{
			OrderID:   order.OrderID,
			RefundID:  result.RefundID,
			Simulated: result.Simulated,
			Raw:       result.Raw,
		})
	}
}

// applyTransactionState folds a provider verdict into the order. Both the
// callback path and the poll path funnel through here, so a race between them
// resolves to a single applied transition.
func (h *PaymentHandlers) applyTransactionState(ctx context.Context, orderID, transactionID string, status payments.StatusResult) error {
	switch status.State {
	case payments.StatePaid:
		_, err := h.orders.MarkPaid(ctx, services.MarkPaidCommand{
			OrderID:       orderID,
			TransactionID: transactionID,
			RawResponse:   status.Raw,
		})
		return err
	case payments.StateFailed:
		_, err := h.orders.MarkPaymentExpired(ctx, orderID)
		return err
	default:
		return nil
	}
}

func writeCallbackError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, payments.ErrSignatureMismatch):
		httpx.WriteError(ctx, w, httpx.NewError("signature_mismatch", "callback signature verification failed", http.StatusForbidden))
	case errors.Is(err, payments.ErrMalformedCallback):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "malformed callback payload", http.StatusBadRequest))
	default:
		writePaymentError(ctx, w, err)
	}
}

func writePaymentError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, payments.ErrUnsupportedMethod):
		httpx.WriteError(ctx, w, httpx.NewError("unsupported_method", "payment method has no configured gateway", http.StatusBadRequest))
	case errors.Is(err, payments.ErrMissingTransaction):
		httpx.WriteError(ctx, w, httpx.NewError("missing_transaction", "order has no recorded provider transaction", http.StatusConflict))
	case errors.Is(err, payments.ErrProviderRejected):
		httpx.WriteError(ctx, w, httpx.NewError("provider_rejected", "payment provider rejected the request", http.StatusBadGateway))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("provider_error", "payment provider request failed", http.StatusBadGateway))
	}
}

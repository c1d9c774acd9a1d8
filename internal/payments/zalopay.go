package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/vietcart/api/internal/domain"
)

const (
	zaloCreatePath      = "/v2/create"
	zaloQueryPath       = "/v2/query"
	zaloRefundPath      = "/v2/refund"
	zaloRefundQueryPath = "/v2/query_refund"

	zaloReturnSuccess    = 1
	zaloReturnFailure    = 2
	zaloReturnProcessing = 3
)

// ZaloPayConfig carries the application credentials for the ZaloPay gateway.
// Key1 signs outbound requests; Key2 authenticates inbound callbacks.
type ZaloPayConfig struct {
	AppID int
	Key1  string
	Key2  string
	// Endpoint is the API origin, e.g. https://sb-openapi.zalopay.vn.
	Endpoint    string
	CallbackURL string
	AppUser     string
	// SimulateRefunds short-circuits refund calls with a synthetic success.
	SimulateRefunds bool
}

// ZaloPayGateway implements Gateway against the ZaloPay v2 API. Requests are
// form encoded and signed with HMAC-SHA256 over a pipe-joined field list.
type ZaloPayGateway struct {
	cfg    ZaloPayConfig
	client *http.Client
	clock  func() time.Time
	newID  func() string
}

// ZaloPayOption customises the gateway.
type ZaloPayOption func(*ZaloPayGateway)

// WithZaloPayHTTPClient overrides the outbound HTTP client.
func WithZaloPayHTTPClient(client *http.Client) ZaloPayOption {
	return func(g *ZaloPayGateway) {
		if client != nil {
			g.client = client
		}
	}
}

// WithZaloPayClock injects a custom clock, primarily for tests.
func WithZaloPayClock(clock func() time.Time) ZaloPayOption {
	return func(g *ZaloPayGateway) {
		if clock != nil {
			g.clock = clock
		}
	}
}

// WithZaloPayIDGenerator overrides refund id generation.
func WithZaloPayIDGenerator(gen func() string) ZaloPayOption {
	return func(g *ZaloPayGateway) {
		if gen != nil {
			g.newID = gen
		}
	}
}

// NewZaloPayGateway validates the config and constructs the adapter.
func NewZaloPayGateway(cfg ZaloPayConfig, opts ...ZaloPayOption) (*ZaloPayGateway, error) {
	if cfg.AppID == 0 || cfg.Key1 == "" || cfg.Key2 == "" {
		return nil, errors.New("zalopay: app id, key1, and key2 are required")
	}
	if cfg.Endpoint == "" {
		return nil, errors.New("zalopay: endpoint is required")
	}
	if cfg.AppUser == "" {
		cfg.AppUser = "vietcart"
	}
	cfg.Endpoint = strings.TrimRight(cfg.Endpoint, "/")

	g := &ZaloPayGateway{
		cfg:    cfg,
		client: newHTTPClient(),
		clock:  time.Now,
		newID: func() string {
			return ulid.Make().String()
		},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// AppTransID derives the provider transaction reference for an order. The
// provider requires a yymmdd date prefix matching the creation day, so the
// reference stays recomputable from the stored order.
func AppTransID(issuedAt time.Time, orderID string) string {
	return issuedAt.Format("060102") + "_" + orderID
}

type zaloCreateResponse struct {
	ReturnCode    int    `json:"return_code"`
	ReturnMessage string `json:"return_message"`
	SubReturnCode int    `json:"sub_return_code"`
	OrderURL      string `json:"order_url"`
	ZPTransToken  string `json:"zp_trans_token"`
}

// CreateTransaction creates a provider order and returns the redirect URL.
func (g *ZaloPayGateway) CreateTransaction(ctx context.Context, req CreateRequest) (CreateResult, error) {
	if req.OrderID == "" {
		return CreateResult{}, errors.New("zalopay: order id is required")
	}
	if req.Amount <= 0 {
		return CreateResult{}, fmt.Errorf("zalopay: amount must be positive, got %d", req.Amount)
	}

	issuedAt := req.IssuedAt
	if issuedAt.IsZero() {
		issuedAt = g.clock()
	}
	appTransID := AppTransID(issuedAt, req.OrderID)
	appTime := g.clock().UnixMilli()
	embedData := "{}"
	item := "[]"

	raw := fmt.Sprintf("%d|%s|%s|%d|%d|%s|%s",
		g.cfg.AppID, appTransID, g.cfg.AppUser, req.Amount, appTime, embedData, item)

	form := url.Values{}
	form.Set("app_id", strconv.Itoa(g.cfg.AppID))
	form.Set("app_user", g.cfg.AppUser)
	form.Set("app_time", strconv.FormatInt(appTime, 10))
	form.Set("app_trans_id", appTransID)
	form.Set("amount", strconv.FormatInt(req.Amount, 10))
	form.Set("embed_data", embedData)
	form.Set("item", item)
	form.Set("description", req.Description)
	form.Set("callback_url", g.cfg.CallbackURL)
	form.Set("mac", signHex(g.cfg.Key1, raw))

	var resp zaloCreateResponse
	rawResp, err := postForm(ctx, g.client, g.cfg.Endpoint+zaloCreatePath, form, &resp)
	if err != nil {
		return CreateResult{}, err
	}
	if resp.ReturnCode != zaloReturnSuccess {
		return CreateResult{}, fmt.Errorf("%w: zalopay code %d/%d: %s",
			ErrProviderRejected, resp.ReturnCode, resp.SubReturnCode, resp.ReturnMessage)
	}

	return CreateResult{
		PayURL:         resp.OrderURL,
		TransactionRef: appTransID,
		Raw:            rawResp,
	}, nil
}

type zaloCallbackEnvelope struct {
	Data string `json:"data"`
	Mac  string `json:"mac"`
	Type int    `json:"type"`
}

type zaloCallbackData struct {
	AppID      int    `json:"app_id"`
	AppTransID string `json:"app_trans_id"`
	AppUser    string `json:"app_user"`
	AppTime    int64  `json:"app_time"`
	Amount     int64  `json:"amount"`
	ZPTransID  int64  `json:"zp_trans_id"`
	ServerTime int64  `json:"server_time"`
	Channel    int    `json:"channel"`
}

// VerifyCallback recomputes the envelope MAC with key2 before decoding the
// inner data. A mismatch rejects the callback outright.
func (g *ZaloPayGateway) VerifyCallback(ctx context.Context, body []byte) (CallbackResult, error) {
	var envelope zaloCallbackEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return CallbackResult{}, fmt.Errorf("%w: %v", ErrMalformedCallback, err)
	}
	if envelope.Data == "" || envelope.Mac == "" {
		return CallbackResult{}, fmt.Errorf("%w: missing data or mac", ErrMalformedCallback)
	}

	if !macEqual(signHex(g.cfg.Key2, envelope.Data), envelope.Mac) {
		return CallbackResult{}, fmt.Errorf("%w: zalopay callback", ErrSignatureMismatch)
	}

	data, raw, err := decodeInto[zaloCallbackData]([]byte(envelope.Data))
	if err != nil {
		return CallbackResult{}, fmt.Errorf("%w: %v", ErrMalformedCallback, err)
	}

	orderID := orderIDFromAppTransID(data.AppTransID)
	if orderID == "" {
		return CallbackResult{}, fmt.Errorf("%w: malformed app_trans_id %q", ErrMalformedCallback, data.AppTransID)
	}

	// ZaloPay only calls back on settled transactions.
	return CallbackResult{
		OrderID:       orderID,
		TransactionID: strconv.FormatInt(data.ZPTransID, 10),
		State:         StatePaid,
		Raw:           raw,
	}, nil
}

type zaloQueryResponse struct {
	ReturnCode    int    `json:"return_code"`
	ReturnMessage string `json:"return_message"`
	SubReturnCode int    `json:"sub_return_code"`
	IsProcessing  bool   `json:"is_processing"`
	Amount        int64  `json:"amount"`
	ZPTransID     int64  `json:"zp_trans_id"`
}

// QueryTransaction polls the provider by the app transaction id derived from
// the order's creation time.
func (g *ZaloPayGateway) QueryTransaction(ctx context.Context, order domain.Order) (StatusResult, error) {
	appTransID := AppTransID(order.CreatedAt, order.OrderID)
	raw := fmt.Sprintf("%d|%s|%s", g.cfg.AppID, appTransID, g.cfg.Key1)

	form := url.Values{}
	form.Set("app_id", strconv.Itoa(g.cfg.AppID))
	form.Set("app_trans_id", appTransID)
	form.Set("mac", signHex(g.cfg.Key1, raw))

	var resp zaloQueryResponse
	rawResp, err := postForm(ctx, g.client, g.cfg.Endpoint+zaloQueryPath, form, &resp)
	if err != nil {
		return StatusResult{}, err
	}

	result := StatusResult{
		State: zaloState(resp.ReturnCode),
		Raw:   rawResp,
	}
	if resp.ZPTransID != 0 {
		result.TransactionID = strconv.FormatInt(resp.ZPTransID, 10)
	}
	return result, nil
}

type zaloRefundResponse struct {
	ReturnCode    int    `json:"return_code"`
	ReturnMessage string `json:"return_message"`
	SubReturnCode int    `json:"sub_return_code"`
	RefundID      int64  `json:"refund_id"`
}

// Refund requests a refund of a settled transaction. Under sandbox
// conditions the provider call is skipped and a synthetic refund id is
// returned.
func (g *ZaloPayGateway) Refund(ctx context.Context, req RefundRequest) (RefundResult, error) {
	if req.Amount <= 0 {
		return RefundResult{}, fmt.Errorf("zalopay: refund amount must be positive, got %d", req.Amount)
	}
	if g.simulated(req.OrderID) {
		return RefundResult{
			RefundID:  "SIM-" + g.newID(),
			Simulated: true,
			Raw:       map[string]any{"return_code": float64(zaloReturnSuccess), "return_message": "simulated refund"},
		}, nil
	}
	zpTransID, err := strconv.ParseInt(req.TransactionID, 10, 64)
	if err != nil || zpTransID == 0 {
		return RefundResult{}, fmt.Errorf("%w: zalopay refund for order %s", ErrMissingTransaction, req.OrderID)
	}

	now := g.clock()
	timestamp := now.UnixMilli()
	mRefundID := fmt.Sprintf("%s_%d_%s", now.Format("060102"), g.cfg.AppID, g.newID())
	raw := fmt.Sprintf("%d|%d|%d|%s|%d", g.cfg.AppID, zpTransID, req.Amount, req.Description, timestamp)

	form := url.Values{}
	form.Set("app_id", strconv.Itoa(g.cfg.AppID))
	form.Set("m_refund_id", mRefundID)
	form.Set("zp_trans_id", strconv.FormatInt(zpTransID, 10))
	form.Set("amount", strconv.FormatInt(req.Amount, 10))
	form.Set("timestamp", strconv.FormatInt(timestamp, 10))
	form.Set("description", req.Description)
	form.Set("mac", signHex(g.cfg.Key1, raw))

	var resp zaloRefundResponse
	rawResp, err := postForm(ctx, g.client, g.cfg.Endpoint+zaloRefundPath, form, &resp)
	if err != nil {
		return RefundResult{}, err
	}
	if resp.ReturnCode == zaloReturnFailure {
		return RefundResult{}, fmt.Errorf("%w: zalopay refund code %d/%d: %s",
			ErrProviderRejected, resp.ReturnCode, resp.SubReturnCode, resp.ReturnMessage)
	}

	return RefundResult{RefundID: mRefundID, Raw: rawResp}, nil
}

// QueryRefund polls the status of a refund by the merchant refund id.
func (g *ZaloPayGateway) QueryRefund(ctx context.Context, refundID string) (RefundStatus, error) {
	if strings.HasPrefix(refundID, "SIM-") {
		return RefundStatus{
			State: StatePaid,
			Raw:   map[string]any{"return_code": float64(zaloReturnSuccess), "return_message": "simulated refund"},
		}, nil
	}

	timestamp := g.clock().UnixMilli()
	raw := fmt.Sprintf("%d|%s|%d", g.cfg.AppID, refundID, timestamp)

	form := url.Values{}
	form.Set("app_id", strconv.Itoa(g.cfg.AppID))
	form.Set("m_refund_id", refundID)
	form.Set("timestamp", strconv.FormatInt(timestamp, 10))
	form.Set("mac", signHex(g.cfg.Key1, raw))

	var resp zaloQueryResponse
	rawResp, err := postForm(ctx, g.client, g.cfg.Endpoint+zaloRefundQueryPath, form, &resp)
	if err != nil {
		return RefundStatus{}, err
	}
	return RefundStatus{State: zaloState(resp.ReturnCode), Raw: rawResp}, nil
}

func (g *ZaloPayGateway) simulated(orderID string) bool {
	if g.cfg.SimulateRefunds {
		return true
	}
	if strings.HasPrefix(orderID, "TEST") {
		return true
	}
	return strings.Contains(g.cfg.Endpoint, "sb-openapi")
}

func orderIDFromAppTransID(appTransID string) string {
	_, orderID, ok := strings.Cut(appTransID, "_")
	if !ok {
		return ""
	}
	return orderID
}

func zaloState(returnCode int) TransactionState {
	switch returnCode {
	case zaloReturnSuccess:
		return StatePaid
	case zaloReturnFailure:
		return StateFailed
	case zaloReturnProcessing:
		return StatePending
	default:
		return StatePending
	}
}

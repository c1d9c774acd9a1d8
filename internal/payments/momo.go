package payments

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/vietcart/api/internal/domain"
)

const (
	momoCreatePath      = "/v2/gateway/api/create"
	momoQueryPath       = "/v2/gateway/api/query"
	momoRefundPath      = "/v2/gateway/api/refund"
	momoRefundQueryPath = "/v2/gateway/api/refund/query"

	momoResultSuccess = 0
)

// momoPendingCodes are result codes for transactions still in flight.
var momoPendingCodes = map[int]bool{
	1000: true, // initiated, awaiting user
	7000: true, // being processed
	7002: true, // being processed by provider
	9000: true, // authorised, not yet captured
}

// momoFailedCodes are definitive negative verdicts; anything not listed and
// not successful or pending stays pending and is retried on the next poll.
var momoFailedCodes = map[int]bool{
	1003: true, // cancelled
	1005: true, // url or qr expired
	1006: true, // user declined
}

// MoMoConfig carries the partner credentials and endpoints for the MoMo
// wallet gateway.
type MoMoConfig struct {
	PartnerCode string
	AccessKey   string
	SecretKey   string
	// Endpoint is the API origin, e.g. https://test-payment.momo.vn.
	Endpoint    string
	RedirectURL string
	IPNURL      string
	RequestType string
	// SimulateRefunds short-circuits refund calls with a synthetic success.
	SimulateRefunds bool
}

// MoMoGateway implements Gateway against the MoMo v2 partner API. All
// requests are signed with HMAC-SHA256 over an alphabetically ordered
// key=value concatenation, hex encoded.
type MoMoGateway struct {
	cfg    MoMoConfig
	client *http.Client
	clock  func() time.Time
	newID  func() string
}

// MoMoOption customises the gateway.
type MoMoOption func(*MoMoGateway)

// WithMoMoHTTPClient overrides the outbound HTTP client.
func WithMoMoHTTPClient(client *http.Client) MoMoOption {
	return func(g *MoMoGateway) {
		if client != nil {
			g.client = client
		}
	}
}

// WithMoMoClock injects a custom clock, primarily for tests.
func WithMoMoClock(clock func() time.Time) MoMoOption {
	return func(g *MoMoGateway) {
		if clock != nil {
			g.clock = clock
		}
	}
}

// WithMoMoIDGenerator overrides request id generation.
func WithMoMoIDGenerator(gen func() string) MoMoOption {
	return func(g *MoMoGateway) {
		if gen != nil {
			g.newID = gen
		}
	}
}

// NewMoMoGateway validates the config and constructs the adapter.
func NewMoMoGateway(cfg MoMoConfig, opts ...MoMoOption) (*MoMoGateway, error) {
	if cfg.PartnerCode == "" || cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, errors.New("momo: partner code, access key, and secret key are required")
	}
	if cfg.Endpoint == "" {
		return nil, errors.New("momo: endpoint is required")
	}
	if cfg.RequestType == "" {
		cfg.RequestType = "captureWallet"
	}
	cfg.Endpoint = strings.TrimRight(cfg.Endpoint, "/")

	g := &MoMoGateway{
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

type momoCreateResponse struct {
	PartnerCode string `json:"partnerCode"`
	OrderID     string `json:"orderId"`
	RequestID   string `json:"requestId"`
	Amount      int64  `json:"amount"`
	PayURL      string `json:"payUrl"`
	ResultCode  int    `json:"resultCode"`
	Message     string `json:"message"`
}

// CreateTransaction builds a signed create request and returns the redirect
// URL embedded in the provider response.
func (g *MoMoGateway) CreateTransaction(ctx context.Context, req CreateRequest) (CreateResult, error) {
	if req.OrderID == "" {
		return CreateResult{}, errors.New("momo: order id is required")
	}
	if req.Amount <= 0 {
		return CreateResult{}, fmt.Errorf("momo: amount must be positive, got %d", req.Amount)
	}

	requestID := g.newID()
	extraData := ""
	raw := fmt.Sprintf("accessKey=%s&amount=%d&extraData=%s&ipnUrl=%s&orderId=%s&orderInfo=%s&partnerCode=%s&redirectUrl=%s&requestId=%s&requestType=%s",
		g.cfg.AccessKey, req.Amount, extraData, g.cfg.IPNURL, req.OrderID, req.Description,
		g.cfg.PartnerCode, g.cfg.RedirectURL, requestID, g.cfg.RequestType)

	payload := map[string]any{
		"partnerCode": g.cfg.PartnerCode,
		"requestId":   requestID,
		"amount":      req.Amount,
		"orderId":     req.OrderID,
		"orderInfo":   req.Description,
		"redirectUrl": g.cfg.RedirectURL,
		"ipnUrl":      g.cfg.IPNURL,
		"extraData":   extraData,
		"requestType": g.cfg.RequestType,
		"lang":        "vi",
		"signature":   signHex(g.cfg.SecretKey, raw),
	}

	var resp momoCreateResponse
	rawResp, err := postJSON(ctx, g.client, g.cfg.Endpoint+momoCreatePath, payload, &resp)
	if err != nil {
		return CreateResult{}, err
	}
	if resp.ResultCode != momoResultSuccess {
		return CreateResult{}, fmt.Errorf("%w: momo code %d: %s", ErrProviderRejected, resp.ResultCode, resp.Message)
	}

	return CreateResult{
		PayURL:         resp.PayURL,
		TransactionRef: requestID,
		Raw:            rawResp,
	}, nil
}

type momoCallbackPayload struct {
	PartnerCode  string `json:"partnerCode"`
	OrderID      string `json:"orderId"`
	RequestID    string `json:"requestId"`
	Amount       int64  `json:"amount"`
	OrderInfo    string `json:"orderInfo"`
	OrderType    string `json:"orderType"`
	TransID      int64  `json:"transId"`
	ResultCode   int    `json:"resultCode"`
	Message      string `json:"message"`
	PayType      string `json:"payType"`
	ResponseTime int64  `json:"responseTime"`
	ExtraData    string `json:"extraData"`
	Signature    string `json:"signature"`
}

// VerifyCallback authenticates the IPN payload by recomputing its signature
// with the partner access key before trusting any field in it.
func (g *MoMoGateway) VerifyCallback(ctx context.Context, body []byte) (CallbackResult, error) {
	payload, raw, err := decodeInto[momoCallbackPayload](body)
	if err != nil {
		return CallbackResult{}, fmt.Errorf("%w: %v", ErrMalformedCallback, err)
	}
	if payload.OrderID == "" {
		return CallbackResult{}, fmt.Errorf("%w: missing orderId", ErrMalformedCallback)
	}

	expected := fmt.Sprintf("accessKey=%s&amount=%d&extraData=%s&message=%s&orderId=%s&orderInfo=%s&orderType=%s&partnerCode=%s&payType=%s&requestId=%s&responseTime=%d&resultCode=%d&transId=%d",
		g.cfg.AccessKey, payload.Amount, payload.ExtraData, payload.Message, payload.OrderID,
		payload.OrderInfo, payload.OrderType, payload.PartnerCode, payload.PayType,
		payload.RequestID, payload.ResponseTime, payload.ResultCode, payload.TransID)
	if !macEqual(signHex(g.cfg.SecretKey, expected), payload.Signature) {
		return CallbackResult{}, fmt.Errorf("%w: momo callback for order %s", ErrSignatureMismatch, payload.OrderID)
	}

	return CallbackResult{
		OrderID:       payload.OrderID,
		TransactionID: strconv.FormatInt(payload.TransID, 10),
		State:         momoState(payload.ResultCode),
		Raw:           raw,
	}, nil
}

type momoQueryResponse struct {
	OrderID    string `json:"orderId"`
	TransID    int64  `json:"transId"`
	ResultCode int    `json:"resultCode"`
	Message    string `json:"message"`
	Amount     int64  `json:"amount"`
}

// QueryTransaction polls the provider for the order's settlement outcome.
func (g *MoMoGateway) QueryTransaction(ctx context.Context, order domain.Order) (StatusResult, error) {
	requestID := g.newID()
	raw := fmt.Sprintf("accessKey=%s&orderId=%s&partnerCode=%s&requestId=%s",
		g.cfg.AccessKey, order.OrderID, g.cfg.PartnerCode, requestID)

	payload := map[string]any{
		"partnerCode": g.cfg.PartnerCode,
		"requestId":   requestID,
		"orderId":     order.OrderID,
		"lang":        "vi",
		"signature":   signHex(g.cfg.SecretKey, raw),
	}

	var resp momoQueryResponse
	rawResp, err := postJSON(ctx, g.client, g.cfg.Endpoint+momoQueryPath, payload, &resp)
	if err != nil {
		return StatusResult{}, err
	}

	result := StatusResult{
		State: momoState(resp.ResultCode),
		Raw:   rawResp,
	}
	if resp.TransID != 0 {
		result.TransactionID = strconv.FormatInt(resp.TransID, 10)
	}
	return result, nil
}

type momoRefundResponse struct {
	OrderID    string `json:"orderId"`
	TransID    int64  `json:"transId"`
	ResultCode int    `json:"resultCode"`
	Message    string `json:"message"`
}

// Refund requests a refund of a settled transaction. Under sandbox
// conditions the provider call is skipped and a synthetic refund id is
// returned so the cancellation flow can run without live credentials.
func (g *MoMoGateway) Refund(ctx context.Context, req RefundRequest) (RefundResult, error) {
	if req.Amount <= 0 {
		return RefundResult{}, fmt.Errorf("momo: refund amount must be positive, got %d", req.Amount)
	}
	if g.simulated(req.OrderID) {
		return RefundResult{
			RefundID:  "SIM-" + g.newID(),
			Simulated: true,
			Raw:       map[string]any{"resultCode": float64(momoResultSuccess), "message": "simulated refund"},
		}, nil
	}
	transID, err := strconv.ParseInt(req.TransactionID, 10, 64)
	if err != nil || transID == 0 {
		return RefundResult{}, fmt.Errorf("%w: momo refund for order %s", ErrMissingTransaction, req.OrderID)
	}

	refundOrderID := "RF-" + g.newID()
	requestID := g.newID()
	raw := fmt.Sprintf("accessKey=%s&amount=%d&description=%s&orderId=%s&partnerCode=%s&requestId=%s&transId=%d",
		g.cfg.AccessKey, req.Amount, req.Description, refundOrderID, g.cfg.PartnerCode, requestID, transID)

	payload := map[string]any{
		"partnerCode": g.cfg.PartnerCode,
		"requestId":   requestID,
		"orderId":     refundOrderID,
		"amount":      req.Amount,
		"transId":     transID,
		"description": req.Description,
		"lang":        "vi",
		"signature":   signHex(g.cfg.SecretKey, raw),
	}

	var resp momoRefundResponse
	rawResp, err := postJSON(ctx, g.client, g.cfg.Endpoint+momoRefundPath, payload, &resp)
	if err != nil {
		return RefundResult{}, err
	}
	if resp.ResultCode != momoResultSuccess {
		return RefundResult{}, fmt.Errorf("%w: momo refund code %d: %s", ErrProviderRejected, resp.ResultCode, resp.Message)
	}

	return RefundResult{RefundID: refundOrderID, Raw: rawResp}, nil
}

// QueryRefund polls the status of a refund by the refund order id.
func (g *MoMoGateway) QueryRefund(ctx context.Context, refundID string) (RefundStatus, error) {
	if strings.HasPrefix(refundID, "SIM-") {
		return RefundStatus{
			State: StatePaid,
			Raw:   map[string]any{"resultCode": float64(momoResultSuccess), "message": "simulated refund"},
		}, nil
	}

	requestID := g.newID()
	raw := fmt.Sprintf("accessKey=%s&orderId=%s&partnerCode=%s&requestId=%s",
		g.cfg.AccessKey, refundID, g.cfg.PartnerCode, requestID)

	payload := map[string]any{
		"partnerCode": g.cfg.PartnerCode,
		"requestId":   requestID,
		"orderId":     refundID,
		"lang":        "vi",
		"signature":   signHex(g.cfg.SecretKey, raw),
	}

	var resp momoQueryResponse
	rawResp, err := postJSON(ctx, g.client, g.cfg.Endpoint+momoRefundQueryPath, payload, &resp)
	if err != nil {
		return RefundStatus{}, err
	}
	return RefundStatus{State: momoState(resp.ResultCode), Raw: rawResp}, nil
}

func (g *MoMoGateway) simulated(orderID string) bool {
	if g.cfg.SimulateRefunds {
		return true
	}
	if strings.HasPrefix(orderID, "TEST") {
		return true
	}
	return strings.Contains(g.cfg.Endpoint, "test-payment")
}

func momoState(resultCode int) TransactionState {
	switch {
	case resultCode == momoResultSuccess:
		return StatePaid
	case momoPendingCodes[resultCode]:
		return StatePending
	case momoFailedCodes[resultCode]:
		return StateFailed
	default:
		return StatePending
	}
}

package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	domain "github.com/vietcart/api/internal/domain"
)

const (
	testMoMoPartner = "PARTNER"
	testMoMoAccess  = "access-key"
	testMoMoSecret  = "secret-key"
)

func testSignHex(secret, raw string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(raw))
	return hex.EncodeToString(mac.Sum(nil))
}

func newTestMoMoGateway(t *testing.T, endpoint string, simulate bool) *MoMoGateway {
	t.Helper()
	seq := 0
	gw, err := NewMoMoGateway(MoMoConfig{
		PartnerCode:     testMoMoPartner,
		AccessKey:       testMoMoAccess,
		SecretKey:       testMoMoSecret,
		Endpoint:        endpoint,
		RedirectURL:     "https://shop.example.com/return",
		IPNURL:          "https://shop.example.com/orders/momo/callback",
		SimulateRefunds: simulate,
	},
		WithMoMoClock(func() time.Time { return time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC) }),
		WithMoMoIDGenerator(func() string {
			seq++
			return fmt.Sprintf("req-%d", seq)
		}),
	)
	if err != nil {
		t.Fatalf("NewMoMoGateway: %v", err)
	}
	return gw
}

func TestMoMoCreateTransaction(t *testing.T) {
	var gotPayload map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != momoCreatePath {
			t.Errorf("path = %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotPayload); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"partnerCode": testMoMoPartner,
			"orderId":     "OD-1",
			"requestId":   gotPayload["requestId"],
			"amount":      535000,
			"payUrl":      "https://test-payment.momo.vn/pay/abc",
			"resultCode":  0,
			"message":     "Success",
		})
	}))
	defer server.Close()

	gw := newTestMoMoGateway(t, server.URL, false)
	result, err := gw.CreateTransaction(context.Background(), CreateRequest{
		OrderID:     "OD-1",
		Amount:      535000,
		Description: "Thanh toan don hang OD-1",
	})
	if err != nil {
		t.Fatalf("CreateTransaction: %v", err)
	}
	if result.PayURL != "https://test-payment.momo.vn/pay/abc" {
		t.Errorf("pay url = %q", result.PayURL)
	}

	// The server-side signature must verify against the request fields.
	raw := fmt.Sprintf("accessKey=%s&amount=%v&extraData=%s&ipnUrl=%s&orderId=%s&orderInfo=%s&partnerCode=%s&redirectUrl=%s&requestId=%s&requestType=%s",
		testMoMoAccess, int64(gotPayload["amount"].(float64)), gotPayload["extraData"],
		gotPayload["ipnUrl"], gotPayload["orderId"], gotPayload["orderInfo"],
		gotPayload["partnerCode"], gotPayload["redirectUrl"], gotPayload["requestId"], gotPayload["requestType"])
	if gotPayload["signature"] != testSignHex(testMoMoSecret, raw) {
		t.Error("create request signature does not verify")
	}
}

func TestMoMoCreateTransactionProviderRejection(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"resultCode": 41, "message": "duplicate orderId"})
	}))
	defer server.Close()

	gw := newTestMoMoGateway(t, server.URL, false)
	_, err := gw.CreateTransaction(context.Background(), CreateRequest{OrderID: "OD-1", Amount: 1000})
	if !errors.Is(err, ErrProviderRejected) {
		t.Fatalf("err = %v, want ErrProviderRejected", err)
	}
}

func momoCallbackBody(t *testing.T, resultCode int, tamper bool) []byte {
	t.Helper()
	payload := momoCallbackPayload{
		PartnerCode:  testMoMoPartner,
		OrderID:      "OD-1",
		RequestID:    "req-1",
		Amount:       535000,
		OrderInfo:    "Thanh toan don hang OD-1",
		OrderType:    "momo_wallet",
		TransID:      4088878653,
		ResultCode:   resultCode,
		Message:      "Success",
		PayType:      "qr",
		ResponseTime: 1741000000000,
	}
	raw := fmt.Sprintf("accessKey=%s&amount=%d&extraData=%s&message=%s&orderId=%s&orderInfo=%s&orderType=%s&partnerCode=%s&payType=%s&requestId=%s&responseTime=%d&resultCode=%d&transId=%d",
		testMoMoAccess, payload.Amount, payload.ExtraData, payload.Message, payload.OrderID,
		payload.OrderInfo, payload.OrderType, payload.PartnerCode, payload.PayType,
		payload.RequestID, payload.ResponseTime, payload.ResultCode, payload.TransID)
	payload.Signature = testSignHex(testMoMoSecret, raw)
	if tamper {
		payload.Amount = 1
	}
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal callback: %v", err)
	}
	return body
}

func TestMoMoVerifyCallback(t *testing.T) {
	gw := newTestMoMoGateway(t, "https://payment.momo.vn", false)

	result, err := gw.VerifyCallback(context.Background(), momoCallbackBody(t, 0, false))
	if err != nil {
		t.Fatalf("VerifyCallback: %v", err)
	}
	if result.OrderID != "OD-1" {
		t.Errorf("order id = %q", result.OrderID)
	}
	if result.TransactionID != "4088878653" {
		t.Errorf("transaction id = %q", result.TransactionID)
	}
	if result.State != StatePaid {
		t.Errorf("state = %q, want paid", result.State)
	}
}

func TestMoMoVerifyCallbackFailureCode(t *testing.T) {
	gw := newTestMoMoGateway(t, "https://payment.momo.vn", false)

	result, err := gw.VerifyCallback(context.Background(), momoCallbackBody(t, 1006, false))
	if err != nil {
		t.Fatalf("VerifyCallback: %v", err)
	}
	if result.State != StateFailed {
		t.Errorf("state = %q, want failed", result.State)
	}
}

func TestMoMoVerifyCallbackSignatureMismatch(t *testing.T) {
	gw := newTestMoMoGateway(t, "https://payment.momo.vn", false)

	_, err := gw.VerifyCallback(context.Background(), momoCallbackBody(t, 0, true))
	if !errors.Is(err, ErrSignatureMismatch) {
		t.Fatalf("err = %v, want ErrSignatureMismatch", err)
	}
}

func TestMoMoQueryTransaction(t *testing.T) {
	cases := []struct {
		resultCode int
		want       TransactionState
	}{
		{0, StatePaid},
		{1000, StatePending},
		{9000, StatePending},
		{1005, StateFailed},
		{1006, StateFailed},
		{7002, StatePending},
		{99, StatePending},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("code_%d", tc.resultCode), func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != momoQueryPath {
					t.Errorf("path = %s", r.URL.Path)
				}
				json.NewEncoder(w).Encode(map[string]any{
					"orderId":    "OD-1",
					"transId":    4088878653,
					"resultCode": tc.resultCode,
				})
			}))
			defer server.Close()

			gw := newTestMoMoGateway(t, server.URL, false)
			result, err := gw.QueryTransaction(context.Background(), domain.Order{OrderID: "OD-1"})
			if err != nil {
				t.Fatalf("QueryTransaction: %v", err)
			}
			if result.State != tc.want {
				t.Errorf("state = %q, want %q", result.State, tc.want)
			}
		})
	}
}

func TestMoMoRefundSimulated(t *testing.T) {
	gw := newTestMoMoGateway(t, "https://payment.momo.vn", true)

	result, err := gw.Refund(context.Background(), RefundRequest{OrderID: "OD-1", Amount: 1000})
	if err != nil {
		t.Fatalf("Refund: %v", err)
	}
	if !result.Simulated {
		t.Error("refund not simulated despite flag")
	}
	if result.RefundID == "" {
		t.Error("simulated refund id empty")
	}

	status, err := gw.QueryRefund(context.Background(), result.RefundID)
	if err != nil {
		t.Fatalf("QueryRefund: %v", err)
	}
	if status.State != StatePaid {
		t.Errorf("refund state = %q", status.State)
	}
}

func TestMoMoRefundSandboxHost(t *testing.T) {
	gw := newTestMoMoGateway(t, "https://test-payment.momo.vn", false)

	result, err := gw.Refund(context.Background(), RefundRequest{OrderID: "OD-1", Amount: 1000, TransactionID: "4088878653"})
	if err != nil {
		t.Fatalf("Refund: %v", err)
	}
	if !result.Simulated {
		t.Error("sandbox host refund not simulated")
	}
}

func TestMoMoRefundRequiresTransactionID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("provider must not be called without a transaction id")
	}))
	defer server.Close()

	gw := newTestMoMoGateway(t, server.URL, false)
	_, err := gw.Refund(context.Background(), RefundRequest{OrderID: "OD-1", Amount: 1000})
	if !errors.Is(err, ErrMissingTransaction) {
		t.Fatalf("err = %v, want ErrMissingTransaction", err)
	}
}

package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	domain "github.com/vietcart/api/internal/domain"
)

const (
	testZaloAppID = 2553
	testZaloKey1  = "key-one"
	testZaloKey2  = "key-two"
)

func newTestZaloPayGateway(t *testing.T, endpoint string, simulate bool) *ZaloPayGateway {
	t.Helper()
	seq := 0
	gw, err := NewZaloPayGateway(ZaloPayConfig{
		AppID:           testZaloAppID,
		Key1:            testZaloKey1,
		Key2:            testZaloKey2,
		Endpoint:        endpoint,
		CallbackURL:     "https://shop.example.com/orders/zalopay/callback",
		SimulateRefunds: simulate,
	},
		WithZaloPayClock(func() time.Time { return time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC) }),
		WithZaloPayIDGenerator(func() string {
			seq++
			return fmt.Sprintf("rf-%d", seq)
		}),
	)
	if err != nil {
		t.Fatalf("NewZaloPayGateway: %v", err)
	}
	return gw
}

func TestZaloPayAppTransID(t *testing.T) {
	issued := time.Date(2025, 3, 1, 23, 59, 0, 0, time.UTC)
	if got := AppTransID(issued, "OD-1"); got != "250301_OD-1" {
		t.Errorf("app trans id = %q, want 250301_OD-1", got)
	}
}

func TestZaloPayCreateTransaction(t *testing.T) {
	var gotForm map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != zaloCreatePath {
			t.Errorf("path = %s", r.URL.Path)
		}
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		gotForm = map[string]string{}
		for key := range r.PostForm {
			gotForm[key] = r.PostForm.Get(key)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"return_code":    1,
			"return_message": "Giao dịch thành công",
			"order_url":      "https://sb-openapi.zalopay.vn/pay/xyz",
			"zp_trans_token": "token-xyz",
		})
	}))
	defer server.Close()

	gw := newTestZaloPayGateway(t, server.URL, false)
	issued := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	result, err := gw.CreateTransaction(context.Background(), CreateRequest{
		OrderID:     "OD-1",
		Amount:      535000,
		Description: "Thanh toan don hang OD-1",
		IssuedAt:    issued,
	})
	if err != nil {
		t.Fatalf("CreateTransaction: %v", err)
	}
	if result.PayURL != "https://sb-openapi.zalopay.vn/pay/xyz" {
		t.Errorf("pay url = %q", result.PayURL)
	}
	if result.TransactionRef != "250301_OD-1" {
		t.Errorf("transaction ref = %q", result.TransactionRef)
	}

	raw := fmt.Sprintf("%s|%s|%s|%s|%s|%s|%s",
		gotForm["app_id"], gotForm["app_trans_id"], gotForm["app_user"],
		gotForm["amount"], gotForm["app_time"], gotForm["embed_data"], gotForm["item"])
	if gotForm["mac"] != testSignHex(testZaloKey1, raw) {
		t.Error("create request mac does not verify")
	}
}

func TestZaloPayCreateTransactionProviderRejection(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"return_code": 2, "sub_return_code": -68, "return_message": "trans info invalid"})
	}))
	defer server.Close()

	gw := newTestZaloPayGateway(t, server.URL, false)
	_, err := gw.CreateTransaction(context.Background(), CreateRequest{OrderID: "OD-1", Amount: 1000})
	if !errors.Is(err, ErrProviderRejected) {
		t.Fatalf("err = %v, want ErrProviderRejected", err)
	}
}

func zaloCallbackBody(t *testing.T, mac string) []byte {
	t.Helper()
	data, err := json.Marshal(zaloCallbackData{
		AppID:      testZaloAppID,
		AppTransID: "250301_OD-1",
		AppUser:    "vietcart",
		Amount:     535000,
		ZPTransID:  250301000000123,
		ServerTime: 1741000000000,
		Channel:    38,
	})
	if err != nil {
		t.Fatalf("marshal data: %v", err)
	}
	if mac == "" {
		mac = testSignHex(testZaloKey2, string(data))
	}
	body, err := json.Marshal(zaloCallbackEnvelope{Data: string(data), Mac: mac, Type: 1})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return body
}

func TestZaloPayVerifyCallback(t *testing.T) {
	gw := newTestZaloPayGateway(t, "https://openapi.zalopay.vn", false)

	result, err := gw.VerifyCallback(context.Background(), zaloCallbackBody(t, ""))
	if err != nil {
		t.Fatalf("VerifyCallback: %v", err)
	}
	if result.OrderID != "OD-1" {
		t.Errorf("order id = %q, want OD-1", result.OrderID)
	}
	if result.TransactionID != strconv.FormatInt(250301000000123, 10) {
		t.Errorf("transaction id = %q", result.TransactionID)
	}
	if result.State != StatePaid {
		t.Errorf("state = %q, want paid", result.State)
	}
}

func TestZaloPayVerifyCallbackMacMismatch(t *testing.T) {
	gw := newTestZaloPayGateway(t, "https://openapi.zalopay.vn", false)

	_, err := gw.VerifyCallback(context.Background(), zaloCallbackBody(t, "deadbeef"))
	if !errors.Is(err, ErrSignatureMismatch) {
		t.Fatalf("err = %v, want ErrSignatureMismatch", err)
	}
}

func TestZaloPayQueryTransaction(t *testing.T) {
	cases := []struct {
		returnCode int
		want       TransactionState
	}{
		{1, StatePaid},
		{2, StateFailed},
		{3, StatePending},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("code_%d", tc.returnCode), func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != zaloQueryPath {
					t.Errorf("path = %s", r.URL.Path)
				}
				if err := r.ParseForm(); err != nil {
					t.Fatalf("parse form: %v", err)
				}
				if got := r.PostForm.Get("app_trans_id"); got != "250301_OD-1" {
					t.Errorf("app_trans_id = %q", got)
				}
				raw := fmt.Sprintf("%d|%s|%s", testZaloAppID, r.PostForm.Get("app_trans_id"), testZaloKey1)
				if r.PostForm.Get("mac") != testSignHex(testZaloKey1, raw) {
					t.Error("query mac does not verify")
				}
				json.NewEncoder(w).Encode(map[string]any{
					"return_code": tc.returnCode,
					"zp_trans_id": 250301000000123,
				})
			}))
			defer server.Close()

			gw := newTestZaloPayGateway(t, server.URL, false)
			order := domain.Order{
				OrderID:   "OD-1",
				CreatedAt: time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC),
			}
			result, err := gw.QueryTransaction(context.Background(), order)
			if err != nil {
				t.Fatalf("QueryTransaction: %v", err)
			}
			if result.State != tc.want {
				t.Errorf("state = %q, want %q", result.State, tc.want)
			}
		})
	}
}

func TestZaloPayRefundSimulatedByTestPrefix(t *testing.T) {
	gw := newTestZaloPayGateway(t, "https://openapi.zalopay.vn", false)

	result, err := gw.Refund(context.Background(), RefundRequest{OrderID: "TEST-OD-1", Amount: 1000})
	if err != nil {
		t.Fatalf("Refund: %v", err)
	}
	if !result.Simulated {
		t.Error("TEST-prefixed order refund not simulated")
	}
}

func TestZaloPayRefundProduction(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != zaloRefundPath {
			t.Errorf("path = %s", r.URL.Path)
		}
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		raw := fmt.Sprintf("%d|%s|%s|%s|%s", testZaloAppID,
			r.PostForm.Get("zp_trans_id"), r.PostForm.Get("amount"),
			r.PostForm.Get("description"), r.PostForm.Get("timestamp"))
		if r.PostForm.Get("mac") != testSignHex(testZaloKey1, raw) {
			t.Error("refund mac does not verify")
		}
		json.NewEncoder(w).Encode(map[string]any{"return_code": 3, "refund_id": 99001})
	}))
	defer server.Close()

	gw := newTestZaloPayGateway(t, server.URL, false)
	result, err := gw.Refund(context.Background(), RefundRequest{
		OrderID:       "OD-1",
		TransactionID: "250301000000123",
		Amount:        535000,
		Description:   "hoan tien OD-1",
	})
	if err != nil {
		t.Fatalf("Refund: %v", err)
	}
	if result.Simulated {
		t.Error("production refund marked simulated")
	}
	if result.RefundID == "" {
		t.Error("refund id empty")
	}
}

func TestZaloPayRefundRequiresTransactionID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("provider must not be called without a transaction id")
	}))
	defer server.Close()

	gw := newTestZaloPayGateway(t, server.URL, false)
	_, err := gw.Refund(context.Background(), RefundRequest{OrderID: "OD-1", Amount: 1000})
	if !errors.Is(err, ErrMissingTransaction) {
		t.Fatalf("err = %v, want ErrMissingTransaction", err)
	}
}

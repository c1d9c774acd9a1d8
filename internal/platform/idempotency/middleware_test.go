package idempotency

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

var fixedTime = time.Date(2025, time.March, 2, 12, 0, 0, 0, time.UTC)

func checkoutRequest(key, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/orders/", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}
	return req
}

func TestMiddlewarePassesThroughWithoutKey(t *testing.T) {
	store := NewMemoryStore()
	calls := 0
	handler := Middleware(store)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusCreated)
	}))

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, checkoutRequest("", `{"orderId":"OD-1"}`))
		if rec.Code != http.StatusCreated {
			t.Fatalf("status = %d", rec.Code)
		}
	}
	if calls != 2 {
		t.Errorf("handler calls = %d, want 2", calls)
	}
}

func TestMiddlewareReplaysStoredResponse(t *testing.T) {
	store := NewMemoryStore()
	calls := 0
	handler := Middleware(store, WithClock(func() time.Time { return fixedTime }))(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls++
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"order":{"orderId":"OD-1"}}`))
		}))

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, checkoutRequest("key-1", `{"orderId":"OD-1"}`))
	if first.Code != http.StatusCreated {
		t.Fatalf("first status = %d", first.Code)
	}
	if first.Header().Get("X-Idempotent-Replay") != "" {
		t.Error("first response must not carry the replay header")
	}

	second := httptest.NewRecorder()
	handler.ServeHTTP(second, checkoutRequest("key-1", `{"orderId":"OD-1"}`))
	if second.Code != http.StatusCreated {
		t.Fatalf("replay status = %d", second.Code)
	}
	if second.Header().Get("X-Idempotent-Replay") != "true" {
		t.Error("replay header missing")
	}
	if second.Body.String() != first.Body.String() {
		t.Errorf("replayed body = %q, want %q", second.Body.String(), first.Body.String())
	}
	if calls != 1 {
		t.Errorf("handler calls = %d, want 1", calls)
	}
}

func TestMiddlewareRejectsKeyReuseWithDifferentBody(t *testing.T) {
	store := NewMemoryStore()
	handler := Middleware(store, WithClock(func() time.Time { return fixedTime }))(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusCreated)
		}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, checkoutRequest("key-1", `{"orderId":"OD-1"}`))
	if rec.Code != http.StatusCreated {
		t.Fatalf("first status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, checkoutRequest("key-1", `{"orderId":"OD-2"}`))
	if rec.Code != http.StatusConflict {
		t.Fatalf("reuse status = %d", rec.Code)
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["error"] != "idempotency_key_conflict" {
		t.Errorf("error code = %v", resp["error"])
	}
}

func TestMiddlewareReportsInFlightKey(t *testing.T) {
	store := NewMemoryStore()
	now := fixedTime
	if _, err := store.Reserve(context.Background(), "key-1", fingerprintFor(t), now, time.Hour); err != nil {
		t.Fatalf("seed reservation: %v", err)
	}

	handler := Middleware(store, WithClock(func() time.Time { return now }))(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Error("handler must not run while the key is pending")
		}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, checkoutRequest("key-1", `{"orderId":"OD-1"}`))
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestMiddlewareRejectsOversizedKey(t *testing.T) {
	store := NewMemoryStore()
	handler := Middleware(store)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler must not run")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, checkoutRequest(strings.Repeat("k", 200), `{}`))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestMemoryStoreExpiryReclaimsKey(t *testing.T) {
	store := NewMemoryStore()
	now := fixedTime

	res, err := store.Reserve(context.Background(), "key-1", "fp", now, time.Minute)
	if err != nil || res.State != ReservationStateNew {
		t.Fatalf("reserve: state %v err %v", res.State, err)
	}

	later := now.Add(2 * time.Minute)
	res, err = store.Reserve(context.Background(), "key-1", "fp-2", later, time.Minute)
	if err != nil {
		t.Fatalf("reserve after expiry: %v", err)
	}
	if res.State != ReservationStateNew {
		t.Errorf("state = %v, want new after expiry", res.State)
	}
}

func TestMemoryStoreCleanupExpired(t *testing.T) {
	store := NewMemoryStore()
	now := fixedTime
	for _, key := range []string{"a", "b", "c"} {
		if _, err := store.Reserve(context.Background(), key, "fp", now, time.Minute); err != nil {
			t.Fatalf("reserve %s: %v", key, err)
		}
	}

	removed, err := store.CleanupExpired(context.Background(), now.Add(time.Hour), 10)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if removed != 3 {
		t.Errorf("removed = %d, want 3", removed)
	}
}

// fingerprintFor recomputes the fingerprint the middleware derives for the
// canonical checkout request used across these tests.
func fingerprintFor(t *testing.T) string {
	t.Helper()
	return requestFingerprint(checkoutRequest("key-1", `{"orderId":"OD-1"}`), []byte(`{"orderId":"OD-1"}`))
}

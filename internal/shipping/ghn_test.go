package shipping

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	domain "github.com/vietcart/api/internal/domain"
)

func newGHNServer(t *testing.T, fee int64, masterDataCalls *atomic.Int64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Token") != "ghn-token" {
			t.Errorf("missing token header")
		}
		if r.Header.Get("ShopId") != "4321" {
			t.Errorf("shop id header = %q", r.Header.Get("ShopId"))
		}

		switch r.URL.Path {
		case ghnProvincePath:
			if masterDataCalls != nil {
				masterDataCalls.Add(1)
			}
			json.NewEncoder(w).Encode(map[string]any{
				"code": 200,
				"data": []map[string]any{
					{"ProvinceID": 201, "ProvinceName": "Hà Nội", "NameExtension": []string{"Ha Noi", "Hanoi"}},
					{"ProvinceID": 202, "ProvinceName": "Hồ Chí Minh", "NameExtension": []string{"Ho Chi Minh", "TPHCM"}},
				},
			})
		case ghnDistrictPath:
			if masterDataCalls != nil {
				masterDataCalls.Add(1)
			}
			json.NewEncoder(w).Encode(map[string]any{
				"code": 200,
				"data": []map[string]any{
					{"DistrictID": 1482, "DistrictName": "Quận Hoàn Kiếm", "NameExtension": []string{"Hoan Kiem", "Hoàn Kiếm"}},
				},
			})
		case ghnWardPath:
			if masterDataCalls != nil {
				masterDataCalls.Add(1)
			}
			json.NewEncoder(w).Encode(map[string]any{
				"code": 200,
				"data": []map[string]any{
					{"WardCode": "1A0401", "WardName": "Phường Hàng Trống", "NameExtension": []string{"Hang Trong", "Hàng Trống"}},
				},
			})
		case ghnFeePath:
			var payload map[string]any
			json.NewDecoder(r.Body).Decode(&payload)
			if payload["to_district_id"] != float64(1482) {
				t.Errorf("to_district_id = %v", payload["to_district_id"])
			}
			if payload["to_ward_code"] != "1A0401" {
				t.Errorf("to_ward_code = %v", payload["to_ward_code"])
			}
			json.NewEncoder(w).Encode(map[string]any{
				"code": 200,
				"data": map[string]any{"total": fee},
			})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

func newTestClient(t *testing.T, endpoint string) *Client {
	t.Helper()
	client, err := NewClient(Config{
		Endpoint:       endpoint,
		Token:          "ghn-token",
		ShopID:         4321,
		FromDistrictID: 1454,
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return client
}

func hanoiReceiver() domain.Receiver {
	return domain.Receiver{
		Name:         "Nguyen Van A",
		CityName:     "Ha Noi",
		DistrictName: "Hoan Kiem",
		WardName:     "Hang Trong",
	}
}

func TestQuoteFee(t *testing.T) {
	server := newGHNServer(t, 35000, nil)
	defer server.Close()

	client := newTestClient(t, server.URL)
	fee, err := client.QuoteFee(context.Background(), hanoiReceiver())
	if err != nil {
		t.Fatalf("QuoteFee: %v", err)
	}
	if fee != 35000 {
		t.Errorf("fee = %d, want 35000", fee)
	}
}

func TestQuoteFeeCachesMasterData(t *testing.T) {
	var masterDataCalls atomic.Int64
	server := newGHNServer(t, 35000, &masterDataCalls)
	defer server.Close()

	client := newTestClient(t, server.URL)
	for range 3 {
		if _, err := client.QuoteFee(context.Background(), hanoiReceiver()); err != nil {
			t.Fatalf("QuoteFee: %v", err)
		}
	}
	if got := masterDataCalls.Load(); got != 3 {
		t.Errorf("master data lookups = %d, want 3 (province, district, ward once each)", got)
	}
}

func TestQuoteFeeUnknownDistrict(t *testing.T) {
	server := newGHNServer(t, 35000, nil)
	defer server.Close()

	client := newTestClient(t, server.URL)
	receiver := hanoiReceiver()
	receiver.DistrictName = "Quan Khong Ton Tai"
	_, err := client.QuoteFee(context.Background(), receiver)
	if !errors.Is(err, ErrAddressNotFound) {
		t.Fatalf("err = %v, want ErrAddressNotFound", err)
	}
}

func TestQuoteFeeMissingCity(t *testing.T) {
	client := newTestClient(t, "https://online-gateway.ghn.vn")
	_, err := client.QuoteFee(context.Background(), domain.Receiver{DistrictName: "Hoan Kiem"})
	if !errors.Is(err, ErrAddressNotFound) {
		t.Fatalf("err = %v, want ErrAddressNotFound", err)
	}
}

func TestQuoteFeeCarrierRejection(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case ghnProvincePath:
			json.NewEncoder(w).Encode(map[string]any{
				"code": 200,
				"data": []map[string]any{{"ProvinceID": 201, "ProvinceName": "Hà Nội", "NameExtension": []string{"Ha Noi"}}},
			})
		case ghnDistrictPath:
			json.NewEncoder(w).Encode(map[string]any{
				"code": 200,
				"data": []map[string]any{{"DistrictID": 1482, "DistrictName": "Hoàn Kiếm", "NameExtension": []string{"Hoan Kiem"}}},
			})
		case ghnWardPath:
			json.NewEncoder(w).Encode(map[string]any{
				"code": 200,
				"data": []map[string]any{{"WardCode": "1A0401", "WardName": "Hàng Trống", "NameExtension": []string{"Hang Trong"}}},
			})
		case ghnFeePath:
			json.NewEncoder(w).Encode(map[string]any{"code": 400, "message": "route not supported"})
		}
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	_, err := client.QuoteFee(context.Background(), hanoiReceiver())
	if !errors.Is(err, ErrQuoteRejected) {
		t.Fatalf("err = %v, want ErrQuoteRejected", err)
	}
}

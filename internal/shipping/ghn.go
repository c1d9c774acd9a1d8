// Package shipping quotes delivery fees through the GHN public API. The
// receiver address carries names only, so the client resolves GHN's numeric
// district ids and ward codes from its master data before asking for a fee.
package shipping

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	domain "github.com/vietcart/api/internal/domain"
)

const (
	ghnProvincePath = "/shiip/public-api/master-data/province"
	ghnDistrictPath = "/shiip/public-api/master-data/district"
	ghnWardPath     = "/shiip/public-api/master-data/ward"
	ghnFeePath      = "/shiip/public-api/v2/shipping-order/fee"

	defaultServiceTypeID = 2
	defaultWeightGrams   = 500
	defaultTimeout       = 15 * time.Second
)

var (
	// ErrAddressNotFound indicates the receiver's city, district, or ward is
	// unknown to the carrier's master data.
	ErrAddressNotFound = errors.New("shipping: address not found")
	// ErrQuoteRejected indicates the carrier answered with a non-success code.
	ErrQuoteRejected = errors.New("shipping: fee quote rejected")
)

// Config carries the GHN shop credentials and quoting defaults.
type Config struct {
	// Endpoint is the API origin, e.g. https://online-gateway.ghn.vn.
	Endpoint string
	Token    string
	ShopID   int
	// FromDistrictID is the warehouse district the shop ships from.
	FromDistrictID int
	ServiceTypeID  int
	// WeightGrams is the parcel weight used for every quote.
	WeightGrams int
}

// Client implements services.FeeQuoter against the GHN gateway. Master data
// lookups are cached for the process lifetime; the dataset is static.
type Client struct {
	cfg    Config
	client *http.Client

	mu        sync.Mutex
	provinces map[string]int
	districts map[string]int
	wards     map[string]string
}

// Option customises the client.
type Option func(*Client)

// WithHTTPClient overrides the outbound HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.client = client
		}
	}
}

// NewClient validates the config and constructs the client.
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("shipping: endpoint is required")
	}
	if cfg.Token == "" || cfg.ShopID == 0 {
		return nil, errors.New("shipping: token and shop id are required")
	}
	if cfg.FromDistrictID == 0 {
		return nil, errors.New("shipping: from district id is required")
	}
	if cfg.ServiceTypeID == 0 {
		cfg.ServiceTypeID = defaultServiceTypeID
	}
	if cfg.WeightGrams == 0 {
		cfg.WeightGrams = defaultWeightGrams
	}
	cfg.Endpoint = strings.TrimRight(cfg.Endpoint, "/")

	c := &Client{
		cfg:       cfg,
		client:    &http.Client{Timeout: defaultTimeout},
		provinces: map[string]int{},
		districts: map[string]int{},
		wards:     map[string]string{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// QuoteFee resolves the receiver address and returns the carrier's quoted fee.
func (c *Client) QuoteFee(ctx context.Context, receiver domain.Receiver) (int64, error) {
	if receiver.CityName == "" || receiver.DistrictName == "" {
		return 0, fmt.Errorf("%w: city and district are required", ErrAddressNotFound)
	}

	provinceID, err := c.provinceID(ctx, receiver.CityName)
	if err != nil {
		return 0, err
	}
	districtID, err := c.districtID(ctx, provinceID, receiver.DistrictName)
	if err != nil {
		return 0, err
	}
	wardCode, err := c.wardCode(ctx, districtID, receiver.WardName)
	if err != nil {
		return 0, err
	}

	payload := map[string]any{
		"from_district_id": c.cfg.FromDistrictID,
		"to_district_id":   districtID,
		"to_ward_code":     wardCode,
		"service_type_id":  c.cfg.ServiceTypeID,
		"weight":           c.cfg.WeightGrams,
	}

	var resp struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Data    struct {
			Total int64 `json:"total"`
		} `json:"data"`
	}
	if err := c.post(ctx, ghnFeePath, payload, &resp); err != nil {
		return 0, err
	}
	if resp.Code != http.StatusOK {
		return 0, fmt.Errorf("%w: code %d: %s", ErrQuoteRejected, resp.Code, resp.Message)
	}
	if resp.Data.Total < 0 {
		return 0, fmt.Errorf("%w: negative fee %d", ErrQuoteRejected, resp.Data.Total)
	}
	return resp.Data.Total, nil
}

type ghnPlace struct {
	ProvinceID    int      `json:"ProvinceID"`
	DistrictID    int      `json:"DistrictID"`
	WardCode      string   `json:"WardCode"`
	ProvinceName  string   `json:"ProvinceName"`
	DistrictName  string   `json:"DistrictName"`
	WardName      string   `json:"WardName"`
	NameExtension []string `json:"NameExtension"`
}

func (c *Client) provinceID(ctx context.Context, cityName string) (int, error) {
	key := normalizeName(cityName)
	c.mu.Lock()
	if id, ok := c.provinces[key]; ok {
		c.mu.Unlock()
		return id, nil
	}
	c.mu.Unlock()

	var resp struct {
		Code int        `json:"code"`
		Data []ghnPlace `json:"data"`
	}
	if err := c.post(ctx, ghnProvincePath, nil, &resp); err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, place := range resp.Data {
		if matchesName(cityName, place.ProvinceName, place.NameExtension) {
			c.provinces[key] = place.ProvinceID
			return place.ProvinceID, nil
		}
	}
	return 0, fmt.Errorf("%w: province %q", ErrAddressNotFound, cityName)
}

func (c *Client) districtID(ctx context.Context, provinceID int, districtName string) (int, error) {
	key := fmt.Sprintf("%d/%s", provinceID, normalizeName(districtName))
	c.mu.Lock()
	if id, ok := c.districts[key]; ok {
		c.mu.Unlock()
		return id, nil
	}
	c.mu.Unlock()

	var resp struct {
		Code int        `json:"code"`
		Data []ghnPlace `json:"data"`
	}
	if err := c.post(ctx, ghnDistrictPath, map[string]any{"province_id": provinceID}, &resp); err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, place := range resp.Data {
		if matchesName(districtName, place.DistrictName, place.NameExtension) {
			c.districts[key] = place.DistrictID
			return place.DistrictID, nil
		}
	}
	return 0, fmt.Errorf("%w: district %q", ErrAddressNotFound, districtName)
}

func (c *Client) wardCode(ctx context.Context, districtID int, wardName string) (string, error) {
	// Some districts have no ward subdivision; GHN accepts an empty ward code.
	if wardName == "" {
		return "", nil
	}

	key := fmt.Sprintf("%d/%s", districtID, normalizeName(wardName))
	c.mu.Lock()
	if code, ok := c.wards[key]; ok {
		c.mu.Unlock()
		return code, nil
	}
	c.mu.Unlock()

	var resp struct {
		Code int        `json:"code"`
		Data []ghnPlace `json:"data"`
	}
	if err := c.post(ctx, ghnWardPath, map[string]any{"district_id": districtID}, &resp); err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, place := range resp.Data {
		if matchesName(wardName, place.WardName, place.NameExtension) {
			c.wards[key] = place.WardCode
			return place.WardCode, nil
		}
	}
	return "", fmt.Errorf("%w: ward %q", ErrAddressNotFound, wardName)
}

func (c *Client) post(ctx context.Context, path string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("shipping: encode request: %w", err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint+path, body)
	if err != nil {
		return fmt.Errorf("shipping: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Token", c.cfg.Token)
	req.Header.Set("ShopId", fmt.Sprintf("%d", c.cfg.ShopID))

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("shipping: call ghn: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("shipping: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("shipping: ghn returned status %d", resp.StatusCode)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("shipping: decode response: %w", err)
	}
	return nil
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func matchesName(wanted, canonical string, extensions []string) bool {
	target := normalizeName(wanted)
	if target == normalizeName(canonical) {
		return true
	}
	for _, ext := range extensions {
		if target == normalizeName(ext) {
			return true
		}
	}
	return false
}

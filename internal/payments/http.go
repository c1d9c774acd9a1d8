package payments

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultRequestTimeout = 15 * time.Second

// newHTTPClient returns the default outbound client. Provider calls carry a
// bounded timeout; a timed-out call is a retryable failure, never a verdict.
func newHTTPClient() *http.Client {
	return &http.Client{Timeout: defaultRequestTimeout}
}

func signHex(secret string, message string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}

func macEqual(a, b string) bool {
	return hmac.Equal([]byte(a), []byte(b))
}

func postJSON(ctx context.Context, client *http.Client, endpoint string, payload any, out any) (map[string]any, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("payments: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("payments: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return doRequest(client, req, out)
}

func postForm(ctx context.Context, client *http.Client, endpoint string, form url.Values, out any) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("payments: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return doRequest(client, req, out)
}

// decodeInto unmarshals a provider payload into both a typed struct and the
// generic map persisted verbatim on the order document.
func decodeInto[T any](body []byte) (T, map[string]any, error) {
	var typed T
	if err := json.Unmarshal(body, &typed); err != nil {
		return typed, nil, err
	}
	raw := map[string]any{}
	if err := json.Unmarshal(body, &raw); err != nil {
		return typed, nil, err
	}
	return typed, raw, nil
}

// doRequest executes the call and decodes the body twice: once into the typed
// response and once into a generic map kept verbatim on the order document.
func doRequest(client *http.Client, req *http.Request, out any) (map[string]any, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("payments: call %s: %w", req.URL.Host, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("payments: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("payments: %s returned status %d", req.URL.Host, resp.StatusCode)
	}

	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return nil, fmt.Errorf("payments: decode response: %w", err)
		}
	}
	raw := map[string]any{}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("payments: decode response: %w", err)
	}
	return raw, nil
}

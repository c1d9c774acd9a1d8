package handlers

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"
)

var errBodyTooLarge = errors.New("request body too large")

// readLimitedBody drains the request body up to limit bytes and fails when the
// payload is larger.
func readLimitedBody(r *http.Request, limit int64) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()

	body, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > limit {
		return nil, errBodyTooLarge
	}
	return body, nil
}

func formatTime(ts time.Time) string {
	if ts.IsZero() {
		return ""
	}
	return ts.UTC().Format(time.RFC3339)
}

func formatTimePtr(ts *time.Time) string {
	if ts == nil {
		return ""
	}
	return formatTime(*ts)
}

func trimmed(value string) string {
	return strings.TrimSpace(value)
}

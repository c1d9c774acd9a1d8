// Package httpx holds the JSON response helpers shared by all handlers.
package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/vietcart/api/internal/platform/requestctx"
)

// Error is the canonical error envelope. Code is a stable machine-readable
// identifier, Message is human-readable and safe to show to API clients.
type Error struct {
	Code    string
	Message string
	Status  int
}

// NewError builds an Error, defaulting a zero status to 500.
func NewError(code, message string, status int) Error {
	if status == 0 {
		status = http.StatusInternalServerError
	}
	return Error{
		Code:    singleLine(code, 80),
		Message: singleLine(message, 512),
		Status:  status,
	}
}

type errorEnvelope struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	Status    int    `json:"status"`
	RequestID string `json:"request_id,omitempty"`
	TraceID   string `json:"trace_id,omitempty"`
}

// WriteError renders err as the JSON envelope, enriched with the request and
// trace identifiers carried on ctx.
func WriteError(ctx context.Context, w http.ResponseWriter, err Error) {
	status := err.Status
	if status == 0 {
		status = http.StatusInternalServerError
	}
	WriteJSON(w, status, errorEnvelope{
		Error:     err.Code,
		Message:   err.Message,
		Status:    status,
		RequestID: singleLine(middleware.GetReqID(ctx), 80),
		TraceID:   singleLine(requestctx.TraceID(ctx), 64),
	})
}

// WriteJSON writes payload as JSON with the given status code.
func WriteJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func singleLine(value string, limit int) string {
	value = strings.TrimSpace(strings.NewReplacer("\n", " ", "\r", " ").Replace(value))
	if len(value) > limit {
		value = value[:limit]
	}
	return value
}

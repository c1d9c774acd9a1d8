package idempotency

import (
	"bytes"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/vietcart/api/internal/platform/httpx"
)

const (
	headerName       = "Idempotency-Key"
	replayHeaderName = "X-Idempotent-Replay"
	maxKeyLength     = 128
)

type middlewareConfig struct {
	ttl    time.Duration
	clock  func() time.Time
	logger *zap.Logger
}

// MiddlewareOption customises middleware behaviour.
type MiddlewareOption func(*middlewareConfig)

// WithTTL configures how long completed records are retained.
func WithTTL(ttl time.Duration) MiddlewareOption {
	return func(cfg *middlewareConfig) {
		if ttl > 0 {
			cfg.ttl = ttl
		}
	}
}

// WithLogger injects the logger used for store failures.
func WithLogger(logger *zap.Logger) MiddlewareOption {
	return func(cfg *middlewareConfig) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

// WithClock overrides the time source for tests.
func WithClock(clock func() time.Time) MiddlewareOption {
	return func(cfg *middlewareConfig) {
		if clock != nil {
			cfg.clock = clock
		}
	}
}

// Middleware deduplicates POST requests carrying an Idempotency-Key header.
// Requests without the header pass through untouched; the key is opt-in for
// clients that retry submissions.
func Middleware(store Store, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	if store == nil {
		return func(next http.Handler) http.Handler { return next }
	}

	cfg := middlewareConfig{
		ttl:    DefaultTTL,
		clock:  time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := strings.TrimSpace(r.Header.Get(headerName))
			if r.Method != http.MethodPost || key == "" {
				next.ServeHTTP(w, r)
				return
			}
			if len(key) > maxKeyLength {
				httpx.WriteError(r.Context(), w, httpx.NewError("invalid_idempotency_key", "idempotency key exceeds allowed length", http.StatusBadRequest))
				return
			}

			body, err := bufferBody(r)
			if err != nil {
				httpx.WriteError(r.Context(), w, httpx.NewError("invalid_request", "unable to read request body", http.StatusBadRequest))
				return
			}
			fingerprint := requestFingerprint(r, body)
			now := cfg.clock().UTC()

			reservation, err := store.Reserve(r.Context(), key, fingerprint, now, cfg.ttl)
			if err != nil {
				if err == ErrFingerprintMismatch {
					httpx.WriteError(r.Context(), w, httpx.NewError("idempotency_key_conflict", "idempotency key already used for a different request", http.StatusConflict))
					return
				}
				cfg.logger.Error("idempotency reserve failed", zap.Error(err))
				httpx.WriteError(r.Context(), w, httpx.NewError("idempotency_unavailable", "unable to process idempotency key", http.StatusInternalServerError))
				return
			}

			switch reservation.State {
			case ReservationStateCompleted:
				replayResponse(w, reservation.Record)
				return
			case ReservationStatePending:
				httpx.WriteError(r.Context(), w, httpx.NewError("idempotency_in_progress", "another request is processing this idempotency key", http.StatusConflict))
				return
			}

			recorder := newResponseRecorder(w)
			next.ServeHTTP(recorder, r)

			captured := Response{
				Status:  recorder.status(),
				Headers: recorder.headerSnapshot(),
				Body:    recorder.bodyBytes(),
			}
			if err := store.SaveResponse(r.Context(), key, fingerprint, captured, cfg.clock().UTC(), cfg.ttl); err != nil {
				cfg.logger.Error("idempotency save failed", zap.String("key", key), zap.Error(err))
				if releaseErr := store.Release(r.Context(), key, fingerprint); releaseErr != nil {
					cfg.logger.Error("idempotency release failed", zap.String("key", key), zap.Error(releaseErr))
				}
			}
			recorder.flush()
		})
	}
}

func bufferBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(data))
	return data, nil
}

func requestFingerprint(r *http.Request, body []byte) string {
	var b strings.Builder
	b.WriteString(strings.ToUpper(r.Method))
	b.WriteString("|")
	b.WriteString(r.URL.Path)
	b.WriteString("|")
	b.WriteString(r.URL.RawQuery)
	b.WriteString("|")
	b.WriteString(r.Header.Get("Content-Type"))
	b.WriteString("|")
	if len(body) > 0 {
		b.WriteString(sha256Hex(body))
	}
	return sha256Hex([]byte(b.String()))
}

func replayResponse(w http.ResponseWriter, record Record) {
	header := w.Header()
	for key := range header {
		header.Del(key)
	}
	for key, values := range headersFromRecord(record.ResponseHeaders) {
		for _, value := range values {
			header.Add(key, value)
		}
	}
	header.Set(replayHeaderName, "true")

	status := record.ResponseStatus
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if len(record.ResponseBody) > 0 {
		_, _ = w.Write(record.ResponseBody)
	}
}

// responseRecorder buffers the downstream response so it can be stored before
// being flushed to the client.
type responseRecorder struct {
	parent     http.ResponseWriter
	header     http.Header
	statusCode int
	body       bytes.Buffer
}

func newResponseRecorder(parent http.ResponseWriter) *responseRecorder {
	return &responseRecorder{parent: parent, header: make(http.Header)}
}

func (r *responseRecorder) Header() http.Header {
	return r.header
}

func (r *responseRecorder) WriteHeader(status int) {
	if r.statusCode == 0 && status > 0 {
		r.statusCode = status
	}
}

func (r *responseRecorder) Write(data []byte) (int, error) {
	if r.statusCode == 0 {
		r.statusCode = http.StatusOK
	}
	return r.body.Write(data)
}

func (r *responseRecorder) status() int {
	if r.statusCode == 0 {
		return http.StatusOK
	}
	return r.statusCode
}

func (r *responseRecorder) bodyBytes() []byte {
	if r.body.Len() == 0 {
		return nil
	}
	return r.body.Bytes()
}

func (r *responseRecorder) headerSnapshot() http.Header {
	snapshot := make(http.Header, len(r.header))
	for key, values := range r.header {
		copied := make([]string, len(values))
		copy(copied, values)
		snapshot[key] = copied
	}
	return snapshot
}

func (r *responseRecorder) flush() {
	dst := r.parent.Header()
	for key, values := range r.header {
		for _, value := range values {
			dst.Add(key, value)
		}
	}
	r.parent.WriteHeader(r.status())
	if r.body.Len() > 0 {
		_, _ = r.parent.Write(r.body.Bytes())
	}
}

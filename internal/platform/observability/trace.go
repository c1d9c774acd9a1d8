package observability

import (
	"encoding/binary"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vietcart/api/internal/platform/requestctx"
)

// cloudTraceHeader carries "TRACE_ID/SPAN_ID;o=SAMPLED". SPAN_ID is decimal
// per the Cloud Trace contract, though hex is tolerated for proxies that
// rewrite it.
const cloudTraceHeader = "X-Cloud-Trace-Context"

var tracer = otel.Tracer("github.com/vietcart/api/internal/platform/observability")

// TraceMiddleware starts a server span for every request, continuing a remote
// trace when the Cloud Trace header is present, and records the trace metadata
// on the request context for the request logger.
func TraceMiddleware(projectID string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if remote, ok := parseCloudTrace(r.Header.Get(cloudTraceHeader)); ok {
				ctx = trace.ContextWithRemoteSpanContext(ctx, remote)
			}

			ctx, span := tracer.Start(ctx, r.Method+" "+requestPath(r), trace.WithSpanKind(trace.SpanKindServer))
			defer span.End()
			span.SetAttributes(requestAttributes(r)...)

			sc := span.SpanContext()
			info := requestctx.TraceInfo{
				TraceID:   sc.TraceID().String(),
				SpanID:    sc.SpanID().String(),
				Sampled:   sc.IsSampled(),
				ProjectID: projectID,
			}
			ctx = requestctx.WithTrace(ctx, info)

			sampledFlag := "0"
			if info.Sampled {
				sampledFlag = "1"
			}
			w.Header().Set(cloudTraceHeader, fmt.Sprintf("%s/%s;o=%s", info.TraceID, info.SpanID, sampledFlag))

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func parseCloudTrace(header string) (trace.SpanContext, bool) {
	header = strings.TrimSpace(header)
	slash := strings.IndexByte(header, '/')
	if slash < 0 {
		return trace.SpanContext{}, false
	}

	traceID, err := trace.TraceIDFromHex(header[:slash])
	if err != nil {
		return trace.SpanContext{}, false
	}

	rest := header[slash+1:]
	sampled := false
	if semi := strings.IndexByte(rest, ';'); semi >= 0 {
		sampled = traceSampled(rest[semi+1:])
		rest = rest[:semi]
	}

	spanID, ok := parseSpanID(rest)
	if !ok {
		return trace.SpanContext{}, false
	}

	flags := trace.TraceFlags(0)
	if sampled {
		flags = trace.FlagsSampled
	}
	return trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: flags,
		Remote:     true,
	}), true
}

func parseSpanID(value string) (trace.SpanID, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return trace.SpanID{}, false
	}

	if num, err := strconv.ParseUint(value, 10, 64); err == nil {
		var id trace.SpanID
		binary.BigEndian.PutUint64(id[:], num)
		return id, id.IsValid()
	}

	if len(value) < 16 {
		value = strings.Repeat("0", 16-len(value)) + value
	}
	id, err := trace.SpanIDFromHex(value)
	return id, err == nil
}

func traceSampled(options string) bool {
	for _, segment := range strings.Split(options, ";") {
		if strings.TrimSpace(segment) == "o=1" {
			return true
		}
	}
	return false
}

func requestPath(r *http.Request) string {
	if r.URL == nil || r.URL.Path == "" {
		return "/"
	}
	return r.URL.Path
}

func requestAttributes(r *http.Request) []attribute.KeyValue {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	attrs := []attribute.KeyValue{
		attribute.String("http.request.method", r.Method),
		attribute.String("url.scheme", scheme),
		attribute.String("url.path", requestPath(r)),
	}
	if host := r.Host; host != "" {
		attrs = append(attrs, attribute.String("server.address", host))
	}
	if ua := r.UserAgent(); ua != "" {
		attrs = append(attrs, attribute.String("user_agent.original", ua))
	}
	return attrs
}

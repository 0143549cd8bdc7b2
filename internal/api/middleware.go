package api

import (
	"context"
	"log/slog"
	"net/http"
	"regexp"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/cors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type contextKey string

// Request-scoped values set by the middleware chain.
const (
	TenantIDKey    contextKey = "tenantID"
	TraceIDKey     contextKey = "traceID"
	RequestIDKey   contextKey = "requestID"
	requestInfoKey contextKey = "requestInfo"
)

// Headers read and written by the API.
const (
	TenantIDHeader  = "X-Tenant-ID"
	RequestIDHeader = "X-Request-ID"
	TraceIDHeader   = "X-Trace-ID"
)

var tracer = otel.Tracer("kestrel-api")

// Tenant IDs end up in cache keys and NATS subjects.
var tenantPattern = regexp.MustCompile(`^[A-Za-z0-9_-][A-Za-z0-9._-]{0,63}$`)

// TenantMiddleware requires a well-formed X-Tenant-ID and stores it in the
// request context.
func TenantMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenantID, msg := tenantFrom(r)
		if msg != "" {
			writeError(w, http.StatusBadRequest, msg)
			return
		}

		ctx := r.Context()
		trace.SpanFromContext(ctx).SetAttributes(attribute.String("tenant.id", tenantID))
		recordTenant(ctx, tenantID)
		next.ServeHTTP(w, r.WithContext(context.WithValue(ctx, TenantIDKey, tenantID)))
	})
}

func tenantFrom(r *http.Request) (string, string) {
	tenantID := r.Header.Get(TenantIDHeader)
	switch {
	case tenantID == "":
		return "", TenantIDHeader + " header is required"
	case !tenantPattern.MatchString(tenantID):
		return "", TenantIDHeader + " header is malformed"
	}
	return tenantID, ""
}

// TracingMiddleware creates OpenTelemetry spans and propagates trace context.
func TracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.New().String()
		}

		ctx, span := tracer.Start(r.Context(), r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.path", r.URL.Path),
				attribute.String("request.id", requestID),
			),
		)
		defer span.End()

		traceID := span.SpanContext().TraceID().String()
		if !span.SpanContext().TraceID().IsValid() {
			traceID = requestID
		}

		ctx = context.WithValue(ctx, RequestIDKey, requestID)
		ctx = context.WithValue(ctx, TraceIDKey, traceID)

		w.Header().Set(RequestIDHeader, requestID)
		w.Header().Set(TraceIDHeader, traceID)

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(ctx))

		status := statusOf(ww)
		span.SetAttributes(attribute.Int("http.status_code", status))
		if status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(status))
		}
	})
}

// LoggingMiddleware logs HTTP requests with structured logging.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		// Tenant is set further down the chain, so read it from a shared slot.
		slot := &requestInfo{}
		next.ServeHTTP(ww, r.WithContext(context.WithValue(r.Context(), requestInfoKey, slot)))

		requestID, _ := r.Context().Value(RequestIDKey).(string)
		traceID, _ := r.Context().Value(TraceIDKey).(string)

		slog.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", statusOf(ww),
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
			"tenant_id", slot.tenantID,
			"request_id", requestID,
			"trace_id", traceID,
		)
	})
}

type requestInfo struct {
	tenantID string
}

// recordTenant fills the logging slot, if any.
func recordTenant(ctx context.Context, tenantID string) {
	if slot, ok := ctx.Value(requestInfoKey).(*requestInfo); ok {
		slot.tenantID = tenantID
	}
}

// CORSMiddleware answers browser preflights and echoes the caller's origin.
var CORSMiddleware = cors.New(cors.Options{
	AllowOriginFunc:  func(string) bool { return true },
	AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete},
	AllowedHeaders:   []string{"Content-Type", "Authorization", TenantIDHeader, RequestIDHeader, TraceIDHeader},
	ExposedHeaders:   []string{RequestIDHeader, TraceIDHeader, "Content-Disposition"},
	AllowCredentials: true,
	MaxAge:           86400,
}).Handler

// RecoverMiddleware recovers from panics and returns 500.
func RecoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				if err == http.ErrAbortHandler {
					panic(err)
				}
				slog.Error("panic recovered",
					"error", err,
					"path", r.URL.Path,
				)
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func statusOf(ww middleware.WrapResponseWriter) int {
	if ww.Status() == 0 {
		return http.StatusOK
	}
	return ww.Status()
}

// GetTenantID extracts tenant ID from context.
func GetTenantID(ctx context.Context) string {
	if v, ok := ctx.Value(TenantIDKey).(string); ok {
		return v
	}
	return ""
}

// GetTraceID extracts trace ID from context.
func GetTraceID(ctx context.Context) string {
	if v, ok := ctx.Value(TraceIDKey).(string); ok {
		return v
	}
	return ""
}

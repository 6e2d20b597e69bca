package correlation

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

const (
	HeaderCorrelationID  = "correlation-id"
	HeaderXCorrelationID = "x-correlation-id"
	HeaderTraceparent    = "traceparent"

	// AttrTxID is the transaction id attribute some producers set on the
	// Pub/Sub envelope.
	AttrTxID = "tx_id"
)

type ID struct {
	Value  string
	Source string
}

// ExtractOrGenerate extracts a correlation ID from message attributes or
// generates a new UUID.
// Priority: correlation-id > x-correlation-id > tx_id > traceparent > new UUID
func ExtractOrGenerate(attrs map[string]string) ID {
	if id := attrs[HeaderCorrelationID]; id != "" {
		return ID{Value: id, Source: HeaderCorrelationID}
	}
	if id := attrs[HeaderXCorrelationID]; id != "" {
		return ID{Value: id, Source: HeaderXCorrelationID}
	}
	if id := attrs[AttrTxID]; id != "" {
		return ID{Value: id, Source: AttrTxID}
	}
	if tp := attrs[HeaderTraceparent]; tp != "" {
		if traceID := extractTraceID(tp); traceID != "" {
			return ID{Value: traceID, Source: HeaderTraceparent}
		}
	}
	return ID{Value: uuid.New().String(), Source: "generated"}
}

// extractTraceID parses W3C traceparent format: version-traceid-parentid-flags
func extractTraceID(traceparent string) string {
	parts := strings.Split(traceparent, "-")
	if len(parts) >= 2 && len(parts[1]) == 32 {
		return parts[1]
	}
	return ""
}

// AddToHeaders adds correlation ID to headers map (creates map if nil)
func AddToHeaders(headers map[string]string, id ID) map[string]string {
	if headers == nil {
		headers = make(map[string]string, 1)
	}
	headers[HeaderCorrelationID] = id.Value
	return headers
}

// ExtractTraceContext returns ctx carrying any W3C trace context found in
// attrs.
func ExtractTraceContext(ctx context.Context, attrs map[string]string) context.Context {
	if attrs == nil {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(attrs))
}

// InjectTraceContext writes the trace context of ctx into headers (creates
// map if nil).
func InjectTraceContext(ctx context.Context, headers map[string]string) map[string]string {
	if headers == nil {
		headers = make(map[string]string, 2)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(headers))
	return headers
}

type ctxKey struct{}

// WithID stores id in ctx.
func WithID(ctx context.Context, id ID) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the correlation ID stored by WithID.
func FromContext(ctx context.Context) (ID, bool) {
	id, ok := ctx.Value(ctxKey{}).(ID)
	return id, ok
}
